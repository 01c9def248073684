package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plateworks/mealvault/internal/config"
	"github.com/plateworks/mealvault/internal/healthsync"
	"github.com/plateworks/mealvault/internal/httpapi"
	"github.com/plateworks/mealvault/internal/importwatch"
	"github.com/plateworks/mealvault/internal/mealstore"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load(strings.TrimSpace(os.Getenv("MEALVAULT_CONFIG")))
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	applyEnvOverrides(&cfg)

	if level, parseErr := logrus.ParseLevel(cfg.LogLevel); parseErr == nil {
		logger.SetLevel(level)
	}

	bus := mealstore.NewEventBus()
	store := mealstore.NewStore(mealstore.StoreOptions{
		Dir:        cfg.DataDir,
		MaxRecords: cfg.MaxRecords,
		Logger:     logger,
		Events:     bus,
	})
	if err := store.Initialize(); err != nil {
		logger.WithError(err).Fatal("failed to initialize meal store")
	}

	var analyzer mealstore.Analyzer
	if cfg.AnalyzerURL != "" {
		analyzerToken := cfg.AnalyzerToken
		analyzer = mealstore.NewHTTPAnalyzer(mealstore.HTTPAnalyzerOptions{
			BaseURL: cfg.AnalyzerURL,
			TokenProvider: func(context.Context) (string, error) {
				return analyzerToken, nil
			},
		})
	}

	versions, err := healthsync.BuildVersionBackendFromDSN(cfg.SyncDSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize sync version backend")
	}
	if versions != nil {
		defer versions.Close()
	}
	bridge := healthsync.NewBridge(healthsync.BridgeOptions{
		Versions: versions,
		Logger:   logger,
	})

	pipeline := mealstore.NewPipeline(mealstore.PipelineOptions{
		Store:         store,
		Analyzer:      analyzer,
		Sink:          bridge,
		PendingExpiry: cfg.PendingExpiry.Std(),
		Logger:        logger,
	})

	ctx := context.Background()
	go pipeline.ResumePending(ctx)

	if cfg.ImportDir != "" {
		watcher, watchErr := importwatch.NewWatcher(importwatch.WatcherOptions{
			Dir:    cfg.ImportDir,
			Store:  store,
			Logger: logger,
		})
		if watchErr != nil {
			logger.WithError(watchErr).Fatal("failed to initialize import watcher")
		}
		go func() {
			if runErr := watcher.Run(ctx); runErr != nil && runErr != context.Canceled {
				logger.WithError(runErr).Warn("import watcher stopped")
			}
		}()
	}

	server := httpapi.NewServer(store, pipeline, bus, httpapi.ServerConfig{
		AuthToken:   cfg.AuthToken,
		Permissions: bridge,
		Logger:      logger,
	})

	logger.WithField("addr", cfg.ListenAddr).Info("mealvaultd listening")
	if err := http.ListenAndServe(cfg.ListenAddr, server); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func applyEnvOverrides(cfg *config.Config) {
	cfg.ListenAddr = strEnv("MEALVAULT_ADDR", cfg.ListenAddr)
	cfg.DataDir = strEnv("MEALVAULT_DATA_DIR", cfg.DataDir)
	cfg.MaxRecords = intEnv("MEALVAULT_MAX_RECORDS", cfg.MaxRecords)
	cfg.AuthToken = strEnv("MEALVAULT_AUTH_TOKEN", cfg.AuthToken)
	cfg.AnalyzerURL = strEnv("MEALVAULT_ANALYZER_URL", cfg.AnalyzerURL)
	cfg.AnalyzerToken = strEnv("MEALVAULT_ANALYZER_TOKEN", cfg.AnalyzerToken)
	cfg.PendingExpiry = config.Duration(durationEnv("MEALVAULT_PENDING_EXPIRY", cfg.PendingExpiry.Std()))
	cfg.SyncDSN = strEnv("MEALVAULT_SYNC_DSN", cfg.SyncDSN)
	cfg.ImportDir = strEnv("MEALVAULT_IMPORT_DIR", cfg.ImportDir)
	cfg.LogLevel = strEnv("MEALVAULT_LOG_LEVEL", cfg.LogLevel)

	if cfg.ImportDir == "" && boolEnv("MEALVAULT_IMPORT_WATCH", false) {
		cfg.ImportDir = filepath.Join(cfg.DataDir, "import")
	}
}

func strEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}
