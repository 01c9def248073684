package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plateworks/mealvault/internal/importwatch"
	"github.com/plateworks/mealvault/internal/mealstore"
)

func main() {
	dataDir := flag.String("data-dir", envOrDefault("MEALVAULT_DATA_DIR", "./data"), "meal store data directory")
	watchDir := flag.String("watch-dir", strings.TrimSpace(os.Getenv("MEALVAULT_IMPORT_DIR")), "bundle drop directory")
	settle := flag.Duration("settle", durationEnv("MEALVAULT_IMPORT_SETTLE", 0), "delay before reading a new bundle")
	once := flag.Bool("once", false, "import existing bundles and exit")
	flag.Parse()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(envOrDefault("MEALVAULT_LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(level)
	}

	if strings.TrimSpace(*watchDir) == "" {
		logger.Fatal("watch-dir is required (--watch-dir or MEALVAULT_IMPORT_DIR)")
	}

	store := mealstore.NewStore(mealstore.StoreOptions{
		Dir:    *dataDir,
		Logger: logger,
	})
	if err := store.Initialize(); err != nil {
		logger.WithError(err).Fatal("failed to initialize meal store")
	}

	watcher, err := importwatch.NewWatcher(importwatch.WatcherOptions{
		Dir:         strings.TrimSpace(*watchDir),
		Store:       store,
		SettleDelay: *settle,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize import watcher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := watcher.ScanOnce(ctx); err != nil {
			logger.WithError(err).Fatal("import scan failed")
		}
		return
	}

	logger.WithField("dir", *watchDir).Info("watching for meal bundles")
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("import watcher failed")
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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
