// Package importwatch watches a drop directory for exported meal
// bundles and imports them into the store. Bundle files are renamed
// after processing so a restart never re-imports the same file.
package importwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/plateworks/mealvault/internal/mealstore"
)

const (
	importedSuffix = ".imported"
	failedSuffix   = ".failed"

	// settleDelay gives the writer time to finish before we read a
	// freshly created bundle file.
	defaultSettleDelay = 500 * time.Millisecond
)

type WatcherOptions struct {
	Dir         string
	Store       *mealstore.Store
	SettleDelay time.Duration
	Logger      *logrus.Logger
}

type Watcher struct {
	dir         string
	store       *mealstore.Store
	settleDelay time.Duration
	log         *logrus.Logger
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, errors.New("importwatch: drop directory is required")
	}
	if opts.Store == nil {
		return nil, errors.New("importwatch: store is required")
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{
		dir:         opts.Dir,
		store:       opts.Store,
		settleDelay: settle,
		log:         logger,
	}, nil
}

// Run scans existing bundles, then blocks relaying filesystem events
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	if err := w.ScanOnce(ctx); err != nil {
		return err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isBundleCandidate(event.Name) {
				continue
			}
			if !sleepContext(ctx, w.settleDelay) {
				return ctx.Err()
			}
			w.processFile(event.Name)
		case watchErr, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(watchErr).Warn("import watcher error")
		}
	}
}

// ScanOnce imports every candidate bundle already present in the drop
// directory. Run calls it on startup; it is also usable standalone.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if !isBundleCandidate(path) {
			continue
		}
		w.processFile(path)
	}
	return nil
}

func (w *Watcher) processFile(path string) {
	logger := w.log.WithField("bundle", filepath.Base(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		logger.WithError(err).Warn("failed to read bundle file")
		return
	}

	bundle, err := mealstore.ParseBundle(data)
	if err != nil {
		logger.WithError(err).Warn("rejecting invalid bundle")
		w.markDone(path, failedSuffix)
		return
	}

	imported, err := w.store.Import(bundle)
	if err != nil {
		logger.WithError(err).Warn("bundle import failed")
		w.markDone(path, failedSuffix)
		return
	}

	logger.WithField("imported", imported).Info("bundle imported")
	w.markDone(path, importedSuffix)
}

func (w *Watcher) markDone(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.log.WithField("bundle", filepath.Base(path)).WithError(err).Warn("failed to rename processed bundle")
	}
}

func isBundleCandidate(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, importedSuffix) || strings.HasSuffix(name, failedSuffix) {
		return false
	}
	return strings.HasSuffix(name, ".json")
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
