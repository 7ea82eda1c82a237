// catalog_watcher.go: Hot reload of the metadata catalog
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"go.uber.org/zap"
)

// MetadataSink receives reloaded catalogs. *Engine implements it.
type MetadataSink interface {
	SetMetadataProvider(p MetadataProvider) error
}

// catalogStat is what the watcher compares between polls
type catalogStat struct {
	modTime  time.Time
	size     int64
	exists   bool
	polledAt int64
}

func (s catalogStat) changed(other catalogStat) bool {
	return s.exists != other.exists || s.size != other.size || !s.modTime.Equal(other.modTime)
}

// CatalogWatcher polls a catalog file and pushes every successfully parsed
// version to a MetadataSink. A version that fails to parse is reported to
// the error handler and the previous catalog stays in effect.
type CatalogWatcher struct {
	path         string
	sink         MetadataSink
	pollInterval time.Duration
	logger       *zap.Logger
	errorHandler ErrorHandler

	mu      sync.Mutex
	last    catalogStat
	current *Catalog
	reloads atomic.Int64

	running   atomic.Bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewCatalogWatcher loads the catalog at path, hands it to sink and
// prepares a watcher polling every pollInterval (default 5s).
func NewCatalogWatcher(path string, sink MetadataSink, pollInterval time.Duration, logger *zap.Logger, handler ErrorHandler) (*CatalogWatcher, error) {
	if sink == nil {
		return nil, errors.New(ErrCodeInvalidConfig, "catalog watcher requires a metadata sink")
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &CatalogWatcher{
		path:         path,
		sink:         sink,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("catalog", path)),
		errorHandler: handler,
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.last = w.stat()
	catalog, err := LoadCatalog(path, logger)
	if err != nil {
		return nil, err
	}
	if err := sink.SetMetadataProvider(catalog); err != nil {
		return nil, err
	}
	w.current = catalog
	return w, nil
}

// Start begins polling
func (w *CatalogWatcher) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New(ErrCodeEngineBusy, "catalog watcher is already running")
	}
	go w.watchLoop()
	return nil
}

// Stop stops polling and waits for the loop to exit
func (w *CatalogWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return errors.New(ErrCodeEngineStopped, "catalog watcher is not running")
	}
	w.cancel()
	close(w.stopCh)
	<-w.stoppedCh
	return nil
}

// IsRunning reports whether the watcher is polling
func (w *CatalogWatcher) IsRunning() bool {
	return w.running.Load()
}

// Catalog returns the catalog currently in effect
func (w *CatalogWatcher) Catalog() *Catalog {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads counts catalogs pushed after the initial load
func (w *CatalogWatcher) Reloads() int64 {
	return w.reloads.Load()
}

func (w *CatalogWatcher) watchLoop() {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *CatalogWatcher) stat() catalogStat {
	s := catalogStat{polledAt: timecache.CachedTimeNano()}
	if info, err := os.Stat(w.path); err == nil {
		s.exists = true
		s.modTime = info.ModTime()
		s.size = info.Size()
	}
	return s
}

// poll reloads the catalog when the file changed since the last poll
func (w *CatalogWatcher) poll() {
	current := w.stat()

	w.mu.Lock()
	changed := current.changed(w.last)
	w.last = current
	w.mu.Unlock()

	if !changed || !current.exists {
		return
	}

	catalog, err := LoadCatalog(w.path, w.logger)
	if err != nil {
		w.fail(err)
		return
	}
	if err := w.sink.SetMetadataProvider(catalog); err != nil {
		w.fail(err)
		return
	}

	w.mu.Lock()
	w.current = catalog
	w.mu.Unlock()
	w.reloads.Add(1)
	w.logger.Info("metadata catalog reloaded",
		zap.Int("params", catalog.Len()),
		zap.Int("warnings", len(catalog.Warnings())))
}

func (w *CatalogWatcher) fail(err error) {
	w.logger.Warn("metadata catalog reload failed", zap.Error(err))
	if w.errorHandler != nil {
		w.errorHandler(err, AllComponents)
	}
}
