// Package watcher keeps the cache index honest while a deployment runs.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Index is the part of the cache index the watcher maintains.
type Index interface {
	DeleteCacheEntriesByPath(path string) (int64, error)
}

// CacheEvent is a change to a cached file made outside the downloader.
type CacheEvent struct {
	Path      string
	Operation string // "write", "remove", "rename"
	Evicted   int64
}

// CacheWatcher evicts index entries whose files are removed, renamed or
// rewritten behind the engine's back, so the next fetch re-downloads them
// instead of trusting a stale record. In-progress ".part" files are the
// downloader's own and are ignored.
type CacheWatcher struct {
	watcher   *fsnotify.Watcher
	index     Index
	logger    *slog.Logger
	events    chan CacheEvent
	watchDirs map[string]bool
	mu        sync.Mutex
	evicted   atomic.Int64
}

func New(index Index, logger *slog.Logger) (*CacheWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CacheWatcher{
		watcher:   watcher,
		index:     index,
		logger:    logger,
		events:    make(chan CacheEvent, 100),
		watchDirs: make(map[string]bool),
	}, nil
}

// AddPath watches dir and every directory below it.
func (cw *CacheWatcher) AddPath(dir string) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	return filepath.WalkDir(filepath.Clean(dir), func(walkPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || cw.watchDirs[walkPath] {
			return nil
		}
		if err := cw.watcher.Add(walkPath); err != nil {
			return err
		}
		cw.watchDirs[walkPath] = true
		return nil
	})
}

// Events delivers evictions as they happen. Events are dropped when
// nobody drains the channel.
func (cw *CacheWatcher) Events() <-chan CacheEvent {
	return cw.events
}

// Evicted counts index entries removed so far.
func (cw *CacheWatcher) Evicted() int64 {
	return cw.evicted.Load()
}

// Run processes filesystem events until ctx is done or the watcher is
// closed.
func (cw *CacheWatcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleEvent(event)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("cache watcher", "err", err)

		case <-ctx.Done():
			return
		}
	}
}

func (cw *CacheWatcher) Close() error {
	return cw.watcher.Close()
}

func (cw *CacheWatcher) handleEvent(event fsnotify.Event) {
	var operation string

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := cw.AddPath(event.Name); err != nil {
				cw.logger.Warn("watching new cache directory", "path", event.Name, "err", err)
			}
		}
		return
	case event.Has(fsnotify.Write):
		operation = "write"
	case event.Has(fsnotify.Remove):
		operation = "remove"
	case event.Has(fsnotify.Rename):
		operation = "rename"
	default:
		return
	}

	if strings.HasSuffix(event.Name, ".part") {
		return
	}

	n, err := cw.index.DeleteCacheEntriesByPath(event.Name)
	if err != nil {
		cw.logger.Warn("evicting cache entry", "path", event.Name, "err", err)
		return
	}
	if n == 0 {
		return
	}
	cw.evicted.Add(n)
	cw.logger.Debug("cached file changed outside the downloader", "path", event.Name, "op", operation)

	select {
	case cw.events <- CacheEvent{Path: event.Name, Operation: operation, Evicted: n}:
	default:
	}
}
