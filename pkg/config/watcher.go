// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the config file and hands out the latest snapshot.
// Reloads only affect asks opened after the reload; in-flight requests keep
// the configuration they started with.
type Watcher struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	current *Config

	fsw *fsnotify.Watcher
}

// NewWatcher loads the file once and returns a watcher primed with that
// snapshot. Call Start to begin following changes.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, log: log, current: cfg}, nil
}

// Current returns the latest loaded snapshot. Safe for concurrent use.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start follows the config file until ctx is cancelled. The parent
// directory is watched rather than the file itself so that editors which
// rename-and-replace (vim, most editors) keep triggering reloads.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.fsw.Close()

	// Debounce: editors fire bursts of events per save.
	var pending *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Keep the last good snapshot.
		w.log.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.log.Info("config reloaded", "path", w.path,
		"timeout_seconds", cfg.Ask.TimeoutSeconds,
		"auto_submit", cfg.Ask.AutoSubmit,
	)
}
