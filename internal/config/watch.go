package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk.
//
// The parent directory is watched rather than the file itself so editors
// that replace the file via rename are still seen. Bursts of events are
// collapsed into one reload after the debounce interval.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(path string, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger.With().Str("component", "config.watcher").Str("path", abs).Logger(),
		watcher:  fw,
	}, nil
}

// Watch blocks until ctx is done, calling onChange with every config that
// loads and validates. Invalid files are logged and skipped so the running
// configuration stays in effect.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Root)) error {
	defer w.watcher.Close()
	w.logger.Info().Dur("debounce", w.debounce).Msg("config watcher started")

	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Error().Err(err).Msg("config reload rejected")
			return
		}
		w.logger.Info().Msg("config reloaded")
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug().Str("op", ev.Op.String()).Msg("config file event")
			w.schedule(reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) schedule(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, fn)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
