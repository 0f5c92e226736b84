package lawbook

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ApplyFunc receives each successfully parsed revision of a watched file.
type ApplyFunc func(ctx context.Context, lb *Lawbook, source string) error

// Watcher reloads a lawbook file when it changes on disk.
type Watcher struct {
	Path     string
	Apply    ApplyFunc
	Debounce time.Duration
	Logger   *slog.Logger

	watcher *fsnotify.Watcher
}

// NewWatcher watches the directory containing path so that editors which
// replace the file by rename are still observed.
func NewWatcher(path string, apply ApplyFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %q: %w", abs, err)
	}
	return &Watcher{
		Path:     abs,
		Apply:    apply,
		Debounce: 500 * time.Millisecond,
		Logger:   slog.Default(),
		watcher:  fw,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.Path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.Debounce, func() { w.reload(ctx) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("lawbook watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	lb, err := ParseFile(w.Path)
	if err != nil {
		w.Logger.Warn("lawbook reload rejected", "path", w.Path, "error", err)
		return
	}
	if err := w.Apply(ctx, lb, w.Path); err != nil {
		w.Logger.Warn("lawbook reload failed", "path", w.Path, "error", err)
		return
	}
	w.Logger.Info("lawbook reloaded", "path", w.Path)
}
