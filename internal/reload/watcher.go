// Package reload watches the policy file and layer catalog and reapplies them
// when they change on disk.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// Handler receives the set of watched files that changed within one debounce
// window.
type Handler func(ctx context.Context, changed []string)

// Watcher watches the parent directories of a fixed set of files so that
// editors replacing a file by rename are still seen.
type Watcher struct {
	files    map[string]struct{}
	debounce time.Duration
	handler  Handler
	log      *slog.Logger

	fw       *fsnotify.Watcher
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewWatcher(paths []string, debounce time.Duration, h Handler, log *slog.Logger) (*Watcher, error) {
	if h == nil {
		return nil, errors.New("reload: handler is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	files := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("reload: %s: %w", p, err)
		}
		files[filepath.Clean(abs)] = struct{}{}
	}
	if len(files) == 0 {
		return nil, errors.New("reload: nothing to watch")
	}
	return &Watcher{
		files:    files,
		debounce: debounce,
		handler:  h,
		log:      log.With("component", "reload_watcher"),
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reload: new watcher: %w", err)
	}
	dirs := map[string]struct{}{}
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			_ = fw.Close()
			return fmt.Errorf("reload: watch %s: %w", d, err)
		}
	}
	w.fw = fw

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	w.log.Info("watching files", "count", len(w.files))
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		if w.fw != nil {
			_ = w.fw.Close()
		}
	})
}

func (w *Watcher) loop(ctx context.Context) {
	pending := map[string]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(ev.Name)
			if _, watched := w.files[name]; !watched {
				continue
			}
			pending[name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			changed := make([]string, 0, len(pending))
			for f := range pending {
				changed = append(changed, f)
			}
			clear(pending)
			w.handler(ctx, changed)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", "err", err)
		}
	}
}
