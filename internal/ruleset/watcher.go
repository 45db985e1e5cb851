package ruleset

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads a ruleset file whenever it changes on disk, debounced
// the same way the teacher's config watcher debounces rewrite bursts from
// editors and atomic-rename writers.
type Watcher struct {
	path      string
	registrar Registrar
	logger    zerolog.Logger
}

// NewWatcher builds a Watcher bound to path, applying reloads to r.
func NewWatcher(path string, r Registrar, logger zerolog.Logger) *Watcher {
	return &Watcher{path: path, registrar: r, logger: logger}
}

// Run loads the ruleset once and then blocks, reloading on every debounced
// write/create event until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := LoadInto(ctx, w.path, w.registrar); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	w.handleEvents(ctx, watcher.Events, watcher.Errors)
	return ctx.Err()
}

func (w *Watcher) handleEvents(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	var lastReload time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if time.Since(lastReload) < debounceReload {
				continue
			}
			lastReload = time.Now()
			if err := LoadInto(ctx, w.path, w.registrar); err != nil {
				w.logger.Warn().Err(err).Str("path", w.path).Msg("ruleset reload failed, keeping previous limits")
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("ruleset watcher error")
		}
	}
}
