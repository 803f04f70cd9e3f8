package logs

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ManifestWatcher re-runs a callback whenever a batch manifest changes on
// disk. It watches the manifest's directory rather than the file itself:
// editors and generators replace files by rename, which would silently
// detach a file-level watch.
type ManifestWatcher struct {
	logger   zerolog.Logger
	debounce time.Duration
}

// NewManifestWatcher creates a watcher with a 500ms reload debounce.
func NewManifestWatcher(logger zerolog.Logger) *ManifestWatcher {
	return &ManifestWatcher{
		logger:   logger.With().Str("component", "manifest-watcher").Logger(),
		debounce: 500 * time.Millisecond,
	}
}

// Watch blocks until ctx is done, invoking onChange after every settled
// change to the manifest file. onChange errors are logged, not fatal: a
// broken edit should not kill the watch.
func (w *ManifestWatcher) Watch(ctx context.Context, path string, onChange func(ctx context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w.logger.Info().Str("manifest", abs).Msg("Watching manifest")

	// onChange runs on this goroutine: a change landing mid-run queues
	// behind the running batch instead of starting a second one.
	var (
		reloadTimer *time.Timer
		reloadC     <-chan time.Time
	)
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Manifest changed")

			// Debounce: editors produce bursts of events per save. A
			// fresh timer and channel drop any stale fire from the old one.
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.NewTimer(w.debounce)
			reloadC = reloadTimer.C

		case <-reloadC:
			reloadC = nil
			if err := onChange(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Manifest reload failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
