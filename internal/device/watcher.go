// Package device watches the device-storage payload directory for
// out-of-band changes. The daemon owns every file in that directory, so
// any external write or removal means local state no longer matches the
// records; the watcher logs it and nudges the reconciliation engine so
// the next pass can repair remote state.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Notifier is the engine nudge hook.
type Notifier interface {
	NotifyChanged()
}

// Watcher monitors the payload directory. The directory is flat; payload
// files are keyed by record id, so no recursion is needed.
type Watcher struct {
	dir    string
	engine Notifier
	logger *slog.Logger
}

// NewWatcher creates a watcher over the payload directory.
func NewWatcher(dir string, engine Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, engine: engine, logger: logger}
}

// Run blocks consuming filesystem events until ctx is cancelled. The
// payload directory is created if it does not exist yet so the watch can
// be established before the first routed file.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("creating payload directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching payload directory: %w", err)
	}

	w.logger.Info("watching device storage", slog.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if shouldIgnore(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		// The daemon never removes payload files outside RemoveFile, so
		// a removal event here means the bytes are gone out from under a
		// live record.
		w.logger.Warn("payload file removed outside the daemon",
			slog.String("path", event.Name),
		)
	case event.Has(fsnotify.Write):
		// Writes include the daemon's own routed placements, so they
		// are not worth a warning; the nudge below is idempotent either
		// way.
		w.logger.Debug("payload file written", slog.String("path", event.Name))
	default:
		return
	}

	w.engine.NotifyChanged()
}

// shouldIgnore filters hidden and editor temp files.
func shouldIgnore(path string) bool {
	name := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		name = path[idx+1:]
	}

	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp")
}
