package userdata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// RemovedHandler is called with the id of a user whose directory disappeared
// from the data root.
type RemovedHandler func(userID string)

// Watcher reports user directories removed from the data root, which is how
// account deletion by the account service shows up on this side.
type Watcher struct {
	layout   *Layout
	watcher  *fsnotify.Watcher
	onRemove RemovedHandler
	logger   zerolog.Logger
}

func NewWatcher(layout *Layout, onRemove RemovedHandler, logger zerolog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(layout.Root(), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(layout.Root()); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", layout.Root(), err)
	}
	return &Watcher{
		layout:   layout,
		watcher:  w,
		onRemove: onRemove,
		logger:   logger.With().Str("component", "userdata-watcher").Logger(),
	}, nil
}

// Run blocks until ctx is done or the underlying watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if filepath.Dir(event.Name) != filepath.Clean(w.layout.Root()) {
		return
	}
	userID, ok := UserIDFromDir(filepath.Base(event.Name))
	if !ok {
		return
	}
	w.logger.Info().Str("user_id", userID).Msg("user directory removed")
	if w.onRemove != nil {
		w.onRemove(userID)
	}
}
