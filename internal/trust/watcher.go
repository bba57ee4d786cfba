package trust

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a reload caused by an external edit of the file.
type ReloadEvent struct {
	Path    string
	Op      fsnotify.Op
	Records int
	Err     error
}

// Watcher reloads the store when the trust file is edited by someone other
// than this process. The directory is watched, not the file, because
// atomic replacement swaps the inode.
type Watcher struct {
	store  *Store
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:  store,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.store.Path())); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(w.store.Path())

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reloaded, err := w.store.ReloadIfChanged()
				if !reloaded && err == nil {
					continue
				}
				w.logger.Info("trust store changed on disk", "path", ev.Name, "op", ev.Op.String(), "error", err)
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op, Records: w.store.Len(), Err: err}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("trust watcher error", "error", err)
			}
		}
	}()
	return nil
}
