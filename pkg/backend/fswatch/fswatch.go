// Package fswatch implements the host-side file watchers shared by the
// execution backends. Backends that keep their workspace on the host (the
// docker backend via a bind mount, the local backend directly) watch it with
// fsnotify instead of polling the sandbox.
package fswatch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/conductorhq/conductor/pkg/backend"
)

// Workspace pushes file change notifications for a workspace directory.
// fsnotify is not recursive, so directories are added to the watch as they
// appear.
func Workspace(ctx context.Context, workspaceDir string) (<-chan backend.FileChange, func(), error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	// Watch the tree as it exists now; new subdirectories join on create.
	err = filepath.WalkDir(workspaceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, nil, err
	}

	changes := make(chan backend.FileChange, 32)
	done := make(chan struct{})

	go func() {
		defer close(changes)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				change, emit := translateEvent(watcher, workspaceDir, ev)
				if !emit {
					continue
				}
				select {
				case changes <- change:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("workspace watcher error", "dir", workspaceDir, "error", err)
			}
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(done)
			watcher.Close()
		})
	}
	return changes, stop, nil
}

// translateEvent maps one fsnotify event to a FileChange, adding new
// directories to the watch instead of emitting them.
func translateEvent(watcher *fsnotify.Watcher, workspaceDir string, ev fsnotify.Event) (backend.FileChange, bool) {
	rel, err := filepath.Rel(workspaceDir, ev.Name)
	if err != nil {
		return backend.FileChange{}, false
	}
	rel = filepath.ToSlash(rel)

	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return backend.FileChange{}, false
		}
		if info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				slog.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
			}
			return backend.FileChange{}, false
		}
		content, _ := os.ReadFile(ev.Name)
		return backend.FileChange{Op: backend.FileCreated, Path: rel, Content: string(content)}, true

	case ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return backend.FileChange{}, false
		}
		content, _ := os.ReadFile(ev.Name)
		return backend.FileChange{Op: backend.FileModified, Path: rel, Content: string(content)}, true

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		return backend.FileChange{Op: backend.FileDeleted, Path: rel}, true
	}
	return backend.FileChange{}, false
}

// File signals on writes to one file inside dir. Signals are coalesced: a
// pending signal already covers any number of writes.
func File(ctx context.Context, dir, name string) (<-chan struct{}, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	target := filepath.Join(dir, name)
	signals := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != target || (!ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create)) {
					continue
				}
				select {
				case signals <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("file watcher error", "dir", dir, "error", err)
			}
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(done)
			watcher.Close()
		})
	}
	return signals, stop, nil
}
