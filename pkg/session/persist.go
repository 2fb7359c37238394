package session

import (
	"log/slog"

	"github.com/conductorhq/conductor/pkg/event"
	"github.com/conductorhq/conductor/pkg/store"
)

// runPersister attaches a bus listener that mirrors durable side effects of
// the event stream into the store: workspace file changes as they happen and
// session status transitions. It runs until the bus closes. Persistence
// failures are logged and skipped; the periodic sync repairs the mirror.
func runPersister(st store.Manager, sessionID string, bus *event.Bus) {
	events, _ := bus.Subscribe()
	go func() {
		for e := range events {
			persistOne(st, sessionID, e)
		}
	}()
}

func persistOne(st store.Manager, sessionID string, e event.Event) {
	switch e.Type {
	case event.TypeFileCreated, event.TypeFileModified:
		if e.File == nil {
			return
		}
		if err := st.SaveWorkspaceFile(sessionID, e.File.File); err != nil {
			slog.Warn("failed to mirror workspace file", "session", sessionID, "path", e.File.File.Path, "error", err)
		}

	case event.TypeFileDeleted:
		if e.FileDeleted == nil {
			return
		}
		if err := st.DeleteWorkspaceFile(sessionID, e.FileDeleted.Path); err != nil {
			slog.Warn("failed to delete mirrored file", "session", sessionID, "path", e.FileDeleted.Path, "error", err)
		}

	case event.TypeBackendReady:
		if err := st.SetSessionStatus(sessionID, store.SessionStatusReady); err != nil {
			slog.Warn("failed to persist session status", "session", sessionID, "error", err)
		}

	case event.TypeBackendTerminated:
		if err := st.SetSessionStatus(sessionID, store.SessionStatusTerminated); err != nil {
			slog.Warn("failed to persist session status", "session", sessionID, "error", err)
		}
	}
}
