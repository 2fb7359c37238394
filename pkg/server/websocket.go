package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/conductorhq/conductor/pkg/event"
	"github.com/conductorhq/conductor/pkg/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage is the frame format on the events socket. The first frame is
// always a snapshot; every following frame carries one client-visible event.
type wsMessage struct {
	Type     string            `json:"type"` // "snapshot" or "event"
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Event    *event.Event      `json:"event,omitempty"`
}

// wsInput is what clients send on the same socket.
type wsInput struct {
	Content string `json:"content"`
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	c, err := s.registry.Load(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer ws.Close()

	// Subscribe before snapshotting so nothing published in between is
	// lost; events already reflected in the snapshot re-apply cleanly.
	events, cancel := c.Subscribe()
	defer cancel()

	snap := c.Snapshot()
	if err := ws.WriteJSON(wsMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		slog.Error("failed to send snapshot", "session", id, "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer loop: bus to socket.
	go func() {
		defer wg.Done()
		defer ws.Close()
		for e := range events {
			if !e.ClientVisible() {
				continue
			}
			if err := ws.WriteJSON(wsMessage{Type: "event", Event: &e}); err != nil {
				return
			}
		}
	}()

	// Reader loop: user input to queries.
	for {
		var msg wsInput
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "session", id, "error", err)
			}
			break
		}
		if msg.Content == "" {
			continue
		}
		go func(content string) {
			// Failures surface on the bus as query:failed.
			_ = c.SendMessage(context.Background(), content)
		}(msg.Content)
	}

	cancel()
	wg.Wait()
}
