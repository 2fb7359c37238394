package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/event"
	"github.com/conductorhq/conductor/pkg/session"
	"github.com/conductorhq/conductor/pkg/store"
	"github.com/conductorhq/conductor/pkg/store/jsonl"
)

type scriptedBackend struct {
	id    string
	lines []string
}

func (b *scriptedBackend) ID() string { return b.id }

func (b *scriptedBackend) Prepare(ctx context.Context, p backend.PrepareParams) error { return nil }

func (b *scriptedBackend) ExecuteQuery(ctx context.Context, prompt string, opts event.Options) (backend.Stream, error) {
	ch := make(chan json.RawMessage, len(b.lines))
	for _, l := range b.lines {
		ch <- json.RawMessage(l)
	}
	close(ch)
	return &scriptedStream{lines: ch}, nil
}

func (b *scriptedBackend) ReadTranscript(ctx context.Context) (string, bool, error) {
	return strings.Join(b.lines, "\n") + "\n", true, nil
}

func (b *scriptedBackend) WorkspaceFiles(ctx context.Context) ([]event.WorkspaceFile, error) {
	return nil, nil
}

func (b *scriptedBackend) WatchWorkspaceFiles(ctx context.Context) (<-chan backend.FileChange, func(), error) {
	ch := make(chan backend.FileChange)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (b *scriptedBackend) WatchTranscript(ctx context.Context) (<-chan struct{}, func(), error) {
	ch := make(chan struct{})
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (b *scriptedBackend) IsHealthy(ctx context.Context) bool { return true }
func (b *scriptedBackend) Cleanup(ctx context.Context) error  { return nil }

type scriptedStream struct {
	lines chan json.RawMessage
}

func (s *scriptedStream) Lines() <-chan json.RawMessage { return s.lines }
func (s *scriptedStream) Err() error                    { return nil }
func (s *scriptedStream) Close() error                  { return nil }

type scriptedProvider struct {
	lines []string
}

func (p *scriptedProvider) New(ctx context.Context, sessionID, engine string) (backend.Backend, error) {
	return &scriptedBackend{id: "scripted-" + sessionID, lines: p.lines}, nil
}

func (p *scriptedProvider) Close() error { return nil }

var scriptedTurn = []string{
	`{"type":"system","subtype":"init","session_id":"root"}`,
	`{"type":"assistant","session_id":"root","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
	`{"type":"result","subtype":"success","duration_ms":5}`,
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	st, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	registry := session.NewRegistry(st, &scriptedProvider{lines: scriptedTurn}, session.Config{})
	srv := httptest.NewServer(New(st, registry).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Shutdown(ctx)
	})
	return srv, registry
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatal(err)
	}
}

func TestProfileEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/profiles", store.Profile{Name: "Reviewer", Engine: backend.EngineCodex})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status: %d", resp.StatusCode)
	}
	var created store.Profile
	decode(t, resp, &created)
	if created.ID == "" {
		t.Fatal("no id assigned")
	}

	resp, err := http.Get(srv.URL + "/api/profiles/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got store.Profile
	decode(t, resp, &got)
	if got.Name != "Reviewer" || got.Engine != backend.EngineCodex {
		t.Errorf("profile: %+v", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/profiles/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status: %d", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/api/profiles/" + created.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sessions", map[string]string{"title": "demo"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", resp.StatusCode)
	}
	var rec store.SessionRecord
	decode(t, resp, &rec)
	if rec.ID == "" || rec.Engine != backend.EngineClaude {
		t.Fatalf("record: %+v", rec)
	}

	var records []store.SessionRecord
	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	decode(t, resp, &records)
	if len(records) != 1 || records[0].ID != rec.ID {
		t.Fatalf("list: %+v", records)
	}

	resp = postJSON(t, srv.URL+"/api/sessions/"+rec.ID+"/messages", map[string]string{"content": "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("message status: %d", resp.StatusCode)
	}

	// The query runs asynchronously; poll the session state for the reply.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var got struct {
			State session.Snapshot `json:"state"`
		}
		resp, err := http.Get(srv.URL + "/api/sessions/" + rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		decode(t, resp, &got)
		if b, ok := got.State.Conversation.FindBlock(event.MainConversation, "msg_m1_0"); ok && b.Content == "Hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("assistant reply never appeared: %+v", got.State.Conversation.Main)
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+rec.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unload status: %d", resp.StatusCode)
	}
}

func TestSendMessage_ValidatesInput(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sessions", map[string]string{})
	var rec store.SessionRecord
	decode(t, resp, &rec)

	resp = postJSON(t, srv.URL+"/api/sessions/"+rec.ID+"/messages", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content accepted: %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/sessions/ghost/messages", map[string]string{"content": "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: %d", resp.StatusCode)
	}
}

func TestWebSocket_SnapshotThenEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sessions", map[string]string{"title": "ws"})
	var rec store.SessionRecord
	decode(t, resp, &rec)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + rec.ID + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	var first wsMessage
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "snapshot" || first.Snapshot == nil {
		t.Fatalf("first frame: %+v", first)
	}
	if first.Snapshot.SessionID != rec.ID {
		t.Errorf("snapshot session: %q", first.Snapshot.SessionID)
	}

	if err := ws.WriteJSON(wsInput{Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	// Stream frames until the assistant's text block closes.
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	sawQueryStarted := false
	for {
		var frame wsMessage
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("stream ended early (query started: %v): %v", sawQueryStarted, err)
		}
		if frame.Type != "event" || frame.Event == nil {
			t.Fatalf("unexpected frame: %+v", frame)
		}
		switch frame.Event.Type {
		case event.TypeQueryStarted:
			sawQueryStarted = true
		case event.TypeQueryCompleted:
			if !sawQueryStarted {
				t.Fatal("query completed before it started")
			}
			return
		case event.TypeLog:
			t.Fatal("log events must not cross the client boundary")
		}
	}
}

func TestGetSession_Unknown(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/sessions/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}
