package session

import (
	"sort"
	"sync"
	"time"

	"github.com/conductorhq/conductor/pkg/conversation"
	"github.com/conductorhq/conductor/pkg/event"
)

// BackendStatus is the session's view of its execution backend.
type BackendStatus string

const (
	BackendInactive   BackendStatus = "inactive"
	BackendStarting   BackendStatus = "starting"
	BackendReady      BackendStatus = "ready"
	BackendTerminated BackendStatus = "terminated"
	BackendError      BackendStatus = "error"
)

// BackendInfo is the backend-facing slice of the session snapshot.
type BackendInfo struct {
	Status          BackendStatus `json:"status"`
	BackendID       string        `json:"backend_id,omitempty"`
	StatusMessage   string        `json:"status_message,omitempty"`
	RestartCount    int           `json:"restart_count,omitempty"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`
}

// Snapshot is a point-in-time copy of the session state, safe to hold while
// the session keeps moving.
type Snapshot struct {
	SessionID      string                `json:"session_id"`
	Conversation   conversation.State    `json:"conversation"`
	WorkspaceFiles []event.WorkspaceFile `json:"workspace_files,omitempty"`
	Backend        BackendInfo           `json:"backend"`
	QueryInFlight  bool                  `json:"query_in_flight"`
	Options        event.Options         `json:"options"`
	LastActivity   time.Time             `json:"last_activity"`
}

// State is the authoritative in-memory session state. It subscribes to the
// session bus and folds every published event; nothing else writes the
// conversation except the periodic sync, which replaces it wholesale with a
// transcript-derived rebuild.
type State struct {
	mu        sync.RWMutex
	sessionID string

	conv    conversation.State
	files   map[string]event.WorkspaceFile
	backend BackendInfo
	inQuery bool
	options event.Options
	last    time.Time

	cancel func()
	done   chan struct{}
}

// NewState creates the state and attaches it to the bus.
func NewState(sessionID string, bus *event.Bus) *State {
	events, cancel := bus.Subscribe()
	s := &State{
		sessionID: sessionID,
		conv:      conversation.NewState(),
		files:     make(map[string]event.WorkspaceFile),
		backend:   BackendInfo{Status: BackendInactive},
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for e := range events {
			s.apply(e)
		}
	}()
	return s
}

// Close detaches from the bus and waits for the fold loop to drain.
func (s *State) Close() {
	s.cancel()
	<-s.done
}

// Snapshot returns a copy-on-read view. The conversation's clone discipline
// (whole-block replacement, never in-place payload writes) makes the shallow
// block copies safe to share.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]event.WorkspaceFile, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return Snapshot{
		SessionID:      s.sessionID,
		Conversation:   s.conv.Copy(),
		WorkspaceFiles: files,
		Backend:        s.backend,
		QueryInFlight:  s.inQuery,
		Options:        s.options,
		LastActivity:   s.last,
	}
}

// ReplaceConversation installs a transcript-derived rebuild of the
// conversation. Used by the periodic sync and by session load.
func (s *State) ReplaceConversation(state conversation.State) {
	s.mu.Lock()
	s.conv = state
	s.mu.Unlock()
}

// SeedWorkspaceFiles installs the persisted workspace mirror on load,
// without synthesizing file events for history that already happened.
func (s *State) SeedWorkspaceFiles(files []event.WorkspaceFile) {
	s.mu.Lock()
	for _, f := range files {
		s.files[f.Path] = f
	}
	s.mu.Unlock()
}

func (s *State) apply(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = e.Timestamp
	if s.last.IsZero() {
		s.last = time.Now()
	}

	switch e.Type {
	case event.TypeBackendCreating:
		s.backend.Status = BackendStarting
		if e.BackendCreating != nil {
			s.backend.StatusMessage = e.BackendCreating.StatusMessage
		}

	case event.TypeBackendReady:
		if s.backend.Status == BackendTerminated || s.backend.Status == BackendError {
			s.backend.RestartCount++
		}
		s.backend.Status = BackendReady
		s.backend.StatusMessage = ""
		s.backend.LastHealthCheck = time.Now()
		if e.BackendReady != nil {
			s.backend.BackendID = e.BackendReady.BackendID
		}

	case event.TypeBackendTerminated:
		s.backend.Status = BackendTerminated
		s.backend.BackendID = ""
		if e.BackendTerminated != nil {
			s.backend.StatusMessage = e.BackendTerminated.Reason
		}
		s.inQuery = false

	case event.TypeQueryStarted:
		s.inQuery = true

	case event.TypeQueryCompleted:
		s.inQuery = false

	case event.TypeQueryFailed:
		s.inQuery = false
		s.backend.Status = BackendError
		if e.QueryFailed != nil {
			s.backend.StatusMessage = e.QueryFailed.Error
		}

	case event.TypeFileCreated, event.TypeFileModified:
		if e.File != nil {
			s.files[e.File.File.Path] = e.File.File
		}

	case event.TypeFileDeleted:
		if e.FileDeleted != nil {
			delete(s.files, e.FileDeleted.Path)
		}

	case event.TypeOptionsUpdate:
		if e.OptionsUpdate != nil {
			s.options = e.OptionsUpdate.Options
		}

	default:
		s.conv = conversation.Apply(s.conv, e)
	}
}

// MarkHealthy records a successful liveness poll without a full event trip.
func (s *State) MarkHealthy(at time.Time) {
	s.mu.Lock()
	s.backend.LastHealthCheck = at
	s.mu.Unlock()
}

// BackendInfo returns the current backend view.
func (s *State) BackendInfo() BackendInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}
