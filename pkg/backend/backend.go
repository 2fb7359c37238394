// Package backend defines the execution backend contract: the sandboxed
// process that actually runs an upstream agent engine for one session. The
// session coordinator only ever sees this interface; how the sandbox is
// provisioned (docker, local process) is a provider concern.
package backend

import (
	"context"
	"encoding/json"

	"github.com/conductorhq/conductor/pkg/event"
)

// Engine names the upstream agent engine an execution backend runs. The two
// engines speak incompatible streaming wire formats; pkg/adapter normalizes
// both into canonical events.
const (
	EngineClaude = "claude"
	EngineCodex  = "codex"
)

// PrepareParams seeds a freshly provisioned backend with everything the
// session has accumulated so far.
type PrepareParams struct {
	SessionID      string
	Engine         string
	Instructions   string
	WorkspaceFiles []event.WorkspaceFile
	Transcript     string
	Options        event.Options
}

// FileOp classifies a workspace file change notification.
type FileOp string

const (
	FileCreated  FileOp = "created"
	FileModified FileOp = "modified"
	FileDeleted  FileOp = "deleted"
)

// FileChange is one workspace change pushed by WatchWorkspaceFiles.
type FileChange struct {
	Op      FileOp
	Path    string
	Content string
}

// Stream is the raw output of one query: engine wire-format lines in
// arrival order. The channel closes when the turn ends or the stream
// breaks; Err reports the terminal error afterwards.
type Stream interface {
	Lines() <-chan json.RawMessage
	Err() error
	Close() error
}

// Backend is the lifecycle contract consumed by the session coordinator.
// All blocking operations take a context; watchers return cancellable
// channels so watcher lifetime is an explicit start/stop, not a callback
// registration.
type Backend interface {
	// ID is an opaque backend identifier (e.g. container id).
	ID() string

	// Prepare seeds the backend before its first query.
	Prepare(ctx context.Context, params PrepareParams) error

	// ExecuteQuery sends one prompt and streams the engine's raw output.
	ExecuteQuery(ctx context.Context, prompt string, opts event.Options) (Stream, error)

	// ReadTranscript returns the engine's native transcript, or false when
	// none has been written yet.
	ReadTranscript(ctx context.Context) (string, bool, error)

	// WorkspaceFiles lists the current workspace contents.
	WorkspaceFiles(ctx context.Context) ([]event.WorkspaceFile, error)

	// WatchWorkspaceFiles pushes file change notifications until the
	// returned stop function is called.
	WatchWorkspaceFiles(ctx context.Context) (<-chan FileChange, func(), error)

	// WatchTranscript signals when the engine appends to its transcript.
	WatchTranscript(ctx context.Context) (<-chan struct{}, func(), error)

	// IsHealthy polls backend liveness. It never blocks past the context.
	IsHealthy(ctx context.Context) bool

	// Cleanup releases the backend. Idempotent.
	Cleanup(ctx context.Context) error
}

// Provider creates backends. A provider is process-wide; backends are per
// session.
type Provider interface {
	// New provisions a backend for the session. The backend is not usable
	// until Prepare has been called.
	New(ctx context.Context, sessionID, engine string) (Backend, error)

	// Close releases provider-wide resources (e.g. the docker client).
	Close() error
}
