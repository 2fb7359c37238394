// Package event defines the canonical event vocabulary shared by the
// backend adapters, the conversation reducer, the persistence listener and
// the client broadcast. It is a pure data contract: every component of the
// system speaks these types and nothing else.
package event

import (
	"time"
)

// Type identifies the kind of a canonical event.
type Type string

const (
	// Block lifecycle
	TypeBlockUpsert Type = "block:upsert"
	TypeBlockDelta  Type = "block:delta"

	// Subagent lifecycle
	TypeSubagentSpawned   Type = "subagent:spawned"
	TypeSubagentCompleted Type = "subagent:completed"

	// TypeSessionIdle marks the end of a turn for one conversation.
	// It is conversation-scoped: only blocks addressed to its
	// ConversationID are finalized.
	TypeSessionIdle Type = "session:idle"

	// Execution backend lifecycle
	TypeBackendCreating   Type = "ee:creating"
	TypeBackendReady      Type = "ee:ready"
	TypeBackendTerminated Type = "ee:terminated"

	// Query lifecycle
	TypeQueryStarted   Type = "query:started"
	TypeQueryCompleted Type = "query:completed"
	TypeQueryFailed    Type = "query:failed"

	// Workspace file changes
	TypeFileCreated  Type = "file:created"
	TypeFileModified Type = "file:modified"
	TypeFileDeleted  Type = "file:deleted"

	TypeOptionsUpdate Type = "options:update"
	TypeError         Type = "error"
	TypeLog           Type = "log"
)

// MainConversation is the conversation id of the top-level exchange. Every
// other conversation id is the tool-use id of the delegate call that spawned
// a subagent.
const MainConversation = "main"

// Event is the canonical event envelope. Type selects which payload pointer
// is non-nil; adding a new event kind means adding a constant and a payload
// struct here, not registering a string at runtime.
type Event struct {
	Type           Type      `json:"type"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"` // empty means main
	Source         string    `json:"source,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	BlockUpsert       *BlockUpsertEvent       `json:"block_upsert,omitempty"`
	BlockDelta        *BlockDeltaEvent        `json:"block_delta,omitempty"`
	SubagentSpawned   *SubagentSpawnedEvent   `json:"subagent_spawned,omitempty"`
	SubagentCompleted *SubagentCompletedEvent `json:"subagent_completed,omitempty"`
	BackendCreating   *BackendCreatingEvent   `json:"backend_creating,omitempty"`
	BackendReady      *BackendReadyEvent      `json:"backend_ready,omitempty"`
	BackendTerminated *BackendTerminatedEvent `json:"backend_terminated,omitempty"`
	QueryStarted      *QueryStartedEvent      `json:"query_started,omitempty"`
	QueryCompleted    *QueryCompletedEvent    `json:"query_completed,omitempty"`
	QueryFailed       *QueryFailedEvent       `json:"query_failed,omitempty"`
	File              *FileEvent              `json:"file,omitempty"`
	FileDeleted       *FileDeletedEvent       `json:"file_deleted,omitempty"`
	OptionsUpdate     *OptionsUpdateEvent     `json:"options_update,omitempty"`
	Error             *ErrorEvent             `json:"error,omitempty"`
	Log               *LogEvent               `json:"log,omitempty"`
}

// Conversation returns the conversation this event addresses, defaulting to
// the main conversation when the envelope leaves it empty.
func (e Event) Conversation() string {
	if e.ConversationID == "" {
		return MainConversation
	}
	return e.ConversationID
}

// ClientVisible reports whether the event crosses the client broadcast
// boundary. Internal diagnostics stay inside the process.
func (e Event) ClientVisible() bool {
	return e.Type != TypeLog
}

// BlockUpsertEvent creates or partially updates a block. The block may be
// partial: unknown ids are constructed from type defaults, known ids are
// merged field by field.
type BlockUpsertEvent struct {
	Block Block `json:"block"`
}

// BlockDeltaEvent appends text to the content of an open block.
type BlockDeltaEvent struct {
	BlockID string `json:"block_id"`
	Delta   string `json:"delta"`
}

// SubagentSpawnedEvent announces a delegate tool call that opened a nested
// conversation.
type SubagentSpawnedEvent struct {
	ToolUseID    string `json:"tool_use_id"`
	Prompt       string `json:"prompt"`
	SubagentType string `json:"subagent_type,omitempty"`
	Description  string `json:"description,omitempty"`
}

// SubagentCompletedEvent closes a nested conversation. Status "completed"
// maps to success in the conversation model; anything else is an error.
type SubagentCompletedEvent struct {
	ToolUseID  string `json:"tool_use_id"`
	AgentID    string `json:"agent_id,omitempty"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// BackendCreatingEvent is emitted before provisioning starts so clients see
// progress during a slow activation.
type BackendCreatingEvent struct {
	StatusMessage string `json:"status_message,omitempty"`
}

type BackendReadyEvent struct {
	BackendID string `json:"backend_id"`
}

type BackendTerminatedEvent struct {
	Reason string `json:"reason"`
}

type QueryStartedEvent struct {
	Message string `json:"message"`
}

type QueryCompletedEvent struct {
	DurationMS int64 `json:"duration_ms"`
}

type QueryFailedEvent struct {
	Error string `json:"error"`
}

// FileEvent carries a created or modified workspace file.
type FileEvent struct {
	File WorkspaceFile `json:"file"`
}

type FileDeletedEvent struct {
	Path string `json:"path"`
}

type OptionsUpdateEvent struct {
	Options Options `json:"options"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type LogEvent struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// WorkspaceFile is a file in the session workspace, identified by its
// relative path. Content is an optional snapshot; watchers may report a
// change without re-reading the file.
type WorkspaceFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// Options are per-session settings forwarded to the execution backend.
type Options struct {
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
}
