package store

import (
	"github.com/conductorhq/conductor/pkg/conversation"
	"github.com/conductorhq/conductor/pkg/event"
)

// Manager persists sessions, profiles, and the artifacts a session produces:
// the raw engine transcript, the reduced conversation snapshot, and the
// mirrored workspace files.
type Manager interface {
	// CreateSession initializes a new session record from a profile.
	// profileID may be empty, in which case the default profile is used
	// (and created if it does not exist yet).
	CreateSession(profileID, title string) (*SessionRecord, error)

	// LoadSession returns the record for an existing session.
	LoadSession(id string) (*SessionRecord, error)

	// UpdateSession rewrites a session record and its index entry.
	UpdateSession(rec *SessionRecord) error

	// SetSessionStatus updates only the lifecycle status of a session.
	SetSessionStatus(id, status string) error

	// ListSessions returns all session records, most recently modified
	// first.
	ListSessions() ([]SessionRecord, error)

	// SaveTranscript replaces the stored raw engine transcript.
	SaveTranscript(sessionID, transcript string) error

	// LoadTranscript returns the stored transcript, or "" when none has
	// been saved yet.
	LoadTranscript(sessionID string) (string, error)

	// SaveSnapshot replaces the stored conversation snapshot.
	SaveSnapshot(sessionID string, state conversation.State) error

	// LoadSnapshot returns the stored snapshot. The bool reports whether a
	// snapshot exists.
	LoadSnapshot(sessionID string) (conversation.State, bool, error)

	// SaveWorkspaceFile mirrors one workspace file to the host.
	SaveWorkspaceFile(sessionID string, file event.WorkspaceFile) error

	// DeleteWorkspaceFile removes a mirrored workspace file.
	DeleteWorkspaceFile(sessionID, path string) error

	// ListWorkspaceFiles returns every mirrored workspace file with
	// content.
	ListWorkspaceFiles(sessionID string) ([]event.WorkspaceFile, error)

	// NewProfile creates a profile, assigning an ID when missing.
	NewProfile(p *Profile) error

	// UpdateProfile rewrites an existing profile.
	UpdateProfile(p *Profile) error

	// DeleteProfile removes a profile by ID.
	DeleteProfile(id string) error

	// ListProfiles returns all profiles.
	ListProfiles() ([]Profile, error)

	// GetProfile returns a specific profile by ID.
	GetProfile(id string) (*Profile, error)
}
