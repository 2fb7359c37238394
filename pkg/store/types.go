package store

import (
	"time"
)

// Profile is a reusable session configuration: which engine to provision and
// the options passed to it on every query.
type Profile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Engine         string `json:"engine"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
}

// Session lifecycle statuses as persisted in the index. These track the
// stored record, not the live backend: a "ready" record whose container died
// is re-provisioned on the next query.
const (
	SessionStatusCreated    = "created"
	SessionStatusReady      = "ready"
	SessionStatusTerminated = "terminated"
)

// SessionRecord is the durable metadata for one session.
type SessionRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Engine    string    `json:"engine"`
	ProfileID string    `json:"profile_id"`
	Status    string    `json:"status"`
	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
}
