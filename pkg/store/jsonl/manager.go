// Package jsonl persists sessions under a plain directory tree:
//
//	<root>/profiles/<id>.json
//	<root>/sessions/index.json
//	<root>/sessions/<id>/record.json
//	<root>/sessions/<id>/transcript.jsonl
//	<root>/sessions/<id>/snapshot.json
//	<root>/sessions/<id>/workspace/<relative path>
//
// The transcript is the engine's raw line stream and stays authoritative;
// the snapshot is a convenience copy of the reduced conversation that can
// always be rebuilt from the transcript.
package jsonl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/conversation"
	"github.com/conductorhq/conductor/pkg/event"
	"github.com/conductorhq/conductor/pkg/store"
)

// Manager implements store.Manager on the local filesystem.
type Manager struct {
	rootDir    string
	profileDir string
	sessDir    string
	mu         sync.RWMutex
}

func NewManager(rootDir string) (*Manager, error) {
	m := &Manager{
		rootDir:    rootDir,
		profileDir: filepath.Join(rootDir, "profiles"),
		sessDir:    filepath.Join(rootDir, "sessions"),
	}
	if err := os.MkdirAll(m.profileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}
	if err := os.MkdirAll(m.sessDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return m, nil
}

// index is the sessions/index.json structure.
type index struct {
	Sessions []store.SessionRecord `json:"sessions"`
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.sessDir, "index.json")
}

func (m *Manager) readIndex() (index, error) {
	var idx index
	data, err := os.ReadFile(m.indexPath())
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("corrupt session index: %w", err)
	}
	return idx, nil
}

func (m *Manager) writeIndex(idx index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.indexPath(), data, 0644)
}

func (m *Manager) updateIndex(rec store.SessionRecord) error {
	idx, err := m.readIndex()
	if err != nil {
		return err
	}
	found := false
	for i, s := range idx.Sessions {
		if s.ID == rec.ID {
			idx.Sessions[i] = rec
			found = true
			break
		}
	}
	if !found {
		idx.Sessions = append(idx.Sessions, rec)
	}
	return m.writeIndex(idx)
}

func (m *Manager) sessionDir(id string) string {
	return filepath.Join(m.sessDir, id)
}

func (m *Manager) writeRecord(rec *store.SessionRecord) error {
	dir := m.sessionDir(rec.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "record.json"), data, 0644); err != nil {
		return err
	}
	return m.updateIndex(*rec)
}

func (m *Manager) CreateSession(profileID, title string) (*store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, err := m.resolveProfileLocked(profileID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &store.SessionRecord{
		ID:        uuid.New().String(),
		Title:     title,
		Engine:    profile.Engine,
		ProfileID: profile.ID,
		Status:    store.SessionStatusCreated,
		Created:   now,
		Modified:  now,
	}
	if err := m.writeRecord(rec); err != nil {
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}
	return rec, nil
}

// resolveProfileLocked loads the requested profile, falling back to the
// default profile and creating it if nothing exists yet.
func (m *Manager) resolveProfileLocked(profileID string) (*store.Profile, error) {
	if profileID == "" {
		profileID = "default"
	}

	profile, err := m.getProfileLocked(profileID)
	if err == nil {
		return profile, nil
	}
	if profileID != "default" {
		return nil, fmt.Errorf("failed to get profile %s: %w", profileID, err)
	}

	profiles, listErr := m.listProfilesLocked()
	if listErr == nil && len(profiles) > 0 {
		return &profiles[0], nil
	}

	fallback := &store.Profile{
		ID:     "default",
		Name:   "Default",
		Engine: backend.EngineClaude,
	}
	if createErr := m.newProfileLocked(fallback); createErr != nil {
		return nil, fmt.Errorf("failed to create default profile: %w", createErr)
	}
	return fallback, nil
}

func (m *Manager) LoadSession(id string) (*store.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(m.sessionDir(id), "record.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var rec store.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", id, err)
	}
	return &rec, nil
}

func (m *Manager) UpdateSession(rec *store.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		return fmt.Errorf("session ID is required for update")
	}
	rec.Modified = time.Now()
	return m.writeRecord(rec)
}

func (m *Manager) SetSessionStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.sessionDir(id), "record.json"))
	if err != nil {
		return fmt.Errorf("session %s not found: %w", id, err)
	}
	var rec store.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	rec.Status = status
	rec.Modified = time.Now()
	return m.writeRecord(&rec)
}

func (m *Manager) ListSessions() ([]store.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, err := m.readIndex()
	if err != nil {
		return nil, err
	}
	records := append([]store.SessionRecord(nil), idx.Sessions...)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Modified.After(records[j].Modified)
	})
	return records, nil
}

// Transcript and snapshot.

func (m *Manager) SaveTranscript(sessionID, transcript string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "transcript.jsonl"), []byte(transcript), 0644)
}

func (m *Manager) LoadTranscript(sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(m.sessionDir(sessionID), "transcript.jsonl"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Manager) SaveSnapshot(sessionID string, state conversation.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "snapshot.json"), data, 0644)
}

func (m *Manager) LoadSnapshot(sessionID string) (conversation.State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(m.sessionDir(sessionID), "snapshot.json"))
	if os.IsNotExist(err) {
		return conversation.NewState(), false, nil
	}
	if err != nil {
		return conversation.NewState(), false, err
	}
	state := conversation.NewState()
	if err := json.Unmarshal(data, &state); err != nil {
		return conversation.NewState(), false, fmt.Errorf("corrupt snapshot for %s: %w", sessionID, err)
	}
	if state.Subagents == nil {
		state.Subagents = make(map[string]*conversation.Subagent)
	}
	return state, true, nil
}

// Workspace mirror.

// workspacePath resolves a workspace-relative path, rejecting anything that
// would escape the session's workspace directory.
func (m *Manager) workspacePath(sessionID, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid workspace path %q", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace path %q escapes the workspace", rel)
	}
	return filepath.Join(m.sessionDir(sessionID), "workspace", clean), nil
}

func (m *Manager) SaveWorkspaceFile(sessionID string, file event.WorkspaceFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.workspacePath(sessionID, file.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(file.Content), 0644)
}

func (m *Manager) DeleteWorkspaceFile(sessionID, rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.workspacePath(sessionID, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manager) ListWorkspaceFiles(sessionID string) ([]event.WorkspaceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root := filepath.Join(m.sessionDir(sessionID), "workspace")
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var files []event.WorkspaceFile
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, event.WorkspaceFile{
			Path:    filepath.ToSlash(rel),
			Content: string(data),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Profile methods.

func (m *Manager) profilePath(id string) string {
	return filepath.Join(m.profileDir, id+".json")
}

func (m *Manager) listProfilesLocked() ([]store.Profile, error) {
	entries, err := os.ReadDir(m.profileDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var profiles []store.Profile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.profileDir, e.Name()))
		if err != nil {
			continue
		}
		var p store.Profile
		if err := json.Unmarshal(data, &p); err == nil {
			profiles = append(profiles, p)
		}
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

func (m *Manager) newProfileLocked(p *store.Profile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Engine == "" {
		p.Engine = backend.EngineClaude
	}
	if p.Engine != backend.EngineClaude && p.Engine != backend.EngineCodex {
		return fmt.Errorf("unknown engine %q", p.Engine)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.profilePath(p.ID), data, 0644)
}

func (m *Manager) NewProfile(p *store.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newProfileLocked(p)
}

func (m *Manager) UpdateProfile(p *store.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		return fmt.Errorf("profile ID is required for update")
	}
	if _, err := os.Stat(m.profilePath(p.ID)); os.IsNotExist(err) {
		return fmt.Errorf("profile %s not found", p.ID)
	}
	return m.newProfileLocked(p)
}

func (m *Manager) DeleteProfile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.profilePath(id)); os.IsNotExist(err) {
		return fmt.Errorf("profile %s not found", id)
	}
	return os.Remove(m.profilePath(id))
}

func (m *Manager) ListProfiles() ([]store.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listProfilesLocked()
}

func (m *Manager) getProfileLocked(id string) (*store.Profile, error) {
	data, err := os.ReadFile(m.profilePath(id))
	if err != nil {
		return nil, err
	}
	var p store.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Manager) GetProfile(id string) (*store.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProfileLocked(id)
}
