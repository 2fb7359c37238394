package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/conductorhq/conductor/pkg/store"
)

// --- Profiles ---

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.st.ListProfiles()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if profiles == nil {
		profiles = []store.Profile{}
	}
	s.jsonResponse(w, http.StatusOK, profiles)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.st.GetProfile(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, profile)
}

func (s *Server) handleCreateUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var profile store.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	if profile.ID == "" {
		if err := s.st.NewProfile(&profile); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
	} else {
		if err := s.st.UpdateProfile(&profile); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.st.DeleteProfile(r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.st.ListSessions()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []store.SessionRecord{}
	}
	s.jsonResponse(w, http.StatusOK, records)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProfileID string `json:"profile_id"`
		Title     string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	c, err := s.registry.Create(req.ProfileID, req.Title)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, c.Record())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.Load(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"record": c.Record(),
		"state":  c.Snapshot(),
	})
}

func (s *Server) handleUnloadSession(w http.ResponseWriter, r *http.Request) {
	s.registry.Unload(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Session actions ---

// handleSendMessage accepts the query and returns immediately; progress and
// the reply stream over the session's websocket. Activation failures after
// acceptance surface as query:failed events.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.Load(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	go func() {
		// Not the request context: the query outlives this request. The
		// error is already published on the bus as query:failed.
		_ = c.SendMessage(context.Background(), req.Content)
	}()
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStopQuery(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, errors.New("session not loaded"))
		return
	}
	c.StopQuery()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.Load(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	snap := c.Snapshot()
	s.jsonResponse(w, http.StatusOK, snap.WorkspaceFiles)
}
