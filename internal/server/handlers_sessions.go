package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/pkg/models"
)

type createSessionRequest struct {
	UserID       string               `json:"user_id"`
	Title        string               `json:"title"`
	SystemPrompt string               `json:"system_prompt"`
	Settings     models.ModelSettings `json:"settings"`
	KnowledgeIDs []string             `json:"knowledge_ids"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.UserID == "" {
		s.writeError(w, badRequest("user_id is required"))
		return
	}
	if req.Settings.Model == "" {
		s.writeError(w, badRequest("settings.model is required"))
		return
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		Settings:     req.Settings,
		KnowledgeIDs: req.KnowledgeIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, badRequest("user_id query parameter is required"))
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Title != "" {
		session.Title = req.Title
	}
	if req.SystemPrompt != "" {
		session.SystemPrompt = req.SystemPrompt
	}
	if req.Settings.Model != "" {
		session.Settings = req.Settings
	}
	if req.KnowledgeIDs != nil {
		session.KnowledgeIDs = req.KnowledgeIDs
	}
	session.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSession(r.Context(), session); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.store.ListMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type chatRequest struct {
	Content string `json:"content"`
}

// handleChat runs one streaming turn. Deltas and side-channel frames go
// out over the session's WebSocket topic; the response carries the final
// result.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Content == "" {
		s.writeError(w, badRequest("content is required"))
		return
	}
	result, err := s.orch.StreamTurn(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelChat(w http.ResponseWriter, r *http.Request) {
	cancelled := s.orch.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.ServeTopic(w, r, hub.SessionTopic(id))
}
