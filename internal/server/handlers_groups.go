package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/pkg/models"
)

type createGroupRequest struct {
	UserID       string                 `json:"user_id"`
	Name         string                 `json:"name"`
	SystemPrompt string                 `json:"system_prompt"`
	Members      []models.GroupMember   `json:"members"`
	Strategy     *models.StrategyConfig `json:"strategy"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.UserID == "" || req.Name == "" {
		s.writeError(w, badRequest("user_id and name are required"))
		return
	}

	strategy := models.DefaultStrategyConfig()
	if req.Strategy != nil {
		strategy = *req.Strategy
	}
	now := time.Now().UTC()
	group := &models.Group{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		Strategy:     strategy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i := range req.Members {
		m := req.Members[i]
		if err := normalizeMember(&m, group.ID, now); err != nil {
			s.writeError(w, err)
			return
		}
		group.Members = append(group.Members, m)
	}
	if err := s.store.CreateGroup(r.Context(), group); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleListGroupInfo(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, badRequest("user_id query parameter is required"))
		return
	}
	groups, err := s.store.ListGroups(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.store.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	s.engine.Stop(groupID)
	if err := s.store.DeleteGroup(r.Context(), groupID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertMember(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	var member models.GroupMember
	if err := decodeBody(r, &member); err != nil {
		s.writeError(w, err)
		return
	}
	member.ID = r.PathValue("memberID")
	if err := normalizeMember(&member, groupID, time.Now().UTC()); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpsertMember(r.Context(), groupID, &member); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &member)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveMember(r.Context(), r.PathValue("id"), r.PathValue("memberID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroupMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.store.RecentGroupMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postGroupMessageRequest struct {
	SenderID   string   `json:"sender_id"`
	SenderName string   `json:"sender_name"`
	Content    string   `json:"content"`
	Mentions   []string `json:"mentions"`
}

// handlePostGroupMessage posts a human message into the group timeline and
// kicks off the AI reply pipeline.
func (s *Server) handlePostGroupMessage(w http.ResponseWriter, r *http.Request) {
	var req postGroupMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.SenderID == "" || req.Content == "" {
		s.writeError(w, badRequest("sender_id and content are required"))
		return
	}
	msg := &models.GroupMessage{
		ID:         uuid.NewString(),
		GroupID:    r.PathValue("id"),
		SenderID:   req.SenderID,
		SenderType: models.SenderHuman,
		SenderName: req.SenderName,
		Type:       "text",
		Content:    req.Content,
		Mentions:   req.Mentions,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.engine.HandleMessage(r.Context(), msg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleGroupStop(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	if _, err := s.store.GetGroup(r.Context(), groupID); err != nil {
		s.writeError(w, err)
		return
	}
	s.engine.Stop(groupID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleGroupResume(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	if _, err := s.store.GetGroup(r.Context(), groupID); err != nil {
		s.writeError(w, err)
		return
	}
	s.engine.Resume(groupID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleGroupWS(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	if _, err := s.store.GetGroup(r.Context(), groupID); err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.ServeTopic(w, r, hub.GroupTopic(groupID))
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListUnsupportedModels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"unsupported_models": names})
}

// handleMarkSupported clears a model's negative tool-support record after
// a provider-side fix.
func (s *Server) handleMarkSupported(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("name")
	if err := s.caps.MarkSupported(r.Context(), model); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": model, "status": "supported"})
}

func normalizeMember(m *models.GroupMember, groupID string, now time.Time) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Name == "" {
		return badRequest("member %s: name is required", m.ID)
	}
	switch m.Type {
	case models.SenderHuman:
	case models.SenderAI:
		if m.SessionID == "" {
			return badRequest("member %s: ai members need a session_id", m.ID)
		}
		if m.AI == nil {
			m.AI = &models.AIBehavior{
				BaseReplyProbability:    0.3,
				MentionReplyProbability: 0.6,
				MaxConsecutiveReplies:   3,
				CooldownSeconds:         30,
			}
		}
	default:
		return badRequest("member %s: type must be human or ai", m.ID)
	}
	if m.Role == "" {
		m.Role = models.RoleMember
	}
	if m.Presence == "" {
		m.Presence = models.PresenceOnline
	}
	m.GroupID = groupID
	if m.JoinedAt.IsZero() {
		m.JoinedAt = now
	}
	return nil
}
