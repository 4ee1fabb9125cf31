package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// Memory is the in-memory Store used by tests and single-node setups.
// All returned records are copies; callers never share memory with the
// store.
type Memory struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	messages map[string][]*models.Message // session id -> ordered history

	kbs       map[string]*models.KnowledgeBase
	documents map[string]*models.Document

	groups    map[string]*models.Group
	members   map[string]map[string]*models.GroupMember // group id -> member id
	groupMsgs map[string][]*models.GroupMessage

	capabilities map[string]*models.ModelCapability
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[string]*models.Session),
		messages:     make(map[string][]*models.Message),
		kbs:          make(map[string]*models.KnowledgeBase),
		documents:    make(map[string]*models.Document),
		groups:       make(map[string]*models.Group),
		members:      make(map[string]map[string]*models.GroupMember),
		groupMsgs:    make(map[string][]*models.GroupMessage),
		capabilities: make(map[string]*models.ModelCapability),
	}
}

func (m *Memory) Close() error { return nil }

// Sessions.

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrConflict
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *Memory) ListSessions(_ context.Context, userID string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return ErrNotFound
	}
	cp := *msg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	return nil
}

func (m *Memory) UpdateMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.messages[msg.SessionID] {
		if existing.ID == msg.ID {
			cp := *msg
			m.messages[msg.SessionID][i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListMessages(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// Knowledge bases.

func (m *Memory) CreateKB(_ context.Context, kb *models.KnowledgeBase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kbs[kb.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.kbs {
		if existing.UserID == kb.UserID && existing.CollectionName == kb.CollectionName {
			return ErrConflict
		}
	}
	cp := *kb
	m.kbs[kb.ID] = &cp
	return nil
}

func (m *Memory) GetKB(_ context.Context, id string) (*models.KnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kb, ok := m.kbs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *kb
	return &cp, nil
}

func (m *Memory) ListKBs(_ context.Context, userID string) ([]*models.KnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.KnowledgeBase
	for _, kb := range m.kbs {
		if kb.UserID != userID {
			continue
		}
		cp := *kb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteKB(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kbs[id]; !ok {
		return ErrNotFound
	}
	delete(m.kbs, id)
	for docID, d := range m.documents {
		if d.KBID == id {
			delete(m.documents, docID)
		}
	}
	return nil
}

func (m *Memory) AddCounters(_ context.Context, kbID string, docs, chunks, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kb, ok := m.kbs[kbID]
	if !ok {
		return ErrNotFound
	}
	kb.DocumentCount = clampNonNegative(kb.DocumentCount + docs)
	kb.ChunkCount = clampNonNegative(kb.ChunkCount + chunks)
	kb.TotalSize = clampNonNegative(kb.TotalSize + size)
	kb.UpdatedAt = time.Now().UTC()
	return nil
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Documents.

func (m *Memory) CreateDocument(_ context.Context, d *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; ok {
		return ErrConflict
	}
	cp := *d
	m.documents[d.ID] = &cp
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) UpdateDocument(_ context.Context, d *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	cp.UpdatedAt = time.Now().UTC()
	m.documents[d.ID] = &cp
	return nil
}

func (m *Memory) ListDocuments(_ context.Context, kbID string) ([]*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Document
	for _, d := range m.documents {
		if d.KBID != kbID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return ErrNotFound
	}
	delete(m.documents, id)
	return nil
}

// Groups.

func (m *Memory) CreateGroup(_ context.Context, g *models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		return ErrConflict
	}
	cp := *g
	m.groups[g.ID] = &cp
	if m.members[g.ID] == nil {
		m.members[g.ID] = make(map[string]*models.GroupMember)
	}
	for i := range g.Members {
		mcp := g.Members[i]
		m.members[g.ID][mcp.ID] = &mcp
	}
	return nil
}

func (m *Memory) GetGroup(_ context.Context, id string) (*models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	cp.Members = m.membersLocked(id)
	return &cp, nil
}

func (m *Memory) ListGroups(_ context.Context, userID string) ([]*models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Group
	for id, g := range m.groups {
		if g.UserID != userID {
			continue
		}
		cp := *g
		cp.Members = m.membersLocked(id)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateGroup(_ context.Context, g *models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; !ok {
		return ErrNotFound
	}
	cp := *g
	cp.UpdatedAt = time.Now().UTC()
	m.groups[g.ID] = &cp
	return nil
}

func (m *Memory) DeleteGroup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	delete(m.members, id)
	delete(m.groupMsgs, id)
	return nil
}

func (m *Memory) UpsertMember(_ context.Context, groupID string, member *models.GroupMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return ErrNotFound
	}
	if m.members[groupID] == nil {
		m.members[groupID] = make(map[string]*models.GroupMember)
	}
	cp := *member
	cp.GroupID = groupID
	m.members[groupID][member.ID] = &cp
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, groupID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[groupID][memberID]; !ok {
		return ErrNotFound
	}
	delete(m.members[groupID], memberID)
	return nil
}

func (m *Memory) ListMembers(_ context.Context, groupID string) ([]*models.GroupMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.groups[groupID]; !ok {
		return nil, ErrNotFound
	}
	members := m.membersLocked(groupID)
	out := make([]*models.GroupMember, len(members))
	for i := range members {
		cp := members[i]
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) membersLocked(groupID string) []models.GroupMember {
	var out []models.GroupMember
	for _, member := range m.members[groupID] {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (m *Memory) AppendGroupMessage(_ context.Context, msg *models.GroupMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[msg.GroupID]
	if !ok {
		return ErrNotFound
	}
	cp := *msg
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.groupMsgs[msg.GroupID] = append(m.groupMsgs[msg.GroupID], &cp)
	g.MessageCount++
	g.LastMessage = cp.Timestamp
	return nil
}

func (m *Memory) RecentGroupMessages(_ context.Context, groupID string, limit int) ([]*models.GroupMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.groups[groupID]; !ok {
		return nil, ErrNotFound
	}
	msgs := m.groupMsgs[groupID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.GroupMessage, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// Model capabilities.

func (m *Memory) UpsertCapability(_ context.Context, c *models.ModelCapability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := *c
	if prev, ok := m.capabilities[c.ModelName]; ok {
		cp.FirstSeen = prev.FirstSeen
		cp.CheckCount = prev.CheckCount + 1
	} else {
		if cp.FirstSeen.IsZero() {
			cp.FirstSeen = now
		}
		cp.CheckCount = 1
	}
	if cp.LastChecked.IsZero() {
		cp.LastChecked = now
	}
	m.capabilities[c.ModelName] = &cp
	return nil
}

func (m *Memory) GetCapability(_ context.Context, modelName string) (*models.ModelCapability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.capabilities[modelName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListUnsupportedModels(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, c := range m.capabilities {
		if !c.SupportsTools {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
