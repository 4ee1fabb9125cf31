// Package store persists sessions, messages, knowledge bases, documents,
// groups, and group messages. The Store interface has an in-memory
// implementation for tests and single-node setups and a Postgres
// implementation for durable deployments.
package store

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a uniqueness constraint is violated, e.g. a
// duplicate sanitized collection name per owner.
var ErrConflict = errors.New("record conflict")

// SessionStore persists chat sessions and their message history.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)

	AppendMessage(ctx context.Context, m *models.Message) error
	// UpdateMessage rewrites a stored message in place (tool-response
	// citation rewriting).
	UpdateMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// KnowledgeStore persists knowledge bases and their documents.
type KnowledgeStore interface {
	CreateKB(ctx context.Context, kb *models.KnowledgeBase) error
	GetKB(ctx context.Context, id string) (*models.KnowledgeBase, error)
	ListKBs(ctx context.Context, userID string) ([]*models.KnowledgeBase, error)
	DeleteKB(ctx context.Context, id string) error

	// AddCounters atomically adjusts the KB's document/chunk/size counters.
	// Results never go below zero.
	AddCounters(ctx context.Context, kbID string, docs, chunks, size int64) error

	CreateDocument(ctx context.Context, d *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpdateDocument(ctx context.Context, d *models.Document) error
	ListDocuments(ctx context.Context, kbID string) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// GroupStore persists groups, members, and group messages.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	ListGroups(ctx context.Context, userID string) ([]*models.Group, error)
	UpdateGroup(ctx context.Context, g *models.Group) error
	DeleteGroup(ctx context.Context, id string) error

	UpsertMember(ctx context.Context, groupID string, m *models.GroupMember) error
	RemoveMember(ctx context.Context, groupID, memberID string) error
	ListMembers(ctx context.Context, groupID string) ([]*models.GroupMember, error)

	AppendGroupMessage(ctx context.Context, m *models.GroupMessage) error
	// RecentGroupMessages returns the latest messages, newest last.
	RecentGroupMessages(ctx context.Context, groupID string, limit int) ([]*models.GroupMessage, error)
}

// CapabilityStore persists model tool-calling capability records. The
// durable record is the authoritative source for the negative cache.
type CapabilityStore interface {
	// UpsertCapability inserts or refreshes a record, bumping its check
	// count and keeping the original first-seen time.
	UpsertCapability(ctx context.Context, c *models.ModelCapability) error
	GetCapability(ctx context.Context, modelName string) (*models.ModelCapability, error)
	// ListUnsupportedModels returns the names of models recorded as not
	// supporting tool calls.
	ListUnsupportedModels(ctx context.Context) ([]string, error)
}

// Store bundles every persistence concern.
type Store interface {
	SessionStore
	KnowledgeStore
	GroupStore
	CapabilityStore

	Close() error
}
