package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/parleyhq/parley/pkg/models"
)

// Postgres is the durable Store. Structured sub-records (model settings,
// specs, strategy, behaviors, citations) are stored as jsonb; counters are
// adjusted with atomic in-database arithmetic.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			settings JSONB NOT NULL DEFAULT '{}',
			knowledge_ids TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			images TEXT[] NOT NULL DEFAULT '{}',
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			citations JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS knowledge_bases (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			embedding JSONB NOT NULL,
			backend TEXT NOT NULL,
			collection_name TEXT NOT NULL,
			metric TEXT NOT NULL,
			chunking JSONB NOT NULL DEFAULT '{}',
			search JSONB NOT NULL DEFAULT '{}',
			document_count BIGINT NOT NULL DEFAULT 0,
			chunk_count BIGINT NOT NULL DEFAULT 0,
			total_size BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, collection_name)
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			kb_id TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			size BIGINT NOT NULL DEFAULT 0,
			content_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			storage_url TEXT NOT NULL DEFAULT '',
			chunk_count INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(kb_id)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			strategy JSONB NOT NULL DEFAULT '{}',
			system_prompt TEXT NOT NULL DEFAULT '',
			message_count BIGINT NOT NULL DEFAULT 0,
			last_message_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			id TEXT NOT NULL,
			group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			role TEXT NOT NULL,
			presence TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			ai JSONB,
			consecutive_replies INT NOT NULL DEFAULT 0,
			last_reply_at TIMESTAMPTZ,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (group_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS group_messages (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL DEFAULT '',
			images TEXT[] NOT NULL DEFAULT '{}',
			mentions TEXT[] NOT NULL DEFAULT '{}',
			reply_to TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_by TEXT[] NOT NULL DEFAULT '{}',
			ai_session_id TEXT NOT NULL DEFAULT '',
			reference JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_messages_group ON group_messages(group_id, ts)`,
		`CREATE TABLE IF NOT EXISTS model_capabilities (
			model_name TEXT PRIMARY KEY,
			supports_tools BOOLEAN NOT NULL,
			last_checked TIMESTAMPTZ NOT NULL DEFAULT now(),
			error_message TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			check_count INT NOT NULL DEFAULT 1
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// Sessions.

func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	settings, err := toJSON(s.Settings)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, title, system_prompt, settings, knowledge_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.Title, s.SystemPrompt, settings,
		pq.Array(s.KnowledgeIDs), s.CreatedAt, s.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	var settings []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, system_prompt, settings, knowledge_ids, created_at, updated_at
		FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.Title, &s.SystemPrompt, &settings,
			pq.Array(&s.KnowledgeIDs), &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fromJSON(settings, &s.Settings); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, s *models.Session) error {
	settings, err := toJSON(s.Settings)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET title = $2, system_prompt = $3, settings = $4,
			knowledge_ids = $5, updated_at = now()
		WHERE id = $1`,
		s.ID, s.Title, s.SystemPrompt, settings, pq.Array(s.KnowledgeIDs))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, title, system_prompt, settings, knowledge_ids, created_at, updated_at
		FROM sessions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var s models.Session
		var settings []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.SystemPrompt, &settings,
			pq.Array(&s.KnowledgeIDs), &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if err := fromJSON(settings, &s.Settings); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendMessage(ctx context.Context, m *models.Message) error {
	toolCalls, err := toJSON(m.ToolCalls)
	if err != nil {
		return err
	}
	citations, err := toJSON(m.Citations)
	if err != nil {
		return err
	}
	metadata, err := toJSON(m.Metadata)
	if err != nil {
		return err
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, images, tool_calls,
			tool_call_id, tool_name, citations, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.SessionID, m.Role, m.Content, pq.Array(m.Images), toolCalls,
		m.ToolCallID, m.ToolName, citations, metadata, created)
	return err
}

func (p *Postgres) UpdateMessage(ctx context.Context, m *models.Message) error {
	toolCalls, err := toJSON(m.ToolCalls)
	if err != nil {
		return err
	}
	citations, err := toJSON(m.Citations)
	if err != nil {
		return err
	}
	metadata, err := toJSON(m.Metadata)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE messages SET content = $2, tool_calls = $3, citations = $4, metadata = $5
		WHERE id = $1`,
		m.ID, m.Content, toolCalls, citations, metadata)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, role, content, images, tool_calls, tool_call_id,
			tool_name, citations, metadata, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at`
	args := []any{sessionID}
	if limit > 0 {
		// Last N in chronological order.
		query = `SELECT * FROM (
			SELECT id, session_id, role, content, images, tool_calls, tool_call_id,
				tool_name, citations, metadata, created_at
			FROM messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2
		) t ORDER BY created_at`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var toolCalls, citations, metadata []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, pq.Array(&m.Images),
			&toolCalls, &m.ToolCallID, &m.ToolName, &citations, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := fromJSON(toolCalls, &m.ToolCalls); err != nil {
			return nil, err
		}
		if err := fromJSON(citations, &m.Citations); err != nil {
			return nil, err
		}
		if err := fromJSON(metadata, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Knowledge bases.

func (p *Postgres) CreateKB(ctx context.Context, kb *models.KnowledgeBase) error {
	embedding, err := toJSON(kb.Embedding)
	if err != nil {
		return err
	}
	chunking, err := toJSON(kb.Chunking)
	if err != nil {
		return err
	}
	search, err := toJSON(kb.Search)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (id, user_id, name, embedding, backend,
			collection_name, metric, chunking, search, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		kb.ID, kb.UserID, kb.Name, embedding, kb.Backend,
		kb.CollectionName, kb.Metric, chunking, search, kb.CreatedAt, kb.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetKB(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	var embedding, chunking, search []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, embedding, backend, collection_name, metric,
			chunking, search, document_count, chunk_count, total_size, created_at, updated_at
		FROM knowledge_bases WHERE id = $1`, id).
		Scan(&kb.ID, &kb.UserID, &kb.Name, &embedding, &kb.Backend, &kb.CollectionName,
			&kb.Metric, &chunking, &search, &kb.DocumentCount, &kb.ChunkCount,
			&kb.TotalSize, &kb.CreatedAt, &kb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fromJSON(embedding, &kb.Embedding); err != nil {
		return nil, err
	}
	if err := fromJSON(chunking, &kb.Chunking); err != nil {
		return nil, err
	}
	if err := fromJSON(search, &kb.Search); err != nil {
		return nil, err
	}
	return &kb, nil
}

func (p *Postgres) ListKBs(ctx context.Context, userID string) ([]*models.KnowledgeBase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, name, embedding, backend, collection_name, metric,
			chunking, search, document_count, chunk_count, total_size, created_at, updated_at
		FROM knowledge_bases WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.KnowledgeBase
	for rows.Next() {
		var kb models.KnowledgeBase
		var embedding, chunking, search []byte
		if err := rows.Scan(&kb.ID, &kb.UserID, &kb.Name, &embedding, &kb.Backend,
			&kb.CollectionName, &kb.Metric, &chunking, &search, &kb.DocumentCount,
			&kb.ChunkCount, &kb.TotalSize, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
			return nil, err
		}
		if err := fromJSON(embedding, &kb.Embedding); err != nil {
			return nil, err
		}
		if err := fromJSON(chunking, &kb.Chunking); err != nil {
			return nil, err
		}
		if err := fromJSON(search, &kb.Search); err != nil {
			return nil, err
		}
		out = append(out, &kb)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteKB(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) AddCounters(ctx context.Context, kbID string, docs, chunks, size int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE knowledge_bases SET
			document_count = GREATEST(0, document_count + $2),
			chunk_count = GREATEST(0, chunk_count + $3),
			total_size = GREATEST(0, total_size + $4),
			updated_at = now()
		WHERE id = $1`, kbID, docs, chunks, size)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Documents.

func (p *Postgres) CreateDocument(ctx context.Context, d *models.Document) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (id, kb_id, filename, size, content_type, status,
			task_id, storage_url, chunk_count, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.KBID, d.Filename, d.Size, d.ContentType, d.Status,
		d.TaskID, d.StorageURL, d.ChunkCount, d.Error, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var d models.Document
	err := p.db.QueryRowContext(ctx, `
		SELECT id, kb_id, filename, size, content_type, status, task_id,
			storage_url, chunk_count, error, created_at, updated_at
		FROM documents WHERE id = $1`, id).
		Scan(&d.ID, &d.KBID, &d.Filename, &d.Size, &d.ContentType, &d.Status,
			&d.TaskID, &d.StorageURL, &d.ChunkCount, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) UpdateDocument(ctx context.Context, d *models.Document) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE documents SET status = $2, task_id = $3, storage_url = $4,
			chunk_count = $5, error = $6, updated_at = now()
		WHERE id = $1`,
		d.ID, d.Status, d.TaskID, d.StorageURL, d.ChunkCount, d.Error)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) ListDocuments(ctx context.Context, kbID string) ([]*models.Document, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kb_id, filename, size, content_type, status, task_id,
			storage_url, chunk_count, error, created_at, updated_at
		FROM documents WHERE kb_id = $1 ORDER BY created_at`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.KBID, &d.Filename, &d.Size, &d.ContentType,
			&d.Status, &d.TaskID, &d.StorageURL, &d.ChunkCount, &d.Error,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteDocument(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Groups.

func (p *Postgres) CreateGroup(ctx context.Context, g *models.Group) error {
	strategy, err := toJSON(g.Strategy)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, user_id, name, strategy, system_prompt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.UserID, g.Name, strategy, g.SystemPrompt, g.CreatedAt, g.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	for i := range g.Members {
		if err := upsertMemberTx(ctx, tx, g.ID, &g.Members[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	var strategy []byte
	var lastMessage sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, strategy, system_prompt, message_count,
			last_message_at, created_at, updated_at
		FROM groups WHERE id = $1`, id).
		Scan(&g.ID, &g.UserID, &g.Name, &strategy, &g.SystemPrompt,
			&g.MessageCount, &lastMessage, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fromJSON(strategy, &g.Strategy); err != nil {
		return nil, err
	}
	if lastMessage.Valid {
		g.LastMessage = lastMessage.Time
	}
	members, err := p.ListMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Members = make([]models.GroupMember, len(members))
	for i, m := range members {
		g.Members[i] = *m
	}
	return &g, nil
}

func (p *Postgres) ListGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, name, strategy, system_prompt, message_count,
			last_message_at, created_at, updated_at
		FROM groups WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Group
	for rows.Next() {
		var g models.Group
		var strategy []byte
		var lastMessage sql.NullTime
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &strategy, &g.SystemPrompt,
			&g.MessageCount, &lastMessage, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		if err := fromJSON(strategy, &g.Strategy); err != nil {
			return nil, err
		}
		if lastMessage.Valid {
			g.LastMessage = lastMessage.Time
		}
		out = append(out, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, g := range out {
		members, err := p.ListMembers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		g.Members = make([]models.GroupMember, len(members))
		for i, m := range members {
			g.Members[i] = *m
		}
	}
	return out, nil
}

func (p *Postgres) UpdateGroup(ctx context.Context, g *models.Group) error {
	strategy, err := toJSON(g.Strategy)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE groups SET name = $2, strategy = $3, system_prompt = $4, updated_at = now()
		WHERE id = $1`, g.ID, g.Name, strategy, g.SystemPrompt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) DeleteGroup(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func upsertMemberTx(ctx context.Context, tx *sql.Tx, groupID string, m *models.GroupMember) error {
	ai, err := toJSON(m.AI)
	if err != nil {
		return err
	}
	var lastReply any
	if !m.LastReplyAt.IsZero() {
		lastReply = m.LastReplyAt
	}
	joined := m.JoinedAt
	if joined.IsZero() {
		joined = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_members (id, group_id, name, type, role, presence,
			user_id, session_id, ai, consecutive_replies, last_reply_at, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (group_id, id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, role = EXCLUDED.role,
			presence = EXCLUDED.presence, user_id = EXCLUDED.user_id,
			session_id = EXCLUDED.session_id, ai = EXCLUDED.ai,
			consecutive_replies = EXCLUDED.consecutive_replies,
			last_reply_at = EXCLUDED.last_reply_at`,
		m.ID, groupID, m.Name, m.Type, m.Role, m.Presence,
		m.UserID, m.SessionID, ai, m.ConsecutiveReplies, lastReply, joined)
	return err
}

func (p *Postgres) UpsertMember(ctx context.Context, groupID string, m *models.GroupMember) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertMemberTx(ctx, tx, groupID, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) RemoveMember(ctx context.Context, groupID, memberID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = $1 AND id = $2`, groupID, memberID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) ListMembers(ctx context.Context, groupID string) ([]*models.GroupMember, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, group_id, name, type, role, presence, user_id, session_id,
			ai, consecutive_replies, last_reply_at, joined_at
		FROM group_members WHERE group_id = $1 ORDER BY joined_at, id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.GroupMember
	for rows.Next() {
		var m models.GroupMember
		var ai []byte
		var lastReply sql.NullTime
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Name, &m.Type, &m.Role, &m.Presence,
			&m.UserID, &m.SessionID, &ai, &m.ConsecutiveReplies, &lastReply, &m.JoinedAt); err != nil {
			return nil, err
		}
		if err := fromJSON(ai, &m.AI); err != nil {
			return nil, err
		}
		if lastReply.Valid {
			m.LastReplyAt = lastReply.Time
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendGroupMessage(ctx context.Context, m *models.GroupMessage) error {
	reference, err := toJSON(m.References)
	if err != nil {
		return err
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_messages (id, group_id, sender_id, sender_type, sender_name,
			type, content, images, mentions, reply_to, ts, read_by, ai_session_id, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.GroupID, m.SenderID, m.SenderType, m.SenderName,
		m.Type, m.Content, pq.Array(m.Images), pq.Array(m.Mentions),
		m.ReplyTo, ts, pq.Array(m.ReadBy), m.AISessionID, reference)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE groups SET message_count = message_count + 1, last_message_at = $2
		WHERE id = $1`, m.GroupID, ts); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) RecentGroupMessages(ctx context.Context, groupID string, limit int) ([]*models.GroupMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT id, group_id, sender_id, sender_type, sender_name, type, content,
				images, mentions, reply_to, ts, read_by, ai_session_id, reference
			FROM group_messages WHERE group_id = $1 ORDER BY ts DESC LIMIT $2
		) t ORDER BY ts`, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.GroupMessage
	for rows.Next() {
		var m models.GroupMessage
		var reference []byte
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.SenderType, &m.SenderName,
			&m.Type, &m.Content, pq.Array(&m.Images), pq.Array(&m.Mentions),
			&m.ReplyTo, &m.Timestamp, pq.Array(&m.ReadBy), &m.AISessionID, &reference); err != nil {
			return nil, err
		}
		if err := fromJSON(reference, &m.References); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Model capabilities.

func (p *Postgres) UpsertCapability(ctx context.Context, c *models.ModelCapability) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO model_capabilities (model_name, supports_tools, last_checked, error_message, notes)
		VALUES ($1, $2, now(), $3, $4)
		ON CONFLICT (model_name) DO UPDATE SET
			supports_tools = EXCLUDED.supports_tools,
			last_checked = now(),
			error_message = EXCLUDED.error_message,
			notes = EXCLUDED.notes,
			check_count = model_capabilities.check_count + 1`,
		c.ModelName, c.SupportsTools, c.ErrorMessage, c.Notes)
	return err
}

func (p *Postgres) GetCapability(ctx context.Context, modelName string) (*models.ModelCapability, error) {
	var c models.ModelCapability
	err := p.db.QueryRowContext(ctx, `
		SELECT model_name, supports_tools, last_checked, error_message, notes, first_seen, check_count
		FROM model_capabilities WHERE model_name = $1`, modelName).
		Scan(&c.ModelName, &c.SupportsTools, &c.LastChecked, &c.ErrorMessage,
			&c.Notes, &c.FirstSeen, &c.CheckCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) ListUnsupportedModels(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT model_name FROM model_capabilities WHERE NOT supports_tools ORDER BY model_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
