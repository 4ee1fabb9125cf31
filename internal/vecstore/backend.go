package vecstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/parleyhq/parley/pkg/models"
)

// Backend stores one collection's chunks and vectors in a sqlite catalog
// under the collection's persist directory. The catalog runs in WAL mode;
// durability is driven by the explicit checkpoint discipline in LockedStore.
type Backend struct {
	db         *sql.DB
	dir        string
	collection string
	metric     models.DistanceMetric
}

const catalogFile = "catalog.sqlite"

// openBackend opens (or creates) the collection catalog in dir.
func openBackend(dir, collection string, metric models.DistanceMetric) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create persist dir: %v", ErrStoreUnavailable, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)",
		filepath.Join(dir, catalogFile))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open catalog: %v", ErrStoreUnavailable, err)
	}
	// A single writer connection keeps sqlite lock contention out of the
	// driver; cross-process ordering comes from the file lock.
	db.SetMaxOpenConns(1)

	b := &Backend{db: db, dir: dir, collection: collection, metric: metric}
	if err := b.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init catalog: %v", ErrStoreUnavailable, err)
	}
	return b, nil
}

func (b *Backend) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			kb_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return err
		}
	}

	if _, err := b.db.Exec(
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('collection_uuid', ?)`,
		uuid.NewString(),
	); err != nil {
		return err
	}
	if _, err := b.db.Exec(
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('metric', ?)`,
		string(b.metric),
	); err != nil {
		return err
	}
	return nil
}

// ExpectedUUID returns the collection UUID recorded in the catalog. The
// per-UUID segment directory on disk must match it.
func (b *Backend) ExpectedUUID(ctx context.Context) (string, error) {
	var v string
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'collection_uuid'`).Scan(&v)
	if err != nil {
		return "", err
	}
	return v, nil
}

// Add inserts chunks with their embeddings in one transaction.
func (b *Backend) Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks (id, doc_id, kb_id, idx, content, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.KBID, c.Index, c.Content,
			string(meta), encodeVector(vectors[i]), now,
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Hit is one raw search result: the chunk and its distance under the
// collection's metric. Score conversion is the retriever's business.
type Hit struct {
	Chunk    models.Chunk
	Distance float64
}

// Search computes distances for every stored vector and returns the k
// nearest. Collections are per-user and modest in size, so a scan is fine.
func (b *Backend) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, doc_id, kb_id, idx, content, metadata, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		chunk, blob, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		vec := decodeVector(blob)
		hits = append(hits, Hit{Chunk: chunk, Distance: b.distance(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// GetByIDs fetches chunks by their IDs; missing IDs are skipped.
func (b *Backend) GetByIDs(ctx context.Context, ids []string) ([]models.Chunk, error) {
	out := make([]models.Chunk, 0, len(ids))
	stmt, err := b.db.PrepareContext(ctx,
		`SELECT id, doc_id, kb_id, idx, content, metadata, embedding FROM chunks WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, id := range ids {
		rows, err := stmt.QueryContext(ctx, id)
		if err != nil {
			return nil, err
		}
		if rows.Next() {
			chunk, _, err := scanChunk(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, chunk)
		}
		rows.Close()
	}
	return out, nil
}

// DeleteByDocument removes all chunks belonging to a document and returns
// how many were removed.
func (b *Backend) DeleteByDocument(ctx context.Context, docID string) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of stored chunks.
func (b *Backend) Count(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// Compact asks sqlite to run its maintenance pass.
func (b *Backend) Compact(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

// CheckpointResult reports what a WAL checkpoint did.
type CheckpointResult struct {
	Busy              int
	LogPages          int
	CheckpointedPages int
}

// Checkpoint forces a truncating WAL checkpoint and returns the sqlite
// checkpoint triple.
func (b *Backend) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	var r CheckpointResult
	err := b.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).
		Scan(&r.Busy, &r.LogPages, &r.CheckpointedPages)
	if err != nil {
		return r, fmt.Errorf("wal_checkpoint: %w", err)
	}
	return r, nil
}

// Close closes the catalog.
func (b *Backend) Close() error {
	return b.db.Close()
}

func scanChunk(rows *sql.Rows) (models.Chunk, []byte, error) {
	var c models.Chunk
	var metaJSON sql.NullString
	var blob []byte
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.Index, &c.Content, &metaJSON, &blob); err != nil {
		return c, nil, fmt.Errorf("scan chunk: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &c.Metadata); err != nil {
			return c, nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return c, blob, nil
}

func (b *Backend) distance(a, v []float32) float64 {
	switch b.metric {
	case models.MetricL2:
		return l2Squared(a, v)
	case models.MetricIP:
		return 1 - float64(dot(a, v))
	default:
		return 1 - cosineSimilarity(a, v)
	}
}

// encodeVector packs float32s little-endian, 4 bytes each.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	data := make([]byte, len(vec)*4)
	for i, f := range vec {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec
}

func dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var d float32
	for i := range a {
		d += a[i] * b[i]
	}
	return d
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func l2Squared(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
