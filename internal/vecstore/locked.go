package vecstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	writeLockTimeout = 5 * time.Minute

	// compactDebounce batches the post-write maintenance pass: bursts of
	// ingestion batches trigger one compaction, not one per batch.
	compactDebounce = 60 * time.Second

	// compactBytesThreshold flushes early once enough new chunk content
	// has accumulated, so a steady trickle still gets compacted.
	compactBytesThreshold = 64 << 10
)

// LockedStore wraps a collection backend with the cross-process write
// discipline: every mutation runs under the collection's file lock, followed
// by a truncating WAL checkpoint, so a reader in another process never sees
// a fat WAL or a torn write.
type LockedStore struct {
	backend  *Backend
	lock     *FileLock
	pool     *readPool
	embedder embeddings.Provider
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu           sync.Mutex
	closed       bool
	compactTimer *time.Timer
	pendingBytes int64
}

// AddDocuments always fails: synchronous writes bypass the lock and
// checkpoint discipline. Use AddDocumentsAsync.
func (s *LockedStore) AddDocuments(context.Context, []models.Chunk) error {
	return ErrSyncWriteDisallowed
}

// AddDocumentsAsync embeds and writes chunks under the collection file lock,
// then checkpoints the WAL and schedules a debounced compaction. It returns
// the number of chunks written.
func (s *LockedStore) AddDocumentsAsync(ctx context.Context, chunks []models.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	var bytes int64
	for i, c := range chunks {
		texts[i] = c.Content
		bytes += int64(len(c.Content))
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	handle, err := s.lock.Acquire(ctx, writeLockTimeout)
	if err != nil {
		return 0, err
	}
	defer handle.Release()

	start := time.Now()
	if err := s.backend.Add(ctx, chunks, vectors); err != nil {
		return 0, err
	}
	s.metrics.VectorWriteDuration.Observe(time.Since(start).Seconds())

	s.checkpoint(ctx)
	s.scheduleCompaction(bytes)
	return len(chunks), nil
}

// SimilaritySearchWithScore runs a bounded-concurrency nearest-neighbor
// search for the query text and returns raw distance hits.
func (s *LockedStore) SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]Hit, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	var hits []Hit
	err = s.pool.run(ctx, func() error {
		var serr error
		hits, serr = s.backend.Search(ctx, vec, k)
		return serr
	})
	return hits, err
}

// GetByIDs fetches chunks by ID through the shared read pool.
func (s *LockedStore) GetByIDs(ctx context.Context, ids []string) ([]models.Chunk, error) {
	var out []models.Chunk
	err := s.pool.run(ctx, func() error {
		var gerr error
		out, gerr = s.backend.GetByIDs(ctx, ids)
		return gerr
	})
	return out, err
}

// DeleteDocument removes a document's chunks under the file lock.
func (s *LockedStore) DeleteDocument(ctx context.Context, docID string) (int64, error) {
	handle, err := s.lock.Acquire(ctx, writeLockTimeout)
	if err != nil {
		return 0, err
	}
	defer handle.Release()

	n, err := s.backend.DeleteByDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	s.checkpoint(ctx)
	return n, nil
}

// Count reports the number of stored chunks.
func (s *LockedStore) Count(ctx context.Context) (int64, error) {
	return s.backend.Count(ctx)
}

// Metric returns the collection's distance metric.
func (s *LockedStore) Metric() models.DistanceMetric {
	return s.backend.metric
}

// ForceCompaction runs the maintenance pass immediately, cancelling any
// pending debounced run.
func (s *LockedStore) ForceCompaction(ctx context.Context) error {
	s.mu.Lock()
	if s.compactTimer != nil {
		s.compactTimer.Stop()
		s.compactTimer = nil
	}
	s.pendingBytes = 0
	s.mu.Unlock()
	return s.compact(ctx)
}

func (s *LockedStore) scheduleCompaction(newBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pendingBytes += newBytes
	if s.pendingBytes >= compactBytesThreshold {
		s.pendingBytes = 0
		if s.compactTimer != nil {
			s.compactTimer.Stop()
			s.compactTimer = nil
		}
		go s.compactBackground()
		return
	}
	if s.compactTimer != nil {
		s.compactTimer.Reset(compactDebounce)
		return
	}
	s.compactTimer = time.AfterFunc(compactDebounce, s.compactBackground)
}

func (s *LockedStore) compactBackground() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.compactTimer = nil
	s.pendingBytes = 0
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeLockTimeout)
	defer cancel()
	if err := s.compact(ctx); err != nil {
		s.logger.Warn("background compaction failed",
			"collection", s.backend.collection, "error", err)
	}
}

func (s *LockedStore) compact(ctx context.Context) error {
	handle, err := s.lock.Acquire(ctx, writeLockTimeout)
	if err != nil {
		return err
	}
	defer handle.Release()

	if err := s.backend.Compact(ctx); err != nil {
		return err
	}
	s.checkpoint(ctx)
	return nil
}

// checkpoint runs the truncating WAL checkpoint and logs the outcome.
// Checkpoint failure is not fatal to a committed write, so it only warns.
func (s *LockedStore) checkpoint(ctx context.Context) {
	res, err := s.backend.Checkpoint(ctx)
	if err != nil {
		s.logger.Warn("wal checkpoint failed",
			"collection", s.backend.collection, "error", err)
		return
	}
	s.metrics.CheckpointPages.Observe(float64(res.CheckpointedPages))
	if res.Busy != 0 {
		s.logger.Warn("wal checkpoint was busy",
			"collection", s.backend.collection,
			"log_pages", res.LogPages,
			"checkpointed_pages", res.CheckpointedPages)
		return
	}
	s.logger.Debug("wal checkpoint",
		"collection", s.backend.collection,
		"log_pages", res.LogPages,
		"checkpointed_pages", res.CheckpointedPages)
}

// close stops pending maintenance and closes the catalog. Callers go
// through Registry.Remove.
func (s *LockedStore) close() error {
	s.mu.Lock()
	s.closed = true
	if s.compactTimer != nil {
		s.compactTimer.Stop()
		s.compactTimer = nil
	}
	s.mu.Unlock()
	return s.backend.Close()
}
