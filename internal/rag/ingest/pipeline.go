// Package ingest turns uploaded documents into embedded chunks in the
// vector store. The pipeline runs as a task-queue handler: parse, chunk,
// embed and write in batches, then finalize the document row and knowledge
// base counters.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/rag/chunker"
	"github.com/parleyhq/parley/internal/rag/parser"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/taskqueue"
	"github.com/parleyhq/parley/internal/vecstore"
	"github.com/parleyhq/parley/pkg/models"
)

// TaskType is the queue handler name for document ingestion.
const TaskType = "document_ingest"

const (
	// batchSize is how many chunks each embed+write round carries.
	batchSize = 100

	// perUserConcurrency bounds how many documents one user may have in
	// flight at once. The queue's worker count is the global cap.
	perUserConcurrency = 5
)

// Write progress is reported in [0.5, 0.9]; the band below 0.5 covers
// parsing and chunking.
const (
	progressParsed   = 0.2
	progressChunked  = 0.4
	progressWriteLo  = 0.5
	progressWriteHi  = 0.9
	progressComplete = 1.0
)

// Request is the ingestion task payload.
type Request struct {
	DocumentID string `json:"document_id"`
	KBID       string `json:"kb_id"`
	UserID     string `json:"user_id"`

	// Path overrides the document's storage URL when set. Both refer to
	// the uploaded bytes on local disk.
	Path string `json:"path,omitempty"`
}

// Opener yields the shared locked vector store for a knowledge base.
type Opener interface {
	Open(ctx context.Context, kb *models.KnowledgeBase) (*vecstore.LockedStore, error)
}

// Pipeline ingests documents into vector stores.
type Pipeline struct {
	knowledge store.KnowledgeStore
	parsers   *parser.Pool
	stores    Opener
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	userSlots map[string]*semaphore.Weighted
}

func NewPipeline(knowledge store.KnowledgeStore, parsers *parser.Pool, stores Opener, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		knowledge: knowledge,
		parsers:   parsers,
		stores:    stores,
		metrics:   metrics,
		logger:    logger.With("component", "ingest"),
		userSlots: make(map[string]*semaphore.Weighted),
	}
}

// Register installs the pipeline as the queue's document_ingest handler.
func (p *Pipeline) Register(q *taskqueue.Queue) {
	q.RegisterHandler(TaskType, func(ctx context.Context, payload json.RawMessage, progress taskqueue.ProgressFunc) (string, error) {
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return "", fmt.Errorf("decode ingest payload: %w", err)
		}
		return p.Ingest(ctx, req, progress)
	})
}

// Ingest runs the full pipeline for one document. On any failure the
// document row is marked failed with the error and the KB counters are
// left untouched; chunks already written stay in the store and are
// replaced wholesale on the next attempt.
func (p *Pipeline) Ingest(ctx context.Context, req Request, progress taskqueue.ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	slot := p.userSlot(req.UserID)
	if err := slot.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer slot.Release(1)

	doc, err := p.knowledge.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return "", fmt.Errorf("load document %s: %w", req.DocumentID, err)
	}
	kb, err := p.knowledge.GetKB(ctx, req.KBID)
	if err != nil {
		p.fail(ctx, doc, err)
		return "", fmt.Errorf("load kb %s: %w", req.KBID, err)
	}

	doc.Status = models.DocumentProcessing
	doc.Error = ""
	if err := p.knowledge.UpdateDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}

	n, err := p.run(ctx, req, doc, kb, progress)
	if err != nil {
		p.fail(ctx, doc, err)
		return "", err
	}

	doc.Status = models.DocumentCompleted
	doc.ChunkCount = n
	doc.Error = ""
	if err := p.knowledge.UpdateDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("finalize document: %w", err)
	}
	if err := p.knowledge.AddCounters(ctx, kb.ID, 1, int64(n), doc.Size); err != nil {
		return "", fmt.Errorf("update kb counters: %w", err)
	}
	progress(progressComplete)

	p.logger.Info("document ingested",
		"doc_id", doc.ID, "kb_id", kb.ID, "chunks", n)
	return fmt.Sprintf("ingested %d chunks", n), nil
}

func (p *Pipeline) run(ctx context.Context, req Request, doc *models.Document, kb *models.KnowledgeBase, progress taskqueue.ProgressFunc) (int, error) {
	path := req.Path
	if path == "" {
		path = doc.StorageURL
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read upload: %w", err)
	}

	parsed, err := p.parsers.Parse(ctx, data, doc.Filename)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", doc.Filename, err)
	}
	progress(progressParsed)

	chunks, err := chunker.ForSpec(kb.Chunking).Chunk(parsed.Text, doc)
	if err != nil {
		return 0, fmt.Errorf("chunk %s: %w", doc.Filename, err)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("document %s produced no chunks", doc.ID)
	}
	progress(progressChunked)

	vs, err := p.stores.Open(ctx, kb)
	if err != nil {
		return 0, err
	}

	// A retried task re-writes the whole document; drop any partial rows
	// from the previous attempt first.
	if _, err := vs.DeleteDocument(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("clear previous chunks: %w", err)
	}

	batches := (len(chunks) + batchSize - 1) / batchSize
	written := 0
	for i := 0; i < batches; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		lo := i * batchSize
		hi := lo + batchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		n, err := vs.AddDocumentsAsync(ctx, chunks[lo:hi])
		if err != nil {
			p.metrics.IngestBatchesTotal.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("write batch %d/%d: %w", i+1, batches, err)
		}
		written += n
		p.metrics.IngestBatchesTotal.WithLabelValues("ok").Inc()
		p.metrics.IngestChunksTotal.Add(float64(n))
		progress(progressWriteLo + (progressWriteHi-progressWriteLo)*float64(i+1)/float64(batches))
	}
	return written, nil
}

func (p *Pipeline) fail(ctx context.Context, doc *models.Document, cause error) {
	doc.Status = models.DocumentFailed
	doc.Error = cause.Error()
	if err := p.knowledge.UpdateDocument(ctx, doc); err != nil {
		p.logger.Error("failed to record document failure",
			"doc_id", doc.ID, "error", err, "cause", cause)
	}
}

func (p *Pipeline) userSlot(userID string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.userSlots[userID]
	if !ok {
		slot = semaphore.NewWeighted(perUserConcurrency)
		p.userSlots[userID] = slot
	}
	return slot
}
