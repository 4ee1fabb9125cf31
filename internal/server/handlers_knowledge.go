package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/rag/ingest"
	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/taskqueue"
	"github.com/parleyhq/parley/internal/vecstore"
	"github.com/parleyhq/parley/pkg/models"
)

// maxUploadSize bounds a single document upload.
const maxUploadSize = 100 << 20

type createKBRequest struct {
	UserID    string                `json:"user_id"`
	Name      string                `json:"name"`
	Backend   models.VectorBackend  `json:"backend"`
	Metric    models.DistanceMetric `json:"metric"`
	Embedding models.EmbeddingSpec  `json:"embedding"`
	Chunking  models.ChunkingSpec   `json:"chunking"`
	Search    models.SearchSpec     `json:"search"`
}

func (s *Server) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req createKBRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.UserID == "" || req.Name == "" {
		s.writeError(w, badRequest("user_id and name are required"))
		return
	}
	if req.Embedding.Provider == "" || req.Embedding.Model == "" {
		s.writeError(w, badRequest("embedding.provider and embedding.model are required"))
		return
	}
	if req.Backend == "" {
		req.Backend = models.BackendChroma
	}
	if req.Metric == "" {
		req.Metric = models.MetricCosine
	}
	if req.Chunking.ChunkSize <= 0 {
		req.Chunking.ChunkSize = 1000
	}
	if req.Chunking.ChunkOverlap < 0 || req.Chunking.ChunkOverlap >= req.Chunking.ChunkSize {
		req.Chunking.ChunkOverlap = req.Chunking.ChunkSize / 5
	}
	if req.Search.TopK <= 0 {
		req.Search.TopK = 5
	}

	now := time.Now().UTC()
	kb := &models.KnowledgeBase{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Name:           req.Name,
		Embedding:      req.Embedding,
		Backend:        req.Backend,
		CollectionName: vecstore.SanitizeCollectionName(req.Name),
		Metric:         req.Metric,
		Chunking:       req.Chunking,
		Search:         req.Search,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateKB(r.Context(), kb); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

func (s *Server) handleListKBs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, badRequest("user_id query parameter is required"))
		return
	}
	kbs, err := s.store.ListKBs(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kbs)
}

func (s *Server) handleGetKB(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKB(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

// handleDeleteKB removes the KB record, its documents, and the backing
// vector collection.
func (s *Server) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kb, err := s.store.GetKB(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	docs, err := s.store.ListDocuments(ctx, kb.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, d := range docs {
		if err := s.store.DeleteDocument(ctx, d.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		if d.StorageURL != "" {
			os.Remove(d.StorageURL)
		}
	}
	if err := s.stores.Drop(ctx, kb); err != nil {
		s.logger.Warn("failed to drop vector collection",
			"kb_id", kb.ID, "collection", kb.CollectionName, "error", err)
	}
	if err := s.store.DeleteKB(ctx, kb.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadDocument accepts a multipart file, registers the document,
// and queues asynchronous ingestion.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kb, err := s.store.GetKB(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, badRequest("multipart file field: %v", err))
		return
	}
	defer file.Close()

	docID := uuid.NewString()
	uploadDir := filepath.Join(s.cfg.Data.Root, "data", "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		s.writeError(w, err)
		return
	}
	path := filepath.Join(uploadDir, docID+filepath.Ext(header.Filename))
	dst, err := os.Create(path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	size, err := io.Copy(dst, file)
	dst.Close()
	if err != nil {
		os.Remove(path)
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:          docID,
		KBID:        kb.ID,
		Filename:    header.Filename,
		Size:        size,
		ContentType: header.Header.Get("Content-Type"),
		Status:      models.DocumentUploaded,
		StorageURL:  path,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		os.Remove(path)
		s.writeError(w, err)
		return
	}

	taskID, err := s.queue.Enqueue(taskqueue.Request{
		Type:     ingest.TaskType,
		Priority: models.PriorityNormal,
		Payload: ingest.Request{
			DocumentID: doc.ID,
			KBID:       kb.ID,
			UserID:     kb.UserID,
			Path:       path,
		},
	})
	if err != nil {
		doc.Status = models.DocumentFailed
		doc.Error = err.Error()
		_ = s.store.UpdateDocument(ctx, doc)
		s.writeError(w, err)
		return
	}
	doc.TaskID = taskID
	if err := s.store.UpdateDocument(ctx, doc); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleDeleteDocument removes the document record, its chunks from the
// vector store, and decrements the KB counters.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := s.store.GetDocument(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	kb, err := s.store.GetKB(ctx, doc.KBID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	vs, err := s.stores.Open(ctx, kb)
	if err == nil {
		if _, err := vs.DeleteDocument(ctx, doc.ID); err != nil {
			s.logger.Warn("failed to delete document chunks",
				"document_id", doc.ID, "error", err)
		}
	}
	if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if doc.Status == models.DocumentCompleted {
		if err := s.store.AddCounters(ctx, kb.ID, -1, -int64(doc.ChunkCount), -doc.Size); err != nil {
			s.logger.Warn("failed to adjust kb counters", "kb_id", kb.ID, "error", err)
		}
	}
	if doc.StorageURL != "" {
		os.Remove(doc.StorageURL)
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	UserID   string   `json:"user_id"`
	Query    string   `json:"query"`
	KBIDs    []string `json:"kb_ids"`
	TopK     int      `json:"top_k"`
	Strategy string   `json:"strategy"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, badRequest("query is required"))
		return
	}

	ctx := r.Context()
	var kbs []*models.KnowledgeBase
	if len(req.KBIDs) > 0 {
		for _, id := range req.KBIDs {
			kb, err := s.store.GetKB(ctx, id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			kbs = append(kbs, kb)
		}
	} else if req.UserID != "" {
		all, err := s.store.ListKBs(ctx, req.UserID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		kbs = all
	} else {
		s.writeError(w, badRequest("kb_ids or user_id is required"))
		return
	}

	results, err := s.retriever.Retrieve(ctx, kbs, req.Query, retriever.MultiOptions{
		FinalTopK: req.TopK,
		Strategy:  req.Strategy,
		Threshold: -1,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": results})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.queue.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}
