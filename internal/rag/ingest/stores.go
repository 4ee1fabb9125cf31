package ingest

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/vecstore"
	"github.com/parleyhq/parley/pkg/models"
)

// Stores resolves a knowledge base to its open locked vector store by
// combining the embedding and vector-store registries. One instance is
// shared by the ingestion pipeline and the retriever.
type Stores struct {
	vectors   *vecstore.Registry
	embedders *embeddings.Registry
	data      config.DataConfig
}

func NewStores(vectors *vecstore.Registry, embedders *embeddings.Registry, data config.DataConfig) *Stores {
	return &Stores{vectors: vectors, embedders: embedders, data: data}
}

// Open returns the shared locked store for a KB, creating it on first use.
func (s *Stores) Open(ctx context.Context, kb *models.KnowledgeBase) (*vecstore.LockedStore, error) {
	embedder, err := s.embedders.GetOrCreate(kb.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedder for kb %s: %w", kb.ID, err)
	}
	spec := vecstore.StoreSpec{
		Backend:    kb.Backend,
		Collection: kb.CollectionName,
		PersistDir: s.data.VectorDir(string(kb.Backend)),
		Metric:     kb.Metric,
	}
	return s.vectors.GetOrCreate(ctx, spec, embedder)
}

// Drop checkpoints and closes the KB's store and removes it from the
// registry. Used when the KB itself is deleted.
func (s *Stores) Drop(ctx context.Context, kb *models.KnowledgeBase) error {
	spec := vecstore.StoreSpec{
		Backend:    kb.Backend,
		Collection: kb.CollectionName,
		PersistDir: s.data.VectorDir(string(kb.Backend)),
		Metric:     kb.Metric,
	}
	return s.vectors.Remove(ctx, spec)
}

// StoreFor adapts Open to the retriever's resolver interface.
func (s *Stores) StoreFor(ctx context.Context, kb *models.KnowledgeBase) (retriever.SearchStore, error) {
	return s.Open(ctx, kb)
}

var _ retriever.StoreResolver = (*Stores)(nil)
