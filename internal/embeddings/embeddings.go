// Package embeddings provides embedding providers and the process-wide
// model registry that deduplicates provider handles.
package embeddings

import (
	"context"
	"errors"
)

// ErrBadConfig is returned when a provider spec is missing required
// credentials or names an unknown provider.
var ErrBadConfig = errors.New("embeddings: bad provider config")

// ErrModelNotFound is returned when a local model path does not exist.
var ErrModelNotFound = errors.New("embeddings: model not found")

// Provider defines the interface for embedding providers. Implementations
// must be safe for concurrent use from worker pools.
type Provider interface {
	// Embed generates an embedding for a single query text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple document texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int
}
