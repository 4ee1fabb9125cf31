// Package chunker splits parsed document text into retrieval-sized pieces.
package chunker

import (
	"github.com/parleyhq/parley/pkg/models"
)

// Chunker defines a text chunking strategy. Implementations assign fresh
// chunk IDs and carry source metadata on every chunk.
type Chunker interface {
	// Chunk splits text into chunks for the given document.
	Chunk(text string, doc *models.Document) ([]models.Chunk, error)

	// Name returns the chunker name for logging.
	Name() string
}

// Config contains common configuration for chunkers.
type Config struct {
	// ChunkSize is the target size of each chunk in characters.
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is the number of characters shared between consecutive
	// chunks.
	ChunkOverlap int `yaml:"chunk_overlap"`

	// MinChunkSize drops fragments smaller than this.
	MinChunkSize int `yaml:"min_chunk_size"`

	// Separators overrides the default separator ladder.
	Separators []string `yaml:"separators,omitempty"`
}

// DefaultConfig returns the default chunker configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		MinChunkSize: 10,
	}
}

// FromSpec maps a KB's chunking spec onto a chunker config, filling gaps
// from the defaults.
func FromSpec(spec models.ChunkingSpec) Config {
	cfg := DefaultConfig()
	if spec.ChunkSize > 0 {
		cfg.ChunkSize = spec.ChunkSize
	}
	if spec.ChunkOverlap > 0 {
		cfg.ChunkOverlap = spec.ChunkOverlap
	}
	if len(spec.Separators) > 0 {
		cfg.Separators = spec.Separators
	}
	return cfg
}

// ForSpec picks the strategy the KB asks for. "smart" gets the
// structure-aware splitter; everything else gets the recursive character
// splitter.
func ForSpec(spec models.ChunkingSpec) Chunker {
	cfg := FromSpec(spec)
	if spec.Strategy == "smart" {
		return NewSmartChunker(cfg)
	}
	return NewRecursiveSplitter(cfg)
}
