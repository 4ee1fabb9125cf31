package models

import "time"

// VectorBackend identifies the vector index implementation for a collection.
type VectorBackend string

const (
	BackendChroma VectorBackend = "chroma"
	BackendFaiss  VectorBackend = "faiss"
)

// DistanceMetric is the distance function a collection was built with.
// It is immutable after collection creation because the index layout
// depends on it.
type DistanceMetric string

const (
	MetricCosine DistanceMetric = "cosine"
	MetricL2     DistanceMetric = "l2"
	MetricIP     DistanceMetric = "ip"
)

// EmbeddingSpec identifies an embedding model.
type EmbeddingSpec struct {
	// Provider is the embedding provider: "openai", "ollama", or "local".
	Provider string `json:"provider"`

	// Model is the model name, or the absolute model path for "local".
	Model string `json:"model"`

	// Endpoint overrides the provider's default base URL.
	Endpoint string `json:"endpoint,omitempty"`

	// APIKey is the credential for HTTP-backed providers.
	APIKey string `json:"api_key,omitempty"`

	// Dimension is the embedding dimension, when known ahead of time.
	Dimension int `json:"dimension,omitempty"`
}

// ChunkingSpec configures how documents are split for a knowledge base.
type ChunkingSpec struct {
	ChunkSize    int      `json:"chunk_size"`
	ChunkOverlap int      `json:"chunk_overlap"`
	Separators   []string `json:"separators,omitempty"`

	// Strategy selects the chunker: "recursive" (default) or "smart".
	Strategy string `json:"strategy,omitempty"`
}

// SearchSpec configures retrieval defaults for a knowledge base.
type SearchSpec struct {
	TopK      int     `json:"top_k"`
	Threshold float64 `json:"threshold"`
}

// KnowledgeBase bundles a vector collection with its embedding, chunking,
// and search configuration. A KB exclusively owns its documents and, through
// the vector store, its chunks.
type KnowledgeBase struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	Embedding      EmbeddingSpec  `json:"embedding"`
	Backend        VectorBackend  `json:"backend"`
	CollectionName string         `json:"collection_name"`
	Metric         DistanceMetric `json:"metric"`
	Chunking       ChunkingSpec   `json:"chunking"`
	Search         SearchSpec     `json:"search"`

	// Counters are monotone non-negative and mutated only by atomic
	// add/subtract tied to document lifecycle events.
	DocumentCount int64 `json:"document_count"`
	ChunkCount    int64 `json:"chunk_count"`
	TotalSize     int64 `json:"total_size"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentStatus is the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is a file registered in a knowledge base.
type Document struct {
	ID          string         `json:"id"`
	KBID        string         `json:"kb_id"`
	Filename    string         `json:"filename"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type,omitempty"`
	Status      DocumentStatus `json:"status"`
	TaskID      string         `json:"task_id,omitempty"`
	StorageURL  string         `json:"storage_url,omitempty"`
	ChunkCount  int            `json:"chunk_count,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Chunk is the unit of retrieval: a subtext of a document plus its metadata.
// The embedding vector lives only in the vector backend, never in the
// metadata scalar.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	KBID       string         `json:"kb_id"`
	Index      int            `json:"index"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
