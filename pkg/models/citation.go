package models

// LeanCitation is the compact citation form persisted on assistant messages
// and emitted to clients. RefMarker is the number the user sees; RefID is the
// stable per-chunk identifier used for dedup within a turn.
type LeanCitation struct {
	RefID     string  `json:"ref_id"`
	RefMarker int     `json:"ref_marker"`
	DocID     string  `json:"doc_id"`
	ChunkID   string  `json:"chunk_id"`
	Score     float64 `json:"score"`
	KBID      string  `json:"kb_id"`
	Filename  string  `json:"filename"`
}

// RichCitation carries the full chunk payload alongside the lean fields.
// It is emitted on the side channel but never persisted in chat history.
type RichCitation struct {
	LeanCitation
	DocumentName string         `json:"document_name,omitempty"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RetrievalResult is one hit from a similarity search, annotated with the
// knowledge base it came from.
type RetrievalResult struct {
	Content      string         `json:"content"`
	Score        float64        `json:"score"`
	Distance     float64        `json:"distance"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	KBID         string         `json:"kb_id"`
	KBName       string         `json:"kb_name,omitempty"`
	ChunkID      string         `json:"chunk_id"`
	DocID        string         `json:"doc_id"`
	DocumentName string         `json:"document_name,omitempty"`
}
