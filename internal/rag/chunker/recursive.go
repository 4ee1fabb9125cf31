package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/models"
)

// RecursiveSplitter splits on a separator ladder, trying larger semantic
// units first and recursing into smaller ones when a piece is still over
// the target size.
type RecursiveSplitter struct {
	config     Config
	separators []string
}

// DefaultSeparators is the default ladder, largest unit first. The empty
// string is the per-character last resort.
var DefaultSeparators = []string{
	"\n\n",
	"\n",
	". ",
	"? ",
	"! ",
	"; ",
	", ",
	" ",
	"",
}

// NewRecursiveSplitter creates a recursive character splitter.
func NewRecursiveSplitter(cfg Config) *RecursiveSplitter {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = def.MinChunkSize
	}
	seps := cfg.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return &RecursiveSplitter{config: cfg, separators: seps}
}

// Name returns the chunker name.
func (s *RecursiveSplitter) Name() string { return "recursive_character" }

// Chunk splits text into overlapping chunks, assigning each a fresh chunk
// ID and source metadata.
func (s *RecursiveSplitter) Chunk(text string, doc *models.Document) ([]models.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	pieces := s.splitText(text, s.separators)
	pieces = s.applyOverlap(pieces)

	chunks := make([]models.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		id := uuid.NewString()
		chunks = append(chunks, models.Chunk{
			ID:         id,
			DocumentID: doc.ID,
			KBID:       doc.KBID,
			Index:      i,
			Content:    piece,
			Metadata: map[string]any{
				"kb_id":       doc.KBID,
				"doc_id":      doc.ID,
				"chunk_id":    id,
				"chunk_index": i,
				"source":      doc.StorageURL,
				"filename":    doc.Filename,
			},
		})
	}
	return chunks, nil
}

// splitText recursively splits text using the separator ladder, packing
// splits into pieces of at most ChunkSize characters.
func (s *RecursiveSplitter) splitText(text string, separators []string) []string {
	if len(text) == 0 {
		return nil
	}

	separator := ""
	rest := separators
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var splits []string
	if separator == "" {
		for _, r := range text {
			splits = append(splits, string(r))
		}
	} else {
		splits = strings.Split(text, separator)
	}

	var result []string
	var current strings.Builder

	flush := func() {
		piece := strings.TrimSpace(current.String())
		current.Reset()
		if piece == "" {
			return
		}
		// Fragments under the minimum ride along with their predecessor;
		// a tiny document still yields one chunk.
		if len(piece) < s.config.MinChunkSize && len(result) > 0 {
			result[len(result)-1] += " " + piece
			return
		}
		result = append(result, piece)
	}

	for i, split := range splits {
		piece := split
		if separator != "" && i < len(splits)-1 {
			piece += separator
		}

		if current.Len() > 0 && current.Len()+len(piece) > s.config.ChunkSize {
			flush()
		}

		if len(piece) > s.config.ChunkSize && len(rest) > 0 {
			if current.Len() > 0 {
				flush()
			}
			result = append(result, s.splitText(piece, rest)...)
			continue
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		flush()
	}
	return result
}

// applyOverlap prefixes each chunk after the first with the tail of its
// predecessor.
func (s *RecursiveSplitter) applyOverlap(pieces []string) []string {
	if len(pieces) <= 1 || s.config.ChunkOverlap <= 0 {
		return pieces
	}
	out := make([]string, len(pieces))
	out[0] = pieces[0]
	for i := 1; i < len(pieces); i++ {
		prev := pieces[i-1]
		overlap := s.config.ChunkOverlap
		if overlap > len(prev) {
			overlap = len(prev)
		}
		cut := len(prev) - overlap
		for cut > 0 && !utf8.RuneStart(prev[cut]) {
			cut--
		}
		out[i] = prev[cut:] + pieces[i]
	}
	return out
}
