package chunker

import (
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// SmartChunker is structure-aware: it groups text under markdown-style
// headings so a chunk never straddles a section boundary, then hands each
// section to the recursive splitter. Plain text without headings degrades
// to plain recursive splitting.
type SmartChunker struct {
	inner *RecursiveSplitter
}

// NewSmartChunker creates a structure-aware chunker.
func NewSmartChunker(cfg Config) *SmartChunker {
	return &SmartChunker{inner: NewRecursiveSplitter(cfg)}
}

// Name returns the chunker name.
func (s *SmartChunker) Name() string { return "smart" }

type section struct {
	title string
	body  string
}

// Chunk splits per section and annotates each chunk with its section title.
func (s *SmartChunker) Chunk(text string, doc *models.Document) ([]models.Chunk, error) {
	sections := splitSections(text)
	if len(sections) <= 1 {
		return s.inner.Chunk(text, doc)
	}

	var out []models.Chunk
	for _, sec := range sections {
		chunks, err := s.inner.Chunk(sec.body, doc)
		if err != nil {
			return nil, err
		}
		for i := range chunks {
			if sec.title != "" {
				chunks[i].Metadata["section"] = sec.title
			}
		}
		out = append(out, chunks...)
	}
	// Re-number: the inner splitter indexed per section.
	for i := range out {
		out[i].Index = i
		out[i].Metadata["chunk_index"] = i
	}
	return out, nil
}

func splitSections(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	cur := section{}
	var body strings.Builder

	flush := func() {
		cur.body = strings.TrimSpace(body.String())
		if cur.body != "" {
			sections = append(sections, cur)
		}
		body.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' {
				level++
			}
			if level <= 6 && level < len(trimmed) && trimmed[level] == ' ' {
				flush()
				cur = section{title: strings.TrimSpace(trimmed[level:])}
			}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return sections
}
