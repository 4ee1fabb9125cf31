// Package parser extracts plain text and metadata from uploaded documents.
// One parser covers each format family; dispatch is by filename extension
// and execution runs through a bounded pool so concurrent uploads cannot
// exhaust CPU.
package parser

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// ErrUnsupportedFormat is returned when no parser claims the file's
// extension.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ParseError reports that a parser recognized the format but could not
// extract text from the input.
type ParseError struct {
	Parser string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: parse failed: %s: %v", e.Parser, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: parse failed: %s", e.Parser, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result contains the output of a parsing operation. Metadata always
// carries filename, file_extension, parser_name, text_length, and
// line_count; formats add their own fields (page_count, table_count, ...)
// on top.
type Result struct {
	Text     string
	Metadata map[string]any
}

// Parser converts one format family's raw bytes to plain text.
type Parser interface {
	// ParseSync extracts text synchronously. Implementations may try
	// several strategies in order and return the first non-empty
	// extraction.
	ParseSync(data []byte, filename string) (string, map[string]any, error)

	// Name returns the parser name for metadata and errors.
	Name() string

	// SupportedExtensions returns the file extensions this parser claims.
	SupportedExtensions() []string
}

// Registry manages available parsers and dispatches files by extension.
type Registry struct {
	mu           sync.RWMutex
	parsersByExt map[string]Parser
}

// NewRegistry creates a registry with the built-in format families
// registered: plain/structured text, HTML, the Word family, and PDF.
func NewRegistry() *Registry {
	r := &Registry{parsersByExt: make(map[string]Parser)}
	r.Register(newTextParser())
	r.Register(newHTMLParser())
	r.Register(newDocxParser())
	r.Register(newPDFParser())
	return r
}

// Register adds a parser for every extension it claims, replacing any
// previous claimant.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.SupportedExtensions() {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		r.parsersByExt[ext] = p
	}
}

// GetForFile returns the parser claiming filename's extension.
func (r *Registry) GetForFile(filename string) (Parser, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsersByExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}
	return p, nil
}

// Parse dispatches and runs the matching parser, filling in the common
// metadata fields.
func (r *Registry) Parse(data []byte, filename string) (*Result, error) {
	p, err := r.GetForFile(filename)
	if err != nil {
		return nil, err
	}

	text, extra, err := p.ParseSync(data, filename)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"filename":       filepath.Base(filename),
		"file_extension": strings.ToLower(filepath.Ext(filename)),
		"parser_name":    p.Name(),
		"text_length":    len(text),
		"line_count":     countLines(text),
	}
	for k, v := range extra {
		meta[k] = v
	}
	return &Result{Text: text, Metadata: meta}, nil
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}
