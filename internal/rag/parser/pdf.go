package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfParser extracts text from PDF files. The page-level plain-text
// extraction is tried first; if it yields nothing, a per-page row walk is
// the fallback for PDFs with unusual content streams.
type pdfParser struct{}

func newPDFParser() *pdfParser { return &pdfParser{} }

func (p *pdfParser) Name() string { return "pdf" }

func (p *pdfParser) SupportedExtensions() []string {
	return []string{".pdf"}
}

func (p *pdfParser) ParseSync(data []byte, filename string) (text string, meta map[string]any, err error) {
	// The pdf library panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			text, meta = "", nil
			err = &ParseError{Parser: p.Name(), Reason: fmt.Sprintf("malformed pdf: %v", r)}
		}
	}()

	reader, openErr := pdf.NewReaderEncrypted(bytes.NewReader(data), int64(len(data)), func() string { return "" })
	if openErr != nil {
		if strings.Contains(strings.ToLower(openErr.Error()), "encrypt") {
			return "", nil, &ParseError{Parser: p.Name(), Reason: "encrypted"}
		}
		return "", nil, &ParseError{Parser: p.Name(), Reason: "unreadable pdf", Err: openErr}
	}

	out := p.plainText(reader)
	if strings.TrimSpace(out) == "" {
		out = p.textByRows(reader)
	}
	if strings.TrimSpace(out) == "" {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "no extractable text"}
	}

	return out, map[string]any{"page_count": reader.NumPage()}, nil
}

func (p *pdfParser) plainText(r *pdf.Reader) string {
	body, err := r.GetPlainText()
	if err != nil {
		return ""
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, body); err != nil {
		return ""
	}
	return sb.String()
}

func (p *pdfParser) textByRows(r *pdf.Reader) string {
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		for _, row := range rows {
			for _, word := range row.Content {
				sb.WriteString(word.S)
				sb.WriteByte(' ')
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
