package parser

import (
	"bytes"
	"encoding/csv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// textParser handles the plain and structured text family. Decoding tries
// UTF-8 (with BOM stripping), then UTF-16 when a BOM announces it, then
// Latin-1 as the lossless last resort.
type textParser struct{}

func newTextParser() *textParser { return &textParser{} }

func (p *textParser) Name() string { return "text" }

func (p *textParser) SupportedExtensions() []string {
	return []string{".txt", ".md", ".markdown", ".log", ".json", ".yaml", ".yml", ".csv", ".tsv"}
}

func (p *textParser) ParseSync(data []byte, filename string) (string, map[string]any, error) {
	text, encoding, err := decodeText(data)
	if err != nil {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "undecodable text", Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "empty document"}
	}

	meta := map[string]any{"encoding": encoding}

	ext := strings.ToLower(filename)
	if strings.HasSuffix(ext, ".csv") || strings.HasSuffix(ext, ".tsv") {
		if rows := countCSVRows(text, strings.HasSuffix(ext, ".tsv")); rows > 0 {
			meta["table_count"] = 1
			meta["row_count"] = rows
		}
	}
	return text, meta, nil
}

func decodeText(data []byte) (string, string, error) {
	// UTF-16 BOMs first; utf8.Valid would reject them outright.
	if len(data) >= 2 {
		var dec *encoding.Decoder
		switch {
		case data[0] == 0xFF && data[1] == 0xFE:
			dec = unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		case data[0] == 0xFE && data[1] == 0xFF:
			dec = unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		}
		if dec != nil {
			out, err := dec.Bytes(data)
			if err != nil {
				return "", "", err
			}
			return string(out), "utf-16", nil
		}
	}

	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data), "utf-8", nil
	}

	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", "", err
	}
	return string(out), "latin-1", nil
}

func countCSVRows(text string, tab bool) int {
	r := csv.NewReader(strings.NewReader(text))
	if tab {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1
	rows := 0
	for {
		if _, err := r.Read(); err != nil {
			return rows
		}
		rows++
	}
}
