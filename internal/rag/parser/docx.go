package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// docxParser handles the Word family. A .docx is a zip archive whose body
// lives in word/document.xml; text is the w:t character data, with
// paragraph and tab structure mapped to newlines and tabs. Legacy binary
// .doc has no zip structure and is rejected.
type docxParser struct{}

func newDocxParser() *docxParser { return &docxParser{} }

func (p *docxParser) Name() string { return "docx" }

func (p *docxParser) SupportedExtensions() []string {
	return []string{".docx", ".doc"}
}

func (p *docxParser) ParseSync(data []byte, filename string) (string, map[string]any, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if strings.HasSuffix(strings.ToLower(filename), ".doc") {
			return "", nil, &ParseError{Parser: p.Name(), Reason: "legacy binary .doc is not supported"}
		}
		return "", nil, &ParseError{Parser: p.Name(), Reason: "not a docx archive", Err: err}
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "missing word/document.xml"}
	}

	rc, err := doc.Open()
	if err != nil {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "unreadable document.xml", Err: err}
	}
	defer rc.Close()

	text, paragraphs, tables, err := extractDocumentXML(rc)
	if err != nil {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "malformed document.xml", Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "no extractable text"}
	}

	meta := map[string]any{"paragraph_count": paragraphs}
	if tables > 0 {
		meta["table_count"] = tables
	}
	return text, meta, nil
}

func extractDocumentXML(r io.Reader) (string, int, int, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	inText := false
	paragraphs := 0
	tables := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, 0, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			case "tbl":
				tables++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				paragraphs++
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n"), paragraphs, tables, nil
}
