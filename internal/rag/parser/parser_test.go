package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryDispatchByExtension(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		filename string
		parser   string
	}{
		{"notes.txt", "text"},
		{"README.md", "text"},
		{"data.CSV", "text"},
		{"page.html", "html"},
		{"report.docx", "docx"},
		{"paper.PDF", "pdf"},
	}
	for _, tt := range tests {
		p, err := r.GetForFile(tt.filename)
		if err != nil {
			t.Errorf("GetForFile(%q): %v", tt.filename, err)
			continue
		}
		if p.Name() != tt.parser {
			t.Errorf("GetForFile(%q) = %s, want %s", tt.filename, p.Name(), tt.parser)
		}
	}
}

func TestRegistryUnsupportedExtension(t *testing.T) {
	r := NewRegistry()
	_, err := r.Parse([]byte("x"), "binary.exe")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestParseTextCommonMetadata(t *testing.T) {
	r := NewRegistry()
	res, err := r.Parse([]byte("line one\nline two\nline three"), "dir/notes.txt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Text != "line one\nline two\nline three" {
		t.Errorf("unexpected text: %q", res.Text)
	}

	want := map[string]any{
		"filename":       "notes.txt",
		"file_extension": ".txt",
		"parser_name":    "text",
		"text_length":    28,
		"line_count":     3,
	}
	for k, v := range want {
		if res.Metadata[k] != v {
			t.Errorf("metadata[%s] = %v, want %v", k, res.Metadata[k], v)
		}
	}
}

func TestParseTextEmptyDocument(t *testing.T) {
	r := NewRegistry()
	_, err := r.Parse([]byte("   \n\t  "), "empty.txt")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Reason != "empty document" {
		t.Errorf("reason = %q", pe.Reason)
	}
}

func TestParseTextLatin1Fallback(t *testing.T) {
	r := NewRegistry()
	// "café" in Latin-1: é is 0xE9, invalid as UTF-8.
	res, err := r.Parse([]byte{'c', 'a', 'f', 0xE9}, "cafe.txt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Text != "café" {
		t.Errorf("text = %q, want café", res.Text)
	}
	if res.Metadata["encoding"] != "latin-1" {
		t.Errorf("encoding = %v", res.Metadata["encoding"])
	}
}

func TestParseTextUTF8BOM(t *testing.T) {
	r := NewRegistry()
	res, err := r.Parse(append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...), "bom.txt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("BOM should be stripped, got %q", res.Text)
	}
}

func TestParseCSVRowCount(t *testing.T) {
	r := NewRegistry()
	res, err := r.Parse([]byte("a,b,c\n1,2,3\n4,5,6\n"), "table.csv")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Metadata["row_count"] != 3 {
		t.Errorf("row_count = %v, want 3", res.Metadata["row_count"])
	}
	if res.Metadata["table_count"] != 1 {
		t.Errorf("table_count = %v, want 1", res.Metadata["table_count"])
	}
}

func TestParseHTMLStripsMarkup(t *testing.T) {
	r := NewRegistry()
	doc := `<html><head><title>Doc Title</title><style>p{color:red}</style></head>
<body><h1>Heading</h1><p>First paragraph.</p><script>alert(1)</script>
<table><tr><td>cell</td></tr></table></body></html>`

	res, err := r.Parse([]byte(doc), "page.html")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, banned := range []string{"alert", "color:red", "<p>"} {
		if bytes.Contains([]byte(res.Text), []byte(banned)) {
			t.Errorf("text should not contain %q: %q", banned, res.Text)
		}
	}
	for _, wanted := range []string{"Heading", "First paragraph.", "cell"} {
		if !bytes.Contains([]byte(res.Text), []byte(wanted)) {
			t.Errorf("text should contain %q: %q", wanted, res.Text)
		}
	}
	if res.Metadata["title"] != "Doc Title" {
		t.Errorf("title = %v", res.Metadata["title"])
	}
	if res.Metadata["table_count"] != 1 {
		t.Errorf("table_count = %v", res.Metadata["table_count"])
	}
}

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseDocx(t *testing.T) {
	r := NewRegistry()
	doc := buildDocx(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>First paragraph</w:t></w:r></w:p>
<w:p><w:r><w:t>Second</w:t></w:r><w:r><w:tab/><w:t>column</w:t></w:r></w:p>
<w:tbl><w:tr><w:tc><w:p><w:r><w:t>cell</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
</w:body></w:document>`)

	res, err := r.Parse(doc, "report.docx")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Contains([]byte(res.Text), []byte("First paragraph")) {
		t.Errorf("missing first paragraph: %q", res.Text)
	}
	if !bytes.Contains([]byte(res.Text), []byte("Second\tcolumn")) {
		t.Errorf("tab not preserved: %q", res.Text)
	}
	if res.Metadata["table_count"] != 1 {
		t.Errorf("table_count = %v", res.Metadata["table_count"])
	}
}

func TestParseDocxLegacyDoc(t *testing.T) {
	r := NewRegistry()
	// OLE2 magic, not a zip.
	_, err := r.Parse([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, "old.doc")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Reason != "legacy binary .doc is not supported" {
		t.Errorf("reason = %q", pe.Reason)
	}
}

func TestParsePDFGarbage(t *testing.T) {
	r := NewRegistry()
	_, err := r.Parse([]byte("not a pdf at all"), "junk.pdf")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

// blockingParser holds every call until released so the test can observe
// pool occupancy.
type blockingParser struct {
	started atomic.Int32
	release chan struct{}
}

func (b *blockingParser) Name() string                  { return "blocking" }
func (b *blockingParser) SupportedExtensions() []string { return []string{".blk"} }

func (b *blockingParser) ParseSync(data []byte, filename string) (string, map[string]any, error) {
	b.started.Add(1)
	<-b.release
	return "done", nil, nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	blocker := &blockingParser{release: make(chan struct{})}
	reg := NewRegistry()
	reg.Register(blocker)
	pool := NewPool(reg, 2)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Parse(context.Background(), nil, "f.blk")
		}()
	}

	// Only pool-size parses may start; the rest queue.
	deadline := time.After(time.Second)
	for blocker.started.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("pool never admitted two parses")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := blocker.started.Load(); n != 2 {
		t.Fatalf("%d parses running, want 2", n)
	}

	close(blocker.release)
	wg.Wait()
	if n := blocker.started.Load(); n != 5 {
		t.Errorf("%d parses completed, want 5", n)
	}
}

func TestPoolHonorsContextWhileQueued(t *testing.T) {
	blocker := &blockingParser{release: make(chan struct{})}
	defer close(blocker.release)
	reg := NewRegistry()
	reg.Register(blocker)
	pool := NewPool(reg, 1)

	go pool.Parse(context.Background(), nil, "f.blk")
	for blocker.started.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Parse(ctx, nil, "f.blk")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("queued parse should fail with context.Canceled, got %v", err)
	}
}
