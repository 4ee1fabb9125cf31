package parser

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// htmlParser extracts visible text from HTML, skipping script, style, and
// other non-content subtrees.
type htmlParser struct{}

func newHTMLParser() *htmlParser { return &htmlParser{} }

func (p *htmlParser) Name() string { return "html" }

func (p *htmlParser) SupportedExtensions() []string {
	return []string{".html", ".htm", ".xhtml"}
}

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

func (p *htmlParser) ParseSync(data []byte, filename string) (string, map[string]any, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "malformed html", Err: err}
	}

	var sb strings.Builder
	title := ""
	tables := 0

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			case "table":
				tables++
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteByte('\n')
			}
			if skippedElements[n.Data] {
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := normalizeWhitespace(sb.String())
	if text == "" {
		return "", nil, &ParseError{Parser: p.Name(), Reason: "no visible text"}
	}

	meta := map[string]any{}
	if title != "" {
		meta["title"] = title
	}
	if tables > 0 {
		meta["table_count"] = tables
	}
	return text, meta, nil
}

// normalizeWhitespace collapses runs of spaces within lines and runs of
// blank lines, without joining distinct lines.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
