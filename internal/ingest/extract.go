package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Document kinds accepted by ingestion.
const (
	KindMarkdown = "markdown"
	KindText     = "text"
	KindHTML     = "html"
	KindPDF      = "pdf" // content is base64-encoded
)

// ExtractText converts stored document content into plain text ready for
// chunking. Markdown passes through unchanged; the chunker understands it.
func ExtractText(kind, content string) (string, error) {
	switch kind {
	case KindPDF:
		return extractPDF(content)
	case KindHTML:
		return extractHTML(content)
	case KindMarkdown, KindText, "":
		return content, nil
	default:
		return "", fmt.Errorf("unsupported document kind %q", kind)
	}
}

func extractPDF(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding pdf content: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(text), nil
}

// extractHTML strips tags, dropping script and style subtrees. Block-level
// elements become line breaks so headings stay separated from body text.
func extractHTML(content string) (string, error) {
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "section", "article":
				sb.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	// collapse runs of blank lines left by the block breaks
	lines := strings.Split(sb.String(), "\n")
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n"), nil
}
