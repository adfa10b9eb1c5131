// Package normalize extracts plain text from uploaded document content.
//
// Plain text has every whitespace run collapsed to one space. HTML is parsed,
// script and style subtrees are dropped, and the visible text is cleaned line
// by line. Markdown is rendered to HTML first and then takes the HTML path.
// A structured format that fails to parse falls back to the plain-text path
// on the original content; Normalize never returns an error.
package normalize

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Format is the content format of a document.
type Format string

const (
	FormatText     Format = "text"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	// FormatUnknown is handled as plain text.
	FormatUnknown Format = "unknown"
)

// Result is the outcome of normalization. When FallbackApplied is set, Text
// came from the plain-text path and FallbackReason says why.
type Result struct {
	Text            string
	Format          Format
	FallbackApplied bool
	FallbackReason  string
}

// Parsers are variables so tests can force failures.
var (
	parseHTML      = html.Parse
	renderMarkdown = func(src []byte, w io.Writer) error { return goldmark.Convert(src, w) }
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// DetectFormat infers the format from a declared MIME type, then from the
// filename extension. Unrecognized inputs return FormatUnknown.
func DetectFormat(filename, contentType string) Format {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			switch mt {
			case "text/html", "application/xhtml+xml":
				return FormatHTML
			case "text/markdown", "text/x-markdown":
				return FormatMarkdown
			}
		}
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".text":
		return FormatText
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	case ".md", ".markdown":
		return FormatMarkdown
	}
	return FormatUnknown
}

// Normalize extracts plain text from raw according to format.
func Normalize(raw string, format Format) Result {
	switch format {
	case FormatHTML:
		text, err := htmlText(raw)
		if err != nil {
			return fallback(raw, format, fmt.Sprintf("html parse failed: %v", err))
		}
		return Result{Text: text, Format: format}

	case FormatMarkdown:
		var buf bytes.Buffer
		if err := renderMarkdown([]byte(raw), &buf); err != nil {
			return fallback(raw, format, fmt.Sprintf("markdown render failed: %v", err))
		}
		text, err := htmlText(buf.String())
		if err != nil {
			return fallback(raw, format, fmt.Sprintf("rendered markdown parse failed: %v", err))
		}
		return Result{Text: text, Format: format}

	default:
		return Result{Text: plainText(raw), Format: format}
	}
}

func fallback(raw string, format Format, reason string) Result {
	return Result{
		Text:            plainText(raw),
		Format:          format,
		FallbackApplied: true,
		FallbackReason:  reason,
	}
}

// plainText collapses all whitespace runs to single spaces and trims.
func plainText(raw string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(raw, " "))
}

// htmlText parses raw as HTML and returns its visible text. Each line is
// split on double spaces, each phrase gets the plain-text whitespace
// collapse, and the non-empty phrases are joined with single spaces.
func htmlText(raw string) (string, error) {
	doc, err := parseHTML(strings.NewReader(raw))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	collectText(doc, &b)

	var phrases []string
	for _, line := range strings.Split(b.String(), "\n") {
		for _, phrase := range strings.Split(strings.TrimSpace(line), "  ") {
			if p := plainText(phrase); p != "" {
				phrases = append(phrases, p)
			}
		}
	}
	return strings.Join(phrases, " "), nil
}

// collectText appends the text of n's subtree to b, skipping script and
// style elements. Block elements end with a newline so adjacent blocks do
// not run together.
func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Br:
			b.WriteByte('\n')
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}

	if n.Type == html.ElementNode && isBlock(n.DataAtom) {
		b.WriteByte('\n')
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Li, atom.Ul, atom.Ol, atom.Tr, atom.Td, atom.Th, atom.Table,
		atom.Blockquote, atom.Pre, atom.Section, atom.Article, atom.Header,
		atom.Footer, atom.Hr, atom.Title, atom.Body:
		return true
	}
	return false
}
