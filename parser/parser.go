package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Page is one page of extracted text. Plain-text and Markdown sources
// produce a single page numbered 0; PDF pages are numbered from 1.
type Page struct {
	Number int
	Text   string
}

// Parser extracts text from a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) ([]Page, error)
	SupportedFormats() []string
}

// ErrUnsupportedFormat is returned for extensions without a registered parser.
var ErrUnsupportedFormat = errors.New("parser: unsupported format")

// Registry maps file extensions to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&TextParser{}, &MarkdownParser{}, &PDFParser{}} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Get returns the parser for a format (extension without the dot).
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return p, nil
}

// FormatOf resolves a path's format from its extension.
func FormatOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
