package parser

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarkdownParser handles .md files. YAML front-matter is stripped; the
// body is retained as-is.
type MarkdownParser struct{}

func (p *MarkdownParser) SupportedFormats() []string { return []string{"md"} }

func (p *MarkdownParser) Parse(ctx context.Context, path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading markdown file: %w", err)
	}

	body := stripFrontMatter(string(data))
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	return []Page{{Number: 0, Text: body}}, nil
}

// stripFrontMatter removes a leading YAML front-matter block delimited by
// "---" lines. The block must actually parse as YAML; otherwise the text is
// returned untouched so that a document starting with a horizontal rule is
// not truncated.
func stripFrontMatter(text string) string {
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return text
	}

	rest := text[strings.Index(text, "\n")+1:]
	for _, delim := range []string{"\n---\n", "\n---\r\n", "\r\n---\r\n"} {
		if idx := strings.Index(rest, delim); idx >= 0 {
			block := rest[:idx]
			var meta map[string]any
			if err := yaml.Unmarshal([]byte(block), &meta); err == nil {
				return rest[idx+len(delim):]
			}
		}
	}
	return text
}
