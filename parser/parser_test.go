package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestRegistryFormats(t *testing.T) {
	r := NewRegistry()
	for _, f := range []string{"txt", "md", "pdf"} {
		if _, err := r.Get(f); err != nil {
			t.Errorf("format %s not registered: %v", f, err)
		}
	}

	_, err := r.Get("docx")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat for docx, got %v", err)
	}
}

func TestFormatOf(t *testing.T) {
	cases := map[string]string{
		"/docs/paper.PDF": "pdf",
		"notes.md":        "md",
		"plain.txt":       "txt",
		"noext":           "",
	}
	for path, want := range cases {
		if got := FormatOf(path); got != want {
			t.Errorf("FormatOf(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTextParser(t *testing.T) {
	path := writeFile(t, "a.txt", "Hello text.\nSecond line.")

	pages, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	if pages[0].Number != 0 {
		t.Errorf("text page number = %d, want 0", pages[0].Number)
	}
	if pages[0].Text != "Hello text.\nSecond line." {
		t.Errorf("text altered: %q", pages[0].Text)
	}
}

func TestTextParserEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.txt", "")
	pages, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pages) != 0 {
		t.Fatalf("empty file produced %d pages", len(pages))
	}
}

func TestMarkdownStripsFrontMatter(t *testing.T) {
	path := writeFile(t, "doc.md", "---\ntitle: My Notes\ntags: [a, b]\n---\n# Heading\n\nBody text.")

	pages, err := (&MarkdownParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	if pages[0].Text != "# Heading\n\nBody text." {
		t.Errorf("front-matter not stripped: %q", pages[0].Text)
	}
}

func TestMarkdownWithoutFrontMatter(t *testing.T) {
	content := "# Plain doc\n\nNo front matter here."
	path := writeFile(t, "plain.md", content)

	pages, err := (&MarkdownParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pages[0].Text != content {
		t.Errorf("body altered: %q", pages[0].Text)
	}
}

func TestMarkdownHorizontalRuleNotFrontMatter(t *testing.T) {
	// A leading delimiter whose block is not valid YAML must not truncate
	// the document.
	content := "---\n[this: is: not: yaml\n---\nreal content"
	path := writeFile(t, "hr.md", content)

	pages, err := (&MarkdownParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pages[0].Text != content {
		t.Errorf("document truncated: %q", pages[0].Text)
	}
}
