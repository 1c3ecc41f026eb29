package chunker

import (
	"strings"
	"testing"

	"github.com/davshen/ragcore/parser"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	c := New(Config{Size: 500, Overlap: 100})
	chunks := c.Split([]parser.Page{{Number: 0, Text: "A short paragraph."}})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "A short paragraph." {
		t.Errorf("chunk text altered: %q", chunks[0].Text)
	}
	if chunks[0].Index != 0 || chunks[0].Page != 0 {
		t.Errorf("unexpected chunk attributes: %+v", chunks[0])
	}
}

func TestSplitEmptyPages(t *testing.T) {
	c := New(Config{})
	chunks := c.Split([]parser.Page{{Number: 1, Text: "   \n\n  "}})
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for blank page, got %d", len(chunks))
	}
}

func TestSplitRespectsSize(t *testing.T) {
	c := New(Config{Size: 100, Overlap: 20})

	var paragraphs []string
	for i := 0; i < 20; i++ {
		paragraphs = append(paragraphs, "This is a sentence that fills some space in the paragraph.")
	}
	text := strings.Join(paragraphs, "\n\n")

	chunks := c.Split([]parser.Page{{Number: 0, Text: text}})
	if len(chunks) < 2 {
		t.Fatalf("long text produced %d chunks", len(chunks))
	}
	// Fragments built from whole paragraphs may exceed the target by one
	// piece; allow modest slack but catch runaway chunks.
	for _, ch := range chunks {
		if len(ch.Text) > 2*100 {
			t.Errorf("chunk of %d chars greatly exceeds size target", len(ch.Text))
		}
	}
}

func TestSplitOrdinalsAndPagesMonotonic(t *testing.T) {
	c := New(Config{Size: 80, Overlap: 10})
	long := strings.Repeat("Sentence one here. ", 30)

	chunks := c.Split([]parser.Page{
		{Number: 1, Text: long},
		{Number: 2, Text: "Short page two."},
		{Number: 3, Text: long},
	})

	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has ordinal %d", i, ch.Index)
		}
		if i > 0 && ch.Page < chunks[i-1].Page {
			t.Errorf("page decreased at chunk %d: %d -> %d", i, chunks[i-1].Page, ch.Page)
		}
	}
}

func TestSplitOverlapCarriesTrailingText(t *testing.T) {
	c := New(Config{Size: 100, Overlap: 30})
	text := "First paragraph with unique marker alpha ends here.\n\n" +
		"Second paragraph with unique marker beta continues onwards.\n\n" +
		"Third paragraph with unique marker gamma closes the text."

	chunks := c.Split([]parser.Page{{Number: 0, Text: text}})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// Each later chunk starts with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].Text
		tail := prev[len(prev)-15:]
		words := strings.Fields(tail)
		if len(words) == 0 {
			continue
		}
		if !strings.Contains(chunks[i].Text, words[len(words)-1]) {
			t.Errorf("chunk %d does not carry overlap from predecessor", i)
		}
	}
}

func TestSplitOversizedSentenceFallsToWords(t *testing.T) {
	c := New(Config{Size: 50, Overlap: 10})
	// One sentence far beyond the size, no punctuation until the end.
	text := strings.Repeat("word ", 60) + "end."

	chunks := c.Split([]parser.Page{{Number: 0, Text: text}})
	if len(chunks) < 2 {
		t.Fatalf("oversized sentence produced %d chunks", len(chunks))
	}
	for _, ch := range chunks {
		if len(ch.Text) > 2*50 {
			t.Errorf("word-split chunk of %d chars exceeds bound", len(ch.Text))
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	c := New(Config{Size: 120, Overlap: 25})
	pages := []parser.Page{{Number: 1, Text: strings.Repeat("Deterministic output matters. ", 40)}}

	a := c.Split(pages)
	b := c.Split(pages)
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	if c.cfg.Size != 500 {
		t.Errorf("default size = %d, want 500", c.cfg.Size)
	}
	if c.cfg.Overlap != 100 {
		t.Errorf("default overlap = %d, want 100", c.cfg.Overlap)
	}
}
