package chunker

import (
	"strings"

	"github.com/davshen/ragcore/parser"
)

// Config controls the splitting behaviour.
type Config struct {
	Size    int // target characters per chunk
	Overlap int // trailing characters carried into the next chunk
}

// Chunk is one retrievable fragment of a source document.
type Chunk struct {
	Index int // ordinal within the document
	Page  int // originating page; 0 for unpaged sources
	Text  string
}

// Chunker splits parsed pages into retrieval-sized chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with defaults.
func New(cfg Config) *Chunker {
	if cfg.Size <= 0 {
		cfg.Size = 500
	}
	if cfg.Overlap <= 0 || cfg.Overlap >= cfg.Size {
		cfg.Overlap = cfg.Size / 5
	}
	return &Chunker{cfg: cfg}
}

// Split converts pages into ordered chunks. Ordinal indexes are assigned
// across the whole document, so page numbers are non-decreasing along the
// chunk order.
func (c *Chunker) Split(pages []parser.Page) []Chunk {
	var chunks []Chunk
	for _, p := range pages {
		for _, frag := range c.splitText(p.Text) {
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Page:  p.Number,
				Text:  frag,
			})
		}
	}
	return chunks
}

// splitText breaks text into fragments of at most cfg.Size characters,
// preferring paragraph, then sentence, then word boundaries. Consecutive
// fragments share up to cfg.Overlap trailing characters.
func (c *Chunker) splitText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.cfg.Size {
		return []string{text}
	}

	var fragments []string
	var current strings.Builder
	overlapText := ""

	flush := func() {
		frag := strings.TrimSpace(current.String())
		if frag != "" {
			fragments = append(fragments, frag)
			overlapText = tailWords(frag, c.cfg.Overlap)
		}
		current.Reset()
	}

	appendPiece := func(piece, sep string) {
		if current.Len()+len(sep)+len(piece) > c.cfg.Size && current.Len() > 0 {
			flush()
			if overlapText != "" {
				current.WriteString(overlapText)
			}
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
	}

	for _, para := range splitParagraphs(text) {
		if len(para) <= c.cfg.Size {
			appendPiece(para, "\n\n")
			continue
		}
		// Paragraph too large: descend to sentences.
		for _, sent := range splitSentences(para) {
			if len(sent) <= c.cfg.Size {
				appendPiece(sent, " ")
				continue
			}
			// Sentence too large: descend to words.
			for _, piece := range splitByWords(sent, c.cfg.Size) {
				appendPiece(piece, " ")
			}
		}
	}
	flush()

	return fragments
}

// splitParagraphs splits text on blank-line boundaries.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences is a simple sentence tokeniser. It splits on
// period/question-mark/exclamation followed by whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// splitByWords greedily packs words into pieces of at most size characters.
// A single word longer than size is hard-cut.
func splitByWords(text string, size int) []string {
	words := strings.Fields(text)
	var pieces []string
	var cur strings.Builder

	for _, w := range words {
		for len(w) > size {
			if cur.Len() > 0 {
				pieces = append(pieces, cur.String())
				cur.Reset()
			}
			pieces = append(pieces, w[:size])
			w = w[size:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > size {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}

// tailWords returns the trailing portion of text of at most maxChars
// characters, cut at a word boundary.
func tailWords(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		if maxChars <= 0 {
			return ""
		}
		return text
	}
	tail := text[len(text)-maxChars:]
	if idx := strings.IndexAny(tail, " \n\t"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
