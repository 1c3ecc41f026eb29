package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/davshen/ragcore/llm"
)

// rewritePrompt asks the chat model to compress a conversational question
// into search keywords.
const rewritePrompt = `You turn a user question into search keywords for a document index.

%sQuestion: %s

Reply with 3-7 keywords separated by spaces. No punctuation, no explanation.`

// rewriteQuery asks the chat model for a keyword form of the query, using
// the tail of the conversation as context. Any failure falls back to the
// original query.
func (e *Engine) rewriteQuery(ctx context.Context, query string, opts Options) string {
	var contextSection string
	if turns := lastNonSystem(opts.ChatHistory, 3); len(turns) > 0 {
		var b strings.Builder
		b.WriteString("Conversation so far:\n")
		for _, m := range turns {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
		contextSection = b.String()
	}

	resp, err := e.gen.Generate(ctx, llm.GenerateRequest{
		Model:       opts.ChatModel,
		Prompt:      fmt.Sprintf(rewritePrompt, contextSection, query),
		Temperature: 0.2,
		MaxTokens:   50,
	})
	if err != nil {
		slog.Warn("retrieval: query rewrite failed, using original", "error", err)
		return query
	}

	keywords := parseKeywords(resp.Response)
	if keywords == "" {
		keywords = parseKeywords(keywordsFromReasoning(resp.Reasoning))
	}
	if len(keywords) < 3 {
		return query
	}

	slog.Debug("retrieval: query rewritten", "original", query, "keywords", keywords)
	return keywords
}

// parseKeywords lowercases the model output, drops tokens shorter than
// three characters, and deduplicates.
func parseKeywords(raw string) string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(raw)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) < 3 || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

// keywordsFromReasoning salvages keywords from a thinking trace: the text
// after a "keywords:" marker when present, else the final sentence.
func keywordsFromReasoning(reasoning string) string {
	if reasoning == "" {
		return ""
	}

	lower := strings.ToLower(reasoning)
	if idx := strings.LastIndex(lower, "keywords:"); idx >= 0 {
		tail := reasoning[idx+len("keywords:"):]
		if line := strings.TrimSpace(strings.SplitN(tail, "\n", 2)[0]); line != "" {
			return line
		}
	}

	sentences := strings.FieldsFunc(reasoning, func(r rune) bool {
		return r == '.' || r == '\n'
	})
	for i := len(sentences) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(sentences[i]); s != "" {
			return s
		}
	}
	return ""
}

// lastNonSystem returns the last n non-system messages in order.
func lastNonSystem(history []Message, n int) []Message {
	var filtered []Message
	for _, m := range history {
		if m.Role != "system" {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	return filtered
}
