package store

import (
	"context"
	"sort"
	"strings"
)

// KeywordHit is a chunk matched by keyword search with its occurrence score.
type KeywordHit struct {
	Chunk  Chunk   `json:"chunk"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// defaultLimitMultiplier caps the candidate set at k * multiplier rows.
const defaultLimitMultiplier = 3

// KeywordSearch performs scored substring search over chunk content.
// The query is lowercased and split on whitespace; chunks containing any
// token are candidates, scored by the total number of non-overlapping
// case-insensitive occurrences across all tokens. Ties are broken by
// ascending chunk id.
func (s *Store) KeywordSearch(ctx context.Context, query string, k, limitMultiplier int) ([]KeywordHit, error) {
	if limitMultiplier <= 0 {
		limitMultiplier = defaultLimitMultiplier
	}

	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 || k <= 0 {
		return nil, nil
	}

	// Candidate set: any chunk whose lowercased content contains any token.
	var conditions []string
	args := make([]interface{}, 0, len(tokens)+1)
	for _, t := range tokens {
		conditions = append(conditions, "instr(lower(c.content), ?) > 0")
		args = append(args, t)
	}
	args = append(args, k*limitMultiplier)

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.chunk_index, COALESCE(c.page, 0), c.content, d.source
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE `+strings.Join(conditions, " OR ")+`
		ORDER BY c.id
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.Index,
			&h.Chunk.Page, &h.Chunk.Content, &h.Source); err != nil {
			return nil, err
		}
		h.Score = occurrenceScore(h.Chunk.Content, tokens)
		if h.Score > 0 {
			hits = append(hits, h)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// occurrenceScore counts non-overlapping occurrences of every token in the
// lowercased content. Tokens form a multiset: a repeated token counts twice.
func occurrenceScore(content string, tokens []string) float64 {
	lower := strings.ToLower(content)
	total := 0
	for _, t := range tokens {
		total += strings.Count(lower, t)
	}
	return float64(total)
}
