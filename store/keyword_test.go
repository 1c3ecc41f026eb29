//go:build cgo

package store

import (
	"context"
	"testing"
)

func seedKeywordChunks(t *testing.T, s *Store) []int64 {
	t.Helper()
	_, _, _, ids, err := s.ReplaceDocumentChunks(context.Background(), "/kw.txt", "m", testChunks(
		"The quick brown fox jumps over the lazy dog.",
		"A fox. Another fox. And a third fox appears.",
		"Nothing relevant in this fragment at all.",
		"Dogs and more dogs, but quick dogs especially.",
	))
	if err != nil {
		t.Fatalf("seeding chunks: %v", err)
	}
	return ids
}

func TestKeywordSearchEmptyQuery(t *testing.T) {
	s := newTestStore(t)
	seedKeywordChunks(t, s)

	for _, q := range []string{"", "   ", "\t\n"} {
		hits, err := s.KeywordSearch(context.Background(), q, 5, 0)
		if err != nil {
			t.Fatalf("search %q: %v", q, err)
		}
		if len(hits) != 0 {
			t.Errorf("search %q returned %d hits, want 0", q, len(hits))
		}
	}
}

func TestKeywordSearchOccurrenceScoring(t *testing.T) {
	s := newTestStore(t)
	ids := seedKeywordChunks(t, s)

	hits, err := s.KeywordSearch(context.Background(), "fox", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	// The triple-fox chunk outranks the single-fox chunk.
	if hits[0].Chunk.ID != ids[1] {
		t.Errorf("top hit is chunk %d, want %d", hits[0].Chunk.ID, ids[1])
	}
	if hits[0].Score != 3 {
		t.Errorf("top score = %v, want 3", hits[0].Score)
	}
	if hits[1].Chunk.ID != ids[0] || hits[1].Score != 1 {
		t.Errorf("second hit = chunk %d score %v, want chunk %d score 1",
			hits[1].Chunk.ID, hits[1].Score, ids[0])
	}
}

func TestKeywordSearchCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	seedKeywordChunks(t, s)

	hits, err := s.KeywordSearch(context.Background(), "QUICK Brown", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected hits for mixed-case query")
	}
	if hits[0].Chunk.Content != "The quick brown fox jumps over the lazy dog." {
		t.Errorf("unexpected top hit: %q", hits[0].Chunk.Content)
	}
}

func TestKeywordSearchTieBreakByChunkID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, _, ids, err := s.ReplaceDocumentChunks(ctx, "/ties.txt", "m", testChunks(
		"gravity here once",
		"gravity there once",
	))
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	hits, err := s.KeywordSearch(ctx, "gravity", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Chunk.ID != ids[0] || hits[1].Chunk.ID != ids[1] {
		t.Errorf("tie not broken by ascending chunk id: %d then %d", hits[0].Chunk.ID, hits[1].Chunk.ID)
	}
}

func TestKeywordSearchTopK(t *testing.T) {
	s := newTestStore(t)
	seedKeywordChunks(t, s)

	hits, err := s.KeywordSearch(context.Background(), "quick fox dogs", 1, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("k=1 returned %d hits", len(hits))
	}
}

// Adding a token never removes a chunk from the result set (short of the
// k-cap): a wider query keeps every previous match.
func TestKeywordSearchMonotonicInTokens(t *testing.T) {
	s := newTestStore(t)
	seedKeywordChunks(t, s)
	ctx := context.Background()

	narrow, err := s.KeywordSearch(ctx, "fox", 10, 0)
	if err != nil {
		t.Fatalf("narrow search: %v", err)
	}
	wide, err := s.KeywordSearch(ctx, "fox dogs", 10, 0)
	if err != nil {
		t.Fatalf("wide search: %v", err)
	}

	wideIDs := make(map[int64]bool)
	for _, h := range wide {
		wideIDs[h.Chunk.ID] = true
	}
	for _, h := range narrow {
		if !wideIDs[h.Chunk.ID] {
			t.Errorf("chunk %d dropped when query widened", h.Chunk.ID)
		}
	}
}

func TestKeywordSearchMultisetTokens(t *testing.T) {
	s := newTestStore(t)
	ids := seedKeywordChunks(t, s)

	// Repeated token counts its occurrences twice.
	hits, err := s.KeywordSearch(context.Background(), "fox fox", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 || hits[0].Chunk.ID != ids[1] {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if hits[0].Score != 6 {
		t.Errorf("score = %v, want 6 for doubled token", hits[0].Score)
	}
}
