package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davshen/ragcore/llm"
	"github.com/davshen/ragcore/store"
	"github.com/davshen/ragcore/vecindex"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeEmbedding Mode = "embedding"
	ModeFulltext  Mode = "fulltext"
	ModeHybrid    Mode = "hybrid"
)

// Message is one turn of conversational context for query rewriting.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configures a single search. UseGraph augments any mode with
// chunks recalled through the entity graph.
type Options struct {
	Mode        Mode      `json:"mode"`
	UseGraph    bool      `json:"use_graph"`
	ChatModel   string    `json:"chat_model,omitempty"`
	ChatHistory []Message `json:"chat_history,omitempty"`

	// Graph augmentation knobs; zero values take the defaults.
	TopEntities    int `json:"top_entities,omitempty"`
	MaxRelated     int `json:"max_related,omitempty"`
	MaxGraphChunks int `json:"max_graph_chunks,omitempty"`
}

// Result is one retrieved chunk with provenance.
type Result struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Source     string  `json:"source"`
	ChunkIndex int     `json:"chunk_index"`
	Page       int     `json:"page"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Method     string  `json:"method"`

	// Graph annotation, set when the chunk was recalled via the entity graph.
	Graph       bool     `json:"graph,omitempty"`
	EntityNames []string `json:"entity_names,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

// Engine executes the retrieval strategies over the three indices.
type Engine struct {
	store       *store.Store
	chunkIndex  *vecindex.Index
	entityIndex *vecindex.Index
	embedder    llm.Embedder
	gen         llm.Generator
}

// New creates a retrieval engine. gen enables conversational query
// rewriting; pass nil to disable it.
func New(s *store.Store, chunkIndex, entityIndex *vecindex.Index, embedder llm.Embedder, gen llm.Generator) *Engine {
	return &Engine{
		store:       s,
		chunkIndex:  chunkIndex,
		entityIndex: entityIndex,
		embedder:    embedder,
		gen:         gen,
	}
}

// Search runs the selected strategy and optional graph augmentation.
// A failing sub-strategy inside hybrid or graph augmentation is logged and
// absorbed; the merged result of the surviving strategies is returned.
func (e *Engine) Search(ctx context.Context, query string, k int, opts Options) ([]Result, error) {
	if k <= 0 {
		k = 5
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}

	searchStart := time.Now()

	var results []Result
	var err error
	switch opts.Mode {
	case ModeEmbedding:
		results, err = e.embeddingSearch(ctx, query, k)
	case ModeFulltext:
		results, err = e.fulltextSearch(ctx, query, k, opts)
	case ModeHybrid:
		results, err = e.hybridSearch(ctx, query, k, opts)
	default:
		return nil, fmt.Errorf("unknown retrieval mode: %s", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	if opts.UseGraph {
		graphResults, gerr := e.graphAugment(ctx, query, opts)
		if gerr != nil {
			slog.Warn("retrieval: graph augmentation failed", "error", gerr)
		} else {
			results = mergeGraphResults(results, graphResults)
		}
	}

	logHitDistribution(query, opts.Mode, results, time.Since(searchStart))
	return results, nil
}

// embeddingSearch embeds the query and walks the chunk vector index.
// Index hits without a backing store row are logged and dropped.
func (e *Engine) embeddingSearch(ctx context.Context, query string, k int) ([]Result, error) {
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	hits, err := e.chunkIndex.Search(ctx, vecs[0], k)
	if err != nil {
		return nil, fmt.Errorf("chunk index search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, sources, err := e.store.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching chunks: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		c, ok := chunks[h.ID]
		if !ok {
			slog.Warn("retrieval: index hit without chunk row, dropping", "chunk_id", h.ID)
			continue
		}
		results = append(results, Result{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Source:     sources[h.ID],
			ChunkIndex: c.Index,
			Page:       c.Page,
			Content:    c.Content,
			Score:      h.Score,
			Method:     "embedding",
		})
	}
	return results, nil
}

// fulltextSearch rewrites the query when a chat model is supplied, then
// runs keyword search over chunk text.
func (e *Engine) fulltextSearch(ctx context.Context, query string, k int, opts Options) ([]Result, error) {
	searchQuery := query
	if opts.ChatModel != "" && e.gen != nil {
		searchQuery = e.rewriteQuery(ctx, query, opts)
	}

	hits, err := e.store.KeywordSearch(ctx, searchQuery, k, 0)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			ChunkID:    h.Chunk.ID,
			DocumentID: h.Chunk.DocumentID,
			Source:     h.Source,
			ChunkIndex: h.Chunk.Index,
			Page:       h.Chunk.Page,
			Content:    h.Chunk.Content,
			Score:      h.Score,
			Method:     "fulltext",
		}
	}
	return results, nil
}

// hybridSearch runs embedding and fulltext in parallel and merges them,
// preferring embedding hits, deduplicated by chunk id, capped at 2k before
// the final top-k cut.
func (e *Engine) hybridSearch(ctx context.Context, query string, k int, opts Options) ([]Result, error) {
	type outcome struct {
		results []Result
		err     error
	}

	embCh := make(chan outcome, 1)
	ftsCh := make(chan outcome, 1)

	go func() {
		r, err := e.embeddingSearch(ctx, query, k)
		embCh <- outcome{r, err}
	}()
	go func() {
		r, err := e.fulltextSearch(ctx, query, k, opts)
		ftsCh <- outcome{r, err}
	}()

	emb := <-embCh
	fts := <-ftsCh

	if emb.err != nil {
		slog.Warn("retrieval: embedding strategy failed in hybrid", "error", emb.err)
	}
	if fts.err != nil {
		slog.Warn("retrieval: fulltext strategy failed in hybrid", "error", fts.err)
	}
	if emb.err != nil && fts.err != nil {
		return nil, fmt.Errorf("hybrid search: %w", emb.err)
	}

	merged := mergeByChunkID(emb.results, fts.results)
	if len(merged) > 2*k {
		merged = merged[:2*k]
	}
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// mergeGraphResults folds graph-recalled chunks into the base result set,
// deduplicated by chunk id with insertion order preserved. A graph chunk
// that duplicates a base hit keeps its place but gains the graph
// annotation.
func mergeGraphResults(base, graphResults []Result) []Result {
	byID := make(map[int64]int, len(base))
	for i, r := range base {
		byID[r.ChunkID] = i
	}
	out := base
	for _, g := range graphResults {
		if i, ok := byID[g.ChunkID]; ok {
			out[i].Graph = true
			out[i].EntityNames = g.EntityNames
			out[i].EntityTypes = g.EntityTypes
			continue
		}
		byID[g.ChunkID] = len(out)
		out = append(out, g)
	}
	return out
}

// mergeByChunkID appends extra results to base, dropping chunks already
// present. Insertion order is preserved.
func mergeByChunkID(base, extra []Result) []Result {
	seen := make(map[int64]bool, len(base))
	for _, r := range base {
		seen[r.ChunkID] = true
	}
	out := base
	for _, r := range extra {
		if !seen[r.ChunkID] {
			seen[r.ChunkID] = true
			out = append(out, r)
		}
	}
	return out
}

// logHitDistribution records the per-source spread of a search result set.
func logHitDistribution(query string, mode Mode, results []Result, elapsed time.Duration) {
	dist := make(map[string]int)
	for _, r := range results {
		dist[r.Source]++
	}
	slog.Debug("retrieval: search complete",
		"query_len", len(query), "mode", mode, "results", len(results),
		"source_distribution", dist, "elapsed", elapsed.Round(time.Millisecond))
}
