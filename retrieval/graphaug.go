package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/davshen/ragcore/graph"
	"github.com/davshen/ragcore/store"
)

// Graph augmentation defaults.
const (
	defaultTopEntities    = 3
	defaultMaxRelated     = 5
	defaultMaxGraphChunks = 5
)

// graphAugment expands the query into chunks via the entity graph: seed
// entities from keyword and vector entity search, 1-hop neighbor expansion
// weighted by relationship type, then chunk recall ordered by how many of
// the matched entities each chunk mentions.
func (e *Engine) graphAugment(ctx context.Context, query string, opts Options) ([]Result, error) {
	topEntities := opts.TopEntities
	if topEntities <= 0 {
		topEntities = defaultTopEntities
	}
	maxRelated := opts.MaxRelated
	if maxRelated <= 0 {
		maxRelated = defaultMaxRelated
	}
	maxChunks := opts.MaxGraphChunks
	if maxChunks <= 0 {
		maxChunks = defaultMaxGraphChunks
	}

	seeds, err := e.seedEntities(ctx, query, topEntities)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	seedIDs := make([]int64, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.Entity.ID
	}

	neighbors, err := e.store.RelatedEntities(ctx, seedIDs, graph.TypeWeights, maxRelated)
	if err != nil {
		return nil, fmt.Errorf("expanding neighbors: %w", err)
	}

	all := make([]int64, 0, len(seeds)+len(neighbors))
	all = append(all, seedIDs...)
	for _, n := range neighbors {
		all = append(all, n.Entity.ID)
	}

	chunks, err := e.store.ChunksOfEntities(ctx, all, maxChunks)
	if err != nil {
		return nil, fmt.Errorf("recalling graph chunks: %w", err)
	}

	slog.Debug("retrieval: graph augmentation",
		"seeds", len(seeds), "neighbors", len(neighbors), "chunks", len(chunks))

	results := make([]Result, len(chunks))
	for i, g := range chunks {
		results[i] = Result{
			ChunkID:     g.Chunk.ID,
			DocumentID:  g.Chunk.DocumentID,
			Source:      g.Source,
			ChunkIndex:  g.Chunk.Index,
			Page:        g.Chunk.Page,
			Content:     g.Chunk.Content,
			Score:       float64(g.EntityCount),
			Method:      "graph",
			Graph:       true,
			EntityNames: g.EntityNames,
			EntityTypes: g.EntityTypes,
		}
	}
	return results, nil
}

// seedEntities merges keyword-entity search with ANN search over the entity
// index. Scores are additive across the two methods; the top n win.
func (e *Engine) seedEntities(ctx context.Context, query string, n int) ([]store.ScoredEntity, error) {
	type outcome struct {
		entities []store.ScoredEntity
		err      error
	}

	kwCh := make(chan outcome, 1)
	annCh := make(chan outcome, 1)

	go func() {
		entities, err := e.store.KeywordEntitySearch(ctx, query, n*3)
		kwCh <- outcome{entities, err}
	}()
	go func() {
		entities, err := e.vectorEntitySearch(ctx, query, n*3)
		annCh <- outcome{entities, err}
	}()

	kw := <-kwCh
	ann := <-annCh

	if kw.err != nil {
		slog.Warn("retrieval: keyword entity search failed", "error", kw.err)
	}
	if ann.err != nil {
		slog.Warn("retrieval: vector entity search failed", "error", ann.err)
	}
	if kw.err != nil && ann.err != nil {
		return nil, fmt.Errorf("seeding entities: %w", kw.err)
	}

	merged := make(map[int64]*store.ScoredEntity)
	for _, lst := range [][]store.ScoredEntity{kw.entities, ann.entities} {
		for _, se := range lst {
			if cur, ok := merged[se.Entity.ID]; ok {
				cur.Score += se.Score
			} else {
				cp := se
				merged[se.Entity.ID] = &cp
			}
		}
	}

	out := make([]store.ScoredEntity, 0, len(merged))
	for _, se := range merged {
		out = append(out, *se)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// vectorEntitySearch embeds the query and walks the entity index, resolving
// hits back to entity rows.
func (e *Engine) vectorEntitySearch(ctx context.Context, query string, k int) ([]store.ScoredEntity, error) {
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	hits, err := e.entityIndex.Search(ctx, vecs[0], k)
	if err != nil {
		return nil, fmt.Errorf("entity index search: %w", err)
	}

	var out []store.ScoredEntity
	for _, h := range hits {
		entity, err := e.store.EntityByID(ctx, h.ID)
		if err != nil {
			slog.Warn("retrieval: entity index hit without row, dropping", "entity_id", h.ID)
			continue
		}
		out = append(out, store.ScoredEntity{Entity: *entity, Score: h.Score})
	}
	return out, nil
}
