package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davshen/ragcore/llm"
	"github.com/davshen/ragcore/store"
	"github.com/davshen/ragcore/vecindex"
)

// defaultBatchSize is the number of chunks walked per extraction batch.
const defaultBatchSize = 8

// defaultConcurrency bounds parallel extraction calls within a batch.
// Unbounded parallelism will OOM a local backend.
const defaultConcurrency = 8

// entityEmbedBatch is the embedding batch size for the post-extraction pass.
const entityEmbedBatch = 32

// Progress is emitted after each batch completes.
type Progress struct {
	Processed    int `json:"processed"`
	Total        int `json:"total"`
	Successful   int `json:"successful"`
	Skipped      int `json:"skipped"`
	BatchIndex   int `json:"batch_index"`
	TotalBatches int `json:"total_batches"`
}

// Report summarises a graph build.
type Report struct {
	TotalChunks      int  `json:"total_chunks"`
	Processed        int  `json:"processed"`
	Successful       int  `json:"successful"`
	Skipped          int  `json:"skipped"`
	Failed           int  `json:"failed"`
	EntitiesEmbedded int  `json:"entities_embedded"`
	Cancelled        bool `json:"cancelled"`
}

// Builder walks a document's chunks through the extractor and populates the
// graph store and the entity vector index.
type Builder struct {
	store          *store.Store
	gen            llm.Generator
	embed          llm.Embedder
	batchSize      int
	concurrency    int
	extractTimeout time.Duration
}

// NewBuilder creates a graph builder.
func NewBuilder(s *store.Store, gen llm.Generator, embed llm.Embedder, batchSize, concurrency int, extractTimeout time.Duration) *Builder {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if extractTimeout <= 0 {
		extractTimeout = 90 * time.Second
	}
	return &Builder{
		store:          s,
		gen:            gen,
		embed:          embed,
		batchSize:      batchSize,
		concurrency:    concurrency,
		extractTimeout: extractTimeout,
	}
}

// Build processes chunks in sequential batches with bounded in-batch
// concurrency. Chunks that already carry an entity mention are skipped, so
// re-running on the same document is idempotent. Per-chunk failures are
// absorbed; cancellation between batches returns a partial report with the
// committed extractions retained.
//
// embeddingModel names the active embedding model; entity vectors for it
// are generated after all batches into entityIndex.
func (b *Builder) Build(ctx context.Context, docID int64, chunks []store.Chunk, extractionModel, embeddingModel string, entityIndex *vecindex.Index, onProgress func(Progress)) (*Report, error) {
	report := &Report{TotalChunks: len(chunks)}
	if len(chunks) == 0 {
		return report, nil
	}
	if ctx.Err() != nil {
		report.Cancelled = true
		return report, nil
	}

	mentioned, err := b.store.MentionedChunkIDs(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("loading mention state: %w", err)
	}

	extractor := NewExtractor(b.gen, extractionModel)
	totalBatches := (len(chunks) + b.batchSize - 1) / b.batchSize

	slog.Info("graph: build starting", "doc_id", docID, "chunks", len(chunks),
		"batches", totalBatches, "concurrency", b.concurrency)
	buildStart := time.Now()

	var mu sync.Mutex

	for bi := 0; bi < totalBatches; bi++ {
		if ctx.Err() != nil {
			report.Cancelled = true
			slog.Warn("graph: build cancelled between batches",
				"doc_id", docID, "batch", bi, "processed", report.Processed)
			return report, nil
		}

		lo := bi * b.batchSize
		hi := lo + b.batchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		batch := chunks[lo:hi]

		var wg sync.WaitGroup
		sem := make(chan struct{}, b.concurrency)

		for _, chunk := range batch {
			if mentioned[chunk.ID] {
				mu.Lock()
				report.Processed++
				report.Skipped++
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func(chunk store.Chunk) {
				defer wg.Done()

				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}

				chunkCtx, cancel := context.WithTimeout(ctx, b.extractTimeout)
				defer cancel()

				chunkStart := time.Now()
				err := b.processChunk(chunkCtx, extractor, chunk)

				mu.Lock()
				report.Processed++
				if err != nil {
					report.Failed++
				} else {
					report.Successful++
				}
				mu.Unlock()

				if err != nil {
					slog.Warn("graph: chunk failed", "chunk_id", chunk.ID, "error", err,
						"elapsed", time.Since(chunkStart).Round(time.Millisecond))
				} else {
					slog.Debug("graph: chunk extracted", "chunk_id", chunk.ID,
						"elapsed", time.Since(chunkStart).Round(time.Millisecond))
				}
			}(chunk)
		}
		wg.Wait()

		if onProgress != nil {
			mu.Lock()
			p := Progress{
				Processed:    report.Processed,
				Total:        report.TotalChunks,
				Successful:   report.Successful,
				Skipped:      report.Skipped,
				BatchIndex:   bi,
				TotalBatches: totalBatches,
			}
			mu.Unlock()
			onProgress(p)
		}
	}

	if ctx.Err() != nil {
		report.Cancelled = true
		return report, nil
	}

	embedded, err := b.embedEntities(ctx, embeddingModel, entityIndex)
	if err != nil {
		slog.Warn("graph: entity embedding pass failed (non-fatal)", "error", err)
	}
	report.EntitiesEmbedded = embedded

	slog.Info("graph: build complete", "doc_id", docID,
		"successful", report.Successful, "skipped", report.Skipped,
		"failed", report.Failed, "entities_embedded", embedded,
		"elapsed", time.Since(buildStart).Round(time.Millisecond))
	return report, nil
}

// processChunk runs extraction for one chunk and persists the result.
// Parse failures are reported as errors; the caller absorbs them.
func (b *Builder) processChunk(ctx context.Context, extractor *Extractor, chunk store.Chunk) error {
	result, err := extractor.Extract(ctx, chunk.Content)
	if err != nil {
		if errors.Is(err, ErrParse) {
			return fmt.Errorf("chunk %d: %w", chunk.ID, err)
		}
		return err
	}

	entityIDs := make(map[string]int64, len(result.Entities))
	for _, e := range result.Entities {
		id, err := b.store.UpsertEntity(ctx, e.Name, e.Type, e.Description)
		if err != nil {
			slog.Warn("graph: entity upsert failed, skipping",
				"entity", e.Name, "chunk", chunk.ID, "error", err)
			continue
		}
		entityIDs[e.Name] = id

		if err := b.store.InsertEntityMention(ctx, id, chunk.ID, e.Surface, e.Confidence); err != nil {
			slog.Warn("graph: entity mention insert failed",
				"entity", e.Name, "chunk", chunk.ID, "error", err)
		}
	}

	for _, r := range result.Relationships {
		srcID, srcOK := entityIDs[r.Source]
		tgtID, tgtOK := entityIDs[r.Target]
		if !srcOK || !tgtOK {
			continue
		}

		relID, err := b.store.UpsertRelationship(ctx, srcID, tgtID, r.Type, r.Description, r.Weight)
		if err != nil {
			slog.Warn("graph: relationship upsert failed, skipping",
				"source", r.Source, "target", r.Target, "error", err)
			continue
		}
		if err := b.store.InsertRelationshipMention(ctx, relID, chunk.ID, r.Description, r.Confidence); err != nil {
			slog.Warn("graph: relationship mention insert failed",
				"relationship", relID, "chunk", chunk.ID, "error", err)
		}
	}

	return nil
}

// embedEntities generates vectors for entities that lack one under the
// active model and upserts them into the entity index. The embedder input
// is "name: description" when a description exists, else the name.
func (b *Builder) embedEntities(ctx context.Context, model string, index *vecindex.Index) (int, error) {
	entities, err := b.store.EntitiesNeedingEmbedding(ctx, model)
	if err != nil {
		return 0, fmt.Errorf("listing entities to embed: %w", err)
	}
	if len(entities) == 0 {
		return 0, nil
	}

	slog.Info("graph: embedding entities", "count", len(entities), "model", model)
	embedded := 0

	for i := 0; i < len(entities); i += entityEmbedBatch {
		end := i + entityEmbedBatch
		if end > len(entities) {
			end = len(entities)
		}
		batch := entities[i:end]

		texts := make([]string, len(batch))
		for j, e := range batch {
			texts[j] = embedText(e)
		}

		vecs, err := b.embed.Embed(ctx, texts)
		if err != nil {
			// Batch failed: fall back to embedding each text individually so
			// one bad text doesn't lose the whole batch.
			slog.Warn("graph: entity embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for _, e := range batch {
				single, serr := b.embed.Embed(ctx, []string{embedText(e)})
				if serr != nil || len(single) == 0 {
					continue
				}
				if serr := b.storeEntityVector(ctx, e.ID, model, single[0], index); serr == nil {
					embedded++
				}
			}
			continue
		}

		for j, vec := range vecs {
			if len(vec) == 0 {
				continue
			}
			if err := b.storeEntityVector(ctx, batch[j].ID, model, vec, index); err != nil {
				slog.Warn("graph: storing entity vector failed",
					"entity_id", batch[j].ID, "error", err)
				continue
			}
			embedded++
		}
	}

	if err := index.Save(ctx); err != nil {
		return embedded, fmt.Errorf("saving entity index: %w", err)
	}
	return embedded, nil
}

func (b *Builder) storeEntityVector(ctx context.Context, entityID int64, model string, vec []float32, index *vecindex.Index) error {
	if err := index.Upsert(ctx, entityID, vec); err != nil {
		return err
	}
	return b.store.UpsertEntityEmbedding(ctx, entityID, model, len(vec))
}

func embedText(e store.Entity) string {
	if e.Description != "" {
		return e.Name + ": " + e.Description
	}
	return e.Name
}
