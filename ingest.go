package ragcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/davshen/ragcore/chunker"
	"github.com/davshen/ragcore/llm"
	"github.com/davshen/ragcore/parser"
	"github.com/davshen/ragcore/store"
	"github.com/davshen/ragcore/vecindex"
)

// embedBatchSize is the number of chunk texts per embedding request.
const embedBatchSize = 32

// Ingest parses a source, splits it into chunks, and writes the chunk store
// and the chunk vector index with all-or-nothing semantics. Graph building
// is deliberately not part of ingest; see BuildGraph.
func (e *engine) Ingest(ctx context.Context, path string) (*IngestReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidPath
	}
	// Sources are identified by absolute path, never by basename.
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	format := parser.FormatOf(absPath)
	p, err := e.parsers.Get(format)
	if err != nil {
		return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, format)
	}

	model, err := e.gov.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// Pre-flight: fail before touching state when the backend does not have
	// the active embedding model.
	if lister, ok := e.embed.(llm.ModelLister); ok {
		has, err := lister.HasModel(ctx, model)
		if err != nil {
			slog.Warn("ingest: model pre-flight check failed, continuing", "error", err)
		} else if !has {
			return nil, fmt.Errorf("%w: %s", ErrModelNotInstalled, model)
		}
	}

	parseStart := time.Now()
	pages, err := p.Parse(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", absPath, err)
	}

	chunks := e.chunkr.Split(pages)
	slog.Info("ingest: parsed and chunked", "source", absPath, "format", format,
		"pages", len(pages), "chunks", len(chunks),
		"elapsed", time.Since(parseStart).Round(time.Millisecond))

	rows := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = store.Chunk{Index: c.Index, Page: c.Page, Content: c.Text}
	}

	// One transaction: register the document, drop replaced chunks, insert
	// the new ones. Mentions of replaced chunks go with them by cascade.
	docID, existed, oldChunkIDs, newChunkIDs, err := e.store.ReplaceDocumentChunks(ctx, absPath, model, rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	chunkIdx, entityIdx, err := e.indices()
	if err != nil {
		return nil, err
	}

	// Replaced chunks leave the index before the new vectors go in.
	if len(oldChunkIDs) > 0 {
		if err := chunkIdx.RebuildExcluding(ctx, oldChunkIDs); err != nil {
			return nil, fmt.Errorf("rebuilding chunk index: %w", err)
		}
	}

	embedStart := time.Now()
	upserted, err := e.embedAndIndex(ctx, chunkIdx, chunks, newChunkIDs)
	if err != nil {
		// Compensation: the document row and any index points written so
		// far are removed so no half-embedded document remains visible.
		e.compensateIngest(ctx, chunkIdx, absPath, model, upserted)
		return nil, e.classifyEmbedError(ctx, err, model)
	}
	slog.Info("ingest: embeddings complete", "source", absPath,
		"chunks", len(chunks), "elapsed", time.Since(embedStart).Round(time.Millisecond))

	if err := chunkIdx.Save(ctx); err != nil {
		return nil, fmt.Errorf("saving chunk index: %w", err)
	}

	// Replaced chunks may have been the last mentions of some entities.
	if existed {
		orphanIDs, err := e.store.CleanupOrphans(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if len(orphanIDs) > 0 {
			if err := entityIdx.Delete(ctx, orphanIDs); err != nil {
				return nil, fmt.Errorf("deleting entity vectors: %w", err)
			}
			if err := entityIdx.Save(ctx); err != nil {
				return nil, fmt.Errorf("saving entity index: %w", err)
			}
		}
	}

	e.recordSource(filepath.Base(absPath))

	slog.Info("ingest: document ready", "source", absPath, "doc_id", docID,
		"chunks", len(chunks), "replaced", existed)
	return &IngestReport{
		DocumentID: docID,
		Source:     absPath,
		Model:      model,
		Chunks:     len(chunks),
		Replaced:   existed,
	}, nil
}

// embedAndIndex embeds the new chunks in batches and upserts the vectors.
// Returns the ids already upserted when an error interrupts the walk, so
// compensation can remove them.
func (e *engine) embedAndIndex(ctx context.Context, chunkIdx *vecindex.Index, chunks []chunker.Chunk, chunkIDs []int64) ([]int64, error) {
	var upserted []int64

	for i := 0; i < len(chunks); i += embedBatchSize {
		end := i + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = chunks[j].Text
		}

		embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
		vecs, err := e.embed.Embed(embedCtx, texts)
		cancel()
		if err != nil {
			return upserted, fmt.Errorf("embedding batch %d-%d: %w", i, end, err)
		}
		if len(vecs) != len(texts) {
			return upserted, fmt.Errorf("embedding batch %d-%d: got %d vectors for %d texts", i, end, len(vecs), len(texts))
		}

		for j, vec := range vecs {
			if err := chunkIdx.Upsert(ctx, chunkIDs[i+j], vec); err != nil {
				return upserted, fmt.Errorf("indexing chunk %d: %w", chunkIDs[i+j], err)
			}
			upserted = append(upserted, chunkIDs[i+j])
		}
	}

	return upserted, nil
}

// compensateIngest undoes a partially embedded ingest: the document row
// (with its chunks, by cascade) and any vectors already written.
func (e *engine) compensateIngest(ctx context.Context, chunkIdx *vecindex.Index, source, model string, upserted []int64) {
	if _, err := e.store.DeleteDocument(ctx, source, model); err != nil {
		slog.Warn("ingest compensation: deleting document failed", "source", source, "error", err)
	}
	if len(upserted) > 0 {
		if err := chunkIdx.Delete(ctx, upserted); err != nil {
			slog.Warn("ingest compensation: deleting vectors failed", "source", source, "error", err)
		}
	}
	if err := chunkIdx.Save(ctx); err != nil {
		slog.Warn("ingest compensation: saving index failed", "source", source, "error", err)
	}
	slog.Warn("ingest: compensated after embedding failure",
		"source", source, "removed_vectors", len(upserted))
}

// classifyEmbedError distinguishes the likely cause of an embedding-stage
// failure: a dimension disagreement, a missing model, or a service error.
func (e *engine) classifyEmbedError(ctx context.Context, err error, model string) error {
	if errors.Is(err, vecindex.ErrDimensionMismatch) {
		return fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
	}
	if lister, ok := e.embed.(llm.ModelLister); ok {
		if has, herr := lister.HasModel(ctx, model); herr == nil && !has {
			return fmt.Errorf("%w: %s", ErrModelNotInstalled, model)
		}
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingService, err)
}
