// Package ragcore is the retrieval core of a local document-grounded
// question-answering system: ingest, three parallel indices (chunk vectors,
// keyword, entity graph), retrieval strategies over them, and a governor
// that keeps the indices consistent across embedding-model changes.
package ragcore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/davshen/ragcore/chunker"
	"github.com/davshen/ragcore/governor"
	"github.com/davshen/ragcore/graph"
	"github.com/davshen/ragcore/llm"
	"github.com/davshen/ragcore/parser"
	"github.com/davshen/ragcore/retrieval"
	"github.com/davshen/ragcore/store"
	"github.com/davshen/ragcore/vecindex"
)

// Engine is the public surface of the retrieval core.
type Engine interface {
	// Ingest parses, chunks, embeds, and indexes a document. Re-ingesting
	// an existing source replaces its chunks and vectors atomically.
	Ingest(ctx context.Context, path string) (*IngestReport, error)

	// Delete removes a source and everything it owns, then prunes graph
	// orphans.
	Delete(ctx context.Context, source string) error

	// ListSources returns every ingested source with its models.
	ListSources(ctx context.Context) ([]store.SourceInfo, error)

	// Search runs a retrieval query under the selected strategy.
	Search(ctx context.Context, query string, k int, opts retrieval.Options) ([]retrieval.Result, error)

	// SetEmbeddingModel switches the active embedding model via the governor.
	SetEmbeddingModel(ctx context.Context, name string, force bool) (*governor.SetResult, error)

	// BuildGraph extracts entities and relationships for a previously
	// ingested source.
	BuildGraph(ctx context.Context, source, extractionModel string, onProgress func(graph.Progress)) (*graph.Report, error)

	// GraphProgress reports how much of a source has been extracted.
	GraphProgress(ctx context.Context, source string) (*GraphProgress, error)

	// Stats returns diagnostic row counts.
	Stats(ctx context.Context) (*store.Stats, error)

	// Close cleanly shuts down the engine.
	Close() error
}

// IngestReport summarises one ingest operation.
type IngestReport struct {
	DocumentID int64  `json:"document_id"`
	Source     string `json:"source"`
	Model      string `json:"model"`
	Chunks     int    `json:"chunks"`
	Replaced   bool   `json:"replaced"`
}

// GraphProgress reports extraction coverage for a source.
type GraphProgress struct {
	TotalChunks     int     `json:"total_chunks"`
	ProcessedChunks int     `json:"processed_chunks"`
	Percentage      float64 `json:"percentage"`
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg     Config
	dataDir string

	store   *store.Store
	gov     *governor.Governor
	embed   llm.Client
	chat    llm.Client
	parsers *parser.Registry
	chunkr  *chunker.Chunker

	// mu serializes the governor's Set against all other operations.
	mu sync.RWMutex

	// idxMu guards the lazily opened index handles; the governor cascade
	// closes them so the directories can be removed.
	idxMu       sync.Mutex
	chunkIndex  *vecindex.Index
	entityIndex *vecindex.Index
}

// New creates a ragcore engine with the given configuration.
func New(cfg Config) (Engine, error) {
	cfg = withDefaults(cfg)
	dataDir := cfg.resolveDataDir()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	s, err := store.New(filepath.Join(dataDir, "store.db"))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	embed, err := llm.New(llm.Config(cfg.Embedding))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	chat, err := llm.New(llm.Config(cfg.Chat))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat client: %w", err)
	}

	gov := governor.New(s, filepath.Join(dataDir, "chunk_index"), filepath.Join(dataDir, "entity_index"))
	if err := gov.Init(context.Background(), cfg.Embedding.Model); err != nil {
		s.Close()
		return nil, fmt.Errorf("initialising governor: %w", err)
	}

	e := &engine{
		cfg:     cfg,
		dataDir: dataDir,
		store:   s,
		gov:     gov,
		embed:   embed,
		chat:    chat,
		parsers: parser.NewRegistry(),
		chunkr:  chunker.New(chunker.Config{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}),
	}

	// Surface a stale on-disk index dimension now rather than mid-ingest.
	// A mismatch means the configured model changed out from under the
	// indices; the governor clears all dependent state.
	if _, _, err := e.indices(); err != nil {
		if errors.Is(err, vecindex.ErrDimensionMismatch) {
			slog.Warn("index dimension mismatch on startup, resetting state", "error", err)
			model, merr := gov.Current(context.Background())
			if merr == nil {
				_, merr = e.SetEmbeddingModel(context.Background(), model, true)
			}
			if merr != nil {
				s.Close()
				return nil, fmt.Errorf("%w: reset failed: %v", ErrDimensionMismatch, merr)
			}
		} else {
			s.Close()
			return nil, err
		}
	}

	return e, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = def.EmbeddingDim
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.GraphBatchSize == 0 {
		cfg.GraphBatchSize = def.GraphBatchSize
	}
	if cfg.GraphConcurrency == 0 {
		cfg.GraphConcurrency = def.GraphConcurrency
	}
	if cfg.EmbedTimeout == 0 {
		cfg.EmbedTimeout = def.EmbedTimeout
	}
	if cfg.ExtractTimeout == 0 {
		cfg.ExtractTimeout = def.ExtractTimeout
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding = def.Embedding
	}
	if cfg.Chat.Model == "" {
		cfg.Chat = def.Chat
	}
	return cfg
}

// indices returns the lazily opened vector indices.
func (e *engine) indices() (*vecindex.Index, *vecindex.Index, error) {
	e.idxMu.Lock()
	defer e.idxMu.Unlock()

	if e.chunkIndex == nil {
		ix, err := vecindex.Open(filepath.Join(e.dataDir, "chunk_index"), e.cfg.EmbeddingDim)
		if err != nil {
			return nil, nil, fmt.Errorf("opening chunk index: %w", err)
		}
		e.chunkIndex = ix
	}
	if e.entityIndex == nil {
		ix, err := vecindex.Open(filepath.Join(e.dataDir, "entity_index"), e.cfg.EmbeddingDim)
		if err != nil {
			return nil, nil, fmt.Errorf("opening entity index: %w", err)
		}
		e.entityIndex = ix
	}
	return e.chunkIndex, e.entityIndex, nil
}

// closeIndices closes and forgets the index handles so their directories
// can be removed.
func (e *engine) closeIndices() {
	e.idxMu.Lock()
	defer e.idxMu.Unlock()
	if e.chunkIndex != nil {
		e.chunkIndex.Close()
		e.chunkIndex = nil
	}
	if e.entityIndex != nil {
		e.entityIndex.Close()
		e.entityIndex = nil
	}
}

// Delete removes a document and everything it owns under the active model,
// then prunes graph orphans and their entity vectors.
func (e *engine) Delete(ctx context.Context, source string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if source == "" {
		return ErrInvalidPath
	}
	absSource, err := filepath.Abs(source)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	model, err := e.gov.Current(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	chunkIDs, err := e.store.DeleteDocument(ctx, absSource, model)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, absSource)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	chunkIdx, entityIdx, err := e.indices()
	if err != nil {
		return err
	}
	if err := chunkIdx.Delete(ctx, chunkIDs); err != nil {
		return fmt.Errorf("deleting chunk vectors: %w", err)
	}
	if err := chunkIdx.Save(ctx); err != nil {
		return fmt.Errorf("saving chunk index: %w", err)
	}

	orphanIDs, err := e.store.CleanupOrphans(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if len(orphanIDs) > 0 {
		if err := entityIdx.Delete(ctx, orphanIDs); err != nil {
			return fmt.Errorf("deleting entity vectors: %w", err)
		}
		if err := entityIdx.Save(ctx); err != nil {
			return fmt.Errorf("saving entity index: %w", err)
		}
	}

	slog.Info("delete: document removed", "source", absSource,
		"chunks", len(chunkIDs), "orphaned_entities", len(orphanIDs))
	return nil
}

// ListSources returns every ingested source with its models.
func (e *engine) ListSources(ctx context.Context) ([]store.SourceInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.ListSources(ctx)
}

// Search runs a retrieval query under the selected strategy.
func (e *engine) Search(ctx context.Context, query string, k int, opts retrieval.Options) ([]retrieval.Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	chunkIdx, entityIdx, err := e.indices()
	if err != nil {
		return nil, err
	}
	retriever := retrieval.New(e.store, chunkIdx, entityIdx, e.embed, e.chat)
	return retriever.Search(ctx, query, k, opts)
}

// SetEmbeddingModel switches the active embedding model. The call holds the
// write lock, so no ingest, graph build, or retrieval is in flight while the
// cascade runs.
func (e *engine) SetEmbeddingModel(ctx context.Context, name string, force bool) (*governor.SetResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closeIndices()
	return e.gov.Set(ctx, name, force)
}

// BuildGraph walks a source's chunks through the extractor and populates
// the graph store and the entity index.
func (e *engine) BuildGraph(ctx context.Context, source, extractionModel string, onProgress func(graph.Progress)) (*graph.Report, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if source == "" {
		return nil, ErrInvalidPath
	}
	absSource, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	model, err := e.gov.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	doc, err := e.store.DocumentBySource(ctx, absSource, model)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, absSource)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	chunks, err := e.store.ChunksByDocument(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	_, entityIdx, err := e.indices()
	if err != nil {
		return nil, err
	}

	builder := graph.NewBuilder(e.store, e.chat, e.embed,
		e.cfg.GraphBatchSize, e.cfg.GraphConcurrency, e.cfg.ExtractTimeout)
	return builder.Build(ctx, doc.ID, chunks, extractionModel, model, entityIdx, onProgress)
}

// GraphProgress reports extraction coverage for a source under the active
// model.
func (e *engine) GraphProgress(ctx context.Context, source string) (*GraphProgress, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	absSource, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	model, err := e.gov.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	doc, err := e.store.DocumentBySource(ctx, absSource, model)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, absSource)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	chunks, err := e.store.ChunksByDocument(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	mentioned, err := e.store.MentionedChunkIDs(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	p := &GraphProgress{TotalChunks: len(chunks), ProcessedChunks: len(mentioned)}
	if p.TotalChunks > 0 {
		p.Percentage = 100 * float64(p.ProcessedChunks) / float64(p.TotalChunks)
	}
	return p, nil
}

// Stats returns diagnostic row counts.
func (e *engine) Stats(ctx context.Context) (*store.Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.DBStats(ctx)
}

// Close shuts down the engine.
func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeIndices()
	return e.store.Close()
}

// recordSource appends a source filename to the informational sources.json
// list. Best effort; failures are logged, never fatal.
func (e *engine) recordSource(source string) {
	path := filepath.Join(e.dataDir, "sources.json")

	var sources []string
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &sources)
	}
	for _, s := range sources {
		if s == source {
			return
		}
	}
	sources = append(sources, source)

	data, err := json.MarshalIndent(sources, "", "  ")
	if err == nil {
		err = os.WriteFile(path, data, 0644)
	}
	if err != nil {
		slog.Warn("recording source failed", "source", source, "error", err)
	}
}
