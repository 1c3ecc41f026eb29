package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/davshen/ragcore"
	"github.com/davshen/ragcore/graph"
	"github.com/davshen/ragcore/retrieval"
)

type handler struct {
	engine ragcore.Engine
}

func newHandler(e ragcore.Engine) *handler {
	return &handler{engine: e}
}

// POST /ingest
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected JSON with 'path'")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	report, err := h.engine.Ingest(ctx, req.Path)
	if err != nil {
		writeEngineError(w, err, "ingestion failed")
		slog.Error("ingest error", "path", req.Path, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Query       string              `json:"query"`
		K           int                 `json:"k,omitempty"`
		Mode        string              `json:"mode,omitempty"`
		UseGraph    bool                `json:"use_graph,omitempty"`
		ChatModel   string              `json:"chat_model,omitempty"`
		ChatHistory []retrieval.Message `json:"chat_history,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	results, err := h.engine.Search(ctx, req.Query, req.K, retrieval.Options{
		Mode:        retrieval.Mode(req.Mode),
		UseGraph:    req.UseGraph,
		ChatModel:   req.ChatModel,
		ChatHistory: req.ChatHistory,
	})
	if err != nil {
		writeEngineError(w, err, "search failed")
		slog.Error("search error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// DELETE /documents?source=...
func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	if err := h.engine.Delete(r.Context(), source); err != nil {
		writeEngineError(w, err, "delete failed")
		slog.Error("delete error", "source", source, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": source})
}

// GET /sources
func (h *handler) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.engine.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing sources failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": sources,
		"count":   len(sources),
	})
}

// PUT /model
func (h *handler) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Force bool   `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	result, err := h.engine.SetEmbeddingModel(r.Context(), req.Name, req.Force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "model switch failed")
		slog.Error("set model error", "name", req.Name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /graph/build
func (h *handler) handleBuildGraph(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Hour)
	defer cancel()

	var req struct {
		Source          string `json:"source"`
		ExtractionModel string `json:"extraction_model,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	report, err := h.engine.BuildGraph(ctx, req.Source, req.ExtractionModel, func(p graph.Progress) {
		slog.Info("graph build progress",
			"source", req.Source,
			"processed", p.Processed, "total", p.Total,
			"batch", strconv.Itoa(p.BatchIndex+1)+"/"+strconv.Itoa(p.TotalBatches))
	})
	if err != nil {
		writeEngineError(w, err, "graph build failed")
		slog.Error("graph build error", "source", req.Source, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /graph/progress?source=...
func (h *handler) handleGraphProgress(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	progress, err := h.engine.GraphProgress(r.Context(), source)
	if err != nil {
		writeEngineError(w, err, "progress lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeEngineError maps engine sentinel errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, ragcore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ragcore.ErrInvalidPath),
		errors.Is(err, ragcore.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ragcore.ErrModelNotInstalled),
		errors.Is(err, ragcore.ErrEmbeddingService),
		errors.Is(err, ragcore.ErrDimensionMismatch):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
