// Package governor tracks the active embedding model and enforces
// dimensional consistency across the vector indices. It is the only
// component permitted to authorize the destructive model-switch cascade.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/davshen/ragcore/store"
	"github.com/davshen/ragcore/vecindex"
)

// activeModelKey is the settings row holding the active model name.
const activeModelKey = "embedding_model"

// Status is the outcome of a Set call.
type Status string

const (
	// StatusOK means the model was switched (or was already being set with
	// force) and the cascade ran.
	StatusOK Status = "ok"

	// StatusUnchanged means the normalized names matched; nothing happened.
	StatusUnchanged Status = "unchanged"

	// StatusConfirmationRequired means existing vectors belong to other
	// models and the caller must confirm with force. No state changed.
	StatusConfirmationRequired Status = "confirmation_required"
)

// SetResult reports what a Set call did.
type SetResult struct {
	Status         Status   `json:"status"`
	ExistingModels []string `json:"existing_models,omitempty"`
	NewModel       string   `json:"new_model,omitempty"`
}

// Governor holds the active embedding model and the locations of the state
// it may destroy. Callers serialize Set against all other core operations.
type Governor struct {
	store          *store.Store
	chunkIndexDir  string
	entityIndexDir string
}

// New creates a governor over the given store and index directories.
func New(s *store.Store, chunkIndexDir, entityIndexDir string) *Governor {
	return &Governor{
		store:          s,
		chunkIndexDir:  chunkIndexDir,
		entityIndexDir: entityIndexDir,
	}
}

// Init persists the initial model name if none is recorded yet.
func (g *Governor) Init(ctx context.Context, model string) error {
	current, err := g.store.Setting(ctx, activeModelKey)
	if err != nil {
		return err
	}
	if current != "" {
		return nil
	}
	return g.store.SetSetting(ctx, activeModelKey, Normalize(model))
}

// Current returns the active embedding model name. Components query this at
// operation boundaries instead of caching it.
func (g *Governor) Current(ctx context.Context) (string, error) {
	return g.store.Setting(ctx, activeModelKey)
}

// Set switches the active embedding model. Vectors from different models
// are dimensionally incompatible, so a real switch deletes both vector
// indices and all documents, and prunes the graph to an orphan-free state.
// The cascade is idempotent on retry.
func (g *Governor) Set(ctx context.Context, name string, force bool) (*SetResult, error) {
	newModel := Normalize(name)
	if newModel == "" {
		return nil, fmt.Errorf("empty model name")
	}

	current, err := g.Current(ctx)
	if err != nil {
		return nil, err
	}
	if Normalize(current) == newModel {
		return &SetResult{Status: StatusUnchanged}, nil
	}

	if !force {
		existing, err := g.store.DistinctEmbeddingModels(ctx)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 && !containsNormalized(existing, newModel) {
			return &SetResult{
				Status:         StatusConfirmationRequired,
				ExistingModels: existing,
				NewModel:       newModel,
			}, nil
		}
	}

	slog.Info("governor: switching embedding model",
		"from", current, "to", newModel, "force", force)

	if err := vecindex.Remove(g.chunkIndexDir); err != nil {
		return nil, fmt.Errorf("removing chunk index: %w", err)
	}
	if err := vecindex.Remove(g.entityIndexDir); err != nil {
		return nil, fmt.Errorf("removing entity index: %w", err)
	}
	if err := g.store.DeleteAllDocuments(ctx); err != nil {
		return nil, fmt.Errorf("deleting documents: %w", err)
	}
	if err := g.store.DeleteEntityEmbeddings(ctx); err != nil {
		return nil, fmt.Errorf("purging entity embeddings: %w", err)
	}
	if _, err := g.store.CleanupOrphans(ctx); err != nil {
		return nil, fmt.Errorf("pruning graph: %w", err)
	}
	if err := g.store.SetSetting(ctx, activeModelKey, newModel); err != nil {
		return nil, fmt.Errorf("recording model: %w", err)
	}

	return &SetResult{Status: StatusOK, NewModel: newModel}, nil
}

// Normalize strips a trailing ":latest" tag so equivalent names compare
// equal.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ":latest")
}

func containsNormalized(models []string, normalized string) bool {
	for _, m := range models {
		if Normalize(m) == normalized {
			return true
		}
	}
	return false
}
