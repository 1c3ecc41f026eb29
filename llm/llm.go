// Package llm wraps the two external model services the retrieval core
// consumes: a batch embedding service and a generation service used for
// query rewriting and graph extraction.
package llm

import (
	"context"
	"fmt"
)

// Embedder maps batches of texts to fixed-dimension dense vectors.
// The dimension is deterministic for a given model name.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces a completion for a prompt. Some backends populate a
// separate reasoning trace alongside (or instead of) the response text.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// ModelLister is implemented by backends that can enumerate installed
// models, enabling pre-flight checks.
type ModelLister interface {
	HasModel(ctx context.Context, name string) (bool, error)
}

// GenerateRequest is a single-prompt generation request.
type GenerateRequest struct {
	Model       string  `json:"model"` // overrides the configured model when set
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	JSONMode    bool    `json:"json_mode,omitempty"`
}

// GenerateResponse carries the model's output. Reasoning holds the thinking
// trace for models that emit one; it may be populated when Response is empty.
type GenerateResponse struct {
	Response  string `json:"response"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Config configures a model service endpoint.
type Config struct {
	Provider string `json:"provider"` // ollama, openai-compat
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// Client bundles both services behind one implementation.
type Client interface {
	Embedder
	Generator
}

// New creates a model service client from configuration.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "openai-compat", "openai", "lmstudio", "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
