package ragcore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ragcore engine.
type Config struct {
	// DataDir is the directory holding all persisted state: store.db,
	// chunk_index/, entity_index/, sources.json.
	// Defaults to ~/.ragcore when empty.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Embedding configures the embedding service. Embedding.Model is the
	// initial active model; once the store exists, the persisted governor
	// state wins.
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Chat configures the generation service used for query rewriting
	// and graph extraction.
	Chat LLMConfig `json:"chat" yaml:"chat"`

	// EmbeddingDim must match the dimension produced by the embedding model.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Chunking
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`       // target characters per chunk
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"` // overlap characters between chunks

	// Graph building
	GraphBatchSize   int `json:"graph_batch_size" yaml:"graph_batch_size"`   // chunks per extraction batch
	GraphConcurrency int `json:"graph_concurrency" yaml:"graph_concurrency"` // parallel LLM calls within a batch

	// External call timeouts
	EmbedTimeout   time.Duration `json:"embed_timeout" yaml:"embed_timeout"`
	ExtractTimeout time.Duration `json:"extract_timeout" yaml:"extract_timeout"`
}

// LLMConfig configures a single model service endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai-compat
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	return Config{
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:     768,
		ChunkSize:        500,
		ChunkOverlap:     100,
		GraphBatchSize:   8,
		GraphConcurrency: 8,
		EmbedTimeout:     2 * time.Minute,
		ExtractTimeout:   90 * time.Second,
	}
}

// LoadConfig reads a JSON or YAML config file, selected by extension,
// on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing json config: %w", err)
		}
	}
	return cfg, nil
}

// resolveDataDir computes the final data directory from config fields.
func (c *Config) resolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragcore"
	}
	return filepath.Join(home, ".ragcore")
}
