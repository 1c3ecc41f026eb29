package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// ollamaClient implements Client against Ollama's native API. The native
// endpoints give better control over batched embeddings and expose the
// model list for pre-flight checks.
type ollamaClient struct {
	base httpClient
}

// NewOllama creates a client for Ollama.
func NewOllama(cfg Config) Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &ollamaClient{base: newHTTPClient(cfg)}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (c *ollamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	respBody, err := c.base.doPost(ctx, "/api/embed", ollamaEmbedRequest{
		Model: c.base.cfg.Model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding ollama embed response: %w", err)
	}

	result := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		result[i] = float64sToFloat32s(emb)
	}
	return result, nil
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Thinking string `json:"thinking,omitempty"`
}

func (c *ollamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = c.base.cfg.Model
	}

	body := ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		body.Options["num_predict"] = req.MaxTokens
	}
	if req.JSONMode {
		body.Format = "json"
	}

	respBody, err := c.base.doPost(ctx, "/api/generate", body)
	if err != nil {
		return nil, err
	}

	var resp ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding ollama generate response: %w", err)
	}

	return &GenerateResponse{
		Response:  resp.Response,
		Reasoning: resp.Thinking,
	}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HasModel reports whether the named model is installed on the backend.
// Names are compared with and without a ":latest" suffix.
func (c *ollamaClient) HasModel(ctx context.Context, name string) (bool, error) {
	respBody, err := c.base.doGet(ctx, "/api/tags")
	if err != nil {
		return false, err
	}

	var resp ollamaTagsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return false, fmt.Errorf("decoding ollama tags response: %w", err)
	}

	for _, m := range resp.Models {
		if m.Name == name || m.Name == name+":latest" || name == m.Name+":latest" {
			return true, nil
		}
	}
	return false, nil
}

func float64sToFloat32s(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
