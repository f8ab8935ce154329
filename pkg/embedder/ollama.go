package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Serialize Ollama embedding requests. The llama runner crashes with
// SIGABRT when it receives concurrent embedding requests.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder implements Embedder using a local Ollama server.
type OllamaEmbedder struct {
	client     *http.Client
	baseURL    string
	model      string
	dimension  int
	maxRetries int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an Ollama-backed embedder.
func NewOllamaEmbedder(cfg Config) (*OllamaEmbedder, error) {
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 768
	}

	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &OllamaEmbedder{
		client:     &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
		dimension:  dimension,
		maxRetries: maxRetries,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	reqBody, err := json.Marshal(ollamaEmbedRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
		if reqErr != nil {
			return nil, fmt.Errorf("failed to create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = e.client.Do(req)
		if err == nil {
			break
		}

		slog.Debug("Ollama embedding retry", "attempt", attempt+1, "error", err)
		if attempt < e.maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to send request to Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from Ollama")
	}

	return response.Embedding, nil
}

// EmbedBatch embeds texts one at a time. The Ollama embeddings endpoint
// accepts a single prompt per request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d of %d: %w", i+1, len(texts), err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

func (e *OllamaEmbedder) Model() string {
	return e.model
}

func (e *OllamaEmbedder) Close() error {
	return nil
}

var _ Embedder = (*OllamaEmbedder)(nil)
