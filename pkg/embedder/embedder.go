// Copyright 2026 Capiroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package embedder provides text embedding services for semantic search.
//
// Embeddings back the capability registry's similarity search. Different
// providers (OpenAI, Ollama) implement this interface.
package embedder

import (
	"context"
	"fmt"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// Embed converts text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts to vector embeddings.
	// More efficient than calling Embed multiple times.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// Config configures an embedder provider.
type Config struct {
	// Type selects the provider: "openai" or "ollama".
	Type string `yaml:"type"`

	// Model is the embedding model name. Defaults per provider.
	Model string `yaml:"model,omitempty"`

	// Host overrides the provider base URL.
	Host string `yaml:"host,omitempty"`

	// APIKey for authenticated providers.
	APIKey string `yaml:"api_key,omitempty"`

	// Dimension of the produced vectors. Defaults per model.
	Dimension int `yaml:"dimension,omitempty"`

	// TimeoutSeconds for provider requests (default 30).
	TimeoutSeconds int `yaml:"timeout,omitempty"`

	// MaxRetries for provider requests (default 3).
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// New creates an embedder from configuration.
func New(cfg Config) (Embedder, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	case "":
		return nil, fmt.Errorf("embedder type is required")
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}
}
