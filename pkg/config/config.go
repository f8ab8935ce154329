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

// Package config loads and validates the routing configuration.
//
// Configuration is YAML with `${VAR}` / `${VAR:-default}` environment
// expansion applied before decoding. The pipeline is load, expand,
// decode, apply defaults, validate.
package config

import (
	"fmt"

	"github.com/capiroute/capiroute/pkg/classifier"
	"github.com/capiroute/capiroute/pkg/embedder"
	"github.com/capiroute/capiroute/pkg/feedback"
	"github.com/capiroute/capiroute/pkg/router"
	"github.com/capiroute/capiroute/pkg/vector"
)

// Config is the full configuration surface.
type Config struct {
	// Routing holds the core routing policy knobs.
	Routing RoutingConfig `yaml:"routing,omitempty"`

	// Classifier configures the text-classification collaborator.
	Classifier classifier.OpenAIConfig `yaml:"classifier,omitempty"`

	// Embedder configures the embedding collaborator for semantic search.
	// Optional; without it the registry serves exact retrieval only.
	Embedder *embedder.Config `yaml:"embedder,omitempty"`

	// VectorStore configures where capability embeddings live.
	VectorStore *vector.ProviderConfig `yaml:"vector_store,omitempty"`

	// CatalogPath points at a YAML capability catalog to preload.
	CatalogPath string `yaml:"catalog,omitempty"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Observability configures tracing.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// RoutingConfig holds the policy caps recognized by the core.
type RoutingConfig struct {
	// MaxSelected caps capabilities returned per routing decision.
	MaxSelected int `yaml:"max_selected,omitempty"`

	// MaxRounds caps re-routing attempts per session.
	MaxRounds int `yaml:"max_rounds,omitempty"`

	// RegistrySearchThreshold is the catalog size above which semantic
	// narrowing is applied before routing.
	RegistrySearchThreshold int `yaml:"registry_search_threshold,omitempty"`

	// TruncationLength caps description length in routing summaries.
	TruncationLength int `yaml:"truncation_length,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "simple" or "verbose".
	Format string `yaml:"format,omitempty"`
}

// ObservabilityConfig configures tracing export.
type ObservabilityConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name,omitempty"`

	// SampleRate is the trace sampling ratio in [0, 1].
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// SetDefaults fills unset fields with the documented defaults.
func (c *Config) SetDefaults() {
	c.Routing.SetDefaults()

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	if c.Observability.SampleRate == 0 {
		c.Observability.SampleRate = 1.0
	}

	if c.VectorStore != nil {
		c.VectorStore.SetDefaults()
	}
}

// SetDefaults fills unset routing caps.
func (r *RoutingConfig) SetDefaults() {
	if r.MaxSelected == 0 {
		r.MaxSelected = router.DefaultMaxSelected
	}
	if r.MaxRounds == 0 {
		r.MaxRounds = feedback.DefaultMaxRounds
	}
	if r.RegistrySearchThreshold == 0 {
		r.RegistrySearchThreshold = feedback.DefaultSearchThreshold
	}
	if r.TruncationLength == 0 {
		r.TruncationLength = router.DefaultTruncationLength
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Routing.MaxSelected < 0 {
		return fmt.Errorf("routing.max_selected must be positive")
	}
	if c.Routing.MaxRounds < 0 {
		return fmt.Errorf("routing.max_rounds must be positive")
	}
	if c.Embedder != nil && c.VectorStore == nil {
		return fmt.Errorf("embedder configured without vector_store")
	}
	if c.VectorStore != nil {
		if err := c.VectorStore.Validate(); err != nil {
			return fmt.Errorf("vector_store: %w", err)
		}
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be in [0, 1]")
	}
	return nil
}
