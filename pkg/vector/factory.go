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

package vector

import "fmt"

// ProviderType identifies a vector provider implementation.
type ProviderType string

const (
	// ProviderChromem uses chromem-go for embedded vector storage.
	// Zero-config, no external dependencies.
	ProviderChromem ProviderType = "chromem"

	// ProviderQdrant uses the Qdrant vector database.
	ProviderQdrant ProviderType = "qdrant"
)

// ProviderConfig is the configuration for creating vector providers.
type ProviderConfig struct {
	// Type identifies which provider to create.
	Type ProviderType `yaml:"type"`

	// Chromem configuration (used when Type == "chromem").
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`

	// Qdrant configuration (used when Type == "qdrant").
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// SetDefaults applies default values.
func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ProviderChromem
	}
	if c.Type == ProviderChromem && c.Chromem == nil {
		c.Chromem = &ChromemConfig{}
	}
}

// Validate checks the configuration.
func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case ProviderChromem:
		return nil
	case ProviderQdrant:
		if c.Qdrant == nil {
			return fmt.Errorf("qdrant configuration is required")
		}
		if c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host is required")
		}
		return nil
	case "":
		return fmt.Errorf("provider type is required")
	default:
		return fmt.Errorf("unknown provider type: %q", c.Type)
	}
}

// NewProvider creates a vector provider from configuration.
func NewProvider(cfg *ProviderConfig) (Provider, error) {
	if cfg == nil {
		cfg = &ProviderConfig{}
	}
	cfg.SetDefaults()

	switch cfg.Type {
	case ProviderChromem:
		chromemCfg := ChromemConfig{}
		if cfg.Chromem != nil {
			chromemCfg = *cfg.Chromem
		}
		return NewChromemProvider(chromemCfg)

	case ProviderQdrant:
		if cfg.Qdrant == nil {
			return nil, fmt.Errorf("qdrant configuration is required")
		}
		return NewQdrantProvider(*cfg.Qdrant)

	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}
