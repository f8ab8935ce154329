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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Routing.MaxSelected)
	assert.Equal(t, 3, cfg.Routing.MaxRounds)
	assert.Equal(t, 50, cfg.Routing.RegistrySearchThreshold)
	assert.Equal(t, 150, cfg.Routing.TruncationLength)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "simple", cfg.Logging.Format)
	assert.Equal(t, 1.0, cfg.Observability.SampleRate)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
routing:
  max_selected: 2
  max_rounds: 1
  registry_search_threshold: 10
  truncation_length: 80
logging:
  level: debug
  format: verbose
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Routing.MaxSelected)
	assert.Equal(t, 1, cfg.Routing.MaxRounds)
	assert.Equal(t, 10, cfg.Routing.RegistrySearchThreshold)
	assert.Equal(t, 80, cfg.Routing.TruncationLength)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("CAPIROUTE_TEST_MODEL", "gpt-4o")

	cfg, err := Parse([]byte(`
classifier:
  model: ${CAPIROUTE_TEST_MODEL}
  api_key: ${CAPIROUTE_TEST_MISSING:-fallback-key}
`))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Classifier.Model)
	assert.Equal(t, "fallback-key", cfg.Classifier.APIKey)
}

func TestParse_EmbedderRequiresVectorStore(t *testing.T) {
	_, err := Parse([]byte(`
embedder:
  type: ollama
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector_store")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("routing: [not: a map"))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capabilities:
  - id: get_price
    name: Get Price
    description: Get current stock price
    example_queries:
      - "What is AAPL trading at?"
    tags: [market]
  - id: get_news
    name: Get News
    origin: market-server
`), 0644))

	specs, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "get_price", specs[0].ID)
	assert.Equal(t, []string{"What is AAPL trading at?"}, specs[0].ExampleQueries)
	assert.Equal(t, "market-server", specs[1].Origin)
}

func TestLoadCatalog_RejectsInvalidEntries(t *testing.T) {
	dir := t.TempDir()

	noName := filepath.Join(dir, "no_name.yaml")
	require.NoError(t, os.WriteFile(noName, []byte(`
capabilities:
  - id: get_price
`), 0644))
	_, err := LoadCatalog(noName)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte(`
capabilities:
  - id: get_price
    name: Get Price
  - id: get_price
    name: Get Price Again
`), 0644))
	_, err = LoadCatalog(dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("CAPIROUTE_TEST_VAR", "value")

	tests := []struct {
		in   string
		want string
	}{
		{"${CAPIROUTE_TEST_VAR}", "value"},
		{"$CAPIROUTE_TEST_VAR", "value"},
		{"${CAPIROUTE_TEST_UNSET:-default}", "default"},
		{"${CAPIROUTE_TEST_VAR:-default}", "value"},
		{"no variables here", "no variables here"},
		{"prefix-${CAPIROUTE_TEST_VAR}-suffix", "prefix-value-suffix"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvString(tt.in), "input %q", tt.in)
	}
}
