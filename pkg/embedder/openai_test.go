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

package embedder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIEmbedder_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(Config{})
	require.Error(t, err)
}

func TestNewOpenAIEmbedder_Defaults(t *testing.T) {
	emb, err := NewOpenAIEmbedder(Config{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", emb.Model())
	assert.Equal(t, 1536, emb.Dimension())
}

func TestOpenAIEmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		// Out of index order on purpose; the client must reorder.
		w.Write([]byte(`{"data":[{"embedding":[0.4,0.5],"index":1},{"embedding":[0.1,0.2],"index":0}]}`))
	}))
	defer server.Close()

	emb, err := NewOpenAIEmbedder(Config{APIKey: "test-key", Host: server.URL})
	require.NoError(t, err)

	vectors, err := emb.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.4, 0.5}, vectors[1])
}

func TestOpenAIEmbedBatch_RequestRejected(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid input"}}`))
	}))
	defer server.Close()

	emb, err := NewOpenAIEmbedder(Config{APIKey: "test-key", Host: server.URL})
	require.NoError(t, err)

	_, err = emb.EmbedBatch(context.Background(), []string{"alpha"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding request failed")
	// Client errors never retry.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIEmbedBatch_EmptyInput(t *testing.T) {
	emb, err := NewOpenAIEmbedder(Config{APIKey: "test-key"})
	require.NoError(t, err)

	vectors, err := emb.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}
