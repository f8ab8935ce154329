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

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/vector"
)

// stubEmbedder returns a constant vector for every text.
type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0, 0}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }
func (s *stubEmbedder) Model() string  { return "stub" }
func (s *stubEmbedder) Close() error   { return nil }

// stubProvider records upserts and replays scripted hits.
type stubProvider struct {
	hits      []vector.Result
	searchErr error
	upserted  []string
}

func (s *stubProvider) Upsert(ctx context.Context, collection, id string, vec []float32, metadata map[string]any) error {
	s.upserted = append(s.upserted, id)
	return nil
}

func (s *stubProvider) Search(ctx context.Context, collection string, vec []float32, topK int) ([]vector.Result, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if len(s.hits) > topK {
		return s.hits[:topK], nil
	}
	return s.hits, nil
}

func (s *stubProvider) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]vector.Result, error) {
	return s.Search(ctx, collection, vec, topK)
}

func (s *stubProvider) Delete(ctx context.Context, collection, id string) error { return nil }
func (s *stubProvider) DeleteCollection(ctx context.Context, collection string) error {
	return nil
}
func (s *stubProvider) Name() string { return "stub" }
func (s *stubProvider) Close() error { return nil }

func marketSpecs() []capability.Spec {
	return []capability.Spec{
		{ID: "get_price", Name: "Get Price", Description: "Get current stock price"},
		{ID: "get_news", Name: "Get News", Description: "Get company news"},
		{ID: "get_technicals", Name: "Get Technicals", Description: "Get technical indicators"},
	}
}

func TestRegisterSpec(t *testing.T) {
	reg := NewCapabilityRegistry()

	require.NoError(t, reg.RegisterSpec(capability.Spec{ID: "get_price", Name: "Get Price"}))

	err := reg.RegisterSpec(capability.Spec{ID: "", Name: "nameless"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrInvalidSpec))

	err = reg.RegisterSpec(capability.Spec{ID: "no_name"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrInvalidSpec))
}

func TestRegisterSpec_ReplaceKeepsOrder(t *testing.T) {
	reg := NewCapabilityRegistry()
	for _, spec := range marketSpecs() {
		require.NoError(t, reg.RegisterSpec(spec))
	}

	// Replacement is total: the new spec fully supersedes the old one and
	// keeps its position in the catalog.
	require.NoError(t, reg.RegisterSpec(capability.Spec{
		ID:   "get_price",
		Name: "Get Quote",
	}))

	all := reg.ListAll()
	require.Len(t, all, 3)
	assert.Equal(t, "get_price", all[0].ID)
	assert.Equal(t, "Get Quote", all[0].Name)
	assert.Empty(t, all[0].Description, "replace must not merge fields")
	assert.Equal(t, "get_news", all[1].ID)
	assert.Equal(t, "get_technicals", all[2].ID)
}

func TestUnregister(t *testing.T) {
	reg := NewCapabilityRegistry()
	for _, spec := range marketSpecs() {
		require.NoError(t, reg.RegisterSpec(spec))
	}

	reg.Unregister("get_news")
	assert.Len(t, reg.ListAll(), 2)

	// Absent id is a no-op, not an error.
	reg.Unregister("get_news")
	reg.Unregister("never_existed")
	assert.Len(t, reg.ListAll(), 2)
}

func TestSearch_InvalidTopK(t *testing.T) {
	reg := NewCapabilityRegistry()
	require.NoError(t, reg.RegisterSpec(capability.Spec{ID: "a", Name: "A"}))

	for _, topK := range []int{0, -1} {
		_, err := reg.Search(context.Background(), "query", topK)
		require.Error(t, err)
		assert.True(t, errors.Is(err, capability.ErrInvalidArgument))
	}
}

func TestSearch_EmptyRegistry(t *testing.T) {
	reg := NewCapabilityRegistry()

	got, err := reg.Search(context.Background(), "query", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearch_NoCollaborators(t *testing.T) {
	reg := NewCapabilityRegistry()
	require.NoError(t, reg.RegisterSpec(capability.Spec{ID: "a", Name: "A"}))

	_, err := reg.Search(context.Background(), "query", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrSearchUnavailable))
}

func TestSearch_CollaboratorFailure(t *testing.T) {
	provider := &stubProvider{searchErr: errors.New("connection refused")}
	reg := NewCapabilityRegistry(WithSearch(&stubEmbedder{}, provider))
	for _, spec := range marketSpecs() {
		require.NoError(t, reg.RegisterSpec(spec))
	}

	_, err := reg.Search(context.Background(), "query", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrSearchUnavailable))
}

func TestSearch_RankingAndTieBreak(t *testing.T) {
	provider := &stubProvider{
		hits: []vector.Result{
			{ID: "get_news", Score: 0.5},
			{ID: "get_technicals", Score: 0.5},
			{ID: "get_price", Score: 0.9},
		},
	}
	reg := NewCapabilityRegistry(WithSearch(&stubEmbedder{}, provider))
	for _, spec := range marketSpecs() {
		require.NoError(t, reg.RegisterSpec(spec))
	}

	got, err := reg.Search(context.Background(), "price of AAPL", 5)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Highest score first; the 0.5 tie breaks toward the earlier
	// registration (get_news before get_technicals).
	assert.Equal(t, "get_price", got[0].ID)
	assert.Equal(t, "get_news", got[1].ID)
	assert.Equal(t, "get_technicals", got[2].ID)
}

func TestSearch_DropsStaleHits(t *testing.T) {
	provider := &stubProvider{
		hits: []vector.Result{
			{ID: "get_price", Score: 0.9},
			{ID: "removed_tool", Score: 0.8},
		},
	}
	reg := NewCapabilityRegistry(WithSearch(&stubEmbedder{}, provider))
	require.NoError(t, reg.RegisterSpec(capability.Spec{ID: "get_price", Name: "Get Price"}))

	got, err := reg.Search(context.Background(), "query", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "get_price", got[0].ID)
}

func TestSearch_IndexesLazily(t *testing.T) {
	provider := &stubProvider{hits: []vector.Result{{ID: "get_price", Score: 0.9}}}
	reg := NewCapabilityRegistry(WithSearch(&stubEmbedder{}, provider))
	for _, spec := range marketSpecs() {
		require.NoError(t, reg.RegisterSpec(spec))
	}

	// Registration alone never touches the collaborators.
	assert.Empty(t, provider.upserted)

	_, err := reg.Search(context.Background(), "query", 5)
	require.NoError(t, err)
	assert.Len(t, provider.upserted, 3)

	// A clean index is not rebuilt on the next search.
	_, err = reg.Search(context.Background(), "query", 5)
	require.NoError(t, err)
	assert.Len(t, provider.upserted, 3)

	// Mutating the catalog marks the index stale.
	require.NoError(t, reg.RegisterSpec(capability.Spec{ID: "get_filings", Name: "Get Filings"}))
	_, err = reg.Search(context.Background(), "query", 5)
	require.NoError(t, err)
	assert.Len(t, provider.upserted, 7)
}

// hookEmbedder runs a callback once, at the start of the first
// EmbedBatch, to interleave catalog mutations with a rebuild.
type hookEmbedder struct {
	stubEmbedder
	once    sync.Once
	onBatch func()
}

func (h *hookEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if h.onBatch != nil {
		h.once.Do(h.onBatch)
	}
	return h.stubEmbedder.EmbedBatch(ctx, texts)
}

func TestSearch_RegistrationDuringRebuildIsNotLost(t *testing.T) {
	provider := &stubProvider{}
	emb := &hookEmbedder{}
	reg := NewCapabilityRegistry(WithSearch(emb, provider))
	require.NoError(t, reg.RegisterSpec(capability.Spec{ID: "get_price", Name: "Get Price"}))

	// Lands after the rebuild snapshots the catalog but before it
	// finishes: the rebuild cannot include it.
	emb.onBatch = func() {
		require.NoError(t, reg.RegisterSpec(capability.Spec{ID: "get_news", Name: "Get News"}))
	}

	_, err := reg.Search(context.Background(), "price", 5)
	require.NoError(t, err)
	assert.NotContains(t, provider.upserted, "get_news")

	// The mid-rebuild registration left the index stale, so the next
	// search rebuilds it with the full catalog.
	_, err = reg.Search(context.Background(), "news", 5)
	require.NoError(t, err)
	assert.Contains(t, provider.upserted, "get_news")
}
