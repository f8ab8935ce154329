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

package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/classifier"
)

// stubClassifier replays scripted answers and records queries.
type stubClassifier struct {
	answers [][]string
	errs    []error
	calls   int
	queries []string
}

func (s *stubClassifier) Classify(ctx context.Context, queryText string, candidates []classifier.Candidate) ([]string, error) {
	i := s.calls
	s.calls++
	s.queries = append(s.queries, queryText)

	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.answers) {
		return s.answers[i], nil
	}
	if len(s.answers) > 0 {
		return s.answers[len(s.answers)-1], nil
	}
	return nil, nil
}

func marketCandidates() []capability.Spec {
	return []capability.Spec{
		{ID: "get_price", Name: "Get Price", Description: "Get current stock price"},
		{ID: "get_news", Name: "Get News", Description: "Get company news"},
	}
}

func TestRoute_SelectsClassifiedCapability(t *testing.T) {
	stub := &stubClassifier{answers: [][]string{{"get_price"}}}
	r, err := New(stub)
	require.NoError(t, err)

	result, err := r.Route(context.Background(), Request{
		QueryText:  "What is AAPL's price?",
		Candidates: marketCandidates(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"get_price"}, result.SelectedIDs)
	assert.False(t, result.FallbackUsed)
}

func TestRoute_EmptyCandidates(t *testing.T) {
	r, err := New(&stubClassifier{})
	require.NoError(t, err)

	_, err = r.Route(context.Background(), Request{QueryText: "anything"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrInvalidArgument))
}

func TestRoute_SubsetInvariant(t *testing.T) {
	// The classifier answer mixes valid, hallucinated, and duplicate ids;
	// only valid ones may survive, each at most once.
	stub := &stubClassifier{answers: [][]string{
		{"get_news", "send_rocket", "get_price", "get_news", "delete_db"},
	}}
	r, err := New(stub)
	require.NoError(t, err)

	candidates := marketCandidates()
	result, err := r.Route(context.Background(), Request{
		QueryText:  "latest on AAPL",
		Candidates: candidates,
	})
	require.NoError(t, err)

	known := capability.IDSet(candidates)
	for _, id := range result.SelectedIDs {
		assert.True(t, known[id], "selected id %q not among candidates", id)
	}
	assert.Equal(t, []string{"get_news", "get_price"}, result.SelectedIDs)
}

func TestRoute_CapInvariant(t *testing.T) {
	// Over-selection truncates to the first N returned: earlier answers
	// carry higher confidence.
	stub := &stubClassifier{answers: [][]string{{"get_price", "get_news"}}}
	r, err := New(stub)
	require.NoError(t, err)

	result, err := r.Route(context.Background(), Request{
		QueryText:   "What is AAPL's price?",
		Candidates:  marketCandidates(),
		MaxSelected: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"get_price"}, result.SelectedIDs)
}

func TestRoute_FallbackOnEmpty(t *testing.T) {
	tests := []struct {
		name        string
		answer      []string
		maxSelected int
		wantIDs     []string
	}{
		{
			name:        "no ids at all",
			answer:      nil,
			maxSelected: 5,
			wantIDs:     []string{"get_price", "get_news"},
		},
		{
			name:        "only hallucinated ids",
			answer:      []string{"teleport", "summon"},
			maxSelected: 5,
			wantIDs:     []string{"get_price", "get_news"},
		},
		{
			name:        "fallback respects cap",
			answer:      nil,
			maxSelected: 1,
			wantIDs:     []string{"get_price"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubClassifier{answers: [][]string{tt.answer}}
			r, err := New(stub)
			require.NoError(t, err)

			result, err := r.Route(context.Background(), Request{
				QueryText:   "do something",
				Candidates:  marketCandidates(),
				MaxSelected: tt.maxSelected,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, result.SelectedIDs)
			assert.True(t, result.FallbackUsed)
			assert.NotEmpty(t, result.Rationale)
		})
	}
}

func TestRoute_RetriesOnceThenFails(t *testing.T) {
	transient := errors.New("connection reset")
	stub := &stubClassifier{
		answers: [][]string{nil, {"get_price"}},
		errs:    []error{transient, nil},
	}
	r, err := New(stub)
	require.NoError(t, err)

	result, err := r.Route(context.Background(), Request{
		QueryText:  "What is AAPL's price?",
		Candidates: marketCandidates(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"get_price"}, result.SelectedIDs)
	assert.Equal(t, 2, stub.calls)

	// Two consecutive failures surface as a collaborator error.
	stub = &stubClassifier{errs: []error{transient, transient}}
	r, err = New(stub)
	require.NoError(t, err)

	_, err = r.Route(context.Background(), Request{
		QueryText:  "What is AAPL's price?",
		Candidates: marketCandidates(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrCollaboratorUnavailable))
	assert.Equal(t, 2, stub.calls)
}

func TestRoute_AlreadySelectedNote(t *testing.T) {
	stub := &stubClassifier{answers: [][]string{{"get_news"}}}
	r, err := New(stub)
	require.NoError(t, err)

	_, err = r.Route(context.Background(), Request{
		QueryText:       "need company news too",
		Candidates:      marketCandidates(),
		AlreadySelected: map[string]bool{"get_price": true},
	})
	require.NoError(t, err)

	require.Len(t, stub.queries, 1)
	assert.Contains(t, stub.queries[0], "Already available")
	assert.Contains(t, stub.queries[0], "get_price")
}

func TestSummarize(t *testing.T) {
	spec := capability.Spec{
		ID:          "get_price",
		Name:        "Get Price",
		Description: "Get current stock price",
	}
	assert.Equal(t, "Get Price - Get current stock price", Summarize(spec, 150))

	noDesc := capability.Spec{ID: "x", Name: "X"}
	assert.Equal(t, "X", Summarize(noDesc, 150))

	long := capability.Spec{
		ID:          "y",
		Name:        "Y",
		Description: strings.Repeat("word ", 100),
	}
	summary := Summarize(long, 50)
	assert.LessOrEqual(t, len(summary), len("Y - ")+50)
	assert.False(t, strings.HasSuffix(summary, " "))
}

func TestTruncateAtWord(t *testing.T) {
	tests := []struct {
		name string
		s    string
		max  int
		want string
	}{
		{"shorter than cap", "short text", 50, "short text"},
		{"exactly at cap", "ten chars!", 10, "ten chars!"},
		{"cuts at word boundary", "alpha beta gamma", 12, "alpha beta"},
		{"boundary right at cap", "alpha beta", 5, "alpha"},
		{"single over-long word", "supercalifragilistic", 8, "supercal"},
		{"hard cut lands mid rune", "naïveté", 3, "na"},
		{"hard cut lands on rune boundary", "naïveté", 4, "naï"},
		{"empty", "", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateAtWord(tt.s, tt.max)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), tt.max)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
