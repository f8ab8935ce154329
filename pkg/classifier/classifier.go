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

// Package classifier defines the text-classification collaborator the
// router selects capabilities with.
//
// Classifier output is untrusted: implementations return whatever
// identifier strings the underlying model produced, and the router
// validates them against the candidate set before use.
package classifier

import (
	"context"
	"encoding/json"
	"strings"
)

// Candidate is one capability offered for selection, reduced to the
// compact summary shown to the classifier.
type Candidate struct {
	// ID is the identifier the classifier should return when selecting
	// this candidate.
	ID string

	// Summary is the compact description shown to the classifier.
	Summary string
}

// Classifier selects capability identifiers for a query.
type Classifier interface {
	// Classify returns the identifiers of the candidates judged
	// necessary for the query, ordered by decreasing confidence.
	// The returned identifiers are untrusted and must be validated by
	// the caller.
	Classify(ctx context.Context, queryText string, candidates []Candidate) ([]string, error)
}

// ParseIDs extracts identifier strings from raw model output. It accepts
// a JSON array of strings, or falls back to splitting on commas and
// newlines with quote/bullet trimming. Unparseable output yields an
// empty slice, never an error; an empty selection is a meaningful
// classifier answer that the router handles with its fallback policy.
func ParseIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	// Models often wrap JSON in a code fence.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed []string
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return cleanIDs(parsed)
	}

	// Loose format: one id per line, or comma separated.
	var ids []string
	for _, line := range strings.Split(raw, "\n") {
		for _, field := range strings.Split(line, ",") {
			ids = append(ids, field)
		}
	}
	return cleanIDs(ids)
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		id = strings.TrimLeft(id, "-*• \t")
		id = strings.Trim(id, `"'`)
		id = strings.TrimSpace(id)
		if id == "" || id == "none" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
