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

// Package vector provides pluggable vector storage for similarity search.
//
// The capability registry indexes capability descriptions here and queries
// nearest neighbors at routing time. Providers receive pre-computed
// embeddings; they never call an embedding service themselves.
package vector

import "context"

// Result is a single similarity search hit.
type Result struct {
	// ID of the stored document.
	ID string

	// Score is the similarity score, higher is more similar.
	Score float32

	// Content is the indexed text, if the provider stores it.
	Content string

	// Metadata stored alongside the vector.
	Metadata map[string]any
}

// Provider stores vectors and answers nearest-neighbor queries.
type Provider interface {
	// Upsert adds or replaces a document with its pre-computed vector.
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error

	// Search returns up to topK results ordered by descending similarity.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// SearchWithFilter combines similarity search with metadata equality filtering.
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes a document by ID.
	Delete(ctx context.Context, collection string, id string) error

	// DeleteCollection removes a collection and all its documents.
	DeleteCollection(ctx context.Context, collection string) error

	// Name returns the provider name.
	Name() string

	// Close releases provider resources.
	Close() error
}
