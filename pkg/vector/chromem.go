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

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemProvider implements Provider using chromem-go for embedded vector
// storage. This is the default for zero-config deployments: pure Go, no
// external services, cosine similarity, optional gzip-compressed file
// persistence. Single-process and memory-bound; use Qdrant for catalogs
// that outgrow it.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	compress    bool
	mu          sync.RWMutex

	// collections caches collection references
	collections map[string]*chromem.Collection

	embeddingFunc chromem.EmbeddingFunc
}

// ChromemConfig configures the chromem provider.
type ChromemConfig struct {
	// PersistPath for file persistence (optional).
	// If empty, vectors are stored in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for persistence.
	Compress bool `yaml:"compress,omitempty"`
}

// NewChromemProvider creates a new chromem-based vector provider.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB
	var err error

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := chromemDBPath(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			db, err = chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector database from file", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors are pre-computed by the embedder package; chromem must never
	// fall back to its own embedding path.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
	}

	return &ChromemProvider{
		db:            db,
		persistPath:   cfg.PersistPath,
		compress:      cfg.Compress,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

func chromemDBPath(persistPath string, compress bool) string {
	dbPath := filepath.Join(persistPath, "vectors.gob")
	if compress {
		dbPath += ".gz"
	}
	return dbPath
}

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, p.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}

	p.collections[name] = col
	return col, nil
}

// Upsert adds or replaces a document with its pre-computed vector.
func (p *ChromemProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	// chromem requires string metadata
	strMetadata := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMetadata[k] = fmt.Sprint(v)
	}

	content := ""
	if c, ok := metadata["content"].(string); ok {
		content = c
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  strMetadata,
		Embedding: vector,
	}

	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}

	return nil
}

// Search finds the most similar vectors in a collection.
func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

// SearchWithFilter combines vector similarity with metadata filtering.
func (p *ChromemProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem errors when topK exceeds the collection size
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	var whereFilter map[string]string
	if len(filter) > 0 {
		whereFilter = make(map[string]string, len(filter))
		for k, v := range filter {
			whereFilter[k] = fmt.Sprint(v)
		}
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, whereFilter, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}

		out = append(out, Result{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Metadata: metadata,
		})
	}

	return out, nil
}

// Delete removes a document from a collection by ID.
func (p *ChromemProvider) Delete(ctx context.Context, collection string, id string) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}

	return nil
}

// DeleteCollection removes a collection and all its documents.
func (p *ChromemProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	delete(p.collections, collection)

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after collection delete", "error", err)
	}

	return nil
}

// Name returns the provider name.
func (p *ChromemProvider) Name() string {
	return "chromem"
}

// Close persists the database and releases resources.
func (p *ChromemProvider) Close() error {
	return p.persist()
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}

	dbPath := chromemDBPath(p.persistPath, p.compress)

	//nolint:staticcheck // Using deprecated function for compatibility
	if err := p.db.Export(dbPath, p.compress, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}

	return nil
}

var _ Provider = (*ChromemProvider)(nil)
