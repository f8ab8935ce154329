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

// Package registry stores capability specs and answers exact and semantic
// lookups over them.
//
// Register, Unregister and ListAll are pure in-memory operations and never
// touch the network. Search is the only operation that calls the injected
// embedding and vector-store collaborators; it maintains the semantic
// index lazily, so a catalog that is never searched is never embedded.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/embedder"
	"github.com/capiroute/capiroute/pkg/observability"
	"github.com/capiroute/capiroute/pkg/vector"
)

const (
	// capabilityCollection is the vector store collection holding the
	// capability index.
	capabilityCollection = "capiroute_capabilities"

	// embedBatchSize bounds one embedding request during reindexing.
	embedBatchSize = 64

	// embedConcurrency bounds parallel embedding requests during reindexing.
	embedConcurrency = 4
)

// CapabilityRegistryError reports a registry operation failure.
type CapabilityRegistryError struct {
	Action  string
	Message string
	Err     error
}

func (e *CapabilityRegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[registry:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[registry:%s] %s", e.Action, e.Message)
}

func (e *CapabilityRegistryError) Unwrap() error {
	return e.Err
}

// CapabilityRegistry stores capability specs with atomic replace-by-id
// semantics and semantic search over description + example queries.
//
// The embedder and vector provider are optional; without them Search
// reports capability.ErrSearchUnavailable and callers fall back to the
// unfiltered catalog.
type CapabilityRegistry struct {
	*BaseRegistry[capability.Spec]

	embedder embedder.Embedder
	provider vector.Provider

	// indexMu serializes index maintenance; seq preserves registration
	// order for the tie-break, dirty marks the index stale.
	indexMu sync.Mutex
	seqMu   sync.Mutex
	seq     map[string]int
	nextSeq int
	dirty   bool
}

// CapabilityRegistryOption configures a CapabilityRegistry.
type CapabilityRegistryOption func(*CapabilityRegistry)

// WithSearch injects the similarity collaborators enabling Search.
func WithSearch(emb embedder.Embedder, provider vector.Provider) CapabilityRegistryOption {
	return func(r *CapabilityRegistry) {
		r.embedder = emb
		r.provider = provider
	}
}

// NewCapabilityRegistry creates an empty capability registry.
func NewCapabilityRegistry(opts ...CapabilityRegistryOption) *CapabilityRegistry {
	r := &CapabilityRegistry{
		BaseRegistry: NewBaseRegistry[capability.Spec](),
		seq:          make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterSpec inserts or replaces a spec by id. Replacement is total, no
// partial merge, and appears atomic to concurrent readers.
func (r *CapabilityRegistry) RegisterSpec(spec capability.Spec) error {
	if err := spec.Validate(); err != nil {
		return &CapabilityRegistryError{
			Action:  "register",
			Message: "rejecting capability spec",
			Err:     err,
		}
	}

	r.seqMu.Lock()
	if _, seen := r.seq[spec.ID]; !seen {
		r.seq[spec.ID] = r.nextSeq
		r.nextSeq++
	}
	r.dirty = true
	r.seqMu.Unlock()

	return r.Register(spec.ID, spec)
}

// Unregister removes a spec if present. Absent ids are a no-op.
func (r *CapabilityRegistry) Unregister(id string) {
	r.Remove(id)

	r.seqMu.Lock()
	r.dirty = true
	r.seqMu.Unlock()
}

// ListAll returns all registered specs in registration order.
func (r *CapabilityRegistry) ListAll() []capability.Spec {
	return r.List()
}

// Search returns up to topK specs ranked by similarity between the query
// and each spec's description + example queries. Ties break toward the
// earlier-registered spec. An empty registry yields an empty result.
//
// Any collaborator failure is reported as capability.ErrSearchUnavailable;
// the caller is expected to route against the full catalog instead.
func (r *CapabilityRegistry) Search(ctx context.Context, queryText string, topK int) ([]capability.Spec, error) {
	if topK <= 0 {
		return nil, &CapabilityRegistryError{
			Action:  "search",
			Message: fmt.Sprintf("topK must be positive, got %d", topK),
			Err:     capability.ErrInvalidArgument,
		}
	}

	specs := r.List()
	if len(specs) == 0 {
		return nil, nil
	}

	tracer := observability.GetTracer("capiroute.registry")
	ctx, span := tracer.Start(ctx, observability.SpanRegistrySearch,
		trace.WithAttributes(
			attribute.Int(observability.AttrTopK, topK),
			attribute.Int(observability.AttrCatalogSize, len(specs)),
		),
	)
	defer span.End()

	if r.embedder == nil || r.provider == nil {
		err := &CapabilityRegistryError{
			Action:  "search",
			Message: "no similarity collaborators configured",
			Err:     capability.ErrSearchUnavailable,
		}
		span.SetStatus(codes.Error, "search unavailable")
		return nil, err
	}

	if err := r.ensureIndexed(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index maintenance failed")
		return nil, &CapabilityRegistryError{
			Action:  "search",
			Message: "failed to index capability catalog",
			Err:     fmt.Errorf("%w: %v", capability.ErrSearchUnavailable, err),
		}
	}

	queryVec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query embedding failed")
		return nil, &CapabilityRegistryError{
			Action:  "search",
			Message: "failed to embed query",
			Err:     fmt.Errorf("%w: %v", capability.ErrSearchUnavailable, err),
		}
	}

	hits, err := r.provider.Search(ctx, capabilityCollection, queryVec, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector search failed")
		return nil, &CapabilityRegistryError{
			Action:  "search",
			Message: "vector search failed",
			Err:     fmt.Errorf("%w: %v", capability.ErrSearchUnavailable, err),
		}
	}

	ranked := r.rank(hits)
	span.SetAttributes(attribute.Int(observability.AttrSelectedCount, len(ranked)))
	span.SetStatus(codes.Ok, "")
	return ranked, nil
}

// rank resolves hits back to registered specs, dropping stale index
// entries, and breaks equal-score ties by registration order.
func (r *CapabilityRegistry) rank(hits []vector.Result) []capability.Spec {
	type scored struct {
		spec  capability.Spec
		score float32
		seq   int
	}

	r.seqMu.Lock()
	seqSnapshot := make(map[string]int, len(r.seq))
	for id, s := range r.seq {
		seqSnapshot[id] = s
	}
	r.seqMu.Unlock()

	ranked := make([]scored, 0, len(hits))
	for _, hit := range hits {
		spec, ok := r.Get(hit.ID)
		if !ok {
			// Index entries can outlive an unregistered spec until the
			// next reindex; never surface them.
			continue
		}
		ranked = append(ranked, scored{
			spec:  spec,
			score: hit.Score,
			seq:   seqSnapshot[hit.ID],
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].seq < ranked[j].seq
	})

	out := make([]capability.Spec, len(ranked))
	for i, s := range ranked {
		out[i] = s.spec
	}
	return out
}

// ensureIndexed rebuilds the vector index when the catalog changed since
// the last search. Embedding runs in bounded-concurrency batches.
func (r *CapabilityRegistry) ensureIndexed(ctx context.Context) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	// Clear the flag before snapshotting the catalog: a registration
	// that lands after this point re-marks the index stale and the next
	// search rebuilds it, instead of being silently dropped.
	r.seqMu.Lock()
	dirty := r.dirty
	r.dirty = false
	r.seqMu.Unlock()

	if !dirty {
		return nil
	}

	specs := r.List()

	if err := r.provider.DeleteCollection(ctx, capabilityCollection); err != nil {
		// A missing collection on first index is expected.
		slog.Debug("Could not drop capability index before rebuild", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for start := 0; start < len(specs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(specs) {
			end = len(specs)
		}
		batch := specs[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, spec := range batch {
				texts[i] = spec.IndexText()
			}

			vectors, err := r.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("failed to embed capability batch: %w", err)
			}

			for i, spec := range batch {
				metadata := map[string]any{
					"name":    spec.Name,
					"content": texts[i],
				}
				if spec.Origin != "" {
					metadata["origin"] = spec.Origin
				}
				if err := r.provider.Upsert(gctx, capabilityCollection, spec.ID, vectors[i], metadata); err != nil {
					return fmt.Errorf("failed to index capability %s: %w", spec.ID, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Incomplete rebuild: force another one on the next search.
		r.seqMu.Lock()
		r.dirty = true
		r.seqMu.Unlock()
		return err
	}

	slog.Debug("Rebuilt capability index", "capabilities", len(specs))
	return nil
}
