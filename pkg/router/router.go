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

// Package router decides the minimal sufficient capability subset for a
// query.
//
// The router holds no mutable state between calls and is safe for
// concurrent use from independent sessions. Its single suspension point
// is the injected classification collaborator; everything else is pure
// in-memory computation.
//
// Classifier output is never trusted: identifiers are validated against
// the candidate set and unknown ones are dropped silently. When
// validation leaves nothing, the router deliberately over-provisions by
// returning the full candidate set capped at MaxSelected. A missing
// capability can strand a caller with no recourse; extra tools are only
// a cost.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/classifier"
	"github.com/capiroute/capiroute/pkg/observability"
)

const (
	// DefaultMaxSelected caps a selection when the request does not.
	DefaultMaxSelected = 5

	// DefaultTruncationLength caps candidate description summaries.
	DefaultTruncationLength = 150
)

// Request is the input to one routing decision.
type Request struct {
	// QueryText drives the selection.
	QueryText string

	// Candidates is the capability universe for this decision.
	Candidates []capability.Spec

	// MaxSelected bounds the selection size. Zero means DefaultMaxSelected.
	MaxSelected int

	// AlreadySelected holds ids already granted in this session. Used
	// during re-routing so the classifier proposes additions instead of
	// repeating the prior grant.
	AlreadySelected map[string]bool
}

// Result is the output of one routing decision.
type Result struct {
	// SelectedIDs is the chosen subset, in the classifier's confidence
	// order, always a subset of the request candidates and never larger
	// than MaxSelected.
	SelectedIDs []string

	// FallbackUsed reports that the full-catalog fallback produced the
	// selection instead of the classifier.
	FallbackUsed bool

	// Rationale is a free-text explanation for observability only.
	Rationale string
}

// RouterError reports a routing failure.
type RouterError struct {
	Action  string
	Message string
	Err     error
}

func (e *RouterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[router:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[router:%s] %s", e.Action, e.Message)
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// Router selects capability subsets using an injected classifier.
type Router struct {
	classifier       classifier.Classifier
	truncationLength int
}

// Option configures a Router.
type Option func(*Router)

// WithTruncationLength overrides the summary truncation cap.
func WithTruncationLength(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.truncationLength = n
		}
	}
}

// New creates a Router backed by the given classifier.
func New(c classifier.Classifier, opts ...Option) (*Router, error) {
	if c == nil {
		return nil, &RouterError{
			Action:  "new",
			Message: "classifier is required",
			Err:     capability.ErrInvalidArgument,
		}
	}

	r := &Router{
		classifier:       c,
		truncationLength: DefaultTruncationLength,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Route decides the capability subset for the request.
//
// A degraded classifier answer (no valid ids) still yields a result via
// the full-set fallback; only a total classifier failure, after one
// local retry, is surfaced as an error.
func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	if len(req.Candidates) == 0 {
		return Result{}, &RouterError{
			Action:  "route",
			Message: "candidate set is empty",
			Err:     capability.ErrInvalidArgument,
		}
	}

	maxSelected := req.MaxSelected
	if maxSelected <= 0 {
		maxSelected = DefaultMaxSelected
	}

	tracer := observability.GetTracer("capiroute.router")
	ctx, span := tracer.Start(ctx, observability.SpanRoute,
		trace.WithAttributes(
			attribute.Int(observability.AttrQueryLength, len(req.QueryText)),
			attribute.Int(observability.AttrCandidateCount, len(req.Candidates)),
			attribute.Int(observability.AttrMaxSelected, maxSelected),
		),
	)
	defer span.End()

	candidates := make([]classifier.Candidate, len(req.Candidates))
	for i, spec := range req.Candidates {
		candidates[i] = classifier.Candidate{
			ID:      spec.ID,
			Summary: Summarize(spec, r.truncationLength),
		}
	}

	queryText := req.QueryText
	if len(req.AlreadySelected) > 0 {
		queryText = queryText + "\n\nAlready available (do not repeat unless still required): " +
			strings.Join(sortedIDs(req.AlreadySelected), ", ")
	}

	returned, err := r.classify(ctx, queryText, candidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier failed")
		return Result{}, &RouterError{
			Action:  "route",
			Message: "classification collaborator failed",
			Err:     err,
		}
	}

	known := capability.IDSet(req.Candidates)
	selected := make([]string, 0, len(returned))
	seen := make(map[string]bool, len(returned))
	for _, id := range returned {
		// Hallucination defense: ids outside the candidate set are
		// dropped without error.
		if !known[id] || seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, id)
		if len(selected) == maxSelected {
			// Earlier-returned selections are higher confidence; keep
			// the first N.
			break
		}
	}

	result := Result{SelectedIDs: selected}
	if len(selected) == 0 {
		result = r.fallback(req.Candidates, maxSelected)
		span.SetAttributes(attribute.Bool(observability.AttrFallbackUsed, true))
	}

	span.SetAttributes(attribute.Int(observability.AttrSelectedCount, len(result.SelectedIDs)))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// classify calls the collaborator, retrying once on a transient failure.
func (r *Router) classify(ctx context.Context, queryText string, candidates []classifier.Candidate) ([]string, error) {
	returned, err := r.classifier.Classify(ctx, queryText, candidates)
	if err == nil {
		return returned, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrCollaboratorTimeout, err)
	}

	returned, retryErr := r.classifier.Classify(ctx, queryText, candidates)
	if retryErr == nil {
		return returned, nil
	}
	if errors.Is(retryErr, capability.ErrCollaboratorTimeout) ||
		errors.Is(retryErr, capability.ErrCollaboratorUnavailable) {
		return nil, retryErr
	}
	return nil, fmt.Errorf("%w: %v", capability.ErrCollaboratorUnavailable, retryErr)
}

// fallback returns the full candidate set capped at maxSelected. This is
// an explicit policy, not a degenerate case: under-provisioning is worse
// than over-provisioning.
func (r *Router) fallback(candidates []capability.Spec, maxSelected int) Result {
	n := len(candidates)
	if n > maxSelected {
		n = maxSelected
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = candidates[i].ID
	}
	return Result{
		SelectedIDs:  ids,
		FallbackUsed: true,
		Rationale:    "classifier returned no valid capability ids; provisioned full candidate set capped at limit",
	}
}

// Summarize builds the compact candidate summary: name plus the
// description truncated at a word boundary.
func Summarize(spec capability.Spec, truncationLength int) string {
	if truncationLength <= 0 {
		truncationLength = DefaultTruncationLength
	}
	desc := TruncateAtWord(spec.Description, truncationLength)
	if desc == "" {
		return spec.Name
	}
	return spec.Name + " - " + desc
}

// TruncateAtWord caps s at max characters without splitting a word:
// the cut happens at the last whitespace boundary before the cap. A
// single over-long word is hard-cut at the cap.
func TruncateAtWord(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := strings.LastIndexFunc(s[:max+1], func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n'
	})
	if cut <= 0 {
		// Back up to a rune boundary so the hard cut never emits a
		// partial multi-byte rune.
		end := max
		for end > 0 && !utf8.RuneStart(s[end]) {
			end--
		}
		return s[:end]
	}
	return strings.TrimRight(s[:cut], " \t\n")
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	// Deterministic prompt text for deterministic routing.
	sort.Strings(ids)
	return ids
}
