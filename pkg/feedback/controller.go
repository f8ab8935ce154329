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

package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/observability"
	"github.com/capiroute/capiroute/pkg/router"
)

// DefaultSearchThreshold is the catalog size above which the initial
// candidate set is narrowed with semantic search instead of passing the
// full catalog to the router.
const DefaultSearchThreshold = 50

// Catalog is the registry surface the controller needs.
type Catalog interface {
	ListAll() []capability.Spec
	Search(ctx context.Context, queryText string, topK int) ([]capability.Spec, error)
}

// ExecutionRequest hands a granted capability set to the executor.
type ExecutionRequest struct {
	// Query is the original top-level request.
	Query string

	// CapabilityIDs are all ids granted so far, in grant order.
	CapabilityIDs []string

	// CheckpointToken tells the executor where to resume. Empty on the
	// first attempt.
	CheckpointToken string
}

// ExecutionReport is the executor's outcome for one attempt.
type ExecutionReport struct {
	// Satisfied is true when the attempt completed without a missing
	// capability.
	Satisfied bool

	// Missing carries the structured feedback when Satisfied is false.
	Missing *Signal
}

// Executor is the external collaborator that runs the agent with a
// granted capability set. The controller never inspects what it does
// internally.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionReport, error)
}

// Outcome summarizes a finished session.
type Outcome struct {
	SessionID      string
	State          State
	Rounds         int
	GrantedIDs     []string
	CompletedSteps []string
}

// Controller orchestrates route, execute, and bounded re-route.
type Controller struct {
	router          *router.Router
	catalog         Catalog
	executor        Executor
	maxSelected     int
	maxRounds       int
	searchThreshold int
	tracer          trace.Tracer
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithMaxSelected caps how many capabilities each routing round may grant.
func WithMaxSelected(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxSelected = n
		}
	}
}

// WithMaxRounds caps re-routing attempts per session.
func WithMaxRounds(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// WithSearchThreshold sets the catalog size above which semantic
// narrowing is applied to the initial candidate set.
func WithSearchThreshold(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.searchThreshold = n
		}
	}
}

// NewController wires a router, a capability catalog, and an executor
// into a feedback loop.
func NewController(r *router.Router, catalog Catalog, executor Executor, opts ...ControllerOption) (*Controller, error) {
	if r == nil {
		return nil, fmt.Errorf("router is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	c := &Controller{
		router:          r,
		catalog:         catalog,
		executor:        executor,
		maxSelected:     router.DefaultMaxSelected,
		maxRounds:       DefaultMaxRounds,
		searchThreshold: DefaultSearchThreshold,
		tracer:          observability.GetTracer("capiroute.feedback"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run drives one query end to end: initial route, execute, then bounded
// re-routing while the executor keeps reporting missing capabilities.
// It returns an Outcome when the executor is satisfied, and an
// IncompleteRoutingError (with the partial results attached) when the
// session exhausts its rounds or a round brings nothing new.
func (c *Controller) Run(ctx context.Context, query string) (*Outcome, error) {
	session := NewSession(query, c.maxRounds)

	ctx, span := c.tracer.Start(ctx, observability.SpanSessionRun,
		trace.WithAttributes(
			attribute.String(observability.AttrSessionID, session.ID),
			attribute.Int(observability.AttrQueryLength, len(query)),
		))
	defer span.End()

	outcome, err := c.run(ctx, session)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrRound, outcome.Rounds),
		attribute.Int(observability.AttrSelectedCount, len(outcome.GrantedIDs)),
	)
	return outcome, nil
}

func (c *Controller) run(ctx context.Context, session *Session) (*Outcome, error) {
	candidates, err := c.initialCandidates(ctx, session.Query)
	if err != nil {
		return nil, err
	}

	result, err := c.router.Route(ctx, router.Request{
		QueryText:   session.Query,
		Candidates:  candidates,
		MaxSelected: c.maxSelected,
	})
	if err != nil {
		return nil, fmt.Errorf("initial routing failed: %w", err)
	}
	session.Merge(result.SelectedIDs)
	session.State = StateRouted

	slog.Info("Initial routing complete",
		"session", session.ID,
		"selected", len(result.SelectedIDs),
		"fallback", result.FallbackUsed,
	)

	checkpointToken := ""
	for {
		report, err := c.executor.Execute(ctx, ExecutionRequest{
			Query:           session.Query,
			CapabilityIDs:   session.AccumulatedIDs(),
			CheckpointToken: checkpointToken,
		})
		if err != nil {
			return nil, fmt.Errorf("executor failed: %w", err)
		}

		if report.Satisfied {
			session.State = StateSatisfied
			return c.outcome(session), nil
		}

		signal := report.Missing
		if signal == nil {
			return nil, fmt.Errorf("executor reported failure without a missing-capability signal")
		}
		session.CompletedSteps = append(session.CompletedSteps, signal.CompletedSteps...)
		if signal.CheckpointToken != "" {
			checkpointToken = signal.CheckpointToken
		}

		if err := c.reroute(ctx, session, signal); err != nil {
			return nil, err
		}
	}
}

// reroute performs re-routing rounds for one missing-capability signal
// until a round grants new capabilities or the session exhausts. Router
// errors are round failures: they consume a round but never escape.
func (c *Controller) reroute(ctx context.Context, session *Session, signal *Signal) error {
	var lastErr error

	for {
		if session.Rounds >= session.MaxRounds {
			session.State = StateExhausted
			return c.exhausted(session, "round limit reached", lastErr)
		}

		session.State = StateRerouting
		session.Rounds++

		newIDs, err := c.rerouteRound(ctx, session, signal)
		if err != nil {
			lastErr = err
			slog.Warn("Re-routing round failed",
				"session", session.ID,
				"round", session.Rounds,
				"error", err,
			)
			continue
		}

		if len(newIDs) == 0 {
			session.State = StateExhausted
			return c.exhausted(session, "no new capabilities selected", lastErr)
		}

		slog.Info("Re-routing round granted new capabilities",
			"session", session.ID,
			"round", session.Rounds,
			"new", newIDs,
		)
		session.State = StateRouted
		return nil
	}
}

// rerouteRound runs one routing round against the full catalog with an
// enriched query. The merge is atomic: either every new id is granted or
// the session is untouched.
func (c *Controller) rerouteRound(ctx context.Context, session *Session, signal *Signal) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, observability.SpanFeedbackRound,
		trace.WithAttributes(
			attribute.String(observability.AttrSessionID, session.ID),
			attribute.Int(observability.AttrRound, session.Rounds),
		))
	defer span.End()

	// The full catalog, not just previously excluded specs: a capability
	// rejected earlier may become relevant given the new context.
	catalog := c.catalog.ListAll()

	result, err := c.router.Route(ctx, router.Request{
		QueryText:       c.enrichQuery(session, signal, catalog),
		Candidates:      catalog,
		MaxSelected:     c.maxSelected,
		AlreadySelected: session.Granted(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	newIDs := session.Merge(result.SelectedIDs)
	span.SetAttributes(attribute.Int(observability.AttrNewIDs, len(newIDs)))
	return newIDs, nil
}

// initialCandidates picks the candidate set for the first routing round.
// Small catalogs go to the router whole; above the threshold, semantic
// search narrows them first, falling back to the full catalog if search
// is unavailable.
func (c *Controller) initialCandidates(ctx context.Context, query string) ([]capability.Spec, error) {
	full := c.catalog.ListAll()
	if len(full) <= c.searchThreshold {
		return full, nil
	}

	narrowed, err := c.catalog.Search(ctx, query, c.searchThreshold)
	if err != nil {
		slog.Warn("Semantic narrowing unavailable, using full catalog",
			"catalog_size", len(full),
			"error", err,
		)
		return full, nil
	}
	if len(narrowed) == 0 {
		return full, nil
	}
	return narrowed, nil
}

// enrichQuery builds the re-routing query: original query, attempted
// capability names, completed steps, and the missing-capability
// description.
func (c *Controller) enrichQuery(session *Session, signal *Signal, catalog []capability.Spec) string {
	names := make(map[string]string, len(catalog))
	for _, spec := range catalog {
		names[spec.ID] = spec.Name
	}

	var attempted []string
	for _, id := range session.AccumulatedIDs() {
		if name, ok := names[id]; ok {
			attempted = append(attempted, name)
		} else {
			attempted = append(attempted, id)
		}
	}

	var b strings.Builder
	b.WriteString(session.Query)
	if len(attempted) > 0 {
		b.WriteString("\n\nCapabilities already tried: ")
		b.WriteString(strings.Join(attempted, ", "))
	}
	if len(session.CompletedSteps) > 0 {
		b.WriteString("\nSteps already completed:\n")
		for _, step := range session.CompletedSteps {
			b.WriteString("- ")
			b.WriteString(step)
			b.WriteString("\n")
		}
	}
	if signal.MissingDescription != "" {
		b.WriteString("\nStill needed: ")
		b.WriteString(signal.MissingDescription)
	}
	return b.String()
}

func (c *Controller) exhausted(session *Session, reason string, lastErr error) error {
	slog.Warn("Routing session exhausted",
		"session", session.ID,
		"rounds", session.Rounds,
		"reason", reason,
	)
	return &IncompleteRoutingError{
		SessionID:      session.ID,
		Rounds:         session.Rounds,
		AccumulatedIDs: session.AccumulatedIDs(),
		CompletedSteps: session.CompletedSteps,
		Reason:         reason,
		Err:            lastErr,
	}
}

func (c *Controller) outcome(session *Session) *Outcome {
	return &Outcome{
		SessionID:      session.ID,
		State:          session.State,
		Rounds:         session.Rounds,
		GrantedIDs:     session.AccumulatedIDs(),
		CompletedSteps: session.CompletedSteps,
	}
}
