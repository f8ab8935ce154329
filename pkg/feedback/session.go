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

// Package feedback runs the bounded execute/re-route loop.
//
// When an execution attempt reports a missing capability, the controller
// builds an enriched query, routes again against the full catalog, merges
// any newly selected capabilities into the session, and hands the expanded
// set back to the executor. The loop is bounded two ways: a hard round cap
// and a zero-progress rule (a round that selects nothing new terminates
// the session immediately).
package feedback

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrIncompleteRouting matches any IncompleteRoutingError via errors.Is,
// for callers that only care whether the session finished.
var ErrIncompleteRouting = errors.New("incomplete routing")

// DefaultMaxRounds bounds re-routing attempts per session.
const DefaultMaxRounds = 3

// State is a session lifecycle state.
type State string

const (
	// StateInitial: session created, nothing routed yet.
	StateInitial State = "initial"

	// StateRouted: a routing decision has been handed to the executor.
	StateRouted State = "routed"

	// StateSatisfied: terminal, the executor reported success.
	StateSatisfied State = "satisfied"

	// StateRerouting: transient, a missing-capability signal is being
	// turned into a new routing round.
	StateRerouting State = "rerouting"

	// StateExhausted: terminal, the round cap was reached or a round
	// made no progress.
	StateExhausted State = "exhausted"
)

// Signal is the structured missing-capability feedback from an
// execution attempt.
type Signal struct {
	// OriginalQuery is the initiating request text.
	OriginalQuery string

	// AttemptedIDs are the capability ids already made available to the
	// executor.
	AttemptedIDs []string

	// CompletedSteps describe work already done, in order. Used only to
	// enrich the re-routing query, never replayed.
	CompletedSteps []string

	// MissingDescription says what was needed but unavailable.
	MissingDescription string

	// CheckpointToken marks where execution should resume. Opaque to the
	// routing core; passed back to the executor untouched.
	CheckpointToken string
}

// Session bounds one end-to-end routing+feedback interaction. It is
// owned by a single controller invocation and must not be shared across
// goroutines.
type Session struct {
	// ID identifies the session in logs and traces.
	ID string

	// Query is the original top-level request.
	Query string

	// State is the current lifecycle state.
	State State

	// Rounds counts re-routing attempts performed so far.
	Rounds int

	// MaxRounds is the configured ceiling.
	MaxRounds int

	// CompletedSteps accumulates executor progress reports across rounds.
	CompletedSteps []string

	accumulated []string
	granted     map[string]bool
}

// NewSession creates a session for one top-level query.
func NewSession(query string, maxRounds int) *Session {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Session{
		ID:        uuid.NewString(),
		Query:     query,
		State:     StateInitial,
		MaxRounds: maxRounds,
		granted:   make(map[string]bool),
	}
}

// AccumulatedIDs returns the running union of granted capability ids, in
// grant order. The returned slice is a copy.
func (s *Session) AccumulatedIDs() []string {
	ids := make([]string, len(s.accumulated))
	copy(ids, s.accumulated)
	return ids
}

// Granted returns the membership set of granted ids. The returned map is
// shared; callers must not mutate it.
func (s *Session) Granted() map[string]bool {
	return s.granted
}

// Merge folds a round's selection into the session, atomically: either
// every new id is granted or (when the selection brings nothing new)
// nothing changes. It returns the ids that were actually new.
func (s *Session) Merge(selectedIDs []string) []string {
	var newIDs []string
	for _, id := range selectedIDs {
		if !s.granted[id] && !contains(newIDs, id) {
			newIDs = append(newIDs, id)
		}
	}
	if len(newIDs) == 0 {
		return nil
	}
	for _, id := range newIDs {
		s.granted[id] = true
		s.accumulated = append(s.accumulated, id)
	}
	return newIDs
}

// Terminal reports whether the session has ended.
func (s *Session) Terminal() bool {
	return s.State == StateSatisfied || s.State == StateExhausted
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// IncompleteRoutingError reports a session that ended without the
// executor being satisfied. Partial results are always attached, never
// discarded.
type IncompleteRoutingError struct {
	SessionID      string
	Rounds         int
	AccumulatedIDs []string
	CompletedSteps []string
	Reason         string
	Err            error
}

func (e *IncompleteRoutingError) Error() string {
	msg := fmt.Sprintf("[feedback] incomplete routing after %d round(s): %s", e.Rounds, e.Reason)
	if len(e.AccumulatedIDs) > 0 {
		msg += fmt.Sprintf(" (granted: %s)", strings.Join(e.AccumulatedIDs, ", "))
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *IncompleteRoutingError) Unwrap() error {
	return e.Err
}

func (e *IncompleteRoutingError) Is(target error) bool {
	return target == ErrIncompleteRouting
}
