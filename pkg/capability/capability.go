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

// Package capability defines the capability model shared by the registry,
// router, adapters, and feedback controller.
//
// A capability is a named, invocable function an agent may call. Host
// frameworks each carry their own tool representation; adapters translate
// those into Spec values so that routing never depends on a framework's
// tool shape.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the routing core. Component errors wrap
// these so callers can use errors.Is without depending on error text.
var (
	// ErrInvalidSpec indicates a capability spec violates a precondition
	// (empty id or name). Never retried.
	ErrInvalidSpec = errors.New("invalid capability spec")

	// ErrInvalidArgument indicates a caller-supplied argument violates a
	// precondition (empty candidate set, non-positive topK). Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSearchUnavailable indicates the similarity collaborator failed.
	// Callers are expected to fall back to the unfiltered catalog.
	ErrSearchUnavailable = errors.New("semantic search unavailable")

	// ErrCollaboratorUnavailable indicates the classification collaborator
	// produced no usable response at all.
	ErrCollaboratorUnavailable = errors.New("classification collaborator unavailable")

	// ErrCollaboratorTimeout indicates a collaborator call exceeded its
	// deadline. Handled as a per-round failure, not a session-ending error.
	ErrCollaboratorTimeout = errors.New("classification collaborator timeout")
)

// Spec describes one invocable capability.
type Spec struct {
	// ID is the stable unique identifier, immutable once registered.
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name. Need not be unique.
	Name string `json:"name" yaml:"name"`

	// Description is a short natural-language description of function.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// ExampleQueries are natural-language requests a user might issue to
	// need this capability. Used for semantic indexing. May be empty.
	ExampleQueries []string `json:"example_queries,omitempty" yaml:"example_queries,omitempty"`

	// Tags are short capability-category strings (e.g. "crm", "email").
	// Used for coarse filtering only.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Origin identifies the source collection this spec came from
	// (e.g. an MCP server name). Preserved for traceability, never
	// consulted by routing logic.
	Origin string `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// Validate checks the spec preconditions.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required for %q", ErrInvalidSpec, s.ID)
	}
	return nil
}

// IndexText returns the text indexed for semantic search: the description
// followed by the example queries.
func (s Spec) IndexText() string {
	if len(s.ExampleQueries) == 0 {
		return s.Description
	}
	parts := make([]string, 0, len(s.ExampleQueries)+1)
	if s.Description != "" {
		parts = append(parts, s.Description)
	}
	parts = append(parts, s.ExampleQueries...)
	return strings.Join(parts, "\n")
}

// IDs extracts the ids of a spec sequence, preserving order.
func IDs(specs []Spec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids
}

// IDSet builds a membership set from a spec sequence.
func IDSet(specs []Spec) map[string]bool {
	set := make(map[string]bool, len(specs))
	for _, s := range specs {
		set[s.ID] = true
	}
	return set
}
