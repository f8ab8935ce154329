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

// Package adapter bridges a host framework's native tool representation
// to the capability model.
//
// The adapter is the only component aware of the native tool shape.
// Supporting a new framework means supplying one mapping function; the
// router and registry never change. Both operations are pure: ToSpecs
// derives ids deterministically from the native tools, and Filter
// returns the original tool values untouched, in their original order.
package adapter

import (
	"fmt"

	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/router"
)

// AdapterError reports an adapter precondition violation.
type AdapterError struct {
	Action  string
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[adapter:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[adapter:%s] %s", e.Action, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Adapter translates between a native tool type T and capability specs.
type Adapter[T any] struct {
	toSpec func(T) capability.Spec
}

// New creates an adapter from a native-tool-to-spec mapping. The mapping
// must be deterministic: the spec id has to derive from a stable native
// identifier (typically the tool name), never be generated fresh, so
// repeated calls across routing rounds agree on ids.
func New[T any](toSpec func(T) capability.Spec) (*Adapter[T], error) {
	if toSpec == nil {
		return nil, &AdapterError{
			Action:  "new",
			Message: "toSpec mapping is required",
			Err:     capability.ErrInvalidArgument,
		}
	}
	return &Adapter[T]{toSpec: toSpec}, nil
}

// NamedTool is the minimal native tool surface most frameworks expose.
type NamedTool interface {
	Name() string
	Description() string
}

// ForNamed creates an adapter for any native tool type exposing
// Name/Description. The tool name becomes the capability id.
func ForNamed[T NamedTool]() *Adapter[T] {
	a, _ := New(func(t T) capability.Spec {
		return capability.Spec{
			ID:          t.Name(),
			Name:        t.Name(),
			Description: t.Description(),
		}
	})
	return a
}

// ToSpecs maps native tools to capability specs, one to one, preserving
// order.
func (a *Adapter[T]) ToSpecs(native []T) ([]capability.Spec, error) {
	if native == nil {
		return nil, &AdapterError{
			Action:  "to_specs",
			Message: "native tools are required",
			Err:     capability.ErrInvalidArgument,
		}
	}

	specs := make([]capability.Spec, len(native))
	for i, tool := range native {
		specs[i] = a.toSpec(tool)
	}
	return specs, nil
}

// Filter returns the subsequence of native tools whose derived id is in
// the routing result, preserving the tools' original relative order
// regardless of the order of selected ids. The returned slice holds the
// same values that were passed in; nothing is copied or mutated.
func (a *Adapter[T]) Filter(native []T, result router.Result) ([]T, error) {
	if native == nil {
		return nil, &AdapterError{
			Action:  "filter",
			Message: "native tools are required",
			Err:     capability.ErrInvalidArgument,
		}
	}

	selected := make(map[string]bool, len(result.SelectedIDs))
	for _, id := range result.SelectedIDs {
		selected[id] = true
	}

	filtered := make([]T, 0, len(result.SelectedIDs))
	for _, tool := range native {
		if selected[a.toSpec(tool).ID] {
			filtered = append(filtered, tool)
		}
	}
	return filtered, nil
}
