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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/capiroute/capiroute/pkg/capability"
)

// catalogFile is the on-disk shape of a capability catalog.
type catalogFile struct {
	Capabilities []capability.Spec `yaml:"capabilities"`
}

// LoadCatalog reads a YAML capability catalog. Every spec is validated;
// file order is preserved so registration order matches the file.
func LoadCatalog(path string) ([]capability.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Capabilities))
	for i, spec := range file.Capabilities {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = true
	}

	return file.Capabilities, nil
}
