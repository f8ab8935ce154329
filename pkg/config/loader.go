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
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// LoadEnvFiles loads .env.local and .env if present. Missing files are
// not an error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads a config file and runs the full pipeline: parse, expand
// environment variables, decode, apply defaults, validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse runs the pipeline on raw config bytes.
func Parse(data []byte) (*Config, error) {
	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := expandEnvVars(rawMap)

	cfg := &Config{}
	if err := decodeConfig(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// parseBytes parses raw bytes into a map. YAML is primary, JSON is the
// fallback.
func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any
	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML or JSON: %w", err)
	}
	return result, nil
}

// decodeConfig decodes a map into a Config using mapstructure with yaml
// tag names.
func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

// expandEnvVars recursively expands ${VAR}, ${VAR:-default}, and $VAR
// in string values.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}
