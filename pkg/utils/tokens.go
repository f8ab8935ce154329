// Package utils provides small shared helpers.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter handles accurate token counting per model.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for a specific model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base covers GPT-4 and GPT-3.5-turbo and is a fair
		// approximation for most other chat models.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// Model returns the model name this counter is configured for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens provides a rough token estimation for when no counter
// is available. Roughly 4 characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}
