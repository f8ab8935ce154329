package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/httpclient"
	"github.com/capiroute/capiroute/pkg/utils"
)

const selectionInstruction = `You select the minimal set of tools needed to answer a user request.
You are given a request and a numbered catalog of available tools.
Reply with a JSON array containing the identifiers of only the tools that are strictly required.
Prefer fewer tools. If no tool is needed, reply with an empty JSON array [].
Reply with the JSON array only, no prose.`

// promptTokenBudget caps the candidate list portion of the prompt.
// Candidates beyond the budget are dropped from the classifier call;
// the router's validation keeps the contract intact either way.
const promptTokenBudget = 6000

// OpenAIClassifier implements Classifier using the OpenAI chat
// completions API.
type OpenAIClassifier struct {
	client  *httpclient.Client
	counter *utils.TokenCounter
	apiKey  string
	baseURL string
	model   string
}

// OpenAIConfig configures the OpenAI classifier.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string `yaml:"api_key"`

	// Model is the chat model (default gpt-4o-mini).
	Model string `yaml:"model,omitempty"`

	// Host overrides the API base URL.
	Host string `yaml:"host,omitempty"`

	// TimeoutSeconds for requests (default 30).
	TimeoutSeconds int `yaml:"timeout,omitempty"`

	// MaxRetries for transport-level retry (default 3).
	MaxRetries int `yaml:"max_retries,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIClassifier creates an OpenAI-backed classifier.
func NewOpenAIClassifier(cfg OpenAIConfig) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI classifier")
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}

	return &OpenAIClassifier{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(maxRetries),
		),
		counter: counter,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
	}, nil
}

// Classify sends the query and candidate summaries to the model and
// parses the returned identifier list.
func (c *OpenAIClassifier) Classify(ctx context.Context, queryText string, candidates []Candidate) ([]string, error) {
	prompt := c.buildPrompt(queryText, candidates)

	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: selectionInstruction},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Do can hand back a response alongside the error on
		// non-retryable statuses and retry exhaustion.
		if resp != nil {
			resp.Body.Close()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", capability.ErrCollaboratorTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", capability.ErrCollaboratorUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", capability.ErrCollaboratorUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr chatErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("%w: OpenAI API error (%d): %s",
				capability.ErrCollaboratorUnavailable, resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("%w: OpenAI API returned status %d",
			capability.ErrCollaboratorUnavailable, resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", capability.ErrCollaboratorUnavailable, err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", capability.ErrCollaboratorUnavailable)
	}

	return ParseIDs(chatResp.Choices[0].Message.Content), nil
}

// buildPrompt renders the catalog within the token budget. When the
// catalog exceeds the budget the tail is dropped; upstream semantic
// narrowing should keep catalogs well under it.
func (c *OpenAIClassifier) buildPrompt(queryText string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("Request: ")
	b.WriteString(queryText)
	b.WriteString("\n\nAvailable tools:\n")

	used := c.counter.Count(b.String())
	included := 0
	for i, cand := range candidates {
		line := fmt.Sprintf("%d. %s: %s\n", i+1, cand.ID, cand.Summary)
		lineTokens := c.counter.Count(line)
		if used+lineTokens > promptTokenBudget {
			slog.Warn("Candidate list exceeds prompt token budget, truncating",
				"included", included,
				"total", len(candidates))
			break
		}
		b.WriteString(line)
		used += lineTokens
		included++
	}

	return b.String()
}

var _ Classifier = (*OpenAIClassifier)(nil)
