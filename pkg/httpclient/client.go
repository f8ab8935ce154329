package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

type RetryStrategyFunc func(int) RetryStrategy

// RetryableError reports a request abandoned after the retry budget ran
// out. Attempts counts every request sent, including the first.
type RetryableError struct {
	StatusCode int
	Attempts   int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %v)", e.RetryAfter)
	}
	return msg
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) IsRetryable() bool {
	return true
}

// Client wraps http.Client with bounded retry and backoff. Rate limited
// responses honor the Retry-After header; server errors get a short
// conservative retry.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {

		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, strategy, retryAfter, err := c.attemptRequest(req)

		if strategy == NoRetry || err == nil {
			return resp, err
		}

		delay := c.calculateDelay(strategy, attempt, retryAfter)

		if attempt >= c.maxRetries || delay <= 0 {
			statusCode := 0
			if resp != nil {
				statusCode = resp.StatusCode
			}
			return resp, &RetryableError{
				StatusCode: statusCode,
				Attempts:   attempt + 1,
				Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
				RetryAfter: delay,
				Err:        err,
			}
		}

		if resp != nil {
			resp.Body.Close()
		}

		slog.Debug("Retrying HTTP request",
			"url", req.URL.String(),
			"attempt", attempt+1,
			"max_attempts", c.maxRetries,
			"delay", delay)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return nil, &RetryableError{
		Attempts: c.maxRetries + 1,
		Message:  "max retries exceeded",
		Err:      fmt.Errorf("max retries exceeded"),
	}
}

func (c *Client) attemptRequest(req *http.Request) (*http.Response, RetryStrategy, time.Duration, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NoRetry, 0, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, 0, nil
	}

	retryAfter := parseRetryAfter(resp.Header)
	strategy := c.strategyFunc(resp.StatusCode)

	return resp, strategy, retryAfter, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, retryAfter time.Duration) time.Duration {
	switch strategy {
	case SmartRetry:
		if retryAfter > 0 {
			return retryAfter
		}
		exponentialDelay := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(float64(exponentialDelay) * 0.1)
		return exponentialDelay + jitter

	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay
		}
	}

	return 0
}
