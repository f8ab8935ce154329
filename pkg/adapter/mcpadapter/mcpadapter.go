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

// Package mcpadapter connects MCP (Model Context Protocol) servers to
// the capability router.
//
// A Catalog wraps one MCP server, discovers its tools, and exposes them
// as capability specs for registration and routing. After a routing
// decision, Routed narrows the live tool handles to the selected subset
// so the agent run only sees what the router picked.
//
// The connection is lazy: nothing talks to the server until Tools or
// Specs is first called.
//
// Transport support:
//   - stdio: subprocess communication via mcp-go
//   - sse, streamable-http: JSON-RPC over HTTP with retry/backoff
package mcpadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/capiroute/capiroute/pkg/adapter"
	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/httpclient"
	"github.com/capiroute/capiroute/pkg/router"
)

const (
	clientName    = "capiroute"
	clientVersion = "0.1.0"

	protocolVersion = "2024-11-05"

	// DefaultSSETimeout bounds reading an SSE response. Long enough for
	// slow tool executions.
	DefaultSSETimeout = 5 * time.Minute
)

// Config configures a connection to one MCP server.
type Config struct {
	// Name identifies the server; it becomes the Origin of every spec
	// derived from it.
	Name string

	// URL is the server URL (HTTP transports).
	URL string

	// Transport selects the MCP transport (stdio, sse, streamable-http).
	Transport string

	// Command for stdio transport.
	Command string

	// Args for stdio transport.
	Args []string

	// Env for stdio transport.
	Env map[string]string

	// MaxRetries for HTTP requests (default: 3).
	MaxRetries int

	// SSETimeout for SSE response reading (default: 5m).
	SSETimeout time.Duration
}

// Catalog is a lazily connected MCP server whose tools can be routed.
type Catalog struct {
	cfg Config

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	sessionID  string
	sessionMu  sync.RWMutex
	tools      []*Tool
	connected  bool
}

// New creates a catalog for the given server.
func New(cfg Config) (*Catalog, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("either url or command is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SSETimeout == 0 {
		cfg.SSETimeout = DefaultSSETimeout
	}

	return &Catalog{cfg: cfg}, nil
}

// Name returns the catalog name.
func (c *Catalog) Name() string {
	return c.cfg.Name
}

// Tools returns the server's tools, connecting lazily on first use.
func (c *Catalog) Tools(ctx context.Context) ([]*Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
		}
	}

	return c.tools, nil
}

// Specs returns the server's tools as capability specs, suitable for
// registration. The tool name is the capability id, so ids are stable
// across reconnects as long as the server keeps its tool names.
func (c *Catalog) Specs(ctx context.Context) ([]capability.Spec, error) {
	tools, err := c.Tools(ctx)
	if err != nil {
		return nil, err
	}
	return c.Adapter().ToSpecs(tools)
}

// Adapter returns the spec/filter adapter for this catalog's tools.
func (c *Catalog) Adapter() *adapter.Adapter[*Tool] {
	origin := c.cfg.Name
	a, _ := adapter.New(func(t *Tool) capability.Spec {
		return capability.Spec{
			ID:          t.Name(),
			Name:        t.Name(),
			Description: t.Description(),
			Origin:      origin,
		}
	})
	return a
}

// Routed narrows the live tool handles to the routing result, preserving
// server order.
func (c *Catalog) Routed(ctx context.Context, result router.Result) ([]*Tool, error) {
	tools, err := c.Tools(ctx)
	if err != nil {
		return nil, err
	}
	return c.Adapter().Filter(tools, result)
}

// connect establishes the MCP connection.
func (c *Catalog) connect(ctx context.Context) error {
	if c.cfg.Command != "" || c.cfg.Transport == "stdio" {
		return c.connectStdio(ctx)
	}
	return c.connectHTTP(ctx)
}

func (c *Catalog) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(
		c.cfg.Command,
		flattenEnv(c.cfg.Env),
		c.cfg.Args...,
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]*Tool, 0, len(listResp.Tools))
	for _, mcpTool := range listResp.Tools {
		tools = append(tools, &Tool{
			catalog:  c,
			name:     mcpTool.Name,
			desc:     mcpTool.Description,
			schema:   schemaToMap(mcpTool.InputSchema),
			useStdio: true,
		})
	}

	c.stdio = mcpClient
	c.tools = tools
	c.connected = true

	slog.Info("Connected to MCP server (stdio)",
		"name", c.cfg.Name,
		"command", c.cfg.Command,
		"tools", len(tools),
	)

	return nil
}

func (c *Catalog) connectHTTP(ctx context.Context) error {
	c.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(c.cfg.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := c.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var tools []*Tool
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)

		var schema map[string]any
		if inputSchema, ok := toolMap["inputSchema"].(map[string]any); ok {
			schema = inputSchema
		}

		tools = append(tools, &Tool{
			catalog: c,
			name:    name,
			desc:    desc,
			schema:  schema,
		})
	}

	c.tools = tools
	c.connected = true

	slog.Info("Connected to MCP server (HTTP)",
		"name", c.cfg.Name,
		"url", c.cfg.URL,
		"transport", c.cfg.Transport,
		"tools", len(tools),
	)

	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends a JSON-RPC request over HTTP with retry/backoff.
func (c *Catalog) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	c.sessionMu.RLock()
	sessionID := c.sessionID
	c.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if httpResp != nil {
			httpResp.Body.Close()
		}
		slog.Debug("MCP HTTP request failed",
			"catalog", c.cfg.Name,
			"method", method,
			"error", err.Error())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		c.sessionMu.Lock()
		c.sessionID = newSessionID
		c.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s (response: %s)", httpResp.StatusCode, httpResp.Status, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return c.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC response from an
// SSE stream.
func (c *Catalog) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer httpResp.Body.Close()

		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("MCP SSE read error", "catalog", c.cfg.Name, "error", err)
				}
				break
			}

			lineStr := strings.TrimSpace(string(line))

			// Empty line signals end of event.
			if lineStr == "" {
				if currentData.Len() > 0 {
					var resp jsonRPCResponse
					if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
						resultChan <- result{response: &resp}
						return
					}
					currentData.Reset()
				}
				continue
			}

			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if currentData.Len() > 0 {
			var resp jsonRPCResponse
			if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
				resultChan <- result{response: &resp}
				return
			}
		}

		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-time.After(c.cfg.SSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", c.cfg.SSETimeout)
	}
}

// flattenEnv converts an env map to "KEY=VALUE" form.
func flattenEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// Close shuts down the MCP connection.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tools = nil
	c.connected = false

	if c.stdio != nil {
		err := c.stdio.Close()
		c.stdio = nil
		return err
	}
	c.httpClient = nil
	return nil
}

// Tool is a live handle to one MCP tool.
type Tool struct {
	catalog  *Catalog
	name     string
	desc     string
	schema   map[string]any
	useStdio bool
}

func (t *Tool) Name() string {
	return t.name
}

func (t *Tool) Description() string {
	return t.desc
}

// Schema returns the tool's JSON input schema.
func (t *Tool) Schema() map[string]any {
	return t.schema
}

// Call executes the tool on the server.
func (t *Tool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	if t.useStdio {
		return t.callStdio(ctx, args)
	}
	return t.callHTTP(ctx, args)
}

func (t *Tool) callStdio(ctx context.Context, args map[string]any) (map[string]any, error) {
	t.catalog.mu.Lock()
	mcpClient := t.catalog.stdio
	t.catalog.mu.Unlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	return parseToolResult(resp), nil
}

func (t *Tool) callHTTP(ctx context.Context, args map[string]any) (map[string]any, error) {
	resp, err := t.catalog.rpc(ctx, "tools/call", map[string]any{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}

	result := make(map[string]any)
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		result["result"] = resp.Result
		return result, nil
	}

	if isError, _ := resultMap["isError"].(bool); isError {
		if content, ok := resultMap["content"].([]any); ok {
			for _, c := range content {
				if cm, ok := c.(map[string]any); ok {
					if text, ok := cm["text"].(string); ok {
						result["error"] = text
						break
					}
				}
			}
		}
		if result["error"] == nil {
			result["error"] = "unknown error"
		}
		return result, nil
	}

	if content, ok := resultMap["content"].([]any); ok {
		var texts []string
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok {
				if cm["type"] == "text" {
					if text, ok := cm["text"].(string); ok {
						texts = append(texts, text)
					}
				}
			}
		}
		if len(texts) == 1 {
			result["result"] = texts[0]
		} else if len(texts) > 1 {
			result["results"] = texts
		}
	}

	return result, nil
}

func parseToolResult(resp *mcp.CallToolResult) map[string]any {
	result := make(map[string]any)
	if resp.IsError {
		for _, content := range resp.Content {
			if textContent, ok := content.(mcp.TextContent); ok {
				result["error"] = textContent.Text
				break
			}
		}
		if result["error"] == nil {
			result["error"] = "unknown error"
		}
		return result
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	if len(texts) == 1 {
		result["result"] = texts[0]
	} else if len(texts) > 1 {
		result["results"] = texts
	}

	return result
}

// schemaToMap converts an MCP input schema to a plain map.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

var _ adapter.NamedTool = (*Tool)(nil)
