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

package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capiroute/capiroute/pkg/router"
)

// fakeMCPServer speaks just enough JSON-RPC over HTTP to stand in for a
// streamable-http MCP server.
type fakeMCPServer struct {
	mu           sync.Mutex
	callSessions []string
	callArgs     []map[string]any
	sseCalls     bool
}

func (f *fakeMCPServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "session-7")
			writeRPC(w, map[string]any{"protocolVersion": protocolVersion})

		case "tools/list":
			writeRPC(w, map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "get_price",
						"description": "Get current stock price",
						"inputSchema": map[string]any{"type": "object"},
					},
					map[string]any{
						"name":        "get_news",
						"description": "Get company news",
					},
					map[string]any{
						"name":        "always_fails",
						"description": "Reports a tool-side failure",
					},
				},
			})

		case "tools/call":
			params, _ := req.Params.(map[string]any)
			name, _ := params["name"].(string)
			args, _ := params["arguments"].(map[string]any)

			f.mu.Lock()
			f.callSessions = append(f.callSessions, r.Header.Get("mcp-session-id"))
			f.callArgs = append(f.callArgs, args)
			sse := f.sseCalls
			f.mu.Unlock()

			result := map[string]any{
				"content": []any{
					map[string]any{"type": "text", "text": "AAPL: 187.32"},
				},
			}
			if name == "always_fails" {
				result = map[string]any{
					"isError": true,
					"content": []any{
						map[string]any{"type": "text", "text": "ticker not found"},
					},
				}
			}

			if sse {
				writeSSE(w, result)
				return
			}
			writeRPC(w, result)

		default:
			t.Errorf("unexpected method %q", req.Method)
		}
	}
}

func writeRPC(w http.ResponseWriter, result map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: result})
}

func writeSSE(w http.ResponseWriter, result map[string]any) {
	w.Header().Set("Content-Type", "text/event-stream")
	payload, _ := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: result})
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
}

func newTestCatalog(t *testing.T, srv *fakeMCPServer) *Catalog {
	server := httptest.NewServer(srv.handler(t))
	t.Cleanup(server.Close)

	catalog, err := New(Config{Name: "market", URL: server.URL})
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	return catalog
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Name: "market"})
	require.Error(t, err)

	_, err = New(Config{URL: "http://localhost:1"})
	require.Error(t, err)
}

func TestSpecs(t *testing.T) {
	catalog := newTestCatalog(t, &fakeMCPServer{})

	specs, err := catalog.Specs(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, "get_price", specs[0].ID)
	assert.Equal(t, "get_price", specs[0].Name)
	assert.Equal(t, "Get current stock price", specs[0].Description)
	assert.Equal(t, "market", specs[0].Origin)
	assert.Equal(t, "get_news", specs[1].ID)
}

func TestRouted_PreservesServerOrderAndIdentity(t *testing.T) {
	catalog := newTestCatalog(t, &fakeMCPServer{})

	tools, err := catalog.Tools(context.Background())
	require.NoError(t, err)

	// Selection order comes from the classifier; the narrowed handles
	// keep server order anyway.
	routed, err := catalog.Routed(context.Background(), router.Result{
		SelectedIDs: []string{"get_news", "get_price"},
	})
	require.NoError(t, err)
	require.Len(t, routed, 2)
	assert.Same(t, tools[0], routed[0])
	assert.Same(t, tools[1], routed[1])
}

func TestRouted_EmptySelection(t *testing.T) {
	catalog := newTestCatalog(t, &fakeMCPServer{})

	routed, err := catalog.Routed(context.Background(), router.Result{})
	require.NoError(t, err)
	assert.Empty(t, routed)
}

func TestToolCall(t *testing.T) {
	srv := &fakeMCPServer{}
	catalog := newTestCatalog(t, srv)

	routed, err := catalog.Routed(context.Background(), router.Result{
		SelectedIDs: []string{"get_price"},
	})
	require.NoError(t, err)
	require.Len(t, routed, 1)

	out, err := routed[0].Call(context.Background(), map[string]any{"ticker": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "AAPL: 187.32"}, out)

	// The session id handed out during initialize rides along on calls,
	// and arguments arrive as sent.
	require.Len(t, srv.callSessions, 1)
	assert.Equal(t, "session-7", srv.callSessions[0])
	assert.Equal(t, map[string]any{"ticker": "AAPL"}, srv.callArgs[0])
}

func TestToolCall_ToolError(t *testing.T) {
	catalog := newTestCatalog(t, &fakeMCPServer{})

	routed, err := catalog.Routed(context.Background(), router.Result{
		SelectedIDs: []string{"always_fails"},
	})
	require.NoError(t, err)
	require.Len(t, routed, 1)

	// Tool-side failures come back as data, not as transport errors.
	out, err := routed[0].Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "ticker not found"}, out)
}

func TestToolCall_SSEResponse(t *testing.T) {
	srv := &fakeMCPServer{sseCalls: true}
	catalog := newTestCatalog(t, srv)

	routed, err := catalog.Routed(context.Background(), router.Result{
		SelectedIDs: []string{"get_price"},
	})
	require.NoError(t, err)
	require.Len(t, routed, 1)

	out, err := routed[0].Call(context.Background(), map[string]any{"ticker": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "AAPL: 187.32"}, out)
}

func TestClose_DisconnectsCatalog(t *testing.T) {
	catalog := newTestCatalog(t, &fakeMCPServer{})

	_, err := catalog.Tools(context.Background())
	require.NoError(t, err)
	require.NoError(t, catalog.Close())

	tool := &Tool{catalog: catalog, name: "get_price", useStdio: true}
	_, err = tool.Call(context.Background(), nil)
	require.Error(t, err)
}
