package mcptest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer serves a small tool set over streamable HTTP at /mcp and over
// SSE at /sse, optionally protected by bearer tokens issued by an
// AuthServer.
type MCPServer struct {
	*httptest.Server

	auth *AuthServer

	mu            sync.Mutex
	requestCount  int
	unauthorized  int
	authorization []string
}

// Tools registered on every MCPServer.
var Tools = []mcp.Tool{
	mcp.NewTool("echo",
		mcp.WithDescription("Echo back the message"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo")),
	),
	mcp.NewTool("json", mcp.WithDescription("Return a JSON document as text")),
	mcp.NewTool("structured", mcp.WithDescription("Return structured content")),
	mcp.NewTool("multi", mcp.WithDescription("Return two text blocks")),
	mcp.NewTool("fail", mcp.WithDescription("Always report a tool error")),
}

// NewMCPServer starts an MCP server. A nil authServer disables
// authorization entirely.
func NewMCPServer(t *testing.T, authServer *AuthServer) *MCPServer {
	t.Helper()

	s := server.NewMCPServer("mcptest", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(Tools[0], func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(req.GetString("message", "")), nil
	})
	s.AddTool(Tools[1], func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(`{"answer":42,"tags":["a","b"]}`), nil
	})
	s.AddTool(Tools[2], func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultStructured(map[string]any{"count": 3}, "3 items"), nil
	})
	s.AddTool(Tools[3], func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent("first"), mcp.NewTextContent("second")},
		}, nil
	})
	s.AddTool(Tools[4], func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("boom"), nil
	})

	ms := &MCPServer{auth: authServer}

	sse := server.NewSSEServer(s)
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", ms.handleResourceMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", ms.handleResourceMetadata)
	mux.Handle("/mcp", ms.protect(server.NewStreamableHTTPServer(s)))
	mux.Handle("/sse", ms.protect(sse.SSEHandler()))
	mux.Handle("/message", ms.protect(sse.MessageHandler()))

	ms.Server = httptest.NewServer(mux)
	t.Cleanup(ms.Close)
	return ms
}

// Endpoint is the streamable HTTP endpoint.
func (ms *MCPServer) Endpoint() string {
	return ms.URL + "/mcp"
}

// SSEEndpoint is the SSE endpoint.
func (ms *MCPServer) SSEEndpoint() string {
	return ms.URL + "/sse"
}

func (ms *MCPServer) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if ms.auth == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 ms.URL + "/mcp",
		"authorization_servers":    []string{ms.auth.URL},
		"scopes_supported":         []string{"mcp:read", "mcp:write"},
		"bearer_methods_supported": []string{"header"},
	})
}

func (ms *MCPServer) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.requestCount++
		ms.authorization = append(ms.authorization, r.Header.Get("Authorization"))
		ms.mu.Unlock()

		if ms.auth != nil && !ms.auth.ValidAccessToken(bearerToken(r)) {
			ms.mu.Lock()
			ms.unauthorized++
			ms.mu.Unlock()

			w.Header().Set("WWW-Authenticate", fmt.Sprintf(
				`Bearer resource_metadata="%s/.well-known/oauth-protected-resource/mcp", scope="mcp:read"`, ms.URL))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestCount returns the number of protocol requests received.
func (ms *MCPServer) RequestCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.requestCount
}

// UnauthorizedCount returns the number of requests answered with 401.
func (ms *MCPServer) UnauthorizedCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.unauthorized
}

// AuthorizationHeaders returns the Authorization header of every request.
func (ms *MCPServer) AuthorizationHeaders() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.authorization...)
}
