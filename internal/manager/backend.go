package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zonlabs/mcp-assistant-sub001/internal/api"
	"github.com/zonlabs/mcp-assistant-sub001/internal/config"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
)

// Backend is the part of the HTTP API the manager talks to.
type Backend interface {
	// Origin is the origin authorization messages must come from.
	Origin() string
	Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error)
	Disconnect(ctx context.Context, sessionID string) error
	ListTools(ctx context.Context, sessionID string) ([]mcp.Tool, error)
	CallTool(ctx context.Context, sessionID, name string, args map[string]any) (*mcpclient.ToolResult, error)
	Sessions(ctx context.Context) ([]api.SessionInfo, error)
}

const (
	userHeader       = "X-User-Id"
	maxResponseBytes = 10 << 20

	// DefaultRequestTimeout bounds every non-streaming API request.
	DefaultRequestTimeout = 2 * time.Minute
)

// HTTPBackend calls the API server over HTTP on behalf of one user.
type HTTPBackend struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHTTPBackend creates a backend for the API at baseURL. A nil httpClient
// gets a client with DefaultRequestTimeout.
func NewHTTPBackend(baseURL, userID string, httpClient *http.Client, logger *logging.Logger) (*HTTPBackend, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if config.OriginOf(baseURL) == "" {
		return nil, fmt.Errorf("invalid API URL %q", baseURL)
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &HTTPBackend{
		baseURL:    baseURL,
		userID:     userID,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL returns the API base URL without a trailing slash.
func (b *HTTPBackend) BaseURL() string {
	return b.baseURL
}

// UserID returns the user the backend acts for.
func (b *HTTPBackend) UserID() string {
	return b.userID
}

// Origin returns the origin of the API server.
func (b *HTTPBackend) Origin() string {
	return config.OriginOf(b.baseURL)
}

func (b *HTTPBackend) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	target := b.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(userHeader, b.userID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends a request and returns the status and the raw body.
func (b *HTTPBackend) do(ctx context.Context, method, path string, query url.Values, body any) (int, []byte, error) {
	req, err := b.newRequest(ctx, method, path, query, body)
	if err != nil {
		return 0, nil, err
	}
	b.logger.Request(method+" "+path, body)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response of %s %s: %w", method, path, err)
	}
	b.logger.Response(method+" "+path, json.RawMessage(data))
	return resp.StatusCode, data, nil
}

func decodeBody(path string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}

// statusError builds a StatusError from a body with an "error" field.
func statusError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &body)
	return &StatusError{StatusCode: status, Message: body.Error}
}

// Connect starts a connection. Both a completed connection and a pending
// authorization are returned as a response.
func (b *HTTPBackend) Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	const path = "/api/mcp/connect"
	status, data, err := b.do(ctx, http.MethodPost, path, nil, req)
	if err != nil {
		return nil, err
	}

	var resp api.ConnectResponse
	switch status {
	case http.StatusOK, http.StatusUnauthorized:
		if err := decodeBody(path, data, &resp); err != nil {
			return nil, err
		}
	default:
		return nil, statusError(status, data)
	}

	if resp.RequiresAuth {
		if resp.AuthURL == "" || resp.SessionID == "" {
			return nil, fmt.Errorf("malformed response from %s: authorization required without authUrl", path)
		}
		return &resp, nil
	}
	if !resp.Success || resp.SessionID == "" {
		return nil, statusError(status, data)
	}
	return &resp, nil
}

// Disconnect removes the session and its credentials.
func (b *HTTPBackend) Disconnect(ctx context.Context, sessionID string) error {
	status, data, err := b.do(ctx, http.MethodPost, "/api/mcp/disconnect", nil, api.DisconnectRequest{SessionID: sessionID})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrSessionNotFound
	default:
		return statusError(status, data)
	}
}

// ListTools lists the tools of the session's server.
func (b *HTTPBackend) ListTools(ctx context.Context, sessionID string) ([]mcp.Tool, error) {
	const path = "/api/mcp/tools"
	status, data, err := b.do(ctx, http.MethodGet, path, url.Values{"sessionId": {sessionID}}, nil)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var resp api.ToolsResponse
		if err := decodeBody(path, data, &resp); err != nil {
			return nil, err
		}
		return resp.Tools, nil
	case http.StatusNotFound:
		return nil, ErrSessionNotFound
	case http.StatusUnauthorized:
		var resp api.ErrorResponse
		if err := decodeBody(path, data, &resp); err != nil {
			return nil, err
		}
		if resp.RequiresAuth {
			return nil, &AuthRequiredError{AuthURL: resp.AuthURL, SessionID: resp.SessionID}
		}
		if resp.RequiresReconnect {
			return nil, ErrReconnectRequired
		}
		return nil, &StatusError{StatusCode: status, Message: resp.Error}
	default:
		return nil, statusError(status, data)
	}
}

// CallTool invokes a tool. Tool failures come back in the result, not as
// an error.
func (b *HTTPBackend) CallTool(ctx context.Context, sessionID, name string, args map[string]any) (*mcpclient.ToolResult, error) {
	const path = "/api/mcp/tool"
	status, data, err := b.do(ctx, http.MethodPost, path, nil, api.ToolCallRequest{
		SessionID: sessionID,
		ToolName:  name,
		ToolInput: args,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, data)
	}
	var result mcpclient.ToolResult
	if err := decodeBody(path, data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Sessions lists the user's stored sessions.
func (b *HTTPBackend) Sessions(ctx context.Context) ([]api.SessionInfo, error) {
	const path = "/api/mcp/sessions"
	status, data, err := b.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, data)
	}
	var resp api.SessionsResponse
	if err := decodeBody(path, data, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// openAuthEvents opens the authorization event stream of sessionID. The
// stream is not bounded by the request timeout.
func (b *HTTPBackend) openAuthEvents(ctx context.Context, sessionID string) (*http.Response, error) {
	const path = "/api/mcp/auth/events"
	req, err := b.newRequest(ctx, http.MethodGet, path, url.Values{"sessionId": {sessionID}}, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	streaming := &http.Client{
		Transport:     b.httpClient.Transport,
		CheckRedirect: b.httpClient.CheckRedirect,
		Jar:           b.httpClient.Jar,
	}
	resp, err := streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s failed: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, statusError(resp.StatusCode, data)
	}
	return resp, nil
}
