package api

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// ConnectRequest is the body of POST /api/mcp/connect.
type ConnectRequest struct {
	ServerURL     string `json:"serverUrl"`
	CallbackURL   string `json:"callbackUrl,omitempty"`
	ServerID      string `json:"serverId"`
	ServerName    string `json:"serverName,omitempty"`
	TransportType string `json:"transportType,omitempty"`
	SourceURL     string `json:"sourceUrl,omitempty"`
}

// ConnectResponse covers every outcome of a connect request. RequiresAuth
// responses are sent with status 401.
type ConnectResponse struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"sessionId,omitempty"`
	RequiresAuth bool   `json:"requiresAuth,omitempty"`
	AuthURL      string `json:"authUrl,omitempty"`
	Error        string `json:"error,omitempty"`
}

// DisconnectRequest is the body of POST /api/mcp/disconnect.
type DisconnectRequest struct {
	SessionID string `json:"sessionId"`
}

// StatusResponse is the plain success/failure envelope.
type StatusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ToolsResponse is the body of a successful tool listing.
type ToolsResponse struct {
	Tools []mcp.Tool `json:"tools"`
}

// ErrorResponse is returned by the tool listing when it cannot proceed.
// RequiresReconnect means the session was dropped after its refresh token
// was rejected; RequiresAuth means the user has to visit AuthURL again.
type ErrorResponse struct {
	Error             string `json:"error"`
	RequiresReconnect bool   `json:"requiresReconnect,omitempty"`
	RequiresAuth      bool   `json:"requiresAuth,omitempty"`
	AuthURL           string `json:"authUrl,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
}

// ToolCallRequest is the body of POST /api/mcp/tool.
type ToolCallRequest struct {
	SessionID string         `json:"sessionId"`
	ToolName  string         `json:"toolName"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
}

// SessionInfo is the public view of a stored session.
type SessionInfo struct {
	SessionID     string    `json:"sessionId"`
	ServerID      string    `json:"serverId"`
	ServerName    string    `json:"serverName"`
	ServerURL     string    `json:"serverUrl"`
	TransportType string    `json:"transportType"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SessionsResponse is the body of GET /api/mcp/sessions.
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}
