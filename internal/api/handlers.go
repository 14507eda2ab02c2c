package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zonlabs/mcp-assistant-sub001/internal/auth"
	"github.com/zonlabs/mcp-assistant-sub001/internal/config"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

var errSessionNotFound = errors.New("session not found")

// handleConnect stores the session descriptor and attempts the handshake.
// The descriptor is committed before any session id or authorization URL
// leaves this handler.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(ctx)

	var req ConnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ConnectResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	rec, err := s.descriptorFor(userID, &req)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ConnectResponse{Error: err.Error()})
		return
	}

	rec.SessionID = s.store.GenerateSessionID()
	if err := s.store.SetClient(ctx, rec); err != nil {
		s.logger.Error("Failed to store session for %s: %v", rec.ServerID, err)
		s.writeJSON(w, http.StatusInternalServerError, ConnectResponse{Error: "failed to store session"})
		return
	}
	s.logger.Info("Connecting session %s to %s (%s)", rec.SessionID, rec.ServerURL, rec.TransportType)

	c, err := s.factory.GetClient(ctx, rec.SessionID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, ConnectResponse{Error: err.Error()})
		return
	}
	defer c.Close()

	err = c.Connect(ctx)
	if authErr, ok := mcpclient.IsAuthorizationRequired(err); ok {
		s.writeJSON(w, http.StatusUnauthorized, ConnectResponse{
			RequiresAuth: true,
			AuthURL:      authErr.AuthURL,
			SessionID:    authErr.SessionID,
		})
		return
	}
	if err != nil {
		s.logger.Warning("Connect to %s failed: %v", rec.ServerURL, err)
		if rmErr := s.store.RemoveSessionByID(ctx, rec.SessionID); rmErr != nil && !errors.Is(rmErr, session.ErrNotFound) {
			s.logger.Error("Failed to remove session %s: %v", rec.SessionID, rmErr)
		}
		s.writeJSON(w, http.StatusBadGateway, ConnectResponse{Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, ConnectResponse{Success: true, SessionID: rec.SessionID})
}

// descriptorFor validates req and fills in defaults.
func (s *Server) descriptorFor(userID string, req *ConnectRequest) (*session.Record, error) {
	if req.ServerID == "" {
		return nil, fmt.Errorf("serverId is required")
	}
	if err := validateHTTPURL("serverUrl", req.ServerURL); err != nil {
		return nil, err
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = s.publicURL + config.CallbackPath
	} else if err := validateHTTPURL("callbackUrl", callbackURL); err != nil {
		return nil, err
	}

	transportType := session.TransportStreamableHTTP
	if req.TransportType != "" {
		t, ok := session.ParseTransportType(req.TransportType)
		if !ok {
			return nil, fmt.Errorf("unsupported transportType %q", req.TransportType)
		}
		transportType = t
	}

	serverName := req.ServerName
	if serverName == "" {
		serverName = req.ServerID
	}

	return &session.Record{
		UserID:        userID,
		ServerID:      req.ServerID,
		ServerName:    serverName,
		ServerURL:     req.ServerURL,
		CallbackURL:   callbackURL,
		TransportType: transportType,
		SourceURL:     req.SourceURL,
	}, nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	return nil
}

// handleDisconnect drops every credential of the session and removes it.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(ctx)

	var req DisconnectRequest
	if err := decodeJSON(w, r, &req); err != nil || req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	rec, err := s.ownedRecord(ctx, userID, req.SessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	provider := auth.NewProvider(s.store, rec.SessionID, nil, s.logger)
	if err := provider.InvalidateCredentials(ctx, auth.ScopeAll); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Error("Failed to invalidate credentials of %s: %v", rec.SessionID, err)
		s.writeError(w, http.StatusInternalServerError, "failed to invalidate credentials")
		return
	}
	if err := s.store.RemoveSession(ctx, userID, rec.ServerID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, errSessionNotFound.Error())
			return
		}
		s.logger.Error("Failed to remove session %s: %v", rec.SessionID, err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove session")
		return
	}

	s.logger.Info("Disconnected session %s from %s", rec.SessionID, rec.ServerURL)
	s.writeJSON(w, http.StatusOK, StatusResponse{Success: true})
}

// ownedRecord loads sessionID and hides sessions of other users.
func (s *Server) ownedRecord(ctx context.Context, userID, sessionID string) (*session.Record, error) {
	if sessionID == "" {
		return nil, errSessionNotFound
	}
	rec, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, errSessionNotFound
		}
		return nil, err
	}
	if rec.UserID != userID {
		return nil, errSessionNotFound
	}
	return rec, nil
}

// connectedClient rehydrates the session, refreshes its tokens when they
// are about to expire and completes the handshake. A session whose
// authorization is still in flight is reported as such and left untouched,
// so the popup that is already open can still complete it.
func (s *Server) connectedClient(ctx context.Context, userID, sessionID string) (*mcpclient.Client, error) {
	rec, err := s.ownedRecord(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.PendingAuthorization() {
		return nil, &mcpclient.AuthorizationRequiredError{AuthURL: rec.AuthURL, SessionID: rec.SessionID}
	}
	c, err := s.factory.GetClient(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := c.GetValidTokens(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// handleListTools lists the tools of a session's server.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.URL.Query().Get("sessionId")

	c, err := s.connectedClient(ctx, userFrom(ctx), sessionID)
	if err != nil {
		s.writeToolsError(w, sessionID, err)
		return
	}
	defer c.Close()

	tools, err := c.ListTools(ctx)
	if err != nil {
		s.writeToolsError(w, sessionID, err)
		return
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	s.writeJSON(w, http.StatusOK, ToolsResponse{Tools: tools})
}

func (s *Server) writeToolsError(w http.ResponseWriter, sessionID string, err error) {
	if authErr, ok := mcpclient.IsAuthorizationRequired(err); ok {
		s.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error:        "authorization required",
			RequiresAuth: true,
			AuthURL:      authErr.AuthURL,
			SessionID:    authErr.SessionID,
		})
		return
	}

	switch {
	case errors.Is(err, errSessionNotFound), errors.Is(err, mcpclient.ErrInvalidSession):
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: errSessionNotFound.Error()})
	case errors.Is(err, mcpclient.ErrInvalidGrant):
		s.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error(), RequiresReconnect: true})
	default:
		s.logger.Warning("Tool listing for session %s failed: %v", sessionID, err)
		s.writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}
}

// handleCallTool forwards a tool call. It always answers 200 and reports
// failures in the body.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ToolCallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusOK, mcpclient.ToolResult{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		s.writeJSON(w, http.StatusOK, mcpclient.ToolResult{Error: "toolName is required"})
		return
	}

	c, err := s.connectedClient(ctx, userFrom(ctx), req.SessionID)
	if err != nil {
		s.writeJSON(w, http.StatusOK, mcpclient.ToolResult{Error: toolCallError(err)})
		return
	}
	defer c.Close()

	result, err := c.CallTool(ctx, req.ToolName, req.ToolInput)
	if err != nil {
		s.logger.Warning("Tool %s on session %s failed: %v", req.ToolName, req.SessionID, err)
		s.writeJSON(w, http.StatusOK, mcpclient.ToolResult{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func toolCallError(err error) string {
	if _, ok := mcpclient.IsAuthorizationRequired(err); ok {
		return "authorization required, reconnect the server"
	}
	if errors.Is(err, mcpclient.ErrInvalidSession) {
		return errSessionNotFound.Error()
	}
	return err.Error()
}

// handleListSessions lists the caller's live sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(ctx)

	ids, err := s.store.GetUserMcpSessions(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to list sessions of %s: %v", userID, err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := SessionsResponse{Sessions: make([]SessionInfo, 0, len(ids))}
	for _, id := range ids {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			// Expired between the listing and this read.
			continue
		}
		resp.Sessions = append(resp.Sessions, SessionInfo{
			SessionID:     rec.SessionID,
			ServerID:      rec.ServerID,
			ServerName:    rec.ServerName,
			ServerURL:     rec.ServerURL,
			TransportType: string(rec.TransportType),
			Active:        rec.Usable(),
			CreatedAt:     rec.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}
