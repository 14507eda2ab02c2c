package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/google/uuid"

	"github.com/zonlabs/mcp-assistant-sub001/internal/auth"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

// handleCallback completes the authorization code flow. The session is
// found through the state parameter alone, and the outcome is published to
// every subscriber of the session before the popup page is rendered.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	code := query.Get("code")
	stateParam := query.Get("state")

	if errParam := query.Get("error"); errParam != "" {
		desc := query.Get("error_description")
		if desc == "" {
			desc = errParam
		}
		s.logger.Warning("Authorization server returned error: %s - %s", errParam, query.Get("error_description"))

		// Only the holder of the issued state may end the pending flow.
		s.finishCallback(ctx, w, http.StatusOK, session.AuthMessage{
			Type:      session.AuthMessageError,
			SessionID: s.pendingSession(ctx, stateParam),
			Error:     "Authentication failed: " + desc,
		}, "")
		return
	}

	state, err := auth.DecodeState(stateParam, s.stateMaxAge)
	if err != nil {
		s.logger.Warning("OAuth callback with invalid state: %v", err)
		s.finishCallback(ctx, w, http.StatusBadRequest, session.AuthMessage{
			Type:  session.AuthMessageError,
			Error: "Authentication session expired or invalid. Please try again.",
		}, "")
		return
	}

	fail := func(status int, message string) {
		s.finishCallback(ctx, w, status, session.AuthMessage{
			Type:      session.AuthMessageError,
			SessionID: state.SessionID,
			Error:     message,
		}, state.ServerName)
	}

	if code == "" {
		s.logger.Warning("OAuth callback for session %s without code", state.SessionID)
		fail(http.StatusBadRequest, "Invalid callback: missing authorization code")
		return
	}

	c, err := s.factory.GetClient(ctx, state.SessionID)
	if err != nil {
		s.logger.Warning("OAuth callback for unknown session %s: %v", state.SessionID, err)
		fail(http.StatusBadRequest, "Authentication session expired. Please try again.")
		return
	}
	defer c.Close()

	if err := c.FinishAuthorization(ctx, code, stateParam); err != nil {
		s.logger.Error("Failed to complete authorization for session %s: %v", state.SessionID, err)
		switch {
		case errors.Is(err, mcpclient.ErrStateMismatch), errors.Is(err, mcpclient.ErrInvalidSession):
			fail(http.StatusBadRequest, "Authentication session expired or invalid. Please try again.")
		default:
			fail(http.StatusBadGateway, "Failed to complete authentication. Please try again.")
		}
		return
	}

	s.logger.Success("Session %s authorized for %s", state.SessionID, state.ServerURL)
	s.finishCallback(ctx, w, http.StatusOK, session.AuthMessage{
		Type:      session.AuthMessageSuccess,
		SessionID: state.SessionID,
	}, state.ServerName)
}

// pendingSession returns the session whose stored state equals stateParam,
// or "" when there is none.
func (s *Server) pendingSession(ctx context.Context, stateParam string) string {
	state, err := auth.DecodeState(stateParam, s.stateMaxAge)
	if err != nil {
		return ""
	}
	rec, err := s.store.Get(ctx, state.SessionID)
	if err != nil {
		return ""
	}
	if rec.AuthState == "" || subtle.ConstantTimeCompare([]byte(rec.AuthState), []byte(stateParam)) != 1 {
		s.logger.Warning("Ignoring provider error for session %s: state does not match", state.SessionID)
		return ""
	}
	return rec.SessionID
}

// finishCallback publishes msg and renders the page that relays it to the
// window which opened the popup.
func (s *Server) finishCallback(ctx context.Context, w http.ResponseWriter, status int, msg session.AuthMessage, serverName string) {
	if msg.SessionID != "" {
		if err := s.store.PublishAuthMessage(ctx, msg); err != nil {
			s.logger.Warning("Failed to publish auth message for session %s: %v", msg.SessionID, err)
		}
	}
	s.renderCallbackPage(w, status, msg, serverName)
}

// setSecurityHeaders locks the callback page down to its own inline script.
func setSecurityHeaders(w http.ResponseWriter, nonce string) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy",
		fmt.Sprintf("default-src 'none'; style-src 'unsafe-inline'; script-src 'nonce-%s'", nonce))
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

func (s *Server) renderCallbackPage(w http.ResponseWriter, status int, msg session.AuthMessage, serverName string) {
	nonce := uuid.NewString()
	setSecurityHeaders(w, nonce)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	// json.Marshal escapes <, > and & so the payload cannot leave the script element.
	payload, err := json.Marshal(msg)
	if err != nil {
		payload = []byte("{}")
	}
	target, _ := json.Marshal(s.origin)

	title := "Authentication Successful"
	heading := "Connected"
	detail := "You can close this window and return to the application."
	if serverName != "" {
		detail = fmt.Sprintf("%s is now connected. You can close this window.", serverName)
	}
	if msg.Type == session.AuthMessageError {
		title = "Authentication Failed"
		heading = "Authentication failed"
		detail = msg.Error
	}

	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s - MCP Assistant</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #f6f7f9; color: #1f2328; }
        .card { text-align: center; padding: 2.5rem; background: #fff; border-radius: 12px; box-shadow: 0 2px 12px rgba(0, 0, 0, 0.08); max-width: 480px; }
        h1 { font-size: 1.4rem; margin: 0 0 0.75rem; }
        p { margin: 0; line-height: 1.5; color: #57606a; }
    </style>
</head>
<body>
    <div class="card">
        <h1>%s</h1>
        <p>%s</p>
    </div>
    <script nonce="%s">
        (function () {
            var message = %s;
            if (window.opener && !window.opener.closed) {
                window.opener.postMessage(message, %s);
            }
            setTimeout(function () { window.close(); }, 1500);
        })();
    </script>
</body>
</html>
`,
		html.EscapeString(title),
		html.EscapeString(heading),
		html.EscapeString(detail),
		nonce,
		payload,
		target,
	)
}
