package mcpclient

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/client/transport"
)

var (
	// ErrInvalidSession means the session id is unknown or its record expired.
	ErrInvalidSession = errors.New("invalid or expired session")

	// ErrInvalidGrant means the authorization server rejected the refresh
	// token. The session has already been removed when this is returned.
	ErrInvalidGrant = errors.New("refresh token rejected, reconnect required")

	// ErrNotConnected is returned by tool operations before a successful Connect.
	ErrNotConnected = errors.New("client is not connected")

	// ErrStateMismatch is returned when a callback state does not match the
	// authorization attempt stored for the session.
	ErrStateMismatch = errors.New("OAuth state does not match pending authorization")
)

// AuthorizationRequiredError signals that the handshake needs the user to
// visit AuthURL. It is a control-flow condition, not a failure.
type AuthorizationRequiredError struct {
	AuthURL   string
	SessionID string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required for session %s", e.SessionID)
}

// ConnectionError wraps a transport level failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsAuthorizationRequired extracts an AuthorizationRequiredError from err.
func IsAuthorizationRequired(err error) (*AuthorizationRequiredError, bool) {
	var authErr *AuthorizationRequiredError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

func isInvalidGrant(err error) bool {
	var oauthErr transport.OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.ErrorCode == "invalid_grant"
	}
	return false
}
