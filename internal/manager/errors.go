package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrPopupBlocked means the authorization window could not be opened.
	// It ends the connection attempt; there is no automatic retry.
	ErrPopupBlocked = errors.New("authorization window could not be opened")

	// ErrPopupClosed means the authorization window went away without
	// reporting an outcome.
	ErrPopupClosed = errors.New("authorization window closed before completing")

	// ErrAuthTimeout means the user did not finish authorization in time.
	ErrAuthTimeout = errors.New("authorization timed out")

	// ErrAuthFailed wraps the error reported by the authorization window.
	ErrAuthFailed = errors.New("authorization failed")

	// ErrClosed is returned by operations interrupted by Close.
	ErrClosed = errors.New("connection manager closed")

	// ErrBusy is returned when another operation on the same server is running.
	ErrBusy = errors.New("an operation on this server is already in progress")

	// ErrUnknownServer is returned for servers the manager has no entry for.
	ErrUnknownServer = errors.New("unknown server")

	// ErrSessionNotFound means the API no longer knows the session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrReconnectRequired means the API dropped the session because its
	// refresh token was rejected.
	ErrReconnectRequired = errors.New("session expired, reconnect required")
)

// AuthRequiredError is returned by the backend when the session needs the
// user to authorize again.
type AuthRequiredError struct {
	AuthURL   string
	SessionID string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required for session %s", e.SessionID)
}

// StatusError is an unexpected API response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Message)
}
