package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client/transport"
)

// ErrNotFound is returned when a session id is unknown or its entry expired.
var ErrNotFound = errors.New("session not found")

// Auth message types delivered to the window that opened the authorization popup.
const (
	AuthMessageSuccess = "auth-success"
	AuthMessageError   = "auth-error"
)

// AuthMessage is the completion signal of an authorization popup.
type AuthMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`

	// Origin is stamped by the receiver and never serialized.
	Origin string `json:"-"`
}

// Store persists session records shared by every request handler.
type Store interface {
	// GenerateSessionID returns a new collision-resistant session id.
	GenerateSessionID() string

	// SetClient upserts the record descriptor. Credentials already stored for
	// the same session id are kept, and any other record for the same
	// (userId, serverId) pair is removed.
	SetClient(ctx context.Context, rec *Record) error

	// Get loads a record by session id.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// Update atomically applies fn to the stored record.
	Update(ctx context.Context, sessionID string, fn func(*Record) error) error

	GetSession(ctx context.Context, userID, serverID string) (*Record, error)
	GetUserMcpSessions(ctx context.Context, userID string) ([]string, error)
	UpdateTokens(ctx context.Context, sessionID string, tokens *transport.Token) error
	RemoveSession(ctx context.Context, userID, serverID string) error
	RemoveSessionByID(ctx context.Context, sessionID string) error

	// PublishAuthMessage fans an authorization result out to subscribers of
	// the session, possibly in other processes.
	PublishAuthMessage(ctx context.Context, msg AuthMessage) error
	// SubscribeAuthMessages returns a channel of messages for sessionID and a
	// function releasing the subscription.
	SubscribeAuthMessages(ctx context.Context, sessionID string) (<-chan AuthMessage, func(), error)

	Close() error
}

func newSessionID() string {
	return uuid.NewString()
}
