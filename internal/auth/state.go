package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
)

// ErrInvalidState is returned for state parameters that cannot be decoded,
// lack a session id, or are older than the allowed age.
var ErrInvalidState = errors.New("invalid or expired OAuth state")

// State is carried through the authorization server in the state parameter.
// The callback is routed purely by the SessionID it contains; the nonce makes
// each authorization attempt's state unique and is compared against the copy
// persisted in the session record.
type State struct {
	SessionID  string    `json:"sessionId"`
	ServerID   string    `json:"serverId"`
	ServerName string    `json:"serverName"`
	ServerURL  string    `json:"serverUrl"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	Nonce      string    `json:"nonce"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewState builds a state with a fresh random nonce.
func NewState(sessionID, serverID, serverName, serverURL, sourceURL string) (State, error) {
	nonce, err := client.GenerateState()
	if err != nil {
		return State{}, fmt.Errorf("failed to generate state nonce: %w", err)
	}
	return State{
		SessionID:  sessionID,
		ServerID:   serverID,
		ServerName: serverName,
		ServerURL:  serverURL,
		SourceURL:  sourceURL,
		Nonce:      nonce,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// EncodeState serializes s as base64url JSON.
func EncodeState(s State) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState parses an encoded state and rejects it when older than maxAge.
// A zero maxAge disables the age check.
func DecodeState(encoded string, maxAge time.Duration) (*State, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidState)
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if s.SessionID == "" || s.Nonce == "" {
		return nil, fmt.Errorf("%w: missing session id or nonce", ErrInvalidState)
	}
	if maxAge > 0 && time.Since(s.CreatedAt) > maxAge {
		return nil, fmt.Errorf("%w: issued %s ago", ErrInvalidState, time.Since(s.CreatedAt).Round(time.Second))
	}
	return &s, nil
}
