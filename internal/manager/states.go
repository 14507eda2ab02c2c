package manager

import (
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// State is the connection phase of one server.
type State string

const (
	StateIdle           State = "IDLE"
	StateConnecting     State = "CONNECTING"
	StateAuthenticating State = "AUTHENTICATING"
	StateAuthenticated  State = "AUTHENTICATED"
	StateDiscovering    State = "DISCOVERING"
	StateConnected      State = "CONNECTED"
	StateError          State = "ERROR"
)

// transitions lists the legal successors of every state. ERROR is added
// for every transient state by CanTransition.
var transitions = map[State][]State{
	StateIdle:           {StateConnecting, StateDiscovering},
	StateConnecting:     {StateAuthenticating, StateDiscovering},
	StateAuthenticating: {StateAuthenticated},
	StateAuthenticated:  {StateDiscovering},
	StateDiscovering:    {StateConnected},
	StateConnected:      {StateConnecting, StateDiscovering, StateIdle},
	StateError:          {StateConnecting, StateDiscovering, StateIdle},
}

// Transient reports whether s only lasts while an operation is running.
func (s State) Transient() bool {
	switch s {
	case StateIdle, StateConnected, StateError:
		return false
	}
	return true
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	if next == StateError && s.Transient() {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ConnectionInfo is the externally visible state of one server.
type ConnectionInfo struct {
	SessionID   string     `json:"sessionId,omitempty"`
	ServerID    string     `json:"serverId"`
	ServerName  string     `json:"serverName,omitempty"`
	ServerURL   string     `json:"serverUrl,omitempty"`
	State       State      `json:"state"`
	Tools       []mcp.Tool `json:"tools,omitempty"`
	Error       string     `json:"error,omitempty"`
	ConnectedAt time.Time  `json:"connectedAt,omitempty"`
}

// Server describes a remote MCP server to connect to.
type Server struct {
	ID            string
	Name          string
	URL           string
	TransportType string
	CallbackURL   string
	SourceURL     string
}

func (s Server) validate() error {
	if s.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if s.URL == "" {
		return fmt.Errorf("server URL is required")
	}
	return nil
}
