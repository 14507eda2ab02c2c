// Package session implements the shared Session Record Store.
//
// A Record holds everything needed to rebuild a connection to a remote MCP
// server without any in-process state: the server descriptor, the dynamically
// registered OAuth client, the current token set and, while an authorization
// is in flight, the PKCE verifier and the state parameter. Records are keyed
// by an opaque session id and every entry expires after a fixed TTL.
package session

import (
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
)

// TransportType selects the wire transport used to reach a remote server.
type TransportType string

const (
	TransportStreamableHTTP TransportType = "streamable-http"
	TransportSSE            TransportType = "sse"
)

// Valid reports whether t is a supported transport.
func (t TransportType) Valid() bool {
	return t == TransportStreamableHTTP || t == TransportSSE
}

// ParseTransportType maps an empty value to the streamable HTTP default.
func ParseTransportType(s string) (TransportType, bool) {
	if s == "" {
		return TransportStreamableHTTP, true
	}
	t := TransportType(s)
	return t, t.Valid()
}

// ClientInformation is a dynamically registered OAuth client.
type ClientInformation struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Record is the durable state of one connection attempt.
type Record struct {
	SessionID     string        `json:"sessionId"`
	UserID        string        `json:"userId"`
	ServerID      string        `json:"serverId"`
	ServerName    string        `json:"serverName"`
	ServerURL     string        `json:"serverUrl"`
	CallbackURL   string        `json:"callbackUrl"`
	TransportType TransportType `json:"transportType"`
	SourceURL     string        `json:"sourceUrl,omitempty"`

	ClientInformation *ClientInformation `json:"clientInformation,omitempty"`
	Tokens            *transport.Token   `json:"tokens,omitempty"`
	CodeVerifier      string             `json:"codeVerifier,omitempty"`

	// Populated when an authorization flow starts so that a callback served by
	// another process can finish it.
	AuthServerMetadataURL string   `json:"authServerMetadataUrl,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`
	AuthState             string   `json:"authState,omitempty"`
	AuthURL               string   `json:"authUrl,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasTokens reports whether an access token is stored.
func (r *Record) HasTokens() bool {
	return r != nil && r.Tokens != nil && r.Tokens.AccessToken != ""
}

// PendingAuthorization reports whether the record is mid-authorization and
// therefore must not be treated as usable.
func (r *Record) PendingAuthorization() bool {
	return r != nil && !r.HasTokens() && (r.CodeVerifier != "" || r.AuthState != "")
}

// Usable reports whether the record can serve protocol requests: it has
// tokens, or it is active and no authorization is in flight.
func (r *Record) Usable() bool {
	if r == nil {
		return false
	}
	return r.HasTokens() || (r.Active && !r.PendingAuthorization())
}

// Descriptor returns a copy stripped of credentials written by the
// credential provider.
func (r *Record) Descriptor() *Record {
	if r == nil {
		return nil
	}
	d := *r
	d.Tokens = nil
	d.CodeVerifier = ""
	if r.ClientInformation != nil {
		ci := *r.ClientInformation
		d.ClientInformation = &ci
	}
	d.Scopes = append([]string(nil), r.Scopes...)
	return &d
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := r.Descriptor()
	c.CodeVerifier = r.CodeVerifier
	if r.Tokens != nil {
		tok := *r.Tokens
		c.Tokens = &tok
	}
	return c
}

// mergeCredentials copies credentials from prev into r when r does not carry
// its own. Rewriting a descriptor must not drop tokens already obtained.
func (r *Record) mergeCredentials(prev *Record) {
	if prev == nil {
		return
	}
	if r.Tokens == nil && prev.Tokens != nil {
		tok := *prev.Tokens
		r.Tokens = &tok
	}
	if r.ClientInformation == nil && prev.ClientInformation != nil {
		ci := *prev.ClientInformation
		r.ClientInformation = &ci
	}
	if r.CodeVerifier == "" {
		r.CodeVerifier = prev.CodeVerifier
	}
	if r.AuthState == "" {
		r.AuthState = prev.AuthState
		r.AuthURL = prev.AuthURL
	}
	if r.AuthServerMetadataURL == "" {
		r.AuthServerMetadataURL = prev.AuthServerMetadataURL
	}
	if len(r.Scopes) == 0 {
		r.Scopes = append([]string(nil), prev.Scopes...)
	}
	if prev.Active {
		r.Active = true
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = prev.CreatedAt
	}
}
