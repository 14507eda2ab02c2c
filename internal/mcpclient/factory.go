// Package mcpclient speaks the MCP protocol to remote tool servers on behalf
// of a stored session.
//
// Clients are never cached. Every request rebuilds its client from the
// session record through Factory.GetClient, so the request that starts an
// authorization and the callback that completes it may run in different
// processes.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zonlabs/mcp-assistant-sub001/internal/auth"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

const (
	defaultClientName     = "mcp-assistant"
	defaultRequestTimeout = 30 * time.Second
)

// Config holds the dependencies shared by every client a Factory builds.
type Config struct {
	Store  session.Store
	Logger *logging.Logger

	// HTTPClient supplies the base RoundTripper for protocol, discovery and
	// OAuth requests. nil means http.DefaultTransport.
	HTTPClient *http.Client

	// ClientName is sent as client_name during Dynamic Client Registration
	// and as the MCP clientInfo name.
	ClientName     string
	Version        string
	RequestTimeout time.Duration

	// RegistrationToken is an optional initial access token for DCR.
	RegistrationToken string
	// Scopes overrides scope selection when set.
	Scopes []string
}

// Factory turns a session id into a live Client.
type Factory struct {
	store             session.Store
	logger            *logging.Logger
	baseTransport     http.RoundTripper
	clientName        string
	version           string
	requestTimeout    time.Duration
	registrationToken string
	scopes            []string

	refresh singleflight.Group
}

// NewFactory creates a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	f := &Factory{
		store:             cfg.Store,
		logger:            cfg.Logger,
		baseTransport:     http.DefaultTransport,
		clientName:        cfg.ClientName,
		version:           cfg.Version,
		requestTimeout:    cfg.RequestTimeout,
		registrationToken: cfg.RegistrationToken,
		scopes:            cfg.Scopes,
	}
	if cfg.HTTPClient != nil && cfg.HTTPClient.Transport != nil {
		f.baseTransport = cfg.HTTPClient.Transport
	}
	if f.clientName == "" {
		f.clientName = defaultClientName
	}
	if f.version == "" {
		f.version = "dev"
	}
	if f.requestTimeout <= 0 {
		f.requestTimeout = defaultRequestTimeout
	}
	return f, nil
}

// Store returns the session store the factory reads from.
func (f *Factory) Store() session.Store {
	return f.store
}

// GetClient rehydrates the client of sessionID from the store. It returns
// ErrInvalidSession when no record exists.
func (f *Factory) GetClient(ctx context.Context, sessionID string) (*Client, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	rec, err := f.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	c := &Client{
		factory:   f,
		sessionID: rec.SessionID,
		record:    rec,
		logger:    f.logger,
	}
	c.provider = auth.NewProvider(f.store, rec.SessionID, c.setAuthURL, f.logger)
	return c, nil
}

// discoveryClient is used for metadata requests, which never carry
// credentials.
func (f *Factory) discoveryClient() *http.Client {
	return &http.Client{Transport: f.baseTransport, Timeout: f.requestTimeout}
}

// oauthClient is handed to the mcp-go OAuth handler. It adds the RFC 8707
// resource parameter and the DCR initial access token.
func (f *Factory) oauthClient(serverURL string) *http.Client {
	rt := auth.NewRegistrationTokenRoundTripper(f.registrationToken, f.baseTransport, f.logger)
	if resourceURI, err := auth.DeriveResourceURI(serverURL); err == nil {
		rt = auth.NewResourceRoundTripper(resourceURI, rt, f.logger)
	} else {
		f.logger.Warning("Cannot derive resource URI from %s: %v", serverURL, err)
	}
	return &http.Client{Transport: rt, Timeout: f.requestTimeout}
}
