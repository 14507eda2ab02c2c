package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zonlabs/mcp-assistant-sub001/internal/auth"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

// Client is the protocol client of one session. It lives for a single
// request; Close releases the transport.
type Client struct {
	factory   *Factory
	sessionID string
	logger    *logging.Logger
	provider  *auth.Provider

	mu      sync.RWMutex
	record  *session.Record
	mc      *client.Client
	ready   bool
	authURL string
}

// SessionID returns the session this client was rehydrated from.
func (c *Client) SessionID() string {
	return c.sessionID
}

// ServerURL returns the remote MCP endpoint.
func (c *Client) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.ServerURL
}

// TransportType returns the configured transport.
func (c *Client) TransportType() session.TransportType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.TransportType
}

// Record returns a copy of the record as last loaded.
func (c *Client) Record() *session.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Clone()
}

// Ready reports whether Connect completed the handshake.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func (c *Client) setAuthURL(authURL string) {
	c.mu.Lock()
	c.authURL = authURL
	c.mu.Unlock()
}

func (c *Client) reload(ctx context.Context) (*session.Record, error) {
	rec, err := c.factory.store.Get(ctx, c.sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("failed to load session %s: %w", c.sessionID, err)
	}
	c.mu.Lock()
	c.record = rec
	c.mu.Unlock()
	return rec, nil
}

// Connect performs the MCP handshake.
//
// With stored tokens the request is authorized through the mcp-go OAuth
// transport. Without them it is attempted unauthenticated first. When the
// server challenges, Connect starts an authorization code + PKCE flow and
// returns an *AuthorizationRequiredError carrying the URL the user must
// visit. Connect never waits for the user.
func (c *Client) Connect(ctx context.Context) error {
	rec, err := c.reload(ctx)
	if err != nil {
		return err
	}

	c.closeTransport()

	recorder := auth.NewChallengeRecorder(c.factory.baseTransport)
	var oauthCfg *transport.OAuthConfig
	if rec.HasTokens() {
		cfg := c.oauthConfig(rec)
		oauthCfg = &cfg
	}

	mc, err := c.newProtocolClient(rec, recorder, oauthCfg)
	if err != nil {
		return &ConnectionError{Op: "create transport", Err: err}
	}

	c.logger.Info("Connecting to MCP server at %s using %s transport...", rec.ServerURL, rec.TransportType)

	if err := mc.Start(ctx); err != nil {
		_ = mc.Close()
		return c.handshakeFailed(ctx, rec, recorder, "start client", err)
	}
	if err := c.initialize(ctx, mc); err != nil {
		_ = mc.Close()
		return c.handshakeFailed(ctx, rec, recorder, "initialization", err)
	}

	c.mu.Lock()
	c.mc = mc
	c.ready = true
	c.mu.Unlock()

	if !rec.Active {
		if err := c.factory.store.Update(ctx, c.sessionID, func(r *session.Record) error {
			r.Active = true
			return nil
		}); err != nil {
			c.logger.Warning("Failed to mark session %s active: %v", c.sessionID, err)
		}
	}

	c.logger.Success("Connected to %s (session %s)", rec.ServerURL, c.sessionID)
	return nil
}

// handshakeFailed turns a 401 into an authorization flow and anything else
// into a ConnectionError.
func (c *Client) handshakeFailed(ctx context.Context, rec *session.Record, recorder *auth.ChallengeRecorder, op string, err error) error {
	header, unauthorized := recorder.Challenge()
	if !unauthorized && !client.IsOAuthAuthorizationRequiredError(err) {
		c.logger.Error("MCP %s failed: %v", op, err)
		return &ConnectionError{Op: op, Err: err}
	}

	c.logger.Info("OAuth authorization required for %s, starting authorization flow...", rec.ServerURL)
	if rec.HasTokens() {
		if err := c.provider.InvalidateCredentials(ctx, auth.ScopeTokens); err != nil {
			return fmt.Errorf("failed to drop rejected tokens: %w", err)
		}
	}
	return c.startAuthorization(ctx, rec, header)
}

func (c *Client) initialize(ctx context.Context, mc *client.Client) error {
	req := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    c.factory.clientName,
				Version: c.factory.version,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}

	c.logger.Request("initialize", req.Params)
	result, err := mc.Initialize(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Response("initialize", result)
	return nil
}

// newProtocolClient builds the transport selected by the record. Protocol
// traffic always flows through recorder so a 401 can be detected whether or
// not OAuth is configured.
func (c *Client) newProtocolClient(rec *session.Record, recorder *auth.ChallengeRecorder, oauthCfg *transport.OAuthConfig) (*client.Client, error) {
	switch rec.TransportType {
	case session.TransportSSE:
		// The SSE stream is long lived, so no client timeout here.
		opts := []transport.ClientOption{
			transport.WithHTTPClient(&http.Client{Transport: recorder}),
		}
		if oauthCfg != nil {
			opts = append(opts, transport.WithOAuth(*oauthCfg))
		}
		t, err := transport.NewSSE(rec.ServerURL, opts...)
		if err != nil {
			return nil, err
		}
		return client.NewClient(t), nil

	case session.TransportStreamableHTTP, "":
		opts := []transport.StreamableHTTPCOption{
			transport.WithHTTPBasicClient(&http.Client{Transport: recorder, Timeout: c.factory.requestTimeout}),
		}
		if oauthCfg != nil {
			opts = append(opts, transport.WithHTTPOAuth(*oauthCfg))
		}
		t, err := transport.NewStreamableHTTP(rec.ServerURL, opts...)
		if err != nil {
			return nil, err
		}
		return client.NewClient(t), nil

	default:
		return nil, fmt.Errorf("unsupported transport type %q", rec.TransportType)
	}
}

// oauthConfig describes the OAuth client of rec. The provider is the token
// store, so tokens obtained or refreshed by mcp-go land in the session record.
func (c *Client) oauthConfig(rec *session.Record) transport.OAuthConfig {
	cfg := transport.OAuthConfig{
		RedirectURI:           rec.CallbackURL,
		Scopes:                rec.Scopes,
		TokenStore:            c.provider,
		AuthServerMetadataURL: rec.AuthServerMetadataURL,
		PKCEEnabled:           true,
		HTTPClient:            c.factory.oauthClient(rec.ServerURL),
	}
	if rec.ClientInformation != nil {
		cfg.ClientID = rec.ClientInformation.ClientID
		cfg.ClientSecret = rec.ClientInformation.ClientSecret
	}
	return cfg
}

// newOAuthHandler builds a handler from persisted state only. Without a
// discovered metadata URL the handler falls back to default endpoints on
// the server origin.
func (c *Client) newOAuthHandler(rec *session.Record) *transport.OAuthHandler {
	h := transport.NewOAuthHandler(c.oauthConfig(rec))
	if rec.AuthServerMetadataURL == "" {
		h.SetBaseURL(originOf(rec.ServerURL))
	}
	return h
}

// ListTools returns the tools advertised by the server, unmodified.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	mc, err := c.connected()
	if err != nil {
		return nil, err
	}

	req := mcp.ListToolsRequest{}
	c.logger.Request("tools/list", req.Params)

	result, err := mc.ListTools(ctx, req)
	if err != nil {
		c.logger.Error("ListTools failed: %v", err)
		return nil, &ConnectionError{Op: "tools/list", Err: err}
	}
	c.logger.Response("tools/list", result)

	if result.Tools == nil {
		return []mcp.Tool{}, nil
	}
	return result.Tools, nil
}

// CallTool invokes a tool. A tool that reports an error yields
// Success=false and a nil error; only transport failures return an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	mc, err := c.connected()
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
	c.logger.Request("tools/call", req.Params)

	result, err := mc.CallTool(ctx, req)
	if err != nil {
		c.logger.Error("CallTool failed: %v", err)
		return nil, &ConnectionError{Op: "tools/call", Err: err}
	}
	c.logger.Response("tools/call", result)

	return normalizeResult(result), nil
}

func (c *Client) connected() (*client.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready || c.mc == nil {
		return nil, ErrNotConnected
	}
	return c.mc, nil
}

func (c *Client) closeTransport() {
	c.mu.Lock()
	mc := c.mc
	c.mc = nil
	c.ready = false
	c.mu.Unlock()

	if mc != nil {
		if err := mc.Close(); err != nil {
			c.logger.Debug("Closing transport for session %s: %v", c.sessionID, err)
		}
	}
}

// Close releases the transport. The session record is left untouched.
func (c *Client) Close() error {
	c.closeTransport()
	return nil
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
