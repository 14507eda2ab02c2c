package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

// InvalidationScope selects which credentials InvalidateCredentials drops.
type InvalidationScope string

const (
	ScopeTokens   InvalidationScope = "tokens"
	ScopeClient   InvalidationScope = "client"
	ScopeVerifier InvalidationScope = "verifier"
	ScopeAll      InvalidationScope = "all"
)

// ErrNoRedirectHandler is returned by RedirectToAuthorization when the
// provider was created without a redirect callback.
var ErrNoRedirectHandler = errors.New("no authorization redirect handler configured")

// Provider is the credential store of a single session. It holds no state
// of its own; every read and write goes to the session store.
type Provider struct {
	sessionID  string
	store      session.Store
	onRedirect func(authURL string)
	logger     *logging.Logger
}

var _ transport.TokenStore = (*Provider)(nil)

// NewProvider binds a provider to sessionID. onRedirect receives the
// authorization URL in place of a browser redirect.
func NewProvider(store session.Store, sessionID string, onRedirect func(authURL string), logger *logging.Logger) *Provider {
	return &Provider{
		sessionID:  sessionID,
		store:      store,
		onRedirect: onRedirect,
		logger:     logger,
	}
}

// SessionID returns the session this provider is bound to.
func (p *Provider) SessionID() string {
	return p.sessionID
}

func (p *Provider) record(ctx context.Context) (*session.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.store.Get(ctx, p.sessionID)
}

// ClientInformation returns the registered OAuth client, or nil if none.
func (p *Provider) ClientInformation(ctx context.Context) (*session.ClientInformation, error) {
	rec, err := p.record(ctx)
	if err != nil {
		return nil, err
	}
	return rec.ClientInformation, nil
}

// SaveClientInformation stores a dynamically registered client.
func (p *Provider) SaveClientInformation(ctx context.Context, info *session.ClientInformation) error {
	if info == nil || info.ClientID == "" {
		return fmt.Errorf("client information without client_id")
	}
	p.logger.Debug("Saving client information for session %s (client_id=%s)", p.sessionID, info.ClientID)
	return p.store.Update(ctx, p.sessionID, func(rec *session.Record) error {
		ci := *info
		rec.ClientInformation = &ci
		return nil
	})
}

// Tokens returns the stored token set, or nil if none.
func (p *Provider) Tokens(ctx context.Context) (*transport.Token, error) {
	rec, err := p.record(ctx)
	if err != nil {
		return nil, err
	}
	if !rec.HasTokens() {
		return nil, nil
	}
	return rec.Tokens, nil
}

// SaveTokens persists a token set.
func (p *Provider) SaveTokens(ctx context.Context, tokens *transport.Token) error {
	if tokens == nil {
		return fmt.Errorf("nil token set")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Debug("Saving tokens for session %s (expires_at=%s)", p.sessionID, tokens.ExpiresAt)
	return p.store.UpdateTokens(ctx, p.sessionID, tokens)
}

// GetToken implements transport.TokenStore.
func (p *Provider) GetToken(ctx context.Context) (*transport.Token, error) {
	tok, err := p.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, transport.ErrNoToken
	}
	return tok, nil
}

// SaveToken implements transport.TokenStore.
func (p *Provider) SaveToken(ctx context.Context, token *transport.Token) error {
	return p.SaveTokens(ctx, token)
}

// CodeVerifier returns the PKCE verifier of the in-flight authorization.
func (p *Provider) CodeVerifier(ctx context.Context) (string, error) {
	rec, err := p.record(ctx)
	if err != nil {
		return "", err
	}
	return rec.CodeVerifier, nil
}

// SaveCodeVerifier stores the PKCE verifier.
func (p *Provider) SaveCodeVerifier(ctx context.Context, verifier string) error {
	return p.store.Update(ctx, p.sessionID, func(rec *session.Record) error {
		rec.CodeVerifier = verifier
		return nil
	})
}

// RedirectToAuthorization hands authURL to the redirect callback.
func (p *Provider) RedirectToAuthorization(ctx context.Context, authURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if authURL == "" {
		return fmt.Errorf("empty authorization URL")
	}
	if p.onRedirect == nil {
		return ErrNoRedirectHandler
	}
	p.onRedirect(authURL)
	return nil
}

// InvalidateCredentials drops the credentials named by scope.
func (p *Provider) InvalidateCredentials(ctx context.Context, scope InvalidationScope) error {
	switch scope {
	case ScopeTokens, ScopeClient, ScopeVerifier, ScopeAll:
	default:
		return fmt.Errorf("unknown invalidation scope %q", scope)
	}

	p.logger.Debug("Invalidating %s credentials for session %s", scope, p.sessionID)
	return p.store.Update(ctx, p.sessionID, func(rec *session.Record) error {
		if scope == ScopeTokens || scope == ScopeAll {
			rec.Tokens = nil
			rec.Active = false
		}
		if scope == ScopeClient || scope == ScopeAll {
			rec.ClientInformation = nil
		}
		if scope == ScopeVerifier || scope == ScopeAll {
			rec.CodeVerifier = ""
			rec.AuthState = ""
			rec.AuthURL = ""
		}
		return nil
	})
}
