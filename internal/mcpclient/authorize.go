package mcpclient

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/client"

	"github.com/zonlabs/mcp-assistant-sub001/internal/auth"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

// startAuthorization prepares an authorization code + PKCE flow and records
// everything the callback needs in the session before returning the URL.
func (c *Client) startAuthorization(ctx context.Context, rec *session.Record, wwwAuthenticate string) error {
	var challenge *auth.Challenge
	if wwwAuthenticate != "" {
		parsed, err := auth.ParseWWWAuthenticate(wwwAuthenticate)
		if err != nil {
			c.logger.Warning("Ignoring malformed WWW-Authenticate header: %v", err)
		} else {
			challenge = parsed
		}
	}

	httpClient := c.factory.discoveryClient()
	serverOrigin := originOf(rec.ServerURL)

	issuer := serverOrigin
	prm, err := auth.DiscoverProtectedResourceMetadata(ctx, httpClient, rec.ServerURL, challenge, c.logger)
	if err != nil {
		c.logger.InfoVerbose("Protected resource metadata unavailable (%v), using server origin as issuer", err)
		prm = nil
	} else {
		issuer, err = auth.SelectAuthorizationServer(prm, "")
		if err != nil {
			return &ConnectionError{Op: "select authorization server", Err: err}
		}
	}

	metadataURL := ""
	asMeta, foundURL, err := auth.DiscoverAuthorizationServerMetadata(ctx, httpClient, issuer, c.logger)
	switch {
	case err == nil:
		metadataURL = foundURL
		if pkceErr := auth.ValidatePKCESupport(asMeta); pkceErr != nil {
			if !errors.Is(pkceErr, auth.ErrPKCENotAdvertised) {
				return &ConnectionError{Op: "authorization server discovery", Err: pkceErr}
			}
			c.logger.Warning("%v, sending S256 challenge anyway", pkceErr)
		}
	case issuer == serverOrigin:
		c.logger.Warning("No authorization server metadata for %s, using default endpoints", issuer)
	default:
		return &ConnectionError{Op: "authorization server discovery", Err: err}
	}

	scopes := auth.SelectScopes(c.factory.scopes, challenge, prm)

	rec = rec.Clone()
	rec.AuthServerMetadataURL = metadataURL
	rec.Scopes = scopes
	handler := c.newOAuthHandler(rec)

	if rec.ClientInformation == nil || rec.ClientInformation.ClientID == "" {
		c.logger.Info("No client ID registered, attempting dynamic client registration...")
		if err := handler.RegisterClient(ctx, c.factory.clientName); err != nil {
			return &ConnectionError{Op: "client registration", Err: err}
		}
		info := &session.ClientInformation{
			ClientID:     handler.GetClientID(),
			ClientSecret: handler.GetClientSecret(),
		}
		if err := c.provider.SaveClientInformation(ctx, info); err != nil {
			return fmt.Errorf("failed to save client information: %w", err)
		}
		rec.ClientInformation = info
		c.logger.Success("Client registered successfully with ID: %s", info.ClientID)
	}

	verifier, err := client.GenerateCodeVerifier()
	if err != nil {
		return fmt.Errorf("failed to generate code verifier: %w", err)
	}
	codeChallenge := client.GenerateCodeChallenge(verifier)

	st, err := auth.NewState(rec.SessionID, rec.ServerID, rec.ServerName, rec.ServerURL, rec.SourceURL)
	if err != nil {
		return err
	}
	encoded, err := auth.EncodeState(st)
	if err != nil {
		return err
	}

	authURL, err := handler.GetAuthorizationURL(ctx, encoded, codeChallenge)
	if err != nil {
		return &ConnectionError{Op: "build authorization URL", Err: err}
	}
	if authURL == "" {
		return fmt.Errorf("authorization required but no authorization URL was produced for %s", rec.ServerURL)
	}
	if resourceURI, err := auth.DeriveResourceURI(rec.ServerURL); err == nil {
		if authURL, err = auth.AddResourceParameter(authURL, resourceURI); err != nil {
			return &ConnectionError{Op: "build authorization URL", Err: err}
		}
	}

	// The callback may be served by another process, so every piece of the
	// pending flow is committed before the URL leaves this function.
	if err := c.provider.SaveCodeVerifier(ctx, verifier); err != nil {
		return fmt.Errorf("failed to save code verifier: %w", err)
	}
	if err := c.factory.store.Update(ctx, c.sessionID, func(r *session.Record) error {
		r.AuthState = encoded
		r.AuthURL = authURL
		r.Scopes = scopes
		r.AuthServerMetadataURL = metadataURL
		r.Active = false
		return nil
	}); err != nil {
		return fmt.Errorf("failed to persist pending authorization: %w", err)
	}

	if err := c.provider.RedirectToAuthorization(ctx, authURL); err != nil {
		return err
	}

	c.mu.RLock()
	redirected := c.authURL
	c.mu.RUnlock()

	c.logger.Info("Authorization URL for session %s: %s", c.sessionID, redirected)
	return &AuthorizationRequiredError{AuthURL: redirected, SessionID: c.sessionID}
}

// FinishAuthorization exchanges the authorization code returned to the
// callback for tokens. state must equal the value issued by Connect.
func (c *Client) FinishAuthorization(ctx context.Context, code, state string) error {
	rec, err := c.reload(ctx)
	if err != nil {
		return err
	}

	if rec.AuthState == "" || subtle.ConstantTimeCompare([]byte(rec.AuthState), []byte(state)) != 1 {
		return ErrStateMismatch
	}
	if code == "" {
		return fmt.Errorf("no authorization code received")
	}

	verifier, err := c.provider.CodeVerifier(ctx)
	if err != nil {
		return err
	}
	if verifier == "" {
		return fmt.Errorf("no code verifier stored for session %s", c.sessionID)
	}

	c.logger.Info("Exchanging code for access token...")

	handler := c.newOAuthHandler(rec)
	handler.SetExpectedState(rec.AuthState)
	if err := handler.ProcessAuthorizationResponse(ctx, code, state, verifier); err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := c.provider.InvalidateCredentials(ctx, auth.ScopeVerifier); err != nil {
		return fmt.Errorf("failed to clear code verifier: %w", err)
	}
	if err := c.factory.store.Update(ctx, c.sessionID, func(r *session.Record) error {
		r.Active = true
		return nil
	}); err != nil {
		return fmt.Errorf("failed to activate session: %w", err)
	}

	if _, err := c.reload(ctx); err != nil {
		return err
	}
	c.logger.Success("Access token obtained for session %s", c.sessionID)
	return nil
}
