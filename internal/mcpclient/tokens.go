package mcpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

// RefreshHorizon is how close to expiry an access token may get before it
// is refreshed.
const RefreshHorizon = 5 * time.Minute

// needsRefresh reports whether tok expires within the horizon. Tokens
// without an expiry never need a refresh.
func needsRefresh(tok *transport.Token, now time.Time) bool {
	if tok == nil || tok.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(RefreshHorizon).Before(tok.ExpiresAt)
}

// GetValidTokens reports whether usable tokens are stored, refreshing them
// first when they are about to expire. The refreshed set is persisted
// before it returns.
//
// A refresh token rejected with invalid_grant removes the session and
// yields ErrInvalidGrant. Other refresh failures leave the session intact.
func (c *Client) GetValidTokens(ctx context.Context) (bool, error) {
	rec, err := c.reload(ctx)
	if err != nil {
		return false, err
	}
	if !rec.HasTokens() {
		return false, nil
	}
	if !needsRefresh(rec.Tokens, time.Now()) {
		return true, nil
	}
	if rec.Tokens.RefreshToken == "" {
		c.logger.Warning("Access token for session %s is expiring and no refresh token is stored", c.sessionID)
		return !rec.Tokens.IsExpired(), nil
	}

	_, err, shared := c.factory.refresh.Do(c.sessionID, func() (any, error) {
		// A refresh that finished after rec was read already stored a
		// usable set.
		current, err := c.reload(ctx)
		if err != nil {
			return nil, err
		}
		target := rec
		if current.HasTokens() {
			if !needsRefresh(current.Tokens, time.Now()) {
				return nil, nil
			}
			if current.Tokens.RefreshToken != "" {
				target = current
			}
		}
		return nil, c.refreshTokens(ctx, target)
	})
	if shared {
		c.logger.Debug("Joined in-flight token refresh for session %s", c.sessionID)
	}
	if err != nil {
		return false, err
	}

	if _, err := c.reload(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) refreshTokens(ctx context.Context, rec *session.Record) error {
	c.logger.Info("Refreshing access token for session %s", c.sessionID)

	handler := c.newOAuthHandler(rec)
	if _, err := handler.RefreshToken(ctx, rec.Tokens.RefreshToken); err != nil {
		if isInvalidGrant(err) {
			c.logger.Warning("Refresh token for session %s was rejected, removing session", c.sessionID)
			if rmErr := c.factory.store.RemoveSessionByID(ctx, c.sessionID); rmErr != nil {
				c.logger.Error("Failed to remove session %s: %v", c.sessionID, rmErr)
			}
			c.closeTransport()
			return fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
		return fmt.Errorf("token refresh failed: %w", err)
	}

	c.logger.Success("Access token refreshed for session %s", c.sessionID)
	return nil
}
