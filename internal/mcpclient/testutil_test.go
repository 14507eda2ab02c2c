package mcpclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient/mcptest"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

const (
	testUserID      = "user-1"
	testCallbackURL = "http://localhost:8080/api/mcp/auth/callback"
	testTimeout     = 10 * time.Second
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// newSharedRedis returns a constructor for stores that all talk to one
// miniredis, simulating separate worker processes.
func newSharedRedis(t *testing.T) func() session.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return func() session.Store {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store, err := session.NewRedisStore(session.RedisConfig{Client: client, KeyPrefix: "test:", TTL: 24 * time.Hour}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}
}

func newTestFactory(t *testing.T, store session.Store) *Factory {
	t.Helper()
	f, err := NewFactory(Config{
		Store:          store,
		ClientName:     "mcp-assistant-test",
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return f
}

// putSession stores a descriptor the way the connect endpoint does.
func putSession(t *testing.T, store session.Store, serverURL string, transportType session.TransportType) string {
	t.Helper()
	id := store.GenerateSessionID()
	require.NoError(t, store.SetClient(context.Background(), &session.Record{
		SessionID:     id,
		UserID:        testUserID,
		ServerID:      "server-" + id,
		ServerName:    "Test Server",
		ServerURL:     serverURL,
		CallbackURL:   testCallbackURL,
		TransportType: transportType,
	}))
	return id
}

// authorizeSession drives a session through the whole authorization flow
// and returns it with tokens stored.
func authorizeSession(t *testing.T, f *Factory, as *mcptest.AuthServer, sessionID string) {
	t.Helper()
	ctx := testContext(t)

	c, err := f.GetClient(ctx, sessionID)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	authErr, ok := IsAuthorizationRequired(c.Connect(ctx))
	require.True(t, ok, "expected authorization to be required")

	code, state := as.Authorize(authErr.AuthURL)

	cb, err := f.GetClient(ctx, sessionID)
	require.NoError(t, err)
	require.NoError(t, cb.FinishAuthorization(ctx, code, state))
}
