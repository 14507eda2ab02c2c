package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

const (
	testUser      = "user-1"
	testPublicURL = "http://localhost:8080"
	testOrigin    = "http://localhost:3000"
)

func newTestServer(t *testing.T, store session.Store) *Server {
	t.Helper()
	f, err := mcpclient.NewFactory(mcpclient.Config{
		Store:          store,
		ClientName:     "mcp-assistant-test",
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	s, err := NewServer(Config{
		Factory:       f,
		PublicURL:     testPublicURL,
		AllowedOrigin: testOrigin,
	})
	require.NoError(t, err)
	return s
}

// newRedisServers returns n API servers sharing one miniredis, standing in
// for separate worker processes.
func newRedisServers(t *testing.T, n int) []*Server {
	t.Helper()
	mr := miniredis.RunT(t)
	servers := make([]*Server, n)
	for i := range servers {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store, err := session.NewRedisStore(session.RedisConfig{Client: client, KeyPrefix: "test:", TTL: 24 * time.Hour}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		servers[i] = newTestServer(t, store)
	}
	return servers
}

// do sends a request as user and returns the recorded response.
func do(t *testing.T, h http.Handler, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func connect(t *testing.T, h http.Handler, user string, req ConnectRequest) (*httptest.ResponseRecorder, ConnectResponse) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/mcp/connect", user, req)
	return rec, decode[ConnectResponse](t, rec)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newCookieRequest(method, target, body string, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
