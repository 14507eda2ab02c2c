package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/zonlabs/mcp-assistant-sub001/internal/api"
	"github.com/zonlabs/mcp-assistant-sub001/internal/cache"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient/mcptest"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

const testUser = "user-1"

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// apiServer starts the HTTP API on an in-memory store.
func apiServer(t *testing.T) *httptest.Server {
	t.Helper()
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	f, err := mcpclient.NewFactory(mcpclient.Config{
		Store:          session.NewMemoryStore(time.Hour, nil),
		ClientName:     "mcp-assistant-test",
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	s, err := api.NewServer(api.Config{Factory: f, PublicURL: ts.URL})
	require.NoError(t, err)
	handler = s
	return ts
}

func newBackend(t *testing.T, ts *httptest.Server) *HTTPBackend {
	t.Helper()
	b, err := NewHTTPBackend(ts.URL, testUser, ts.Client(), nil)
	require.NoError(t, err)
	return b
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// recordingBrowser stands in for the system browser and hands every opened
// URL to the test.
type recordingBrowser struct {
	urls chan string
	err  error
}

func newRecordingBrowser() *recordingBrowser {
	return &recordingBrowser{urls: make(chan string, 4)}
}

func (b *recordingBrowser) open(authURL string) error {
	if b.err != nil {
		return b.err
	}
	b.urls <- authURL
	return nil
}

func (b *recordingBrowser) next(t *testing.T) string {
	t.Helper()
	select {
	case u := <-b.urls:
		return u
	case <-time.After(10 * time.Second):
		t.Fatal("no authorization URL was opened")
		return ""
	}
}

// completeCallback plays the authorization server redirecting the browser
// back to the API.
func completeCallback(t *testing.T, ts *httptest.Server, as *mcptest.AuthServer, authURL string) {
	t.Helper()
	code, state := as.Authorize(authURL)
	resp, err := ts.Client().Get(ts.URL + "/api/mcp/auth/callback?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type connectResult struct {
	info ConnectionInfo
	err  error
}

func connectAsync(ctx context.Context, m *Manager, server Server) <-chan connectResult {
	out := make(chan connectResult, 1)
	go func() {
		info, err := m.Connect(ctx, server)
		out <- connectResult{info: info, err: err}
	}()
	return out
}

func waitResult(t *testing.T, results <-chan connectResult) connectResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(15 * time.Second):
		t.Fatal("connect did not return")
		return connectResult{}
	}
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

func expectedToolNames() []string {
	return toolNames(mcptest.Tools)
}

// stateRecorder collects the states a server went through.
type stateRecorder struct {
	mu     sync.Mutex
	states map[string][]State
}

func recordStates(m *Manager) *stateRecorder {
	r := &stateRecorder{states: map[string][]State{}}
	m.Subscribe(func(info ConnectionInfo) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states[info.ServerID] = append(r.states[info.ServerID], info.State)
	})
	return r
}

func (r *stateRecorder) of(serverID string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states[serverID]...)
}

// fakePopup is a scripted authorization window.
type fakePopup struct {
	messages chan session.AuthMessage
	closed   atomic.Bool
	closes   atomic.Int32
}

func newFakePopup() *fakePopup {
	return &fakePopup{messages: make(chan session.AuthMessage, 4)}
}

func (p *fakePopup) Messages() <-chan session.AuthMessage { return p.messages }
func (p *fakePopup) Closed() bool                         { return p.closed.Load() }

func (p *fakePopup) Close() error {
	p.closes.Add(1)
	return nil
}

// fakeOpener hands out one popup per Open call.
type fakeOpener struct {
	popup  *fakePopup
	err    error
	opened chan string
}

func newFakeOpener(popup *fakePopup) *fakeOpener {
	return &fakeOpener{popup: popup, opened: make(chan string, 4)}
}

func (o *fakeOpener) Open(_ context.Context, authURL, _ string) (Popup, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.opened <- authURL
	return o.popup, nil
}

// fakeBackend answers connect with a pending authorization and serves a
// fixed tool list.
type fakeBackend struct {
	origin string

	mu          sync.Mutex
	sessions    []api.SessionInfo
	tools       map[string][]mcp.Tool
	toolErrs    map[string]error
	disconnects []string
	connectErr  error
	requireAuth bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		origin:   "http://api.test",
		tools:    map[string][]mcp.Tool{},
		toolErrs: map[string]error{},
	}
}

func (b *fakeBackend) Origin() string { return b.origin }

func (b *fakeBackend) Connect(_ context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	id := "session-" + req.ServerID
	b.tools[id] = mcptest.Tools
	if b.requireAuth {
		return &api.ConnectResponse{RequiresAuth: true, SessionID: id, AuthURL: "http://as.test/authorize?session=" + id}, nil
	}
	return &api.ConnectResponse{Success: true, SessionID: id}, nil
}

func (b *fakeBackend) Disconnect(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects = append(b.disconnects, sessionID)
	if _, ok := b.tools[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(b.tools, sessionID)
	return nil
}

func (b *fakeBackend) ListTools(_ context.Context, sessionID string) ([]mcp.Tool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.toolErrs[sessionID]; err != nil {
		return nil, err
	}
	tools, ok := b.tools[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return tools, nil
}

func (b *fakeBackend) CallTool(_ context.Context, sessionID, name string, _ map[string]any) (*mcpclient.ToolResult, error) {
	return &mcpclient.ToolResult{Success: true, Result: sessionID + ":" + name}, nil
}

func (b *fakeBackend) Sessions(context.Context) ([]api.SessionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions == nil {
		return nil, errors.New("sessions unavailable")
	}
	return b.sessions, nil
}

func newFileCache(t *testing.T) *cache.Cache[ConnectionInfo] {
	t.Helper()
	c, err := cache.New[ConnectionInfo](t.TempDir()+"/connections.json", nil)
	require.NoError(t, err)
	return c
}
