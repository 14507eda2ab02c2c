package api

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonlabs/mcp-assistant-sub001/internal/auth"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient/mcptest"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

func toolNames(resp ToolsResponse) []string {
	var names []string
	for _, tool := range resp.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func expectedToolNames() []string {
	names := make([]string, 0, len(mcptest.Tools))
	for _, tool := range mcptest.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestConnectWithoutAuthorization(t *testing.T) {
	srv := mcptest.NewMCPServer(t, nil)

	for _, tt := range []struct {
		name      string
		transport string
		serverURL string
	}{
		{name: "streamable-http", transport: "streamable-http", serverURL: srv.Endpoint()},
		{name: "sse", transport: "sse", serverURL: srv.SSEEndpoint()},
		{name: "default transport", serverURL: srv.Endpoint()},
	} {
		t.Run(tt.name, func(t *testing.T) {
			store := session.NewMemoryStore(time.Hour, nil)
			s := newTestServer(t, store)

			rec, resp := connect(t, s, testUser, ConnectRequest{
				ServerURL:     tt.serverURL,
				ServerID:      "server-a",
				ServerName:    "Server A",
				TransportType: tt.transport,
			})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.True(t, resp.Success)
			require.NotEmpty(t, resp.SessionID)

			stored, err := store.Get(testContext(t), resp.SessionID)
			require.NoError(t, err)
			assert.True(t, stored.Active)
			assert.Equal(t, testPublicURL+"/api/mcp/auth/callback", stored.CallbackURL)

			rec = do(t, s, http.MethodGet, "/api/mcp/tools?sessionId="+resp.SessionID, testUser, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			tools := decode[ToolsResponse](t, rec)
			assert.Equal(t, expectedToolNames(), toolNames(tools))
		})
	}
}

func TestConnectValidation(t *testing.T) {
	s := newTestServer(t, session.NewMemoryStore(time.Hour, nil))

	tests := []struct {
		name    string
		body    any
		wantErr string
	}{
		{name: "malformed body", body: "{", wantErr: "invalid request body"},
		{name: "missing server id", body: ConnectRequest{ServerURL: "https://mcp.example.com/mcp"}, wantErr: "serverId is required"},
		{name: "missing server url", body: ConnectRequest{ServerID: "a"}, wantErr: "serverUrl is required"},
		{name: "relative server url", body: ConnectRequest{ServerID: "a", ServerURL: "/mcp"}, wantErr: "absolute"},
		{name: "unsupported scheme", body: ConnectRequest{ServerID: "a", ServerURL: "ftp://mcp.example.com"}, wantErr: "absolute"},
		{name: "bad callback", body: ConnectRequest{ServerID: "a", ServerURL: "https://mcp.example.com/mcp", CallbackURL: "callback"}, wantErr: "callbackUrl"},
		{name: "unknown transport", body: ConnectRequest{ServerID: "a", ServerURL: "https://mcp.example.com/mcp", TransportType: "stdio"}, wantErr: "unsupported transportType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/mcp/connect", testUser, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ConnectResponse](t, rec)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, tt.wantErr)
		})
	}
}

func TestConnectFailureIsBadGateway(t *testing.T) {
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)

	srv := mcptest.NewMCPServer(t, nil)
	deadURL := srv.Endpoint()
	srv.Close()

	rec, resp := connect(t, s, testUser, ConnectRequest{ServerURL: deadURL, ServerID: "dead"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	ids, err := store.GetUserMcpSessions(testContext(t), testUser)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// The connect request and the callback are served by different processes
// that only share redis.
func TestAuthorizationAcrossProcesses(t *testing.T) {
	as := mcptest.NewAuthServer(t)
	as.RequireResource = true
	srv := mcptest.NewMCPServer(t, as)
	servers := newRedisServers(t, 3)
	connectSrv, callbackSrv, toolsSrv := servers[0], servers[1], servers[2]

	rec, resp := connect(t, connectSrv, testUser, ConnectRequest{
		ServerURL:  srv.Endpoint(),
		ServerID:   "protected",
		ServerName: "Protected <Server>",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	assert.True(t, resp.RequiresAuth)
	require.NotEmpty(t, resp.AuthURL)
	require.NotEmpty(t, resp.SessionID)

	authURL, err := url.Parse(resp.AuthURL)
	require.NoError(t, err)
	state, err := auth.DecodeState(authURL.Query().Get("state"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, state.SessionID)

	placeholder, err := callbackSrv.store.Get(testContext(t), resp.SessionID)
	require.NoError(t, err)
	assert.False(t, placeholder.Active)
	assert.False(t, placeholder.HasTokens())

	code, stateParam := as.Authorize(resp.AuthURL)
	callback := do(t, callbackSrv, http.MethodGet,
		"/api/mcp/auth/callback?code="+url.QueryEscape(code)+"&state="+url.QueryEscape(stateParam), "", nil)
	require.Equal(t, http.StatusOK, callback.Code, callback.Body.String())

	page := callback.Body.String()
	assert.Contains(t, page, `"type":"auth-success"`)
	assert.Contains(t, page, `"sessionId":"`+resp.SessionID+`"`)
	assert.Contains(t, page, `postMessage(message, "`+testOrigin+`")`)
	assert.Contains(t, page, "Protected &lt;Server&gt;")
	assert.NotContains(t, page, "Protected <Server>")
	assert.Equal(t, "DENY", callback.Header().Get("X-Frame-Options"))
	assert.Contains(t, callback.Header().Get("Content-Security-Policy"), "script-src 'nonce-")
	assert.Equal(t, "text/html; charset=utf-8", callback.Header().Get("Content-Type"))

	authorized, err := toolsSrv.store.Get(testContext(t), resp.SessionID)
	require.NoError(t, err)
	assert.True(t, authorized.Active)
	assert.True(t, authorized.HasTokens())
	assert.Empty(t, authorized.CodeVerifier)

	rec = do(t, toolsSrv, http.MethodGet, "/api/mcp/tools?sessionId="+resp.SessionID, testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, expectedToolNames(), toolNames(decode[ToolsResponse](t, rec)))
	assert.Equal(t, srv.Endpoint(), as.LastResource())
}

func TestCallback(t *testing.T) {
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)

	pending, err := auth.NewState("missing-session", "srv", "Server", "https://mcp.example.com/mcp", "")
	require.NoError(t, err)
	encoded, err := auth.EncodeState(pending)
	require.NoError(t, err)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   []string
		rejectBody []string
	}{
		{
			name:       "tampered state",
			query:      "code=abc&state=not-base64!",
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{`"type":"auth-error"`, "expired or invalid"},
		},
		{
			name:       "missing state",
			query:      "code=abc",
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{`"type":"auth-error"`},
		},
		{
			name:       "provider error is escaped",
			query:      "error=access_denied&error_description=" + url.QueryEscape("<script>alert(1)</script>") + "&state=" + encoded,
			wantStatus: http.StatusOK,
			wantBody:   []string{"&lt;script&gt;alert(1)&lt;/script&gt;", `"type":"auth-error"`},
			rejectBody: []string{"<script>alert(1)</script>", "missing-session"},
		},
		{
			name:       "missing code",
			query:      "state=" + encoded,
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{"missing authorization code"},
		},
		{
			name:       "unknown session",
			query:      "code=abc&state=" + encoded,
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{"Authentication session expired"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, "/api/mcp/auth/callback?"+tt.query, "", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			for _, want := range tt.wantBody {
				assert.Contains(t, rec.Body.String(), want)
			}
			for _, reject := range tt.rejectBody {
				assert.NotContains(t, rec.Body.String(), reject)
			}
		})
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	as := mcptest.NewAuthServer(t)
	srv := mcptest.NewMCPServer(t, as)
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)

	_, resp := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "protected"})
	require.True(t, resp.RequiresAuth)
	code, _ := as.Authorize(resp.AuthURL)

	forged, err := auth.NewState(resp.SessionID, "protected", "protected", srv.Endpoint(), "")
	require.NoError(t, err)
	encoded, err := auth.EncodeState(forged)
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/mcp/auth/callback?code="+url.QueryEscape(code)+"&state="+encoded, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"auth-error"`)

	stored, err := store.Get(testContext(t), resp.SessionID)
	require.NoError(t, err)
	assert.False(t, stored.HasTokens())
}

func TestDisconnect(t *testing.T) {
	srv := mcptest.NewMCPServer(t, nil)
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)

	_, resp := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "a"})
	require.True(t, resp.Success)

	rec := do(t, s, http.MethodPost, "/api/mcp/disconnect", "someone-else", DisconnectRequest{SessionID: resp.SessionID})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/mcp/disconnect", testUser, DisconnectRequest{SessionID: resp.SessionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[StatusResponse](t, rec).Success)

	_, err := store.Get(testContext(t), resp.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	f, err := mcpclient.NewFactory(mcpclient.Config{Store: store})
	require.NoError(t, err)
	_, err = f.GetClient(testContext(t), resp.SessionID)
	assert.ErrorIs(t, err, mcpclient.ErrInvalidSession)

	rec = do(t, s, http.MethodPost, "/api/mcp/disconnect", testUser, DisconnectRequest{SessionID: resp.SessionID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode[StatusResponse](t, rec).Success)

	rec = do(t, s, http.MethodPost, "/api/mcp/disconnect", testUser, DisconnectRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListToolsErrors(t *testing.T) {
	srv := mcptest.NewMCPServer(t, nil)
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)

	_, resp := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "a"})
	require.True(t, resp.Success)

	for _, tt := range []struct {
		name  string
		query string
		user  string
	}{
		{name: "unknown session", query: "?sessionId=nope", user: testUser},
		{name: "missing session id", query: "", user: testUser},
		{name: "session of another user", query: "?sessionId=" + resp.SessionID, user: "someone-else"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, "/api/mcp/tools"+tt.query, tt.user, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "session not found", decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestListToolsInvalidGrant(t *testing.T) {
	as := mcptest.NewAuthServer(t)
	srv := mcptest.NewMCPServer(t, as)
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)
	ctx := testContext(t)

	_, resp := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "protected"})
	require.True(t, resp.RequiresAuth)
	code, state := as.Authorize(resp.AuthURL)
	rec := do(t, s, http.MethodGet, "/api/mcp/auth/callback?code="+url.QueryEscape(code)+"&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	as.Revoke(stored.Tokens.RefreshToken)
	expiring := *stored.Tokens
	expiring.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, store.UpdateTokens(ctx, resp.SessionID, &expiring))

	rec = do(t, s, http.MethodGet, "/api/mcp/tools?sessionId="+resp.SessionID, testUser, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.True(t, body.RequiresReconnect)
	assert.False(t, body.RequiresAuth)

	_, err = store.Get(ctx, resp.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestListToolsRequiresReauthorization(t *testing.T) {
	as := mcptest.NewAuthServer(t)
	srv := mcptest.NewMCPServer(t, as)
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)
	ctx := testContext(t)

	_, resp := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "protected"})
	require.True(t, resp.RequiresAuth)
	code, state := as.Authorize(resp.AuthURL)
	rec := do(t, s, http.MethodGet, "/api/mcp/auth/callback?code="+url.QueryEscape(code)+"&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The server stops accepting the access token while it is still fresh.
	stored, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	as.Revoke(stored.Tokens.AccessToken)

	rec = do(t, s, http.MethodGet, "/api/mcp/tools?sessionId="+resp.SessionID, testUser, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.True(t, body.RequiresAuth)
	assert.NotEmpty(t, body.AuthURL)
	assert.Equal(t, resp.SessionID, body.SessionID)
}

func TestListToolsWhileAuthorizationPending(t *testing.T) {
	as := mcptest.NewAuthServer(t)
	srv := mcptest.NewMCPServer(t, as)
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)
	ctx := testContext(t)

	_, resp := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "protected"})
	require.True(t, resp.RequiresAuth)
	before, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)

	// The user is still in the popup when the tools are requested.
	code, state := as.Authorize(resp.AuthURL)
	rec := do(t, s, http.MethodGet, "/api/mcp/tools?sessionId="+resp.SessionID, testUser, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.True(t, body.RequiresAuth)
	assert.Equal(t, resp.AuthURL, body.AuthURL)
	assert.Equal(t, resp.SessionID, body.SessionID)

	call := do(t, s, http.MethodPost, "/api/mcp/tool", testUser,
		ToolCallRequest{SessionID: resp.SessionID, ToolName: "echo", ToolInput: map[string]any{"message": "hi"}})
	assert.False(t, decode[mcpclient.ToolResult](t, call).Success)

	after, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before.AuthState, after.AuthState)
	assert.Equal(t, before.CodeVerifier, after.CodeVerifier)

	callback := do(t, s, http.MethodGet,
		"/api/mcp/auth/callback?code="+url.QueryEscape(code)+"&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusOK, callback.Code, callback.Body.String())

	authorized, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Empty(t, authorized.AuthURL)
	assert.True(t, authorized.Usable())

	rec = do(t, s, http.MethodGet, "/api/mcp/tools?sessionId="+resp.SessionID, testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, expectedToolNames(), toolNames(decode[ToolsResponse](t, rec)))
}

func TestProviderErrorRequiresIssuedState(t *testing.T) {
	as := mcptest.NewAuthServer(t)
	srv := mcptest.NewMCPServer(t, as)
	store := session.NewMemoryStore(time.Hour, nil)
	s := newTestServer(t, store)
	ctx := testContext(t)

	_, resp := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "protected"})
	require.True(t, resp.RequiresAuth)

	messages, unsubscribe, err := store.SubscribeAuthMessages(ctx, resp.SessionID)
	require.NoError(t, err)
	defer unsubscribe()

	forged, err := auth.NewState(resp.SessionID, "x", "x", "x", "")
	require.NoError(t, err)
	encoded, err := auth.EncodeState(forged)
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/mcp/auth/callback?error=access_denied&state="+url.QueryEscape(encoded), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"auth-error"`)
	assert.NotContains(t, rec.Body.String(), resp.SessionID)

	select {
	case msg := <-messages:
		t.Fatalf("unexpected auth message for a forged state: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	authURL, err := url.Parse(resp.AuthURL)
	require.NoError(t, err)
	rec = do(t, s, http.MethodGet,
		"/api/mcp/auth/callback?error=access_denied&state="+url.QueryEscape(authURL.Query().Get("state")), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-messages:
		assert.Equal(t, session.AuthMessageError, msg.Type)
		assert.Equal(t, resp.SessionID, msg.SessionID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for auth message")
	}
}

func TestCallTool(t *testing.T) {
	srv := mcptest.NewMCPServer(t, nil)
	s := newTestServer(t, session.NewMemoryStore(time.Hour, nil))

	_, resp := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "a"})
	require.True(t, resp.Success)

	tests := []struct {
		name        string
		body        any
		wantSuccess bool
		wantResult  any
		wantError   string
	}{
		{
			name:        "text result",
			body:        ToolCallRequest{SessionID: resp.SessionID, ToolName: "echo", ToolInput: map[string]any{"message": "hi"}},
			wantSuccess: true,
			wantResult:  "hi",
		},
		{
			name:        "json text result",
			body:        ToolCallRequest{SessionID: resp.SessionID, ToolName: "json"},
			wantSuccess: true,
			wantResult:  map[string]any{"answer": float64(42), "tags": []any{"a", "b"}},
		},
		{
			name:        "structured result",
			body:        ToolCallRequest{SessionID: resp.SessionID, ToolName: "structured"},
			wantSuccess: true,
			wantResult:  map[string]any{"count": float64(3)},
		},
		{
			name:      "tool error",
			body:      ToolCallRequest{SessionID: resp.SessionID, ToolName: "fail"},
			wantError: "boom",
		},
		{
			name:      "unknown session",
			body:      ToolCallRequest{SessionID: "nope", ToolName: "echo"},
			wantError: "session not found",
		},
		{
			name:      "missing tool name",
			body:      ToolCallRequest{SessionID: resp.SessionID},
			wantError: "toolName is required",
		},
		{
			name:      "malformed body",
			body:      "[",
			wantError: "invalid request body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/mcp/tool", testUser, tt.body)
			require.Equal(t, http.StatusOK, rec.Code)
			got := decode[mcpclient.ToolResult](t, rec)
			assert.Equal(t, tt.wantSuccess, got.Success)
			if tt.wantSuccess {
				assert.Equal(t, tt.wantResult, got.Result)
				assert.Empty(t, got.Error)
			} else {
				assert.Contains(t, got.Error, tt.wantError)
			}
		})
	}
}

func TestListSessions(t *testing.T) {
	srv := mcptest.NewMCPServer(t, nil)
	s := newTestServer(t, session.NewMemoryStore(time.Hour, nil))

	_, first := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "a", ServerName: "A"})
	_, second := connect(t, s, testUser, ConnectRequest{ServerURL: srv.SSEEndpoint(), ServerID: "b", TransportType: "sse"})
	_, other := connect(t, s, "someone-else", ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "a"})
	require.True(t, first.Success)
	require.True(t, second.Success)
	require.True(t, other.Success)

	rec := do(t, s, http.MethodGet, "/api/mcp/sessions", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode[SessionsResponse](t, rec).Sessions
	require.Len(t, sessions, 2)

	byServer := map[string]SessionInfo{}
	for _, info := range sessions {
		byServer[info.ServerID] = info
	}
	assert.Equal(t, first.SessionID, byServer["a"].SessionID)
	assert.Equal(t, "A", byServer["a"].ServerName)
	assert.Equal(t, "streamable-http", byServer["a"].TransportType)
	assert.Equal(t, second.SessionID, byServer["b"].SessionID)
	assert.Equal(t, "b", byServer["b"].ServerName)
	assert.Equal(t, "sse", byServer["b"].TransportType)
	assert.True(t, byServer["a"].Active)
	assert.False(t, byServer["a"].CreatedAt.IsZero())

	// Reconnecting the same server replaces the earlier session.
	_, again := connect(t, s, testUser, ConnectRequest{ServerURL: srv.Endpoint(), ServerID: "a"})
	require.True(t, again.Success)
	rec = do(t, s, http.MethodGet, "/api/mcp/sessions", testUser, nil)
	assert.Len(t, decode[SessionsResponse](t, rec).Sessions, 2)

	rec = do(t, s, http.MethodGet, "/api/mcp/sessions", "nobody", nil)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestUserCookie(t *testing.T) {
	srv := mcptest.NewMCPServer(t, nil)
	s := newTestServer(t, session.NewMemoryStore(time.Hour, nil))

	rec := do(t, s, http.MethodGet, "/api/mcp/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, userCookie, cookie.Name)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)

	body := `{"serverUrl":"` + srv.Endpoint() + `","serverId":"a"}`
	req := newCookieRequest(http.MethodPost, "/api/mcp/connect", body, cookie)
	connectRec := serve(s, req)
	require.Equal(t, http.StatusOK, connectRec.Code, connectRec.Body.String())
	assert.Empty(t, connectRec.Result().Cookies())

	listRec := serve(s, newCookieRequest(http.MethodGet, "/api/mcp/sessions", "", cookie))
	assert.Len(t, decode[SessionsResponse](t, listRec).Sessions, 1)

	// The header overrides the cookie.
	req = newCookieRequest(http.MethodGet, "/api/mcp/sessions", "", cookie)
	req.Header.Set(userHeader, "someone-else")
	assert.Empty(t, decode[SessionsResponse](t, serve(s, req)).Sessions)
}

func TestHealthzAndCORS(t *testing.T) {
	s := newTestServer(t, session.NewMemoryStore(time.Hour, nil))

	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	req := newCookieRequest(http.MethodOptions, "/api/mcp/connect", "", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = serve(s, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), userHeader))

	req = newCookieRequest(http.MethodOptions, "/api/mcp/connect", "", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = serve(s, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{PublicURL: testPublicURL})
	assert.Error(t, err)

	f, err := mcpclient.NewFactory(mcpclient.Config{Store: session.NewMemoryStore(time.Hour, nil)})
	require.NoError(t, err)
	_, err = NewServer(Config{Factory: f, PublicURL: "not a url"})
	assert.Error(t, err)

	s, err := NewServer(Config{Factory: f, PublicURL: "https://assistant.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://assistant.example.com", s.origin)
	assert.True(t, s.secure)
	assert.Equal(t, DefaultStateMaxAge, s.stateMaxAge)

	s, err = NewServer(Config{Factory: f, PublicURL: testPublicURL, StateMaxAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, s.stateMaxAge)
}
