// Package mcptest provides an OAuth authorization server and an MCP server
// for tests that exercise the full connection lifecycle over real HTTP.
package mcptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

const responseTypeCode = "code"

// AuthServer is a test-only OAuth 2.1 authorization server supporting
// metadata discovery, Dynamic Client Registration, authorization code with
// PKCE, and refresh tokens.
//
// Tokens and codes are compared with plain string equality and verifiers
// are not checked against challenges. Never model production code on it.
type AuthServer struct {
	*httptest.Server
	t *testing.T

	// TokenTTL is the expires_in value of issued access tokens.
	TokenTTL int
	// RequireResource rejects authorization and token requests without
	// the RFC 8707 resource parameter.
	RequireResource bool
	// RegistrationToken, when set, is required on /register.
	RegistrationToken string
	// BeforeRefresh, when set, runs for every refresh_token grant before
	// it is answered. Tests block in it to hold a refresh in flight.
	BeforeRefresh func()

	mu                   sync.Mutex
	issuedCodes          map[string]string // code -> client_id
	accessTokens         map[string]string // access token -> client_id
	refreshTokens        map[string]string // refresh token -> client_id
	revoked              map[string]bool
	registeredClients    map[string]string // client_id -> client_name
	authRequestCount     int
	tokenRequestCount    int
	refreshRequestCount  int
	registrationRequests int
	lastResource         string
}

// NewAuthServer starts an AuthServer that is closed with the test.
func NewAuthServer(t *testing.T) *AuthServer {
	t.Helper()

	as := &AuthServer{
		t:                 t,
		TokenTTL:          3600,
		issuedCodes:       make(map[string]string),
		accessTokens:      make(map[string]string),
		refreshTokens:     make(map[string]string),
		revoked:           make(map[string]bool),
		registeredClients: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", as.handleMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", as.handleMetadata)
	mux.HandleFunc("/authorize", as.handleAuthorize)
	mux.HandleFunc("/token", as.handleToken)
	mux.HandleFunc("/register", as.handleRegister)

	as.Server = httptest.NewServer(mux)
	t.Cleanup(as.Close)
	return as
}

func (as *AuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                           as.URL,
		"authorization_endpoint":           as.URL + "/authorize",
		"token_endpoint":                   as.URL + "/token",
		"registration_endpoint":            as.URL + "/register",
		"response_types_supported":         []string{responseTypeCode},
		"grant_types_supported":            []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported": []string{"S256"},
		"scopes_supported":                 []string{"mcp:read", "mcp:write"},
	})
}

func (as *AuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")

	if clientID == "" || redirectURI == "" || query.Get("response_type") != responseTypeCode {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if query.Get("code_challenge") == "" || query.Get("code_challenge_method") != "S256" {
		http.Error(w, "code_challenge_required", http.StatusBadRequest)
		return
	}
	if as.RequireResource && query.Get("resource") == "" {
		http.Error(w, "missing_resource_parameter", http.StatusBadRequest)
		return
	}

	as.mu.Lock()
	as.authRequestCount++
	code := fmt.Sprintf("AUTH_CODE_%d", as.authRequestCount)
	as.issuedCodes[code] = clientID
	as.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_redirect_uri", http.StatusBadRequest)
		return
	}
	params := target.Query()
	params.Set("code", code)
	if state := query.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (as *AuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", err.Error())
		return
	}

	if r.Form.Get("grant_type") == "refresh_token" && as.BeforeRefresh != nil {
		as.BeforeRefresh()
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	as.tokenRequestCount++
	as.lastResource = r.Form.Get("resource")
	if as.RequireResource && as.lastResource == "" {
		oauthError(w, "invalid_target", "resource parameter is required")
		return
	}

	clientID := r.Form.Get("client_id")

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		code := r.Form.Get("code")
		stored, ok := as.issuedCodes[code]
		if !ok || stored != clientID {
			oauthError(w, "invalid_grant", "unknown authorization code")
			return
		}
		if r.Form.Get("code_verifier") == "" {
			oauthError(w, "invalid_request", "code_verifier required")
			return
		}
		delete(as.issuedCodes, code)
		as.issueLocked(w, clientID)

	case "refresh_token":
		as.refreshRequestCount++
		rt := r.Form.Get("refresh_token")
		if _, ok := as.refreshTokens[rt]; !ok || as.revoked[rt] {
			oauthError(w, "invalid_grant", "refresh token is invalid or revoked")
			return
		}
		// Refresh tokens are not rotated, so concurrent refreshes with the
		// same token all succeed.
		access := fmt.Sprintf("ACCESS_TOKEN_%d", as.tokenRequestCount)
		as.accessTokens[access] = clientID
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": access,
			"token_type":   "Bearer",
			"expires_in":   as.TokenTTL,
		})

	default:
		oauthError(w, "unsupported_grant_type", "")
	}
}

// issueLocked writes a fresh access and refresh token pair. as.mu is held.
func (as *AuthServer) issueLocked(w http.ResponseWriter, clientID string) {
	access := fmt.Sprintf("ACCESS_TOKEN_%d", as.tokenRequestCount)
	refresh := fmt.Sprintf("REFRESH_TOKEN_%d", as.tokenRequestCount)
	as.accessTokens[access] = clientID
	as.refreshTokens[refresh] = clientID

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    as.TokenTTL,
	})
}

func (as *AuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}
	if as.RegistrationToken != "" && r.Header.Get("Authorization") != "Bearer "+as.RegistrationToken {
		http.Error(w, "invalid_token", http.StatusUnauthorized)
		return
	}

	var req struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, "invalid_client_metadata", err.Error())
		return
	}

	as.mu.Lock()
	as.registrationRequests++
	clientID := fmt.Sprintf("registered_client_%d", as.registrationRequests)
	as.registeredClients[clientID] = req.ClientName
	as.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":     clientID,
		"redirect_uris": req.RedirectURIs,
	})
}

// Authorize plays the user approving the request at authURL and returns the
// code and state the authorization server redirected back with.
func (as *AuthServer) Authorize(authURL string) (code, state string) {
	as.t.Helper()

	httpClient := as.Client()
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := httpClient.Get(authURL)
	if err != nil {
		as.t.Fatalf("authorization request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		as.t.Fatalf("authorization request returned %d", resp.StatusCode)
	}
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		as.t.Fatalf("invalid redirect location: %v", err)
	}
	return location.Query().Get("code"), location.Query().Get("state")
}

// ValidAccessToken reports whether token was issued and not revoked.
func (as *AuthServer) ValidAccessToken(token string) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	_, ok := as.accessTokens[token]
	return ok && !as.revoked[token]
}

// Revoke invalidates an access or refresh token.
func (as *AuthServer) Revoke(token string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.revoked[token] = true
}

// RefreshRequestCount returns the number of refresh_token grants received.
func (as *AuthServer) RefreshRequestCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.refreshRequestCount
}

// TokenRequestCount returns the number of token endpoint requests received.
func (as *AuthServer) TokenRequestCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tokenRequestCount
}

// RegistrationCount returns the number of DCR requests received.
func (as *AuthServer) RegistrationCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.registrationRequests
}

// LastResource returns the resource parameter of the last token request.
func (as *AuthServer) LastResource() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lastResource
}

func oauthError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerToken extracts the token of an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
