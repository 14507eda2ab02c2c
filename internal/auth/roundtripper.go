package auth

import (
	"net/http"
	"strings"
	"sync"

	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
)

// registrationTokenRoundTripper injects an initial access token into RFC 7591
// registration requests.
type registrationTokenRoundTripper struct {
	base   http.RoundTripper
	token  string
	logger *logging.Logger
}

// NewRegistrationTokenRoundTripper wraps base. The token is only ever sent
// over https, or http to a loopback host.
func NewRegistrationTokenRoundTripper(token string, base http.RoundTripper, logger *logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if token == "" {
		return base
	}
	return &registrationTokenRoundTripper{base: base, token: token, logger: logger}
}

func (rt *registrationTokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	path := strings.ToLower(req.URL.Path)
	isRegistration := req.Method == http.MethodPost &&
		(strings.Contains(path, "register") || strings.Contains(path, "registration"))
	if !isRegistration {
		return rt.base.RoundTrip(req)
	}

	if req.URL.Scheme != schemeHTTPS && !IsLocalhost(req.URL.Host) {
		rt.logger.Warning("Not sending registration token over insecure connection to %s", req.URL.Host)
		return rt.base.RoundTrip(req)
	}

	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+rt.token)
	return rt.base.RoundTrip(cloned)
}

// ChallengeRecorder is a RoundTripper placed under the protocol transport.
// It remembers the first 401 response so a failed handshake can be told
// apart from other connection failures.
type ChallengeRecorder struct {
	base http.RoundTripper

	mu        sync.Mutex
	seen      bool
	challenge string
}

// NewChallengeRecorder wraps base.
func NewChallengeRecorder(base http.RoundTripper) *ChallengeRecorder {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ChallengeRecorder{base: base}
}

func (r *ChallengeRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	r.mu.Lock()
	if !r.seen {
		r.seen = true
		r.challenge = resp.Header.Get("WWW-Authenticate")
	}
	r.mu.Unlock()
	return resp, nil
}

// Challenge reports whether a 401 was observed and its WWW-Authenticate value.
func (r *ChallengeRecorder) Challenge() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.challenge, r.seen
}
