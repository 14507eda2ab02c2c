package auth

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
)

// DeriveResourceURI canonicalizes an MCP endpoint into an RFC 8707 resource
// indicator: lowercase scheme and host, default ports dropped, no query,
// fragment, or trailing slash.
//
//	https://MCP.Example.Com:443/mcp -> https://mcp.example.com/mcp
//	http://localhost:8090/mcp/      -> http://localhost:8090/mcp
func DeriveResourceURI(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("endpoint URL missing scheme: %s", endpoint)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("endpoint URL missing host: %s", endpoint)
	}

	scheme := strings.ToLower(parsed.Scheme)
	hostname, port, err := net.SplitHostPort(strings.ToLower(parsed.Host))
	if err != nil {
		hostname, port = strings.ToLower(parsed.Host), ""
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")

	if (scheme == schemeHTTPS && port == "443") || (scheme == schemeHTTP && port == "80") {
		port = ""
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}

	path := parsed.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	return scheme + "://" + host + path, nil
}

// resourceRoundTripper adds the RFC 8707 resource parameter to authorization
// and token requests issued by the OAuth handler.
type resourceRoundTripper struct {
	base        http.RoundTripper
	resourceURI string
	logger      *logging.Logger
}

// NewResourceRoundTripper wraps base. An empty resourceURI disables it.
func NewResourceRoundTripper(resourceURI string, base http.RoundTripper, logger *logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if resourceURI == "" {
		return base
	}
	return &resourceRoundTripper{base: base, resourceURI: resourceURI, logger: logger}
}

func (t *resourceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isOAuthRequest(req) {
		return t.base.RoundTrip(req)
	}

	cloned := req.Clone(req.Context())
	if err := t.addResourceParameter(cloned); err != nil {
		t.logger.Warning("Failed to add resource parameter: %v", err)
		return t.base.RoundTrip(req)
	}
	t.logger.Debug("Added resource parameter to OAuth request: %s", t.resourceURI)
	return t.base.RoundTrip(cloned)
}

// isOAuthRequest matches token endpoint POSTs and authorization GETs.
func isOAuthRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodPost:
		p := strings.ToLower(req.URL.Path)
		return strings.HasSuffix(p, "/token") || strings.HasSuffix(p, "/oauth/token") || strings.HasSuffix(p, "/oauth2/token")
	case http.MethodGet:
		q := req.URL.Query()
		return q.Get("response_type") == "code" && q.Get("client_id") != ""
	}
	return false
}

func (t *resourceRoundTripper) addResourceParameter(req *http.Request) error {
	if req.Method == http.MethodGet {
		q := req.URL.Query()
		q.Set("resource", t.resourceURI)
		req.URL.RawQuery = q.Encode()
		return nil
	}

	if req.Body == nil {
		return fmt.Errorf("token request without body")
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	_ = req.Body.Close()

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return fmt.Errorf("failed to parse form data: %w", err)
	}
	values.Set("resource", t.resourceURI)

	encoded := values.Encode()
	req.Body = io.NopCloser(strings.NewReader(encoded))
	req.ContentLength = int64(len(encoded))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(encoded)), nil
	}
	return nil
}

// AddResourceParameter sets the resource parameter on an authorization URL.
// The browser follows that URL directly, so the round tripper never sees it.
func AddResourceParameter(authURL, resourceURI string) (string, error) {
	parsed, err := url.Parse(authURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization URL: %w", err)
	}
	q := parsed.Query()
	q.Set("resource", resourceURI)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
