package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
)

// ProtectedResourceMetadata is the RFC 9728 document describing which
// authorization servers protect an MCP endpoint.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// Challenge is a parsed WWW-Authenticate header from a 401 response.
type Challenge struct {
	Scheme              string
	ResourceMetadataURL string
	Scopes              []string
	Error               string
	ErrorDescription    string
}

const (
	maxMetadataSize        = 1024 * 1024
	metadataRequestTimeout = 10 * time.Second
	userAgent              = "mcp-assistant/1.0"
)

// ParseWWWAuthenticate extracts the Bearer challenge parameters defined by
// RFC 6750 and RFC 9728, e.g.
//
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource", scope="files:read"
func ParseWWWAuthenticate(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	scheme, rest, _ := strings.Cut(header, " ")
	c := &Challenge{Scheme: scheme}

	params := parseAuthParams(rest)
	c.ResourceMetadataURL = params["resource_metadata"]
	c.Error = params["error"]
	c.ErrorDescription = params["error_description"]
	if scope := params["scope"]; scope != "" {
		c.Scopes = strings.Fields(scope)
	}
	return c, nil
}

// parseAuthParams parses comma separated key=value pairs; values may be quoted
// and quoted values may contain commas.
func parseAuthParams(params string) map[string]string {
	result := make(map[string]string)
	for _, part := range splitPreservingQuotes(params, ',') {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		if key != "" {
			result[key] = value
		}
	}
	return result
}

func splitPreservingQuotes(s string, delimiter byte) []string {
	var (
		parts    []string
		current  strings.Builder
		inQuotes bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			current.WriteByte(ch)
		case ch == delimiter && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// DiscoverProtectedResourceMetadata locates the RFC 9728 document for endpoint.
//
// Order:
//  1. resource_metadata URL from the challenge
//  2. /.well-known/oauth-protected-resource/<path>
//  3. /.well-known/oauth-protected-resource
func DiscoverProtectedResourceMetadata(ctx context.Context, httpClient *http.Client, endpoint string, challenge *Challenge, logger *logging.Logger) (*ProtectedResourceMetadata, error) {
	if challenge != nil && challenge.ResourceMetadataURL != "" {
		logger.InfoVerbose("Using resource_metadata URL from WWW-Authenticate: %s", challenge.ResourceMetadataURL)
		return fetchProtectedResourceMetadata(ctx, httpClient, challenge.ResourceMetadataURL)
	}

	uris, err := buildWellKnownURIs(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build well-known URIs: %w", err)
	}

	for i, uri := range uris {
		logger.InfoVerbose("Trying protected resource metadata (%d/%d): %s", i+1, len(uris), uri)
		metadata, err := fetchProtectedResourceMetadata(ctx, httpClient, uri)
		if err != nil {
			logger.WarningVerbose("No protected resource metadata at %s: %v", uri, err)
			continue
		}
		logger.Debug("Discovered protected resource metadata at %s", uri)
		return metadata, nil
	}

	return nil, fmt.Errorf("no protected resource metadata found at well-known URIs")
}

func buildWellKnownURIs(endpoint string) ([]string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("endpoint URL must include scheme and host")
	}

	base := parsed.Scheme + "://" + parsed.Host
	var uris []string
	if path := strings.Trim(parsed.Path, "/"); path != "" {
		uris = append(uris, base+"/.well-known/oauth-protected-resource/"+path)
	}
	return append(uris, base+"/.well-known/oauth-protected-resource"), nil
}

func fetchProtectedResourceMetadata(ctx context.Context, httpClient *http.Client, metadataURL string) (*ProtectedResourceMetadata, error) {
	body, err := fetchJSON(ctx, httpClient, metadataURL)
	if err != nil {
		return nil, err
	}

	var metadata ProtectedResourceMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata JSON: %w", err)
	}
	if err := validateProtectedResourceMetadata(&metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return &metadata, nil
}

// fetchJSON GETs a bounded JSON document.
func fetchJSON(ctx context.Context, httpClient *http.Client, target string) ([]byte, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: metadataRequestTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(strings.ToLower(ct), "application/json") {
		return nil, fmt.Errorf("unexpected Content-Type: %s", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) >= maxMetadataSize {
		return nil, fmt.Errorf("response exceeds maximum size of %d bytes", maxMetadataSize)
	}
	return body, nil
}

func validateProtectedResourceMetadata(metadata *ProtectedResourceMetadata) error {
	if metadata.Resource == "" {
		return fmt.Errorf("missing required field: resource")
	}
	if len(metadata.AuthorizationServers) == 0 {
		return fmt.Errorf("missing required field: authorization_servers (at least one required)")
	}

	for i, as := range metadata.AuthorizationServers {
		parsed, err := url.Parse(as)
		if err != nil {
			return fmt.Errorf("invalid authorization server URL at index %d: %w", i, err)
		}
		if !parsed.IsAbs() || parsed.Host == "" {
			return fmt.Errorf("authorization server URL at index %d must be absolute: %s", i, as)
		}
		if parsed.Scheme != schemeHTTPS && parsed.Scheme != schemeHTTP {
			return fmt.Errorf("authorization server URL at index %d must use http or https scheme: %s", i, as)
		}
	}
	return nil
}

// SelectAuthorizationServer returns preferred when it is listed, otherwise
// the first listed server.
func SelectAuthorizationServer(metadata *ProtectedResourceMetadata, preferred string) (string, error) {
	if metadata == nil || len(metadata.AuthorizationServers) == 0 {
		return "", fmt.Errorf("no authorization servers available")
	}
	if preferred == "" {
		return metadata.AuthorizationServers[0], nil
	}
	for _, as := range metadata.AuthorizationServers {
		if as == preferred {
			return as, nil
		}
	}
	return "", fmt.Errorf("preferred authorization server not found: %s", preferred)
}
