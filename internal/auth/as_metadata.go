package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
)

const (
	schemeHTTPS    = "https"
	schemeHTTP     = "http"
	pkceMethodS256 = "S256"
)

// ErrPKCENotAdvertised means the authorization server metadata omits
// code_challenge_methods_supported. PKCE is still sent in that case.
var ErrPKCENotAdvertised = errors.New("authorization server does not advertise PKCE support")

// AuthorizationServerMetadata is the RFC 8414 / OIDC Discovery document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	CodeChallengeMethods              []string `json:"code_challenge_methods_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// DiscoverAuthorizationServerMetadata tries the well-known endpoints of
// issuerURL and returns the first valid document together with the URL it
// was served from. That URL is persisted so that later requests can skip
// discovery.
//
// Issuer with a path (https://auth.example.com/tenant1):
//  1. https://auth.example.com/.well-known/oauth-authorization-server/tenant1
//  2. https://auth.example.com/.well-known/openid-configuration/tenant1
//  3. https://auth.example.com/tenant1/.well-known/openid-configuration
//
// Issuer without a path:
//  1. https://auth.example.com/.well-known/oauth-authorization-server
//  2. https://auth.example.com/.well-known/openid-configuration
func DiscoverAuthorizationServerMetadata(ctx context.Context, httpClient *http.Client, issuerURL string, logger *logging.Logger) (*AuthorizationServerMetadata, string, error) {
	endpoints, err := buildASMetadataEndpoints(issuerURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build AS metadata endpoints: %w", err)
	}

	logger.InfoVerbose("Probing %d AS metadata endpoints for issuer: %s", len(endpoints), issuerURL)

	var lastErr error
	for i, endpoint := range endpoints {
		logger.InfoVerbose("Trying AS metadata endpoint (%d/%d): %s", i+1, len(endpoints), endpoint)

		metadata, err := fetchASMetadata(ctx, httpClient, endpoint)
		if err == nil {
			err = validateASMetadata(metadata)
		}
		if err != nil {
			logger.WarningVerbose("Skipping %s: %v", endpoint, err)
			lastErr = err
			continue
		}

		logger.Debug("Discovered AS metadata at %s", endpoint)
		return metadata, endpoint, nil
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("no valid AS metadata found (last error: %w)", lastErr)
	}
	return nil, "", fmt.Errorf("no AS metadata found at any discovery endpoint")
}

// IsLocalhost reports whether host (with optional port) is a loopback name.
func IsLocalhost(host string) bool {
	return host == "localhost" ||
		strings.HasPrefix(host, "localhost:") ||
		host == "127.0.0.1" ||
		strings.HasPrefix(host, "127.0.0.1:") ||
		host == "[::1]" ||
		strings.HasPrefix(host, "[::1]:")
}

// checkScheme requires https, allowing http only for loopback hosts.
func checkScheme(parsed *url.URL, what string) error {
	switch parsed.Scheme {
	case schemeHTTPS:
		return nil
	case schemeHTTP:
		if IsLocalhost(parsed.Host) {
			return nil
		}
		return fmt.Errorf("%s must use https scheme (http only allowed for localhost): %s", what, parsed.String())
	default:
		return fmt.Errorf("%s must use http or https scheme: %s", what, parsed.String())
	}
}

func buildASMetadataEndpoints(issuerURL string) ([]string, error) {
	parsed, err := url.Parse(issuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("issuer URL must be absolute")
	}
	if err := checkScheme(parsed, "issuer URL"); err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("issuer URL missing host")
	}

	base := parsed.Scheme + "://" + parsed.Host
	path := strings.Trim(parsed.Path, "/")

	if path == "" {
		return []string{
			base + "/.well-known/oauth-authorization-server",
			base + "/.well-known/openid-configuration",
		}, nil
	}
	return []string{
		base + "/.well-known/oauth-authorization-server/" + path,
		base + "/.well-known/openid-configuration/" + path,
		base + "/" + path + "/.well-known/openid-configuration",
	}, nil
}

func fetchASMetadata(ctx context.Context, httpClient *http.Client, metadataURL string) (*AuthorizationServerMetadata, error) {
	body, err := fetchJSON(ctx, httpClient, metadataURL)
	if err != nil {
		return nil, err
	}
	var metadata AuthorizationServerMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &metadata, nil
}

func validateASMetadata(metadata *AuthorizationServerMetadata) error {
	required := []struct{ name, value string }{
		{"issuer", metadata.Issuer},
		{"authorization_endpoint", metadata.AuthorizationEndpoint},
		{"token_endpoint", metadata.TokenEndpoint},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("missing required field: %s", r.name)
		}
	}

	endpoints := required
	if metadata.RegistrationEndpoint != "" {
		endpoints = append(endpoints, struct{ name, value string }{"registration_endpoint", metadata.RegistrationEndpoint})
	}
	for _, e := range endpoints {
		parsed, err := url.Parse(e.value)
		if err != nil {
			return fmt.Errorf("invalid %s URL: %w", e.name, err)
		}
		if !parsed.IsAbs() {
			return fmt.Errorf("%s must be absolute URL: %s", e.name, e.value)
		}
		if err := checkScheme(parsed, e.name); err != nil {
			return err
		}
		if parsed.Host == "" {
			return fmt.Errorf("%s missing host: %s", e.name, e.value)
		}
	}
	return nil
}

// ValidatePKCESupport requires S256 when the server lists challenge methods.
// It returns ErrPKCENotAdvertised when the list is absent so callers can
// decide whether to proceed.
func ValidatePKCESupport(metadata *AuthorizationServerMetadata) error {
	if len(metadata.CodeChallengeMethods) == 0 {
		return ErrPKCENotAdvertised
	}
	for _, m := range metadata.CodeChallengeMethods {
		if m == pkceMethodS256 {
			return nil
		}
	}
	return fmt.Errorf("authorization server does not support S256 PKCE method (only: %v)", metadata.CodeChallengeMethods)
}
