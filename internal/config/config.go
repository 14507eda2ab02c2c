// Package config loads mcp-assistant server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// DefaultSessionTTL is the fixed lifetime of every stored session entry.
const DefaultSessionTTL = 24 * time.Hour

// CallbackPath is where the authorization server redirects the browser.
const CallbackPath = "/api/mcp/auth/callback"

// Config holds server configuration. Defaults are applied by envdecode.
type Config struct {
	ListenAddr     string        `env:"MCP_ASSISTANT_LISTEN_ADDR,default=:8080"`
	PublicURL      string        `env:"MCP_ASSISTANT_PUBLIC_URL,default=http://localhost:8080"`
	AllowedOrigin  string        `env:"MCP_ASSISTANT_ALLOWED_ORIGIN"`
	Store          string        `env:"MCP_ASSISTANT_STORE,default=redis"`
	KeyPrefix      string        `env:"MCP_ASSISTANT_KEY_PREFIX,default=mcp-assistant:"`
	SessionTTL     time.Duration `env:"MCP_ASSISTANT_SESSION_TTL,default=24h"`
	ClientName     string        `env:"MCP_ASSISTANT_CLIENT_NAME,default=mcp-assistant"`
	RequestTimeout time.Duration `env:"MCP_ASSISTANT_REQUEST_TIMEOUT,default=30s"`

	Redis RedisConfig

	// RegistrationToken is sent as a bearer token on Dynamic Client Registration requests.
	RegistrationToken string   `env:"OAUTH_REGISTRATION_TOKEN"`
	Scopes            []string `env:"OAUTH_SCOPES"`
}

// RedisConfig holds connection settings for the shared session store.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// Load decodes Config from the environment and validates it.
func Load() (*Config, error) {
	cfg, err := Decode()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads Config from the environment without validating it, so
// callers can apply overrides first.
func Decode() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values that would break the OAuth flow.
func (c *Config) Validate() error {
	if c.PublicURL == "" {
		return fmt.Errorf("public URL is required")
	}

	parsed, err := url.Parse(c.PublicURL)
	if err != nil {
		return fmt.Errorf("invalid public URL: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("public URL must be absolute: %s", c.PublicURL)
	}

	// HTTP is only acceptable for loopback development setups.
	switch parsed.Scheme {
	case "https":
	case "http":
		if !IsLoopbackHost(parsed.Hostname()) {
			return fmt.Errorf("public URL must use https (http only allowed for localhost): %s", c.PublicURL)
		}
	default:
		return fmt.Errorf("public URL scheme must be http or https, got: %s", parsed.Scheme)
	}

	if c.AllowedOrigin != "" {
		o, err := url.Parse(c.AllowedOrigin)
		if err != nil || o.Scheme == "" || o.Host == "" {
			return fmt.Errorf("allowed origin must be scheme://host[:port]: %s", c.AllowedOrigin)
		}
	}

	switch c.Store {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("unsupported store %q (expected %s or %s)", c.Store, StoreRedis, StoreMemory)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	return nil
}

// CallbackURL is the default OAuth redirect URI for this deployment.
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.PublicURL, "/") + CallbackPath
}

// Origin returns the origin trusted to receive popup completion messages.
func (c *Config) Origin() string {
	if c.AllowedOrigin != "" {
		return strings.TrimSuffix(c.AllowedOrigin, "/")
	}
	return OriginOf(c.PublicURL)
}

// OriginOf returns scheme://host for rawURL, or "" if it cannot be parsed.
func OriginOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// IsLoopbackHost reports whether hostname is localhost or a loopback literal.
// Hostname() strips IPv6 brackets, so [::1] arrives as ::1.
func IsLoopbackHost(hostname string) bool {
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
