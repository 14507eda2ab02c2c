// Package auth implements the OAuth side of connecting to remote MCP servers.
//
// It contains the credential provider that persists client registrations,
// tokens and PKCE verifiers in the session store, the codec for the OAuth
// state parameter, and discovery of the authorization server for a protected
// MCP endpoint:
//   - RFC 9728: Protected Resource Metadata Discovery
//   - RFC 8414: Authorization Server Metadata, with OpenID Connect Discovery as fallback
//   - RFC 8707: Resource Indicators
//   - RFC 7591: Dynamic Client Registration (registration access token injection)
//
// The token exchange itself is performed by mcp-go's transport.OAuthHandler;
// the Provider is plugged into it as its transport.TokenStore.
package auth
