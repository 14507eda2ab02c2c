package auth

// SelectScopes picks the scopes to request.
//
// Configured scopes always win. Otherwise the challenge's scope parameter is
// used, then the resource's scopes_supported, and finally nil, which omits
// the scope parameter entirely.
func SelectScopes(configured []string, challenge *Challenge, metadata *ProtectedResourceMetadata) []string {
	if len(configured) > 0 {
		return configured
	}
	if challenge != nil && len(challenge.Scopes) > 0 {
		return challenge.Scopes
	}
	if metadata != nil && len(metadata.ScopesSupported) > 0 {
		return metadata.ScopesSupported
	}
	return nil
}
