package auth

import (
	"reflect"
	"testing"
)

func TestSelectScopes(t *testing.T) {
	challenge := &Challenge{Scopes: []string{"from:challenge"}}
	metadata := &ProtectedResourceMetadata{ScopesSupported: []string{"from:metadata"}}

	tests := []struct {
		name       string
		configured []string
		challenge  *Challenge
		metadata   *ProtectedResourceMetadata
		want       []string
	}{
		{name: "configured wins", configured: []string{"cfg"}, challenge: challenge, metadata: metadata, want: []string{"cfg"}},
		{name: "challenge before metadata", challenge: challenge, metadata: metadata, want: []string{"from:challenge"}},
		{name: "metadata fallback", challenge: &Challenge{}, metadata: metadata, want: []string{"from:metadata"}},
		{name: "nothing available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectScopes(tt.configured, tt.challenge, tt.metadata)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectScopes() = %v, want %v", got, tt.want)
			}
		})
	}
}
