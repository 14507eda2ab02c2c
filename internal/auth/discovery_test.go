package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name                 string
		header               string
		wantScheme           string
		wantResourceMetadata string
		wantScopes           []string
		wantError            string
		expectError          bool
	}{
		{
			name:                 "full challenge",
			header:               `Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource", scope="files:read files:write", error="insufficient_scope"`,
			wantScheme:           "Bearer",
			wantResourceMetadata: "https://mcp.example.com/.well-known/oauth-protected-resource",
			wantScopes:           []string{"files:read", "files:write"},
			wantError:            "insufficient_scope",
		},
		{
			name:       "scope only",
			header:     `Bearer scope="read write"`,
			wantScheme: "Bearer",
			wantScopes: []string{"read", "write"},
		},
		{
			name:       "scheme only",
			header:     "Bearer",
			wantScheme: "Bearer",
		},
		{
			name:       "unquoted values",
			header:     `Bearer error=invalid_token`,
			wantScheme: "Bearer",
			wantError:  "invalid_token",
		},
		{
			name:                 "quoted comma",
			header:               `Bearer resource_metadata="https://x.example.com/a,b", scope="s"`,
			wantScheme:           "Bearer",
			wantResourceMetadata: "https://x.example.com/a,b",
			wantScopes:           []string{"s"},
		},
		{
			name:        "empty header",
			header:      "  ",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseWWWAuthenticate(tt.header)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Scheme != tt.wantScheme {
				t.Errorf("Scheme = %q, want %q", c.Scheme, tt.wantScheme)
			}
			if c.ResourceMetadataURL != tt.wantResourceMetadata {
				t.Errorf("ResourceMetadataURL = %q, want %q", c.ResourceMetadataURL, tt.wantResourceMetadata)
			}
			if !reflect.DeepEqual(c.Scopes, tt.wantScopes) {
				t.Errorf("Scopes = %v, want %v", c.Scopes, tt.wantScopes)
			}
			if c.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", c.Error, tt.wantError)
			}
		})
	}
}

func TestBuildWellKnownURIs(t *testing.T) {
	tests := []struct {
		endpoint string
		want     []string
		wantErr  bool
	}{
		{
			endpoint: "https://mcp.example.com/mcp",
			want: []string{
				"https://mcp.example.com/.well-known/oauth-protected-resource/mcp",
				"https://mcp.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			endpoint: "https://mcp.example.com/",
			want:     []string{"https://mcp.example.com/.well-known/oauth-protected-resource"},
		},
		{endpoint: "/mcp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := buildWellKnownURIs(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateProtectedResourceMetadata(t *testing.T) {
	tests := []struct {
		name    string
		meta    ProtectedResourceMetadata
		wantErr bool
	}{
		{name: "valid", meta: ProtectedResourceMetadata{Resource: "https://r", AuthorizationServers: []string{"https://as.example.com"}}},
		{name: "missing resource", meta: ProtectedResourceMetadata{AuthorizationServers: []string{"https://as"}}, wantErr: true},
		{name: "no servers", meta: ProtectedResourceMetadata{Resource: "https://r"}, wantErr: true},
		{name: "relative server", meta: ProtectedResourceMetadata{Resource: "https://r", AuthorizationServers: []string{"/as"}}, wantErr: true},
		{name: "ftp server", meta: ProtectedResourceMetadata{Resource: "https://r", AuthorizationServers: []string{"ftp://as.example.com"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateProtectedResourceMetadata(&tt.meta)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSelectAuthorizationServer(t *testing.T) {
	meta := &ProtectedResourceMetadata{AuthorizationServers: []string{"https://a", "https://b"}}

	if got, _ := SelectAuthorizationServer(meta, ""); got != "https://a" {
		t.Errorf("default = %q, want https://a", got)
	}
	if got, _ := SelectAuthorizationServer(meta, "https://b"); got != "https://b" {
		t.Errorf("preferred = %q, want https://b", got)
	}
	if _, err := SelectAuthorizationServer(meta, "https://c"); err == nil {
		t.Error("expected error for unknown preferred server")
	}
	if _, err := SelectAuthorizationServer(nil, ""); err == nil {
		t.Error("expected error for nil metadata")
	}
}

func TestDiscoverProtectedResourceMetadata(t *testing.T) {
	var hits []string
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	writeMeta := func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ProtectedResourceMetadata{
			Resource:             server.URL + "/mcp",
			AuthorizationServers: []string{"https://as.example.com"},
			ScopesSupported:      []string{"mcp:read"},
		})
	}
	mux.HandleFunc("/.well-known/oauth-protected-resource", writeMeta)
	mux.HandleFunc("/custom-metadata", writeMeta)

	ctx := context.Background()

	t.Run("falls back to root well-known", func(t *testing.T) {
		hits = nil
		meta, err := DiscoverProtectedResourceMetadata(ctx, server.Client(), server.URL+"/mcp", nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if meta.AuthorizationServers[0] != "https://as.example.com" {
			t.Errorf("unexpected authorization servers: %v", meta.AuthorizationServers)
		}
		if !reflect.DeepEqual(hits, []string{"/.well-known/oauth-protected-resource"}) {
			t.Errorf("hits = %v", hits)
		}
	})

	t.Run("challenge URL takes priority", func(t *testing.T) {
		hits = nil
		challenge := &Challenge{ResourceMetadataURL: server.URL + "/custom-metadata"}
		if _, err := DiscoverProtectedResourceMetadata(ctx, server.Client(), server.URL+"/mcp", challenge, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(hits, []string{"/custom-metadata"}) {
			t.Errorf("hits = %v", hits)
		}
	})
}

func TestDiscoverProtectedResourceMetadataNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := DiscoverProtectedResourceMetadata(context.Background(), server.Client(), server.URL+"/mcp", nil, nil); err == nil {
		t.Fatal("expected error when no metadata is served")
	}
}

func TestFetchJSONRejectsWrongContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	if _, err := fetchJSON(context.Background(), server.Client(), server.URL); err == nil {
		t.Fatal("expected content type error")
	}
}
