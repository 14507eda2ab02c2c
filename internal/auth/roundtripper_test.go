package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistrationTokenRoundTripper(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := &http.Client{Transport: NewRegistrationTokenRoundTripper("initial-token", http.DefaultTransport, nil)}

	tests := []struct {
		name     string
		method   string
		path     string
		wantAuth string
	}{
		{name: "registration POST", method: http.MethodPost, path: "/register", wantAuth: "Bearer initial-token"},
		{name: "oauth registration POST", method: http.MethodPost, path: "/oauth/registration", wantAuth: "Bearer initial-token"},
		{name: "token POST", method: http.MethodPost, path: "/token"},
		{name: "registration GET", method: http.MethodGet, path: "/register"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotAuth = ""
			req, err := http.NewRequest(tt.method, server.URL+tt.path, strings.NewReader("{}"))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			_ = resp.Body.Close()

			if gotAuth != tt.wantAuth {
				t.Errorf("Authorization = %q, want %q", gotAuth, tt.wantAuth)
			}
		})
	}
}

func TestRegistrationTokenRoundTripperInsecureHost(t *testing.T) {
	var sent string
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		sent = req.Header.Get("Authorization")
		return &http.Response{StatusCode: http.StatusCreated, Body: http.NoBody, Request: req}, nil
	})

	rt := NewRegistrationTokenRoundTripper("secret", base, nil)
	req := httptest.NewRequest(http.MethodPost, "http://auth.example.com/register", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	if sent != "" {
		t.Errorf("token leaked over plain http: %q", sent)
	}
}

func TestChallengeRecorder(t *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="https://x/.well-known/oauth-protected-resource"`)
		}
		w.WriteHeader(status)
	}))
	defer server.Close()

	rec := NewChallengeRecorder(nil)
	client := &http.Client{Transport: rec}

	if _, seen := rec.Challenge(); seen {
		t.Fatal("challenge reported before any request")
	}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	header, seen := rec.Challenge()
	if !seen {
		t.Fatal("expected 401 to be recorded")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		t.Errorf("header = %q", header)
	}

	status = http.StatusOK
	resp, err = client.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if again, _ := rec.Challenge(); again != header {
		t.Errorf("first challenge was overwritten: %q", again)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
