package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testConfig(server *httptest.Server) Config {
	return Config{
		ClientID:     "chatidp",
		ClientSecret: "secret",
		RedirectURL:  "https://idp.example.com/callback",
		AuthURL:      server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
		UserinfoURL:  server.URL + "/userinfo",
		Scopes:       []string{"openid", "profile", "email"},
		Timeout:      5 * time.Second,
	}
}

func TestAuthorizationURL(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := NewClient(testConfig(server))
	raw, err := client.AuthorizationURL(context.Background(), "state-123", "challenge-abc")
	if err != nil {
		t.Fatalf("AuthorizationURL returned error: %v", err)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url: %v", err)
	}
	query := parsed.Query()
	if query.Get("response_type") != "code" {
		t.Fatalf("expected response_type=code, got %q", query.Get("response_type"))
	}
	if query.Get("state") != "state-123" {
		t.Fatalf("expected state to round-trip, got %q", query.Get("state"))
	}
	if query.Get("code_challenge") != "challenge-abc" {
		t.Fatalf("expected code_challenge to round-trip, got %q", query.Get("code_challenge"))
	}
	if query.Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 challenge method, got %q", query.Get("code_challenge_method"))
	}
	if query.Get("scope") != "openid profile email" {
		t.Fatalf("unexpected scope %q", query.Get("scope"))
	}
}

func TestExchange(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"scope":         "openid profile",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	client := NewClient(testConfig(server))
	token, err := client.Exchange(context.Background(), "code-1", "verifier-1")
	if err != nil {
		t.Fatalf("Exchange returned error: %v", err)
	}
	if token.AccessToken != "at-1" || token.RefreshToken != "rt-1" {
		t.Fatalf("unexpected token %+v", token)
	}
	if token.ExpiresAt.IsZero() {
		t.Fatal("expected ExpiresAt to be set")
	}
	if gotForm.Get("grant_type") != "authorization_code" {
		t.Fatalf("expected authorization_code grant, got %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("code_verifier") != "verifier-1" {
		t.Fatalf("expected code_verifier to be sent, got %q", gotForm.Get("code_verifier"))
	}
}

func TestExchangeProviderRejection(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server))
	if _, err := client.Exchange(context.Background(), "bad-code", "verifier"); err == nil {
		t.Fatal("expected error for rejected exchange")
	}
	if calls != 1 {
		t.Fatalf("expected no retry on provider rejection, got %d calls", calls)
	}
}

func TestUserinfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sub":                "subject-1",
			"email":              "dev@example.com",
			"preferred_username": "dev",
			"department":         "platform",
			"employee_id":        float64(4821),
		})
	}))
	defer server.Close()

	config := testConfig(server)
	config.StoredFields = []string{"department", "employee_id"}
	client := NewClient(config)

	profile, err := client.Userinfo(context.Background(), "at-1")
	if err != nil {
		t.Fatalf("Userinfo returned error: %v", err)
	}
	if profile.Subject != "subject-1" {
		t.Fatalf("expected subject-1, got %q", profile.Subject)
	}
	if profile.Email != "dev@example.com" || profile.Username != "dev" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if profile.Extra["department"] != "platform" {
		t.Fatalf("expected stored field department, got %+v", profile.Extra)
	}
	if profile.Extra["employee_id"] != "4821" {
		t.Fatalf("expected numeric claim formatted as string, got %q", profile.Extra["employee_id"])
	}
}

func TestUserinfoMissingSubject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"email":"dev@example.com"}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server))
	if _, err := client.Userinfo(context.Background(), "at-1"); err == nil {
		t.Fatal("expected error when sub claim is missing")
	}
}

func TestDiscovery(t *testing.T) {
	var issuer string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"authorization_endpoint": issuer + "/authorize",
				"token_endpoint":         issuer + "/token",
				"userinfo_endpoint":      issuer + "/userinfo",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	issuer = server.URL

	client := NewClient(Config{
		Issuer:      server.URL,
		ClientID:    "chatidp",
		RedirectURL: "https://idp.example.com/callback",
		Scopes:      []string{"openid"},
		Timeout:     5 * time.Second,
	})

	raw, err := client.AuthorizationURL(context.Background(), "state", "challenge")
	if err != nil {
		t.Fatalf("AuthorizationURL returned error: %v", err)
	}
	if !strings.HasPrefix(raw, server.URL+"/authorize?") {
		t.Fatalf("expected discovered authorize endpoint, got %q", raw)
	}

	// Second call must hit the cached endpoints without re-fetching.
	if _, err := client.AuthorizationURL(context.Background(), "state", "challenge"); err != nil {
		t.Fatalf("cached AuthorizationURL returned error: %v", err)
	}
}
