package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUpstream marks failures reported by the upstream provider itself, as
// opposed to transport errors reaching it.
var ErrUpstream = errors.New("upstream provider error")

// Token is the result of an authorization code exchange upstream.
type Token struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	IDToken      string
	ExpiresAt    time.Time
}

// Profile is the upstream identity attached to a binding.
type Profile struct {
	Subject  string
	Email    string
	Username string
	Extra    map[string]string
}

type endpoints struct {
	AuthURL     string
	TokenURL    string
	UserinfoURL string
}

// Client talks to the upstream SSO provider.
type Client struct {
	config     Config
	httpClient *http.Client
	clock      func() time.Time

	mu        sync.Mutex
	endpoints *endpoints
}

// NewClient builds an upstream client from config.
func NewClient(config Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		clock:      time.Now,
	}
}

// AuthorizationURL builds the upstream authorize URL carrying the given
// state and PKCE challenge.
func (c *Client) AuthorizationURL(ctx context.Context, state, codeChallenge string) (string, error) {
	resolved, err := c.resolveEndpoints(ctx)
	if err != nil {
		return "", err
	}

	authURL, err := url.Parse(resolved.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", c.config.ClientID)
	query.Set("redirect_uri", c.config.RedirectURL)
	query.Set("scope", strings.Join(c.config.Scopes, " "))
	query.Set("state", state)
	query.Set("code_challenge", codeChallenge)
	query.Set("code_challenge_method", "S256")
	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// Exchange trades an authorization code for upstream tokens.
//
// A transport failure is retried once; a rejection from the provider is not.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (Token, error) {
	resolved, err := c.resolveEndpoints(ctx)
	if err != nil {
		return Token{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.config.RedirectURL)
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	form.Set("code_verifier", codeVerifier)

	body, err := c.postFormWithRetry(ctx, resolved.TokenURL, form)
	if err != nil {
		return Token{}, err
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
		IDToken      string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: token response missing access_token", ErrUpstream)
	}

	token := Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Scope:        payload.Scope,
		IDToken:      payload.IDToken,
	}
	if payload.ExpiresIn > 0 {
		token.ExpiresAt = c.clock().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return token, nil
}

// Userinfo fetches the upstream profile for an access token.
func (c *Client) Userinfo(ctx context.Context, accessToken string) (Profile, error) {
	resolved, err := c.resolveEndpoints(ctx)
	if err != nil {
		return Profile{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.UserinfoURL, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: userinfo returned status %d", ErrUpstream, resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}

	profile := Profile{
		Subject:  stringClaim(claims, "sub"),
		Email:    stringClaim(claims, "email"),
		Username: stringClaim(claims, "preferred_username"),
	}
	if profile.Username == "" {
		profile.Username = stringClaim(claims, "name")
	}
	if profile.Subject == "" {
		return Profile{}, fmt.Errorf("%w: userinfo missing sub claim", ErrUpstream)
	}
	for _, field := range c.config.StoredFields {
		if value := stringClaim(claims, field); value != "" {
			if profile.Extra == nil {
				profile.Extra = make(map[string]string)
			}
			profile.Extra[field] = value
		}
	}
	return profile, nil
}

// resolveEndpoints returns the provider endpoints, running OIDC discovery
// once and caching the result when no explicit URLs are configured.
func (c *Client) resolveEndpoints(ctx context.Context) (endpoints, error) {
	if c.config.AuthURL != "" && c.config.TokenURL != "" && c.config.UserinfoURL != "" {
		return endpoints{
			AuthURL:     c.config.AuthURL,
			TokenURL:    c.config.TokenURL,
			UserinfoURL: c.config.UserinfoURL,
		}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoints != nil {
		return *c.endpoints, nil
	}
	if c.config.Issuer == "" {
		return endpoints{}, errors.New("upstream issuer or explicit endpoint URLs required")
	}

	discoveryURL := strings.TrimRight(c.config.Issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return endpoints{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return endpoints{}, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return endpoints{}, fmt.Errorf("%w: discovery returned status %d", ErrUpstream, resp.StatusCode)
	}

	var doc struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
		UserinfoEndpoint      string `json:"userinfo_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return endpoints{}, fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return endpoints{}, fmt.Errorf("%w: discovery document missing endpoints", ErrUpstream)
	}

	resolved := endpoints{
		AuthURL:     doc.AuthorizationEndpoint,
		TokenURL:    doc.TokenEndpoint,
		UserinfoURL: doc.UserinfoEndpoint,
	}
	c.endpoints = &resolved
	return resolved, nil
}

func (c *Client) postFormWithRetry(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	body, status, err := c.postForm(ctx, endpoint, form)
	if err != nil {
		// One retry covers transient transport failures only.
		body, status, err = c.postForm(ctx, endpoint, form)
	}
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrUpstream, status)
	}
	return body, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func stringClaim(claims map[string]any, key string) string {
	switch value := claims[key].(type) {
	case string:
		return value
	case float64:
		// Numeric chat IDs and similar claims arrive as JSON numbers.
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}
