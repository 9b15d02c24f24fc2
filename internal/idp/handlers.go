package idp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/louisbranch/chatidp/internal/pending"
	"github.com/louisbranch/chatidp/internal/ratelimit"
	"github.com/louisbranch/chatidp/internal/storage"
)

const appName = "ChatIDP"

type authorizeView struct {
	AppName          string
	ClientName       string
	Scopes           []string
	VerificationCode string
	ExpiresInSeconds int
}

type errorView struct {
	AppName          string
	Error            string
	ErrorDescription string
}

type bindResultView struct {
	AppName  string
	Username string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type checkResponse struct {
	Approved    bool   `json:"approved"`
	Pending     bool   `json:"pending,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// authorizationRequest carries validated authorize query parameters.
type authorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(w, ratelimit.ClassAuthorize, clientIP(r)) {
		return
	}

	params := r.URL.Query()
	request := authorizationRequest{
		ResponseType:        params.Get("response_type"),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scope:               strings.TrimSpace(params.Get("scope")),
		State:               params.Get("state"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
	}

	if request.ResponseType != "code" {
		s.renderError(w, "unsupported_response_type", "Only 'code' response type is supported", http.StatusBadRequest)
		return
	}

	client := s.clientForID(request.ClientID)
	if client == nil {
		s.renderError(w, "invalid_request", "Unknown client_id", http.StatusBadRequest)
		return
	}

	if request.RedirectURI == "" {
		s.renderError(w, "invalid_request", "redirect_uri is required", http.StatusBadRequest)
		return
	}
	if !redirectURIAllowed(request.RedirectURI, client.RedirectURIs) {
		s.renderError(w, "invalid_request", "redirect_uri is not registered", http.StatusBadRequest)
		return
	}

	if !scopeSubset(request.Scope, s.allowedScopes(client)) {
		s.redirectError(w, r, request, "invalid_scope", "requested scope is not allowed for this client")
		return
	}
	if request.CodeChallenge == "" {
		s.redirectError(w, r, request, "invalid_request", "code_challenge is required")
		return
	}
	switch request.CodeChallengeMethod {
	case "S256":
		if !ValidateCodeChallenge(request.CodeChallenge) {
			s.redirectError(w, r, request, "invalid_request", "invalid code_challenge format")
			return
		}
	case "plain":
	default:
		s.redirectError(w, r, request, "invalid_request", "code_challenge_method must be S256 or plain")
		return
	}

	code, err := s.pending.CreateAuth(pending.AuthRequest{
		ClientID:            request.ClientID,
		RedirectURI:         request.RedirectURI,
		Scope:               request.Scope,
		State:               request.State,
		CodeChallenge:       request.CodeChallenge,
		CodeChallengeMethod: request.CodeChallengeMethod,
	}, s.config.VerificationCodeTTL)
	if err != nil {
		s.redirectError(w, r, request, "server_error", "failed to create authorization request")
		return
	}

	view := authorizeView{
		AppName:          appName,
		ClientName:       clientDisplayName(client),
		Scopes:           formatScopes(request.Scope),
		VerificationCode: code,
		ExpiresInSeconds: int(s.config.VerificationCodeTTL.Seconds()),
	}
	if err := templates.ExecuteTemplate(w, "authorize.html", view); err != nil {
		http.Error(w, "failed to render authorize page", http.StatusInternalServerError)
	}
}

func (s *Server) handleAuthorizeCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("verification_code")))
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "verification_code is required")
		return
	}

	result, err := s.pending.Poll(code)
	switch {
	case errors.Is(err, pending.ErrExpired):
		writeJSONError(w, http.StatusGone, "expired", "verification code expired")
		return
	case errors.Is(err, pending.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown verification code")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to check authorization")
		return
	}

	if result.Status != pending.AuthApproved {
		writeJSON(w, http.StatusOK, checkResponse{Approved: false, Pending: true})
		return
	}

	redirectURL, err := url.Parse(result.Request.RedirectURI)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "invalid redirect uri")
		return
	}
	query := redirectURL.Query()
	query.Set("code", result.AuthorizationCode)
	if result.Request.State != "" {
		query.Set("state", result.Request.State)
	}
	redirectURL.RawQuery = query.Encode()
	writeJSON(w, http.StatusOK, checkResponse{Approved: true, RedirectURI: redirectURL.String()})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	if !s.allow(w, ratelimit.ClassToken, clientIP(r)) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	client := s.clientForID(clientID)
	if client == nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if err := validateClientAuth(client, clientSecret); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "invalid client authentication")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r, client)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r, client)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code and refresh_token are supported")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client *Client) {
	ctx := r.Context()
	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" || redirectURI == "" || codeVerifier == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "missing required fields")
		return
	}

	authCode, err := s.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid authorization code")
		return
	}
	if s.clock().UTC().After(authCode.ExpiresAt) {
		s.store.DeleteAuthorizationCode(ctx, code)
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "authorization code expired")
		return
	}
	if authCode.Consumed {
		// Replay: burn everything this code ever minted.
		_ = s.store.RevokeTokensByGrantCode(ctx, code)
		s.store.DeleteAuthorizationCode(ctx, code)
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}
	if authCode.ClientID != client.ID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
		return
	}
	if authCode.RedirectURI != redirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if !ValidatePKCE(codeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	consumed, err := s.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil || !consumed {
		_ = s.store.RevokeTokensByGrantCode(ctx, code)
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}

	s.writeTokenGrant(w, r, client, authCode.ChatUserID, authCode.Scope, code)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client *Client) {
	ctx := r.Context()
	refreshValue := r.FormValue("refresh_token")
	if refreshValue == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	refresh, err := s.store.GetToken(ctx, refreshValue, storage.TokenRefresh)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid refresh token")
		return
	}
	if refresh.Revoked {
		// Reuse of a rotated-out refresh token burns the whole grant chain.
		if refresh.GrantCode != "" {
			_ = s.store.RevokeTokensByGrantCode(ctx, refresh.GrantCode)
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "refresh token revoked")
		return
	}
	if s.clock().UTC().After(refresh.ExpiresAt) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "refresh token expired")
		return
	}
	if refresh.ClientID != client.ID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
		return
	}

	rotated, err := s.store.RevokeToken(ctx, refreshValue)
	if err != nil || !rotated {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "refresh token revoked")
		return
	}

	s.writeTokenGrant(w, r, client, refresh.ChatUserID, refresh.Scope, refresh.GrantCode)
}

// writeTokenGrant mints a token pair and writes the token response.
func (s *Server) writeTokenGrant(w http.ResponseWriter, r *http.Request, client *Client, chatUserID, scope, grantCode string) {
	ctx := r.Context()
	access, refresh, err := s.mintTokenPair(ctx, client.ID, chatUserID, scope, grantCode)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to create tokens")
		return
	}

	response := tokenResponse{
		AccessToken:  access.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: refresh.Value,
		Scope:        scope,
	}
	if scopeContains(scope, "openid") {
		user, err := s.store.GetBoundUser(ctx, chatUserID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "identity binding no longer exists")
			return
		}
		idToken, err := s.mintIDToken(client.ID, user, scope, s.clock().UTC())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to sign id token")
			return
		}
		response.IDToken = idToken
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	value := bearerToken(r)
	if value == "" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return
	}

	ctx := r.Context()
	access, err := s.store.GetToken(ctx, value, storage.TokenAccess)
	if err != nil || access.Revoked || s.clock().UTC().After(access.ExpiresAt) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "invalid access token")
		return
	}

	user, err := s.store.GetBoundUser(ctx, access.ChatUserID)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "identity binding no longer exists")
		return
	}

	claims := map[string]any{
		"sub":          user.Subject,
		"chat_user_id": user.ChatUserID,
	}
	if scopeContains(access.Scope, "email") && user.Email != "" {
		claims["email"] = user.Email
	}
	if scopeContains(access.Scope, "profile") {
		if user.Username != "" {
			claims["preferred_username"] = user.Username
		}
		for key, value := range user.Extra {
			claims[key] = value
		}
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	client := s.clientForID(clientID)
	if client == nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if err := validateClientAuth(client, clientSecret); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "invalid client authentication")
		return
	}

	value := r.FormValue("token")
	if value == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	ctx := r.Context()
	kinds := []storage.TokenKind{storage.TokenAccess, storage.TokenRefresh}
	if r.FormValue("token_type_hint") == "refresh_token" {
		kinds = []storage.TokenKind{storage.TokenRefresh, storage.TokenAccess}
	}
	for _, kind := range kinds {
		token, err := s.store.GetToken(ctx, value, kind)
		if err != nil {
			continue
		}
		if token.ClientID != client.ID {
			break
		}
		_, _ = s.store.RevokeToken(ctx, value)
		if token.Kind == storage.TokenRefresh {
			_ = s.store.RevokeTokensByParentRefresh(ctx, value)
		}
		break
	}

	// RFC 7009: the endpoint answers 200 regardless of whether the token
	// existed, so callers cannot probe the token space.
	writeJSON(w, http.StatusOK, struct{}{})
}

// allow applies a rate-limit class and writes the 429 when exceeded.
func (s *Server) allow(w http.ResponseWriter, class, key string) bool {
	if s.limiter == nil || s.limiter.Allow(class, key) {
		return true
	}
	retry := s.limiter.RetryAfter(class, key)
	seconds := int(math.Ceil(retry.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many requests")
	return false
}

func (s *Server) renderError(w http.ResponseWriter, code, description string, status int) {
	w.WriteHeader(status)
	_ = templates.ExecuteTemplate(w, "error.html", errorView{AppName: appName, Error: code, ErrorDescription: description})
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, request authorizationRequest, code, description string) {
	redirectURL, err := url.Parse(request.RedirectURI)
	if err != nil {
		s.renderError(w, "server_error", "invalid redirect uri", http.StatusInternalServerError)
		return
	}
	query := redirectURL.Query()
	query.Set("error", code)
	query.Set("error_description", description)
	if request.State != "" {
		query.Set("state", request.State)
	}
	redirectURL.RawQuery = query.Encode()
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

func redirectURIAllowed(uri string, allowed []string) bool {
	for _, value := range allowed {
		if value == uri {
			return true
		}
	}
	return false
}

// clientCredentials extracts client authentication from Basic auth or the
// form body. Basic auth wins when both are present.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if unescaped, err := url.QueryUnescape(id); err == nil {
			id = unescaped
		}
		if unescaped, err := url.QueryUnescape(secret); err == nil {
			secret = unescaped
		}
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func validateClientAuth(client *Client, clientSecret string) error {
	if client == nil {
		return errUnknownClient
	}
	method := strings.TrimSpace(client.TokenEndpointAuthMethod)
	if method == "" {
		if client.Secret != "" {
			method = "client_secret_post"
		} else {
			method = "none"
		}
	}
	if method == "none" {
		return nil
	}
	if client.Secret == "" {
		return errors.New("client secret not configured")
	}
	if clientSecret == "" || subtle.ConstantTimeCompare([]byte(clientSecret), []byte(client.Secret)) != 1 {
		return errors.New("invalid client authentication")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func formatScopes(scope string) []string {
	values := strings.Fields(scope)
	if len(values) == 0 {
		return []string{"basic profile"}
	}
	return values
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
