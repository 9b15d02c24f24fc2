package idp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/chatidp/internal/pending"
	"github.com/louisbranch/chatidp/internal/ratelimit"
	"github.com/louisbranch/chatidp/internal/storage"
	"github.com/louisbranch/chatidp/internal/upstream"
)

// Notifier delivers a chat message back to the user who started a bind.
type Notifier func(ctx context.Context, bind pending.BindRequest, text string)

// Server hosts the OAuth endpoints and the upstream bind callback.
type Server struct {
	config   Config
	store    storage.Store
	pending  *pending.Store
	limiter  *ratelimit.Limiter
	upstream *upstream.Client
	notify   Notifier
	clock    func() time.Time
}

// NewServer builds a provider server bound to its collaborators.
//
// upstreamClient and notify may be nil when the bind callback surface is not
// mounted, e.g. in token-endpoint tests.
func NewServer(config Config, store storage.Store, pendingStore *pending.Store, limiter *ratelimit.Limiter, upstreamClient *upstream.Client, notify Notifier) *Server {
	return &Server{
		config:   config,
		store:    store,
		pending:  pendingStore,
		limiter:  limiter,
		upstream: upstreamClient,
		notify:   notify,
		clock:    time.Now,
	}
}

// RegisterRoutes registers the OAuth HTTP endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("/oauth/authorize/check", s.handleAuthorizeCheck)
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/oauth/userinfo", s.handleUserinfo)
	mux.HandleFunc("/oauth/revoke", s.handleRevoke)
	mux.HandleFunc("/.well-known/openid-configuration", s.handleMetadata)
	// Some clients resolve discovery relative to the /oauth prefix.
	mux.HandleFunc("/oauth/.well-known/openid-configuration", s.handleMetadata)
	mux.HandleFunc("/callback", s.handleBindCallback)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// StartCleanup starts periodic expiry cleanup for codes and tokens.
//
// This keeps short-lived rows from accumulating without requiring a separate
// maintenance process.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || s.store == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.store.CleanupExpired(s.clock().UTC())
			}
		}
	}()
}

// Approval summarizes a granted authorization for the chat reply.
type Approval struct {
	ClientName string
	Scopes     []string
}

// ApproveAuthorization claims the pending authorization matching a
// verification code on behalf of a bound chat user, mints the authorization
// code, and releases the browser poll.
func (s *Server) ApproveAuthorization(ctx context.Context, verificationCode, chatUserID string) (Approval, error) {
	verificationCode = strings.ToUpper(strings.TrimSpace(verificationCode))
	if verificationCode == "" {
		return Approval{}, pending.ErrNotFound
	}

	request, existing, err := s.pending.Claim(verificationCode, chatUserID)
	if err != nil {
		return Approval{}, err
	}
	if existing != "" {
		// Already approved by this user; repeat the reply without minting
		// another authorization code.
		return Approval{
			ClientName: clientDisplayName(s.clientForID(request.ClientID)),
			Scopes:     strings.Fields(request.Scope),
		}, nil
	}

	code, err := generateToken(32)
	if err != nil {
		return Approval{}, fmt.Errorf("mint authorization code: %w", err)
	}
	now := s.clock().UTC()
	err = s.store.CreateAuthorizationCode(ctx, storage.AuthorizationCode{
		Code:                code,
		ClientID:            request.ClientID,
		ChatUserID:          chatUserID,
		RedirectURI:         request.RedirectURI,
		Scope:               request.Scope,
		CodeChallenge:       request.CodeChallenge,
		CodeChallengeMethod: request.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.config.AuthorizationCodeTTL),
	})
	if err != nil {
		return Approval{}, fmt.Errorf("store authorization code: %w", err)
	}

	if err := s.pending.Approve(verificationCode, code); err != nil {
		s.store.DeleteAuthorizationCode(ctx, code)
		return Approval{}, err
	}

	if err := s.store.AppendAuthorization(ctx, storage.AuthorizationEntry{
		ChatUserID: chatUserID,
		ClientID:   request.ClientID,
		Scope:      request.Scope,
		GrantedAt:  now,
	}); err != nil {
		return Approval{}, fmt.Errorf("append authorization log: %w", err)
	}

	return Approval{
		ClientName: clientDisplayName(s.clientForID(request.ClientID)),
		Scopes:     strings.Fields(request.Scope),
	}, nil
}

func (s *Server) clientForID(clientID string) *Client {
	if clientID == "" {
		return nil
	}
	for _, client := range s.config.Clients {
		if client.ID == clientID {
			return &client
		}
	}
	return nil
}

func clientDisplayName(client *Client) string {
	if client == nil {
		return "Unknown Client"
	}
	if client.Name != "" {
		return client.Name
	}
	return client.ID
}

// allowedScopes returns the scope set a client may request.
func (s *Server) allowedScopes(client *Client) []string {
	if client != nil && len(client.Scopes) > 0 {
		return client.Scopes
	}
	return s.config.SupportedScopes
}

func scopeSubset(requested string, allowed []string) bool {
	for _, scope := range strings.Fields(requested) {
		found := false
		for _, candidate := range allowed {
			if candidate == scope {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func generateToken(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// mintTokenPair creates an access and refresh token for one grant.
func (s *Server) mintTokenPair(ctx context.Context, clientID, chatUserID, scope, grantCode string) (storage.Token, storage.Token, error) {
	refreshValue, err := generateToken(32)
	if err != nil {
		return storage.Token{}, storage.Token{}, err
	}
	accessValue, err := generateToken(32)
	if err != nil {
		return storage.Token{}, storage.Token{}, err
	}

	now := s.clock().UTC()
	refresh := storage.Token{
		Value:      refreshValue,
		Kind:       storage.TokenRefresh,
		ClientID:   clientID,
		ChatUserID: chatUserID,
		Scope:      scope,
		GrantCode:  grantCode,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.config.RefreshTokenTTL),
	}
	access := storage.Token{
		Value:         accessValue,
		Kind:          storage.TokenAccess,
		ClientID:      clientID,
		ChatUserID:    chatUserID,
		Scope:         scope,
		GrantCode:     grantCode,
		ParentRefresh: refreshValue,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.config.AccessTokenTTL),
	}

	if err := s.store.CreateToken(ctx, refresh); err != nil {
		return storage.Token{}, storage.Token{}, err
	}
	if err := s.store.CreateToken(ctx, access); err != nil {
		return storage.Token{}, storage.Token{}, err
	}
	return access, refresh, nil
}

var errUnknownClient = errors.New("unknown client")
