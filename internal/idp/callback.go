package idp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/louisbranch/chatidp/internal/pending"
	"github.com/louisbranch/chatidp/internal/storage"
)

// handleBindCallback completes an upstream SSO login started from chat and
// records the chat-to-subject binding.
func (s *Server) handleBindCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.upstream == nil {
		s.renderError(w, "server_error", "upstream provider is not configured", http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		s.renderError(w, errParam, query.Get("error_description"), http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		s.renderError(w, "invalid_request", "missing code or state", http.StatusBadRequest)
		return
	}

	bind, err := s.pending.ResolveBindByState(state)
	switch {
	case errors.Is(err, pending.ErrExpired):
		s.renderError(w, "expired", "This link request expired. Run the bind command again from chat.", http.StatusBadRequest)
		return
	case err != nil:
		s.renderError(w, "invalid_request", "Unknown or already completed link request.", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	token, err := s.upstream.Exchange(ctx, code, bind.CodeVerifier)
	if err != nil {
		s.renderError(w, "server_error", "Could not complete sign-in with the identity provider.", http.StatusBadGateway)
		return
	}

	profile, err := s.upstream.Userinfo(ctx, token.AccessToken)
	if err != nil {
		s.renderError(w, "server_error", "Could not load your profile from the identity provider.", http.StatusBadGateway)
		return
	}

	err = s.store.PutBoundUser(ctx, storage.BoundUser{
		ChatUserID: bind.ChatUserID,
		Subject:    profile.Subject,
		Email:      profile.Email,
		Username:   profile.Username,
		Extra:      profile.Extra,
		BoundAt:    s.clock().UTC(),
	})
	if errors.Is(err, storage.ErrAlreadyBound) {
		s.renderError(w, "conflict", "That account is already linked to a different chat identity.", http.StatusConflict)
		if s.notify != nil {
			s.notify(ctx, bind, "That account is already linked to another chat user. Unbind it there first.")
		}
		return
	}
	if err != nil {
		s.renderError(w, "server_error", "Could not store the account link.", http.StatusInternalServerError)
		return
	}

	display := profile.Username
	if display == "" {
		display = profile.Subject
	}
	if s.notify != nil {
		s.notify(ctx, bind, fmt.Sprintf("Account linked to %s. You can now approve sign-ins with the auth command.", display))
	}
	if err := templates.ExecuteTemplate(w, "bound.html", bindResultView{AppName: appName, Username: display}); err != nil {
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}
