// Package pending holds short-lived protocol state: bind links waiting for an
// SSO callback, unbind confirmations, and authorization requests waiting for
// chat approval.
//
// Records live in memory only. Every lookup treats an expired record as
// absent, so sweep timing never changes observable behavior.
package pending

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"
)

// DefaultCodeLength is the verification code length when none is configured.
const DefaultCodeLength = 6

const (
	maxClaimFailures  = 5
	codeCreateRetries = 4
)

// ErrNotFound indicates no live record matches.
var ErrNotFound = errors.New("pending record not found")

// ErrExpired indicates the record existed but its TTL has passed.
var ErrExpired = errors.New("pending record expired")

// ErrConflict indicates the record is held by another actor.
var ErrConflict = errors.New("pending record conflict")

// ErrTooManyAttempts indicates a claimant exceeded the failed-claim budget.
var ErrTooManyAttempts = errors.New("too many claim attempts")

// BindRequest tracks an in-flight account link for one chat user.
type BindRequest struct {
	ChatUserID   string
	GroupID      string
	Private      bool
	Username     string
	State        string
	CodeVerifier string
}

// UnbindRequest tracks an unbind awaiting confirmation.
type UnbindRequest struct {
	ChatUserID string
	GroupID    string
	Private    bool
	Subject    string
}

// AuthRequest tracks an authorization request awaiting chat approval.
type AuthRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthStatus is the lifecycle position of a pending authorization.
type AuthStatus int

// Pending authorization states, in order.
const (
	AuthPending AuthStatus = iota
	AuthClaimed
	AuthApproved
)

// PollResult is what the browser poll endpoint needs to render progress.
type PollResult struct {
	Status            AuthStatus
	Request           AuthRequest
	ChatUserID        string
	AuthorizationCode string
}

type bindEntry struct {
	request   BindRequest
	expiresAt time.Time
}

type unbindEntry struct {
	request   UnbindRequest
	expiresAt time.Time
}

type authEntry struct {
	request           AuthRequest
	chatUserID        string
	authorizationCode string
	status            AuthStatus
	expiresAt         time.Time
}

// Store is the in-memory pending-request store.
//
// A single mutex covers all maps so each operation is an atomic
// check-and-act on its key.
type Store struct {
	mu            sync.Mutex
	clock         func() time.Time
	codeLength    int
	binds         map[string]*bindEntry
	bindsByState  map[string]string
	unbinds       map[string]*unbindEntry
	auths         map[string]*authEntry
	claimFailures map[string]int
}

// NewStore builds an empty store. codeLength <= 0 selects the default.
func NewStore(codeLength int) *Store {
	if codeLength <= 0 {
		codeLength = DefaultCodeLength
	}
	return &Store{
		clock:         time.Now,
		codeLength:    codeLength,
		binds:         make(map[string]*bindEntry),
		bindsByState:  make(map[string]string),
		unbinds:       make(map[string]*unbindEntry),
		auths:         make(map[string]*authEntry),
		claimFailures: make(map[string]int),
	}
}

// CreateBind registers a bind link for a chat user. A live bind for the same
// user is replaced, so the freshest link is always the one that works.
func (s *Store) CreateBind(req BindRequest, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.binds[req.ChatUserID]; ok {
		delete(s.bindsByState, previous.request.State)
	}
	s.binds[req.ChatUserID] = &bindEntry{request: req, expiresAt: s.clock().Add(ttl)}
	s.bindsByState[req.State] = req.ChatUserID
}

// PendingBind returns the live bind for a chat user, if any.
func (s *Store) PendingBind(chatUserID string) (BindRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.binds[chatUserID]
	if !ok {
		return BindRequest{}, false
	}
	if !entry.expiresAt.After(s.clock()) {
		s.removeBindLocked(chatUserID)
		return BindRequest{}, false
	}
	return entry.request, true
}

// ResolveBindByState removes and returns the bind matching an SSO state
// value. An expired or unknown state yields ErrNotFound, so a callback for a
// cancelled bind finds nothing to finalize.
func (s *Store) ResolveBindByState(state string) (BindRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chatUserID, ok := s.bindsByState[state]
	if !ok {
		return BindRequest{}, ErrNotFound
	}
	entry := s.binds[chatUserID]
	if entry == nil {
		delete(s.bindsByState, state)
		return BindRequest{}, ErrNotFound
	}
	s.removeBindLocked(chatUserID)
	if !entry.expiresAt.After(s.clock()) {
		return BindRequest{}, ErrExpired
	}
	return entry.request, nil
}

// CancelBind removes the live bind for a chat user.
func (s *Store) CancelBind(chatUserID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.binds[chatUserID]
	if !ok {
		return false
	}
	live := entry.expiresAt.After(s.clock())
	s.removeBindLocked(chatUserID)
	return live
}

func (s *Store) removeBindLocked(chatUserID string) {
	if entry, ok := s.binds[chatUserID]; ok {
		delete(s.bindsByState, entry.request.State)
		delete(s.binds, chatUserID)
	}
}

// CreateUnbind registers an unbind awaiting confirmation, replacing any
// previous one for the same user.
func (s *Store) CreateUnbind(req UnbindRequest, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbinds[req.ChatUserID] = &unbindEntry{request: req, expiresAt: s.clock().Add(ttl)}
}

// PendingUnbind returns the live unbind for a chat user, if any.
func (s *Store) PendingUnbind(chatUserID string) (UnbindRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.unbinds[chatUserID]
	if !ok {
		return UnbindRequest{}, false
	}
	if !entry.expiresAt.After(s.clock()) {
		delete(s.unbinds, chatUserID)
		return UnbindRequest{}, false
	}
	return entry.request, true
}

// ResolveUnbind removes and returns the live unbind for a chat user.
func (s *Store) ResolveUnbind(chatUserID string) (UnbindRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.unbinds[chatUserID]
	if !ok {
		return UnbindRequest{}, false
	}
	delete(s.unbinds, chatUserID)
	if !entry.expiresAt.After(s.clock()) {
		return UnbindRequest{}, false
	}
	return entry.request, true
}

// CancelUnbind removes the live unbind for a chat user.
func (s *Store) CancelUnbind(chatUserID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.unbinds[chatUserID]
	if !ok {
		return false
	}
	live := entry.expiresAt.After(s.clock())
	delete(s.unbinds, chatUserID)
	return live
}

// CancelAll removes every pending bind and unbind for a chat user and
// reports how many live records were dropped.
func (s *Store) CancelAll(chatUserID string) int {
	cancelled := 0
	if s.CancelBind(chatUserID) {
		cancelled++
	}
	if s.CancelUnbind(chatUserID) {
		cancelled++
	}
	return cancelled
}

// CreateAuth registers an authorization request under a fresh verification
// code and returns the code.
func (s *Store) CreateAuth(req AuthRequest, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i <= codeCreateRetries; i++ {
		code, err := NewVerificationCode(s.codeLength)
		if err != nil {
			return "", err
		}
		if _, taken := s.auths[code]; taken {
			continue
		}
		s.auths[code] = &authEntry{
			request:   req,
			status:    AuthPending,
			expiresAt: s.clock().Add(ttl),
		}
		return code, nil
	}
	return "", errors.New("verification code space exhausted")
}

// Claim binds a chat user to the authorization request matching code. A
// repeated claim by the same user is idempotent: it returns the request along
// with the authorization code already attached to it, so callers do not mint
// a second one.
//
// The scan touches every live record and compares codes in constant time so
// response timing does not narrow the search space. Each claimant gets a
// bounded budget of failed claims per sweep window.
func (s *Store) Claim(code, chatUserID string) (AuthRequest, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimFailures[chatUserID] >= maxClaimFailures {
		return AuthRequest{}, "", ErrTooManyAttempts
	}

	var matched *authEntry
	for stored, entry := range s.auths {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) == 1 {
			matched = entry
		}
	}
	if matched == nil {
		s.claimFailures[chatUserID]++
		return AuthRequest{}, "", ErrNotFound
	}
	if !matched.expiresAt.After(s.clock()) {
		delete(s.auths, code)
		s.claimFailures[chatUserID]++
		return AuthRequest{}, "", ErrExpired
	}
	if matched.status != AuthPending {
		if matched.chatUserID == chatUserID {
			return matched.request, matched.authorizationCode, nil
		}
		return AuthRequest{}, "", ErrConflict
	}

	matched.status = AuthClaimed
	matched.chatUserID = chatUserID
	delete(s.claimFailures, chatUserID)
	return matched.request, "", nil
}

// Approve attaches the minted authorization code so the browser poll can
// complete the redirect.
func (s *Store) Approve(code, authorizationCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.auths[code]
	if !ok {
		return ErrNotFound
	}
	if !entry.expiresAt.After(s.clock()) {
		delete(s.auths, code)
		return ErrExpired
	}
	if entry.status == AuthPending {
		return ErrConflict
	}
	entry.status = AuthApproved
	entry.authorizationCode = authorizationCode
	return nil
}

// Poll reports progress for the browser. Delivering an approved result
// consumes the record; subsequent polls see ErrNotFound.
func (s *Store) Poll(code string) (PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.auths[code]
	if !ok {
		return PollResult{}, ErrNotFound
	}
	if !entry.expiresAt.After(s.clock()) {
		delete(s.auths, code)
		return PollResult{}, ErrExpired
	}
	result := PollResult{
		Status:            entry.status,
		Request:           entry.request,
		ChatUserID:        entry.chatUserID,
		AuthorizationCode: entry.authorizationCode,
	}
	if entry.status == AuthApproved {
		delete(s.auths, code)
	}
	return result, nil
}

// Sweep physically removes expired records and resets claim budgets.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for chatUserID, entry := range s.binds {
		if !entry.expiresAt.After(now) {
			s.removeBindLocked(chatUserID)
		}
	}
	for chatUserID, entry := range s.unbinds {
		if !entry.expiresAt.After(now) {
			delete(s.unbinds, chatUserID)
		}
	}
	for code, entry := range s.auths {
		if !entry.expiresAt.After(now) {
			delete(s.auths, code)
		}
	}
	s.claimFailures = make(map[string]int)
}

// StartSweep runs Sweep on a ticker until the context ends.
func (s *Store) StartSweep(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
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
				s.Sweep(s.clock())
			}
		}
	}()
}
