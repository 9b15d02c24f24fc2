// Package storage defines the persistence contract for identity bindings,
// issued tokens, and audit records.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyBound indicates the SSO subject is bound to a different chat user.
var ErrAlreadyBound = errors.New("subject already bound to another chat user")

// BoundUser links a chat identity to an upstream SSO account.
type BoundUser struct {
	ChatUserID string
	Subject    string
	Email      string
	Username   string
	Extra      map[string]string
	BoundAt    time.Time
}

// TokenKind distinguishes access from refresh tokens.
type TokenKind string

// Token kinds stored in the tokens table.
const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Token is an issued access or refresh token.
//
// GrantCode records the authorization code the token chain descends from so a
// replayed code can revoke everything it minted. ParentRefresh links an access
// token to the refresh token issued alongside it for revocation cascade.
type Token struct {
	Value         string
	Kind          TokenKind
	ClientID      string
	ChatUserID    string
	Scope         string
	GrantCode     string
	ParentRefresh string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
}

// AuthorizationCode is a single-use code minted after chat approval.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	ChatUserID          string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Consumed            bool
}

// AuthorizationEntry records a granted authorization for auditing.
type AuthorizationEntry struct {
	ChatUserID string
	ClientID   string
	Scope      string
	GrantedAt  time.Time
}

// UnbindEntry records a completed unbind for auditing.
type UnbindEntry struct {
	ChatUserID string
	Subject    string
	UnboundAt  time.Time
}

// Store is the persistence collaborator shared by the provider engine and the
// chat command handlers.
type Store interface {
	PutBoundUser(ctx context.Context, u BoundUser) error
	GetBoundUser(ctx context.Context, chatUserID string) (BoundUser, error)
	GetBoundUserBySubject(ctx context.Context, subject string) (BoundUser, error)
	DeleteBoundUser(ctx context.Context, chatUserID string) error

	CreateAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (AuthorizationCode, error)
	ConsumeAuthorizationCode(ctx context.Context, code string) (bool, error)
	DeleteAuthorizationCode(ctx context.Context, code string)

	CreateToken(ctx context.Context, t Token) error
	GetToken(ctx context.Context, value string, kind TokenKind) (Token, error)
	RevokeToken(ctx context.Context, value string) (bool, error)
	RevokeTokensByParentRefresh(ctx context.Context, refreshValue string) error
	RevokeTokensByGrantCode(ctx context.Context, code string) error
	RevokeTokensForUser(ctx context.Context, chatUserID string) error

	AppendAuthorization(ctx context.Context, entry AuthorizationEntry) error
	AppendUnbind(ctx context.Context, entry UnbindEntry) error

	CleanupExpired(now time.Time)
}
