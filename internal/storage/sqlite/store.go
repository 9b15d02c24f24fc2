// Package sqlite implements the storage contract over a single SQLite file.
//
// One file backs bindings, tokens, and audit logs so every flow shares the
// same transaction and visibility boundaries.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/chatidp/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/chatidp/internal/storage"
	"github.com/louisbranch/chatidp/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.Store over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite store and applies bundled migrations.
//
// This keeps startup and schema evolution in one place, instead of requiring
// callers to coordinate migrations independently.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureDB() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store is not configured")
	}
	return nil
}

// PutBoundUser stores or replaces the binding for a chat user.
//
// A subject already bound to a different chat user is refused with
// storage.ErrAlreadyBound.
func (s *Store) PutBoundUser(ctx context.Context, u storage.BoundUser) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	extra, err := json.Marshal(u.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra fields: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT chat_user_id FROM bound_users WHERE subject = ?`, u.Subject,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil && existing != u.ChatUserID {
		return storage.ErrAlreadyBound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bound_users (chat_user_id, subject, email, username, extra, bound_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_user_id) DO UPDATE SET
			subject = excluded.subject,
			email = excluded.email,
			username = excluded.username,
			extra = excluded.extra,
			bound_at = excluded.bound_at`,
		u.ChatUserID, u.Subject, u.Email, u.Username, string(extra), toMillis(u.BoundAt),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetBoundUser returns the binding for a chat user.
func (s *Store) GetBoundUser(ctx context.Context, chatUserID string) (storage.BoundUser, error) {
	if err := s.ensureDB(); err != nil {
		return storage.BoundUser{}, err
	}
	return s.scanBoundUser(s.db.QueryRowContext(ctx,
		`SELECT chat_user_id, subject, email, username, extra, bound_at
		FROM bound_users WHERE chat_user_id = ?`, chatUserID,
	))
}

// GetBoundUserBySubject returns the binding holding an SSO subject.
func (s *Store) GetBoundUserBySubject(ctx context.Context, subject string) (storage.BoundUser, error) {
	if err := s.ensureDB(); err != nil {
		return storage.BoundUser{}, err
	}
	return s.scanBoundUser(s.db.QueryRowContext(ctx,
		`SELECT chat_user_id, subject, email, username, extra, bound_at
		FROM bound_users WHERE subject = ?`, subject,
	))
}

func (s *Store) scanBoundUser(row *sql.Row) (storage.BoundUser, error) {
	var u storage.BoundUser
	var extra string
	var boundAt int64
	err := row.Scan(&u.ChatUserID, &u.Subject, &u.Email, &u.Username, &extra, &boundAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.BoundUser{}, storage.ErrNotFound
		}
		return storage.BoundUser{}, err
	}
	if extra != "" && extra != "{}" && extra != "null" {
		if err := json.Unmarshal([]byte(extra), &u.Extra); err != nil {
			return storage.BoundUser{}, fmt.Errorf("unmarshal extra fields: %w", err)
		}
	}
	u.BoundAt = fromMillis(boundAt)
	return u, nil
}

// DeleteBoundUser removes the binding for a chat user.
func (s *Store) DeleteBoundUser(ctx context.Context, chatUserID string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM bound_users WHERE chat_user_id = ?`, chatUserID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateAuthorizationCode stores a new authorization code.
func (s *Store) CreateAuthorizationCode(ctx context.Context, code storage.AuthorizationCode) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_codes
		(code, client_id, chat_user_id, redirect_uri, scope, code_challenge, code_challenge_method, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		code.Code, code.ClientID, code.ChatUserID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, toMillis(code.ExpiresAt),
	)
	return err
}

// GetAuthorizationCode retrieves an authorization code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (storage.AuthorizationCode, error) {
	if err := s.ensureDB(); err != nil {
		return storage.AuthorizationCode{}, err
	}
	var stored storage.AuthorizationCode
	var expiresAt int64
	var consumed int
	err := s.db.QueryRowContext(ctx,
		`SELECT code, client_id, chat_user_id, redirect_uri, scope, code_challenge, code_challenge_method, expires_at, consumed
		FROM auth_codes WHERE code = ?`, code,
	).Scan(
		&stored.Code, &stored.ClientID, &stored.ChatUserID, &stored.RedirectURI, &stored.Scope,
		&stored.CodeChallenge, &stored.CodeChallengeMethod, &expiresAt, &consumed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AuthorizationCode{}, storage.ErrNotFound
		}
		return storage.AuthorizationCode{}, err
	}
	stored.ExpiresAt = fromMillis(expiresAt)
	stored.Consumed = consumed != 0
	return stored, nil
}

// ConsumeAuthorizationCode marks a code as consumed.
//
// The conditional update makes the token endpoint's consume-then-mint step a
// single-winner operation under concurrent redemption.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (bool, error) {
	if err := s.ensureDB(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE auth_codes SET consumed = 1 WHERE code = ? AND consumed = 0`, code,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// DeleteAuthorizationCode deletes a code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) {
	if s == nil || s.db == nil {
		return
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE code = ?`, code)
}

// CreateToken stores an issued token.
func (s *Store) CreateToken(ctx context.Context, t storage.Token) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens
		(value, kind, client_id, chat_user_id, scope, grant_code, parent_refresh, issued_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		t.Value, string(t.Kind), t.ClientID, t.ChatUserID, t.Scope,
		t.GrantCode, t.ParentRefresh, toMillis(t.IssuedAt), toMillis(t.ExpiresAt),
	)
	return err
}

// GetToken retrieves a token by value and kind.
func (s *Store) GetToken(ctx context.Context, value string, kind storage.TokenKind) (storage.Token, error) {
	if err := s.ensureDB(); err != nil {
		return storage.Token{}, err
	}
	var t storage.Token
	var rawKind string
	var issuedAt, expiresAt int64
	var revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT value, kind, client_id, chat_user_id, scope, grant_code, parent_refresh, issued_at, expires_at, revoked
		FROM tokens WHERE value = ? AND kind = ?`, value, string(kind),
	).Scan(
		&t.Value, &rawKind, &t.ClientID, &t.ChatUserID, &t.Scope,
		&t.GrantCode, &t.ParentRefresh, &issuedAt, &expiresAt, &revoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Token{}, storage.ErrNotFound
		}
		return storage.Token{}, err
	}
	t.Kind = storage.TokenKind(rawKind)
	t.IssuedAt = fromMillis(issuedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	t.Revoked = revoked != 0
	return t, nil
}

// RevokeToken marks a token revoked. The conditional update reports whether
// this call was the one that revoked it.
func (s *Store) RevokeToken(ctx context.Context, value string) (bool, error) {
	if err := s.ensureDB(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE value = ? AND revoked = 0`, value,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// RevokeTokensByParentRefresh revokes access tokens minted alongside a
// refresh token.
func (s *Store) RevokeTokensByParentRefresh(ctx context.Context, refreshValue string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE parent_refresh = ? AND revoked = 0`, refreshValue,
	)
	return err
}

// RevokeTokensByGrantCode revokes every token descending from an
// authorization code.
func (s *Store) RevokeTokensByGrantCode(ctx context.Context, code string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE grant_code = ? AND revoked = 0`, code,
	)
	return err
}

// RevokeTokensForUser revokes every token issued for a chat user.
func (s *Store) RevokeTokensForUser(ctx context.Context, chatUserID string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE chat_user_id = ? AND revoked = 0`, chatUserID,
	)
	return err
}

// AppendAuthorization records a granted authorization.
func (s *Store) AppendAuthorization(ctx context.Context, entry storage.AuthorizationEntry) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorization_log (chat_user_id, client_id, scope, granted_at) VALUES (?, ?, ?, ?)`,
		entry.ChatUserID, entry.ClientID, entry.Scope, toMillis(entry.GrantedAt),
	)
	return err
}

// AppendUnbind records a completed unbind.
func (s *Store) AppendUnbind(ctx context.Context, entry storage.UnbindEntry) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unbind_log (chat_user_id, subject, unbound_at) VALUES (?, ?, ?)`,
		entry.ChatUserID, entry.Subject, toMillis(entry.UnboundAt),
	)
	return err
}

// CleanupExpired deletes expired rows.
func (s *Store) CleanupExpired(now time.Time) {
	if s == nil || s.db == nil {
		return
	}
	cutoff := toMillis(now)
	_, _ = s.db.Exec(`DELETE FROM auth_codes WHERE expires_at <= ?`, cutoff)
	_, _ = s.db.Exec(`DELETE FROM tokens WHERE expires_at <= ?`, cutoff)
}
