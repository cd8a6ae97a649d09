// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all services.
// All queries use parameterized statements (no string concatenation).
// Every one-time value (token, backup code) is consumed with a conditional UPDATE
// whose affected-row count decides the outcome, so concurrent replays cannot both win.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// Constraint names from migrations/, used to classify unique violations.
const (
	constraintUserEmail        = "users_email_lower_key"
	constraintIdentitySubject  = "oauth_identities_provider_subject_key"
	constraintIdentityProvider = "oauth_identities_user_provider_key"
)

// ErrTwoFactorConfirmed is returned by UpsertPendingTwoFactor when the user already
// has a confirmed secret; setup must not overwrite it.
var ErrTwoFactorConfirmed = errors.New("two-factor already confirmed")

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a verified connection pool to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn inside a transaction; commits on nil, rolls back otherwise.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	// Rollback after Commit is a no-op
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a 23505 on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

// --- Users ---

const userColumns = `id, email, name, password_hash, email_verified_at,
	two_factor_enabled, is_admin, is_blocked, created_at, updated_at`

// scanUser reads one users row selected with userColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.EmailVerifiedAt,
		&u.TwoFactorEnabled, &u.IsAdmin, &u.IsBlocked, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// insertUser runs the users INSERT on any querier (pool or tx).
func insertUser(ctx context.Context, q interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, nu NewUser) error {
	var verifiedAt *time.Time
	if nu.EmailVerified {
		now := time.Now()
		verifiedAt = &now
	}
	_, err := q.Exec(ctx,
		"INSERT INTO users (id, email, name, password_hash, email_verified_at) VALUES ($1, $2, $3, $4, $5)",
		nu.ID, nu.Email, nu.Name, nu.PasswordHash, verifiedAt)
	if isUniqueViolation(err, constraintUserEmail) {
		return ErrDuplicateEmail
	}
	return err
}

// CreateUser inserts a new password user. Caller generates the UUID v7 and Argon2id hash.
// Returns ErrDuplicateEmail when the (case-insensitive) email already exists.
func (s *PostgresStore) CreateUser(ctx context.Context, nu NewUser) error {
	return insertUser(ctx, s.pool, nu)
}

// CreateOAuthUser inserts a passwordless user and its first identity in one transaction,
// so a user row never exists without an authentication method.
// Returns ErrDuplicateEmail or ErrIdentityTaken on the respective unique violation.
func (s *PostgresStore) CreateOAuthUser(ctx context.Context, nu NewUser, identityID uuid.UUID, provider, subject string, email *string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertUser(ctx, tx, nu); err != nil {
			return err
		}
		return insertIdentity(ctx, tx, identityID, nu.ID, provider, subject, email)
	})
}

// GetUserByID fetches a user by primary key. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// GetUserByEmail fetches a user by case-insensitive email. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)", email))
}

// UpdatePasswordAndRevokeSessions sets a new password hash and deletes every session of
// the user in one transaction. Returns pgx.ErrNoRows if the user does not exist.
func (s *PostgresStore) UpdatePasswordAndRevokeSessions(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1",
			userID, passwordHash)
		if err != nil {
			return fmt.Errorf("updating password: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		if _, err := tx.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("revoking sessions: %w", err)
		}
		return nil
	})
}

// --- Sessions ---

// CreateSession inserts new session row with token hash and CSRF token.
// ip and userAgent are optional (nil → NULL).
func (s *PostgresStore) CreateSession(ctx context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, createdAt, expiresAt time.Time, ip, userAgent *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, csrf_token, ip_address, user_agent, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, userID, tokenHash, csrfToken, ip, userAgent, createdAt, expiresAt)
	return err
}

// GetSessionByTokenHash fetches a session by token hash whether or not it has expired;
// the caller compares ExpiresAt so expired rows can be lazily deleted.
// Returns pgx.ErrNoRows if not found.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, csrf_token, ip_address::TEXT, user_agent, created_at, expires_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CSRFToken,
		&sess.IPAddress, &sess.UserAgent, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes single session row by token hash. Deleting a missing row is not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	return err
}

// DeleteAllUserSessions removes all sessions for a user.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID)
	return err
}

// CleanupExpiredSessions deletes sessions that expired more than retention ago.
// Returns the number of rows removed.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE expires_at < $1",
		time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Tokens ---

// ReplaceToken deletes the user's unused token of the same purpose and inserts the new one,
// in one transaction. Issuing a token therefore invalidates the previous one.
// Concurrent issues for one user are serialized on the users row, so the
// later one replaces the earlier instead of tripping tokens_one_active_per_purpose.
func (s *PostgresStore) ReplaceToken(ctx context.Context, id, userID uuid.UUID, tokenType string, tokenHash []byte, expiresAt time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT 1 FROM users WHERE id = $1 FOR UPDATE", userID); err != nil {
			return fmt.Errorf("locking user: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"DELETE FROM tokens WHERE user_id = $1 AND token_type = $2 AND used_at IS NULL",
			userID, tokenType); err != nil {
			return fmt.Errorf("invalidating previous token: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO tokens (id, user_id, token_type, token_hash, expires_at)
			VALUES ($1, $2, $3, $4, $5)
		`, id, userID, tokenType, tokenHash, expiresAt); err != nil {
			return fmt.Errorf("inserting token: %w", err)
		}
		return nil
	})
}

// GetTokenByHash fetches a token row of the given purpose regardless of state.
// Returns pgx.ErrNoRows if not found. Pure read; never mutates.
func (s *PostgresStore) GetTokenByHash(ctx context.Context, tokenHash []byte, tokenType string) (*Token, error) {
	var t Token
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_type, token_hash, used_at, expires_at, created_at
		FROM tokens
		WHERE token_hash = $1 AND token_type = $2
	`, tokenHash, tokenType).Scan(&t.ID, &t.UserID, &t.TokenType, &t.TokenHash, &t.UsedAt, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// consumeTokenTx marks a valid token used inside tx and returns its owner.
// On a miss it classifies the failure as ErrTokenExpired or ErrTokenNotFound.
func consumeTokenTx(ctx context.Context, tx pgx.Tx, tokenHash []byte, tokenType string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := tx.QueryRow(ctx, `
		UPDATE tokens SET used_at = now()
		WHERE token_hash = $1 AND token_type = $2 AND used_at IS NULL AND expires_at > now()
		RETURNING user_id
	`, tokenHash, tokenType).Scan(&userID)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("consuming token: %w", err)
	}

	// Nothing changed; find out why so the caller can word the response.
	var expired bool
	err = tx.QueryRow(ctx, `
		SELECT expires_at <= now()
		FROM tokens
		WHERE token_hash = $1 AND token_type = $2 AND used_at IS NULL
	`, tokenHash, tokenType).Scan(&expired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrTokenNotFound
		}
		return uuid.Nil, fmt.Errorf("classifying token: %w", err)
	}
	if expired {
		return uuid.Nil, ErrTokenExpired
	}
	return uuid.Nil, ErrTokenNotFound
}

// ConsumeToken atomically marks a valid token used and returns its owner.
// Returns ErrTokenNotFound or ErrTokenExpired when nothing was consumed.
func (s *PostgresStore) ConsumeToken(ctx context.Context, tokenHash []byte, tokenType string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		userID, err = consumeTokenTx(ctx, tx, tokenHash, tokenType)
		return err
	})
	return userID, err
}

// ConsumePasswordResetToken consumes a reset token, sets the new password hash and revokes
// all sessions of the owner, as one transaction.
func (s *PostgresStore) ConsumePasswordResetToken(ctx context.Context, tokenHash []byte, passwordHash string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		userID, err = consumeTokenTx(ctx, tx, tokenHash, TokenPasswordReset)
		if err != nil {
			return err
		}
		// A reset link proves control of the inbox, so the address counts as verified.
		if _, err := tx.Exec(ctx, `
			UPDATE users
			SET password_hash = $2, email_verified_at = COALESCE(email_verified_at, now()), updated_at = now()
			WHERE id = $1
		`, userID, passwordHash); err != nil {
			return fmt.Errorf("updating password: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("revoking sessions: %w", err)
		}
		return nil
	})
	return userID, err
}

// ConsumeEmailVerificationToken consumes a verification token and marks the owner's email
// verified in one transaction. wasVerified reports whether it was already verified before.
func (s *PostgresStore) ConsumeEmailVerificationToken(ctx context.Context, tokenHash []byte) (userID uuid.UUID, wasVerified bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		userID, err = consumeTokenTx(ctx, tx, tokenHash, TokenEmailVerification)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			"UPDATE users SET email_verified_at = now(), updated_at = now() WHERE id = $1 AND email_verified_at IS NULL",
			userID)
		if err != nil {
			return fmt.Errorf("setting email verified: %w", err)
		}
		wasVerified = tag.RowsAffected() == 0
		return nil
	})
	return userID, wasVerified, err
}

// CleanupTokens deletes tokens that are expired or already used.
// Returns per-purpose counts.
func (s *PostgresStore) CleanupTokens(ctx context.Context) (TokenCleanup, error) {
	var counts TokenCleanup
	rows, err := s.pool.Query(ctx, `
		DELETE FROM tokens
		WHERE expires_at < now() OR used_at IS NOT NULL
		RETURNING token_type
	`)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var tokenType string
		if err := rows.Scan(&tokenType); err != nil {
			return counts, err
		}
		switch tokenType {
		case TokenEmailVerification:
			counts.EmailVerification++
		case TokenPasswordReset:
			counts.PasswordReset++
		case TokenTwoFactorChallenge:
			counts.TwoFactorChallenge++
		}
	}
	return counts, rows.Err()
}

// --- OAuth identities ---

// insertIdentity inserts an oauth_identities row and maps unique violations.
func insertIdentity(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID, provider, subject string, email *string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO oauth_identities (id, user_id, provider, subject, email)
		VALUES ($1, $2, $3, $4, $5)
	`, id, userID, provider, subject, email)
	switch {
	case isUniqueViolation(err, constraintIdentitySubject):
		return ErrIdentityTaken
	case isUniqueViolation(err, constraintIdentityProvider):
		return ErrProviderAlreadyLinked
	}
	return err
}

// GetUserByIdentity fetches the user owning (provider, subject). Returns pgx.ErrNoRows if unlinked.
func (s *PostgresStore) GetUserByIdentity(ctx context.Context, provider, subject string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.password_hash, u.email_verified_at,
			u.two_factor_enabled, u.is_admin, u.is_blocked, u.created_at, u.updated_at
		FROM users u
		JOIN oauth_identities i ON i.user_id = u.id
		WHERE i.provider = $1 AND i.subject = $2
	`, provider, subject))
}

// LinkIdentity attaches (provider, subject) to userID. The unique constraint decides races:
// ErrIdentityTaken if another row owns the subject, ErrProviderAlreadyLinked if the user
// already has an identity at that provider.
func (s *PostgresStore) LinkIdentity(ctx context.Context, id, userID uuid.UUID, provider, subject string, email *string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertIdentity(ctx, tx, id, userID, provider, subject, email)
	})
}

// ListIdentities returns the user's linked identities, oldest first.
func (s *PostgresStore) ListIdentities(ctx context.Context, userID uuid.UUID) ([]OAuthIdentity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, provider, subject, email, created_at
		FROM oauth_identities
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OAuthIdentity, error) {
		var i OAuthIdentity
		err := row.Scan(&i.ID, &i.UserID, &i.Provider, &i.Subject, &i.Email, &i.CreatedAt)
		return i, err
	})
}

// DeleteIdentity removes the user's identity at provider unless it is the last
// authentication method. The user row is locked FOR UPDATE so concurrent unlinks serialize.
func (s *PostgresStore) DeleteIdentity(ctx context.Context, userID uuid.UUID, provider string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var hasPassword bool
		err := tx.QueryRow(ctx,
			"SELECT password_hash IS NOT NULL FROM users WHERE id = $1 FOR UPDATE",
			userID).Scan(&hasPassword)
		if err != nil {
			return err
		}

		var linked int
		var hasProvider bool
		err = tx.QueryRow(ctx, `
			SELECT count(*), coalesce(bool_or(provider = $2), false)
			FROM oauth_identities
			WHERE user_id = $1
		`, userID, provider).Scan(&linked, &hasProvider)
		if err != nil {
			return fmt.Errorf("counting identities: %w", err)
		}
		if !hasProvider {
			return ErrIdentityNotFound
		}
		if !hasPassword && linked <= 1 {
			return ErrLastAuthMethod
		}

		if _, err := tx.Exec(ctx,
			"DELETE FROM oauth_identities WHERE user_id = $1 AND provider = $2",
			userID, provider); err != nil {
			return fmt.Errorf("deleting identity: %w", err)
		}
		return nil
	})
}

// --- Two-factor ---

// GetTwoFactorSecret fetches the user's secret row (pending or confirmed).
// Returns pgx.ErrNoRows if none.
func (s *PostgresStore) GetTwoFactorSecret(ctx context.Context, userID uuid.UUID) (*TwoFactorSecret, error) {
	var tf TwoFactorSecret
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, secret, backup_digest, confirmed_at, last_used_step, created_at
		FROM two_factor_secrets
		WHERE user_id = $1
	`, userID).Scan(&tf.UserID, &tf.Secret, &tf.BackupDigest, &tf.ConfirmedAt, &tf.LastUsedStep, &tf.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tf, nil
}

// UpsertPendingTwoFactor stores a pending secret, overwriting any earlier pending one.
// Returns ErrTwoFactorConfirmed if the existing row is already confirmed.
func (s *PostgresStore) UpsertPendingTwoFactor(ctx context.Context, userID uuid.UUID, secret string, backupDigest []byte) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO two_factor_secrets (user_id, secret, backup_digest)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET secret = EXCLUDED.secret, backup_digest = EXCLUDED.backup_digest,
			last_used_step = NULL, created_at = now()
		WHERE two_factor_secrets.confirmed_at IS NULL
	`, userID, secret, backupDigest)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTwoFactorConfirmed
	}
	return nil
}

// insertBackupCodes bulk-inserts codes with COPY inside tx.
func insertBackupCodes(ctx context.Context, tx pgx.Tx, codes []BackupCode) error {
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"backup_codes"},
		[]string{"id", "user_id", "code_hash"},
		pgx.CopyFromSlice(len(codes), func(i int) ([]any, error) {
			return []any{codes[i].ID, codes[i].UserID, codes[i].CodeHash}, nil
		}))
	if err != nil {
		return fmt.Errorf("inserting backup codes: %w", err)
	}
	return nil
}

// ConfirmTwoFactor promotes the pending secret (which must equal secret) to confirmed,
// replaces the backup codes and sets users.two_factor_enabled, in one transaction.
// Returns ErrTwoFactorNotPending when no matching pending row exists.
func (s *PostgresStore) ConfirmTwoFactor(ctx context.Context, userID uuid.UUID, secret string, codes []BackupCode) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE two_factor_secrets SET confirmed_at = now()
			WHERE user_id = $1 AND secret = $2 AND confirmed_at IS NULL
		`, userID, secret)
		if err != nil {
			return fmt.Errorf("confirming secret: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTwoFactorNotPending
		}
		if _, err := tx.Exec(ctx, "DELETE FROM backup_codes WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("clearing backup codes: %w", err)
		}
		if err := insertBackupCodes(ctx, tx, codes); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"UPDATE users SET two_factor_enabled = true, updated_at = now() WHERE id = $1",
			userID); err != nil {
			return fmt.Errorf("enabling two-factor: %w", err)
		}
		return nil
	})
}

// DisableTwoFactor deletes the secret and all backup codes and clears the user flag.
func (s *PostgresStore) DisableTwoFactor(ctx context.Context, userID uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM two_factor_secrets WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("deleting secret: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM backup_codes WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("deleting backup codes: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE users SET two_factor_enabled = false, updated_at = now() WHERE id = $1",
			userID); err != nil {
			return fmt.Errorf("disabling two-factor: %w", err)
		}
		return nil
	})
}

// MarkTOTPStepUsed records step as the latest accepted TOTP step of a confirmed secret.
// Returns ErrTOTPStepUsed when step is not newer than the recorded one.
func (s *PostgresStore) MarkTOTPStepUsed(ctx context.Context, userID uuid.UUID, step int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE two_factor_secrets SET last_used_step = $2
		WHERE user_id = $1 AND confirmed_at IS NOT NULL
		  AND (last_used_step IS NULL OR last_used_step < $2)
	`, userID, step)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTOTPStepUsed
	}
	return nil
}

// ListUnusedBackupCodes returns the user's unconsumed backup codes.
func (s *PostgresStore) ListUnusedBackupCodes(ctx context.Context, userID uuid.UUID) ([]BackupCode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, code_hash, used_at, created_at
		FROM backup_codes
		WHERE user_id = $1 AND used_at IS NULL
	`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (BackupCode, error) {
		var c BackupCode
		err := row.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.UsedAt, &c.CreatedAt)
		return c, err
	})
}

// MarkBackupCodeUsed consumes a backup code. Returns ErrBackupCodeUsed if another request
// consumed it first (or it was replaced by a regeneration).
func (s *PostgresStore) MarkBackupCodeUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE backup_codes SET used_at = now() WHERE id = $1 AND used_at IS NULL",
		id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBackupCodeUsed
	}
	return nil
}

// ReplaceBackupCodes deletes every backup code of the user and inserts codes, atomically.
func (s *PostgresStore) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []BackupCode) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM backup_codes WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("clearing backup codes: %w", err)
		}
		return insertBackupCodes(ctx, tx, codes)
	})
}

// CountUnusedBackupCodes returns how many backup codes remain.
func (s *PostgresStore) CountUnusedBackupCodes(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM backup_codes WHERE user_id = $1 AND used_at IS NULL",
		userID).Scan(&n)
	return n, err
}
