package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/leocalm/piggy-pulse-api/internal/models"
)

// SQLiteRepository implements AuthRepository over a local SQLite file, the default
// backend for single-instance deployments.
type SQLiteRepository struct {
	db *sqlx.DB
}

// NewSQLiteRepository opens dbPath with WAL mode and foreign keys enabled.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	// WAL mode tolerates concurrent readers but modernc.org/sqlite serializes writers
	// internally; a single open connection avoids "database is locked" under the
	// rate-limit store's concurrent upserts.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

func (r *SQLiteRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *SQLiteRepository) RunMigrations(migrationSQL string) error {
	_, err := r.db.Exec(migrationSQL)
	return err
}

// --- UserRepository ---

func (r *SQLiteRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	return instrumentQueryContext(ctx, "create_user", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO users (id, email, password_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
		return err
	})
}

func (r *SQLiteRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := instrumentQueryContext(ctx, "get_user_by_id", func() error {
		return r.db.GetContext(ctx, &user, `
			SELECT id, email, password_hash, created_at, updated_at, deleted_at
			FROM users WHERE id = ? AND deleted_at IS NULL`, id)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *SQLiteRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := instrumentQueryContext(ctx, "get_user_by_email", func() error {
		return r.db.GetContext(ctx, &user, `
			SELECT id, email, password_hash, created_at, updated_at, deleted_at
			FROM users WHERE lower(email) = lower(?) AND deleted_at IS NULL`, email)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *SQLiteRepository) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()
	return instrumentQueryContext(ctx, "update_user", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET email = ?, updated_at = ? WHERE id = ?`,
			user.Email, user.UpdatedAt, user.ID)
		return err
	})
}

func (r *SQLiteRepository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	return instrumentQueryContext(ctx, "update_password_hash", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
			passwordHash, time.Now(), userID)
		return err
	})
}

// DeleteUser soft-deletes the account and cascades to every dependent record, all in
// one transaction.
func (r *SQLiteRepository) DeleteUser(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "delete_user", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE users SET deleted_at = ? WHERE id = ?`, now, id); err != nil {
			return err
		}
		cascades := []string{
			`DELETE FROM sessions WHERE user_id = ?`,
			`DELETE FROM two_factor_configs WHERE user_id = ?`,
			`DELETE FROM backup_codes WHERE user_id = ?`,
			`DELETE FROM two_factor_attempts WHERE user_id = ?`,
			`DELETE FROM emergency_disable_tokens WHERE user_id = ?`,
			`DELETE FROM password_reset_tokens WHERE user_id = ?`,
			`DELETE FROM rate_limit_records WHERE identifier_type = 'account' AND identifier_value = ?`,
		}
		for _, stmt := range cascades {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// --- SessionRepository ---

func (r *SQLiteRepository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.CreatedAt = time.Now()
	return instrumentQueryContext(ctx, "create_session", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, created_at, expires_at)
			VALUES (?, ?, ?, ?)`,
			session.ID, session.UserID, session.CreatedAt, session.ExpiresAt)
		return err
	})
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := instrumentQueryContext(ctx, "get_session", func() error {
		return r.db.GetContext(ctx, &session, `
			SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ?`, id)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "delete_session", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		return err
	})
}

func (r *SQLiteRepository) DeleteSessionsForUser(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "delete_sessions_for_user", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
		return err
	})
}

// --- RateLimitRepository ---

func (r *SQLiteRepository) GetRateLimitRecord(ctx context.Context, identifierType models.IdentifierType, identifierValue string) (*models.RateLimitRecord, error) {
	var rec models.RateLimitRecord
	err := instrumentQueryContext(ctx, "get_rate_limit_record", func() error {
		return r.db.GetContext(ctx, &rec, `
			SELECT identifier_type, identifier_value, failed_attempts, last_attempt_at,
			       locked_until, next_attempt_allowed_at, unlock_token_hash, unlock_token_expires_at
			FROM rate_limit_records WHERE identifier_type = ? AND identifier_value = ?`,
			identifierType, identifierValue)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// IncrementRateLimitFailure upserts and increments the counter in one statement, the
// race-free core of the progressive-backoff limiter.
func (r *SQLiteRepository) IncrementRateLimitFailure(ctx context.Context, identifierType models.IdentifierType, identifierValue string, now time.Time) (int, error) {
	var attempts int
	err := instrumentQueryContext(ctx, "increment_rate_limit_failure", func() error {
		return r.db.GetContext(ctx, &attempts, `
			INSERT INTO rate_limit_records (identifier_type, identifier_value, failed_attempts, last_attempt_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(identifier_type, identifier_value) DO UPDATE SET
				failed_attempts = rate_limit_records.failed_attempts + 1,
				last_attempt_at = excluded.last_attempt_at
			RETURNING failed_attempts`,
			identifierType, identifierValue, now)
	})
	return attempts, err
}

func (r *SQLiteRepository) SetLockoutState(ctx context.Context, identifierType models.IdentifierType, identifierValue string, nextAttemptAllowedAt, lockedUntil *time.Time) error {
	return instrumentQueryContext(ctx, "set_lockout_state", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE rate_limit_records SET next_attempt_allowed_at = ?, locked_until = ?
			WHERE identifier_type = ? AND identifier_value = ?`,
			nextAttemptAllowedAt, lockedUntil, identifierType, identifierValue)
		return err
	})
}

func (r *SQLiteRepository) SetUnlockToken(ctx context.Context, identifierType models.IdentifierType, identifierValue, unlockTokenHash string, expiresAt time.Time) error {
	return instrumentQueryContext(ctx, "set_unlock_token", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE rate_limit_records SET unlock_token_hash = ?, unlock_token_expires_at = ?
			WHERE identifier_type = ? AND identifier_value = ?`,
			unlockTokenHash, expiresAt, identifierType, identifierValue)
		return err
	})
}

func (r *SQLiteRepository) GetRateLimitRecordByUnlockToken(ctx context.Context, unlockTokenHash string) (*models.RateLimitRecord, error) {
	var rec models.RateLimitRecord
	err := instrumentQueryContext(ctx, "get_rate_limit_record_by_unlock_token", func() error {
		return r.db.GetContext(ctx, &rec, `
			SELECT identifier_type, identifier_value, failed_attempts, last_attempt_at,
			       locked_until, next_attempt_allowed_at, unlock_token_hash, unlock_token_expires_at
			FROM rate_limit_records WHERE unlock_token_hash = ?`, unlockTokenHash)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *SQLiteRepository) ResetRateLimit(ctx context.Context, identifierType models.IdentifierType, identifierValue string) error {
	return instrumentQueryContext(ctx, "reset_rate_limit", func() error {
		_, err := r.db.ExecContext(ctx, `
			DELETE FROM rate_limit_records WHERE identifier_type = ? AND identifier_value = ?`,
			identifierType, identifierValue)
		return err
	})
}

// --- TwoFactorRepository ---

func (r *SQLiteRepository) GetTwoFactorConfig(ctx context.Context, userID string) (*models.TwoFactorConfig, error) {
	var cfg models.TwoFactorConfig
	err := instrumentQueryContext(ctx, "get_two_factor_config", func() error {
		return r.db.GetContext(ctx, &cfg, `
			SELECT id, user_id, ciphertext, nonce, is_enabled, verified_at, created_at, updated_at
			FROM two_factor_configs WHERE user_id = ?`, userID)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *SQLiteRepository) CreateTwoFactorConfig(ctx context.Context, cfg *models.TwoFactorConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	return instrumentQueryContext(ctx, "create_two_factor_config", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO two_factor_configs (id, user_id, ciphertext, nonce, is_enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				ciphertext = excluded.ciphertext,
				nonce = excluded.nonce,
				is_enabled = excluded.is_enabled,
				verified_at = NULL,
				updated_at = excluded.updated_at`,
			cfg.ID, cfg.UserID, cfg.Ciphertext, cfg.Nonce, cfg.IsEnabled, cfg.CreatedAt, cfg.UpdatedAt)
		return err
	})
}

func (r *SQLiteRepository) EnableTwoFactorConfig(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "enable_two_factor_config", func() error {
		now := time.Now()
		_, err := r.db.ExecContext(ctx, `
			UPDATE two_factor_configs SET is_enabled = 1, verified_at = ?, updated_at = ?
			WHERE user_id = ?`, now, now, userID)
		return err
	})
}

func (r *SQLiteRepository) DeleteTwoFactorConfig(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "delete_two_factor_config", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM two_factor_configs WHERE user_id = ?`, userID)
		return err
	})
}

func (r *SQLiteRepository) CreateBackupCodes(ctx context.Context, codes []*models.BackupCode) error {
	return instrumentQueryContext(ctx, "create_backup_codes", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		now := time.Now()
		for _, code := range codes {
			if code.ID == "" {
				code.ID = uuid.NewString()
			}
			code.CreatedAt = now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO backup_codes (id, user_id, code_hash, created_at)
				VALUES (?, ?, ?, ?)`, code.ID, code.UserID, code.CodeHash, code.CreatedAt); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (r *SQLiteRepository) ListBackupCodes(ctx context.Context, userID string) ([]*models.BackupCode, error) {
	var codes []*models.BackupCode
	err := instrumentQueryContext(ctx, "list_backup_codes", func() error {
		return r.db.SelectContext(ctx, &codes, `
			SELECT id, user_id, code_hash, used_at, created_at
			FROM backup_codes WHERE user_id = ?`, userID)
	})
	return codes, err
}

func (r *SQLiteRepository) MarkBackupCodeUsed(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "mark_backup_code_used", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE backup_codes SET used_at = ? WHERE id = ?`, time.Now(), id)
		return err
	})
}

func (r *SQLiteRepository) DeleteBackupCodes(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "delete_backup_codes", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = ?`, userID)
		return err
	})
}

func (r *SQLiteRepository) GetTwoFactorAttempt(ctx context.Context, userID string) (*models.TwoFactorAttempt, error) {
	var attempt models.TwoFactorAttempt
	err := instrumentQueryContext(ctx, "get_two_factor_attempt", func() error {
		return r.db.GetContext(ctx, &attempt, `
			SELECT user_id, failed_attempts, locked_until, last_attempt_at
			FROM two_factor_attempts WHERE user_id = ?`, userID)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *SQLiteRepository) RecordTwoFactorFailure(ctx context.Context, userID string, attempts int, lastAttemptAt time.Time, lockedUntil *time.Time) error {
	return instrumentQueryContext(ctx, "record_two_factor_failure", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO two_factor_attempts (user_id, failed_attempts, last_attempt_at, locked_until)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				failed_attempts = excluded.failed_attempts,
				last_attempt_at = excluded.last_attempt_at,
				locked_until = excluded.locked_until`,
			userID, attempts, lastAttemptAt, lockedUntil)
		return err
	})
}

func (r *SQLiteRepository) ResetTwoFactorAttempt(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "reset_two_factor_attempt", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM two_factor_attempts WHERE user_id = ?`, userID)
		return err
	})
}

func (r *SQLiteRepository) CreateEmergencyDisableToken(ctx context.Context, token *models.EmergencyDisableToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.CreatedAt = time.Now()
	return instrumentQueryContext(ctx, "create_emergency_disable_token", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO emergency_disable_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
		return err
	})
}

func (r *SQLiteRepository) GetEmergencyDisableTokenByHash(ctx context.Context, tokenHash string) (*models.EmergencyDisableToken, error) {
	var token models.EmergencyDisableToken
	err := instrumentQueryContext(ctx, "get_emergency_disable_token", func() error {
		return r.db.GetContext(ctx, &token, `
			SELECT id, user_id, token_hash, expires_at, used_at, created_at
			FROM emergency_disable_tokens WHERE token_hash = ?`, tokenHash)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *SQLiteRepository) MarkEmergencyDisableTokenUsed(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "mark_emergency_disable_token_used", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE emergency_disable_tokens SET used_at = ? WHERE id = ?`, time.Now(), id)
		return err
	})
}

// --- PasswordResetRepository ---

func (r *SQLiteRepository) CreatePasswordResetToken(ctx context.Context, token *models.PasswordResetToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.CreatedAt = time.Now()
	return instrumentQueryContext(ctx, "create_password_reset_token", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at, request_ip, request_user_agent)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt, token.RequestIP, token.RequestUserAgent)
		return err
	})
}

func (r *SQLiteRepository) GetPasswordResetTokenByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	var token models.PasswordResetToken
	err := instrumentQueryContext(ctx, "get_password_reset_token", func() error {
		return r.db.GetContext(ctx, &token, `
			SELECT id, user_id, token_hash, expires_at, used_at, created_at, request_ip, request_user_agent
			FROM password_reset_tokens WHERE token_hash = ?`, tokenHash)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *SQLiteRepository) MarkPasswordResetTokenUsed(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "mark_password_reset_token_used", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE password_reset_tokens SET used_at = ? WHERE id = ?`, time.Now(), id)
		return err
	})
}

func (r *SQLiteRepository) CountPasswordResetRequests(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := instrumentQueryContext(ctx, "count_password_reset_requests", func() error {
		return r.db.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM password_reset_tokens WHERE user_id = ? AND created_at >= ?`, userID, since)
	})
	return count, err
}

// ConfirmPasswordReset marks the token used, rotates the password hash, and deletes
// every session for the user, atomically.
func (r *SQLiteRepository) ConfirmPasswordReset(ctx context.Context, tokenID, userID, newPasswordHash string) error {
	return instrumentQueryContext(ctx, "confirm_password_reset", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE password_reset_tokens SET used_at = ? WHERE id = ?`, now, tokenID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, newPasswordHash, now, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// --- AuditRepository ---

func (r *SQLiteRepository) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.CreatedAt = time.Now()
	return instrumentQueryContext(ctx, "create_audit_event", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO audit_events (id, user_id, event_type, success, ip_address, user_agent, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, event.UserID, event.EventType, event.Success, event.IPAddress, event.UserAgent, event.Metadata, event.CreatedAt)
		return err
	})
}
