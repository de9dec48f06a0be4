package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/leocalm/piggy-pulse-api/internal/models"
)

// PostgresRepository implements AuthRepository over PostgreSQL, for multi-instance
// deployments that need a shared, horizontally-accessible store.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository connects using a standard libpq connection string.
func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Close() error { return r.db.Close() }

func (r *PostgresRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *PostgresRepository) RunMigrations(migrationSQL string) error {
	_, err := r.db.Exec(migrationSQL)
	return err
}

// --- UserRepository ---

func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	return instrumentQueryContext(ctx, "create_user", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO users (id, email, password_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
		return err
	})
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := instrumentQueryContext(ctx, "get_user_by_id", func() error {
		return r.db.GetContext(ctx, &user, `
			SELECT id, email, password_hash, created_at, updated_at, deleted_at
			FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := instrumentQueryContext(ctx, "get_user_by_email", func() error {
		return r.db.GetContext(ctx, &user, `
			SELECT id, email, password_hash, created_at, updated_at, deleted_at
			FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL`, email)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *PostgresRepository) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()
	return instrumentQueryContext(ctx, "update_user", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET email = $1, updated_at = $2 WHERE id = $3`,
			user.Email, user.UpdatedAt, user.ID)
		return err
	})
}

func (r *PostgresRepository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	return instrumentQueryContext(ctx, "update_password_hash", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`,
			passwordHash, time.Now(), userID)
		return err
	})
}

func (r *PostgresRepository) DeleteUser(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "delete_user", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE users SET deleted_at = $1 WHERE id = $2`, now, id); err != nil {
			return err
		}
		cascades := []string{
			`DELETE FROM sessions WHERE user_id = $1`,
			`DELETE FROM two_factor_configs WHERE user_id = $1`,
			`DELETE FROM backup_codes WHERE user_id = $1`,
			`DELETE FROM two_factor_attempts WHERE user_id = $1`,
			`DELETE FROM emergency_disable_tokens WHERE user_id = $1`,
			`DELETE FROM password_reset_tokens WHERE user_id = $1`,
			`DELETE FROM rate_limit_records WHERE identifier_type = 'account' AND identifier_value = $1`,
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

func (r *PostgresRepository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.CreatedAt = time.Now()
	return instrumentQueryContext(ctx, "create_session", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4)`,
			session.ID, session.UserID, session.CreatedAt, session.ExpiresAt)
		return err
	})
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := instrumentQueryContext(ctx, "get_session", func() error {
		return r.db.GetContext(ctx, &session, `
			SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = $1`, id)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "delete_session", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
		return err
	})
}

func (r *PostgresRepository) DeleteSessionsForUser(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "delete_sessions_for_user", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
		return err
	})
}

// --- RateLimitRepository ---

func (r *PostgresRepository) GetRateLimitRecord(ctx context.Context, identifierType models.IdentifierType, identifierValue string) (*models.RateLimitRecord, error) {
	var rec models.RateLimitRecord
	err := instrumentQueryContext(ctx, "get_rate_limit_record", func() error {
		return r.db.GetContext(ctx, &rec, `
			SELECT identifier_type, identifier_value, failed_attempts, last_attempt_at,
			       locked_until, next_attempt_allowed_at, unlock_token_hash, unlock_token_expires_at
			FROM rate_limit_records WHERE identifier_type = $1 AND identifier_value = $2`,
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
func (r *PostgresRepository) IncrementRateLimitFailure(ctx context.Context, identifierType models.IdentifierType, identifierValue string, now time.Time) (int, error) {
	var attempts int
	err := instrumentQueryContext(ctx, "increment_rate_limit_failure", func() error {
		return r.db.GetContext(ctx, &attempts, `
			INSERT INTO rate_limit_records (identifier_type, identifier_value, failed_attempts, last_attempt_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT(identifier_type, identifier_value) DO UPDATE SET
				failed_attempts = rate_limit_records.failed_attempts + 1,
				last_attempt_at = excluded.last_attempt_at
			RETURNING failed_attempts`,
			identifierType, identifierValue, now)
	})
	return attempts, err
}

func (r *PostgresRepository) SetLockoutState(ctx context.Context, identifierType models.IdentifierType, identifierValue string, nextAttemptAllowedAt, lockedUntil *time.Time) error {
	return instrumentQueryContext(ctx, "set_lockout_state", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE rate_limit_records SET next_attempt_allowed_at = $1, locked_until = $2
			WHERE identifier_type = $3 AND identifier_value = $4`,
			nextAttemptAllowedAt, lockedUntil, identifierType, identifierValue)
		return err
	})
}

func (r *PostgresRepository) SetUnlockToken(ctx context.Context, identifierType models.IdentifierType, identifierValue, unlockTokenHash string, expiresAt time.Time) error {
	return instrumentQueryContext(ctx, "set_unlock_token", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE rate_limit_records SET unlock_token_hash = $1, unlock_token_expires_at = $2
			WHERE identifier_type = $3 AND identifier_value = $4`,
			unlockTokenHash, expiresAt, identifierType, identifierValue)
		return err
	})
}

func (r *PostgresRepository) GetRateLimitRecordByUnlockToken(ctx context.Context, unlockTokenHash string) (*models.RateLimitRecord, error) {
	var rec models.RateLimitRecord
	err := instrumentQueryContext(ctx, "get_rate_limit_record_by_unlock_token", func() error {
		return r.db.GetContext(ctx, &rec, `
			SELECT identifier_type, identifier_value, failed_attempts, last_attempt_at,
			       locked_until, next_attempt_allowed_at, unlock_token_hash, unlock_token_expires_at
			FROM rate_limit_records WHERE unlock_token_hash = $1`, unlockTokenHash)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRepository) ResetRateLimit(ctx context.Context, identifierType models.IdentifierType, identifierValue string) error {
	return instrumentQueryContext(ctx, "reset_rate_limit", func() error {
		_, err := r.db.ExecContext(ctx, `
			DELETE FROM rate_limit_records WHERE identifier_type = $1 AND identifier_value = $2`,
			identifierType, identifierValue)
		return err
	})
}

// --- TwoFactorRepository ---

func (r *PostgresRepository) GetTwoFactorConfig(ctx context.Context, userID string) (*models.TwoFactorConfig, error) {
	var cfg models.TwoFactorConfig
	err := instrumentQueryContext(ctx, "get_two_factor_config", func() error {
		return r.db.GetContext(ctx, &cfg, `
			SELECT id, user_id, ciphertext, nonce, is_enabled, verified_at, created_at, updated_at
			FROM two_factor_configs WHERE user_id = $1`, userID)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *PostgresRepository) CreateTwoFactorConfig(ctx context.Context, cfg *models.TwoFactorConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	return instrumentQueryContext(ctx, "create_two_factor_config", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO two_factor_configs (id, user_id, ciphertext, nonce, is_enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
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

func (r *PostgresRepository) EnableTwoFactorConfig(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "enable_two_factor_config", func() error {
		now := time.Now()
		_, err := r.db.ExecContext(ctx, `
			UPDATE two_factor_configs SET is_enabled = true, verified_at = $1, updated_at = $2
			WHERE user_id = $3`, now, now, userID)
		return err
	})
}

func (r *PostgresRepository) DeleteTwoFactorConfig(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "delete_two_factor_config", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM two_factor_configs WHERE user_id = $1`, userID)
		return err
	})
}

func (r *PostgresRepository) CreateBackupCodes(ctx context.Context, codes []*models.BackupCode) error {
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
				VALUES ($1, $2, $3, $4)`, code.ID, code.UserID, code.CodeHash, code.CreatedAt); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (r *PostgresRepository) ListBackupCodes(ctx context.Context, userID string) ([]*models.BackupCode, error) {
	var codes []*models.BackupCode
	err := instrumentQueryContext(ctx, "list_backup_codes", func() error {
		return r.db.SelectContext(ctx, &codes, `
			SELECT id, user_id, code_hash, used_at, created_at
			FROM backup_codes WHERE user_id = $1`, userID)
	})
	return codes, err
}

func (r *PostgresRepository) MarkBackupCodeUsed(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "mark_backup_code_used", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE backup_codes SET used_at = $1 WHERE id = $2`, time.Now(), id)
		return err
	})
}

func (r *PostgresRepository) DeleteBackupCodes(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "delete_backup_codes", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID)
		return err
	})
}

func (r *PostgresRepository) GetTwoFactorAttempt(ctx context.Context, userID string) (*models.TwoFactorAttempt, error) {
	var attempt models.TwoFactorAttempt
	err := instrumentQueryContext(ctx, "get_two_factor_attempt", func() error {
		return r.db.GetContext(ctx, &attempt, `
			SELECT user_id, failed_attempts, locked_until, last_attempt_at
			FROM two_factor_attempts WHERE user_id = $1`, userID)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *PostgresRepository) RecordTwoFactorFailure(ctx context.Context, userID string, attempts int, lastAttemptAt time.Time, lockedUntil *time.Time) error {
	return instrumentQueryContext(ctx, "record_two_factor_failure", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO two_factor_attempts (user_id, failed_attempts, last_attempt_at, locked_until)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT(user_id) DO UPDATE SET
				failed_attempts = excluded.failed_attempts,
				last_attempt_at = excluded.last_attempt_at,
				locked_until = excluded.locked_until`,
			userID, attempts, lastAttemptAt, lockedUntil)
		return err
	})
}

func (r *PostgresRepository) ResetTwoFactorAttempt(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "reset_two_factor_attempt", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM two_factor_attempts WHERE user_id = $1`, userID)
		return err
	})
}

func (r *PostgresRepository) CreateEmergencyDisableToken(ctx context.Context, token *models.EmergencyDisableToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.CreatedAt = time.Now()
	return instrumentQueryContext(ctx, "create_emergency_disable_token", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO emergency_disable_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
		return err
	})
}

func (r *PostgresRepository) GetEmergencyDisableTokenByHash(ctx context.Context, tokenHash string) (*models.EmergencyDisableToken, error) {
	var token models.EmergencyDisableToken
	err := instrumentQueryContext(ctx, "get_emergency_disable_token", func() error {
		return r.db.GetContext(ctx, &token, `
			SELECT id, user_id, token_hash, expires_at, used_at, created_at
			FROM emergency_disable_tokens WHERE token_hash = $1`, tokenHash)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *PostgresRepository) MarkEmergencyDisableTokenUsed(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "mark_emergency_disable_token_used", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE emergency_disable_tokens SET used_at = $1 WHERE id = $2`, time.Now(), id)
		return err
	})
}

// --- PasswordResetRepository ---

func (r *PostgresRepository) CreatePasswordResetToken(ctx context.Context, token *models.PasswordResetToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.CreatedAt = time.Now()
	return instrumentQueryContext(ctx, "create_password_reset_token", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at, request_ip, request_user_agent)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt, token.RequestIP, token.RequestUserAgent)
		return err
	})
}

func (r *PostgresRepository) GetPasswordResetTokenByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	var token models.PasswordResetToken
	err := instrumentQueryContext(ctx, "get_password_reset_token", func() error {
		return r.db.GetContext(ctx, &token, `
			SELECT id, user_id, token_hash, expires_at, used_at, created_at, request_ip, request_user_agent
			FROM password_reset_tokens WHERE token_hash = $1`, tokenHash)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *PostgresRepository) MarkPasswordResetTokenUsed(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "mark_password_reset_token_used", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE password_reset_tokens SET used_at = $1 WHERE id = $2`, time.Now(), id)
		return err
	})
}

func (r *PostgresRepository) CountPasswordResetRequests(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := instrumentQueryContext(ctx, "count_password_reset_requests", func() error {
		return r.db.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM password_reset_tokens WHERE user_id = $1 AND created_at >= $2`, userID, since)
	})
	return count, err
}

func (r *PostgresRepository) ConfirmPasswordReset(ctx context.Context, tokenID, userID, newPasswordHash string) error {
	return instrumentQueryContext(ctx, "confirm_password_reset", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE password_reset_tokens SET used_at = $1 WHERE id = $2`, now, tokenID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`, newPasswordHash, now, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// --- AuditRepository ---

func (r *PostgresRepository) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.CreatedAt = time.Now()
	return instrumentQueryContext(ctx, "create_audit_event", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO audit_events (id, user_id, event_type, success, ip_address, user_agent, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			event.ID, event.UserID, event.EventType, event.Success, event.IPAddress, event.UserAgent, event.Metadata, event.CreatedAt)
		return err
	})
}
