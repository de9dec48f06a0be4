package repository

import (
	"context"
	"time"

	"github.com/leocalm/piggy-pulse-api/internal/models"
)

// UserRepository defines account data access: creation, lookup, mutation, and the
// cascading delete that removes every dependent record an account owns.
type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	DeleteUser(ctx context.Context, id string) error
}

// SessionRepository defines the Session Store: opaque, bounded-lifetime session rows
// with no state beyond identity, owner, and expiry.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsForUser(ctx context.Context, userID string) error
}

// RateLimitRepository defines the Rate-Limit Store: durable per-identifier counters
// behind the progressive-backoff login limiter.
type RateLimitRepository interface {
	GetRateLimitRecord(ctx context.Context, identifierType models.IdentifierType, identifierValue string) (*models.RateLimitRecord, error)
	// IncrementRateLimitFailure atomically upserts and increments the failure counter
	// for one identifier in a single statement (INSERT ... ON CONFLICT DO UPDATE SET
	// failed_attempts = failed_attempts + 1), returning the committed count. This is
	// the one operation the store MUST NOT implement as read-then-write: concurrent
	// callers racing on the same identifier must each observe their own increment.
	IncrementRateLimitFailure(ctx context.Context, identifierType models.IdentifierType, identifierValue string, now time.Time) (int, error)
	// SetLockoutState records the delay/lockout computed from the count
	// IncrementRateLimitFailure returned. Run after the increment, never combined with
	// it — the increment is the part that must be race-free, not this follow-up write.
	SetLockoutState(ctx context.Context, identifierType models.IdentifierType, identifierValue string, nextAttemptAllowedAt, lockedUntil *time.Time) error
	SetUnlockToken(ctx context.Context, identifierType models.IdentifierType, identifierValue, unlockTokenHash string, expiresAt time.Time) error
	GetRateLimitRecordByUnlockToken(ctx context.Context, unlockTokenHash string) (*models.RateLimitRecord, error)
	// ResetRateLimit deletes the row for one identifier. Called once per axis on
	// successful authentication and on unlock-token consumption.
	ResetRateLimit(ctx context.Context, identifierType models.IdentifierType, identifierValue string) error
}

// TwoFactorRepository defines the Two-Factor Store: the encrypted secret, the backup
// code set, the per-user attempt counter, and the emergency disable token.
type TwoFactorRepository interface {
	GetTwoFactorConfig(ctx context.Context, userID string) (*models.TwoFactorConfig, error)
	CreateTwoFactorConfig(ctx context.Context, cfg *models.TwoFactorConfig) error
	EnableTwoFactorConfig(ctx context.Context, userID string) error
	DeleteTwoFactorConfig(ctx context.Context, userID string) error

	CreateBackupCodes(ctx context.Context, codes []*models.BackupCode) error
	ListBackupCodes(ctx context.Context, userID string) ([]*models.BackupCode, error)
	MarkBackupCodeUsed(ctx context.Context, id string) error
	DeleteBackupCodes(ctx context.Context, userID string) error

	GetTwoFactorAttempt(ctx context.Context, userID string) (*models.TwoFactorAttempt, error)
	RecordTwoFactorFailure(ctx context.Context, userID string, attempts int, lastAttemptAt time.Time, lockedUntil *time.Time) error
	ResetTwoFactorAttempt(ctx context.Context, userID string) error

	CreateEmergencyDisableToken(ctx context.Context, token *models.EmergencyDisableToken) error
	GetEmergencyDisableTokenByHash(ctx context.Context, tokenHash string) (*models.EmergencyDisableToken, error)
	MarkEmergencyDisableTokenUsed(ctx context.Context, id string) error
}

// PasswordResetRepository defines the Password-Reset Store: single-use hashed tokens
// with TTL and a consumption marker.
type PasswordResetRepository interface {
	CreatePasswordResetToken(ctx context.Context, token *models.PasswordResetToken) error
	GetPasswordResetTokenByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error)
	MarkPasswordResetTokenUsed(ctx context.Context, id string) error
	CountPasswordResetRequests(ctx context.Context, userID string, since time.Time) (int, error)
}

// AuditRepository defines the Audit Log Writer's persistence side: an append-only
// store of security events.
type AuditRepository interface {
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

// AuthRepository aggregates every repository the authentication core depends on, plus
// the one cross-aggregate transaction the Password-Reset Store needs: marking a
// reset token used, updating the password hash, and invalidating every session for the
// user, all inside a single transaction.
type AuthRepository interface {
	UserRepository
	SessionRepository
	RateLimitRepository
	TwoFactorRepository
	PasswordResetRepository
	AuditRepository

	ConfirmPasswordReset(ctx context.Context, tokenID, userID, newPasswordHash string) error

	Close() error
	Ping(ctx context.Context) error
	RunMigrations(migrationSQL string) error
}
