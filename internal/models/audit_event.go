package models

import "time"

// AuditEventType is a member of the closed set of security events the orchestrator emits.
type AuditEventType string

const (
	EventLoginSuccess              AuditEventType = "login_success"
	EventLoginFailed               AuditEventType = "login_failed"
	EventLogout                    AuditEventType = "logout"
	EventSessionExpired            AuditEventType = "session_expired"
	EventTwoFactorEnabled          AuditEventType = "2fa_enabled"
	EventTwoFactorDisabled         AuditEventType = "2fa_disabled"
	EventTwoFactorBackupUsed       AuditEventType = "2fa_backup_used"
	EventPasswordChanged           AuditEventType = "password_changed"
	EventAccountUpdated            AuditEventType = "account_updated"
	EventPasswordResetRequested    AuditEventType = "password_reset_requested"
	EventPasswordResetValidated    AuditEventType = "password_reset_token_validated"
	EventPasswordResetCompleted    AuditEventType = "password_reset_completed"
	EventPasswordResetFailed       AuditEventType = "password_reset_failed"
	EventPasswordResetTokenExpired AuditEventType = "password_reset_token_expired"
	EventPasswordResetTokenInvalid AuditEventType = "password_reset_token_invalid"
	EventLoginRateLimited          AuditEventType = "login_rate_limited"
	EventAccountLocked             AuditEventType = "account_locked"
	EventAccountUnlocked           AuditEventType = "account_unlocked"
	EventHighFailureRate           AuditEventType = "high_failure_rate"
)

// AuditEvent is a single append-only security event record. Never updated or deleted.
type AuditEvent struct {
	ID         string         `json:"id" db:"id"`
	UserID     *string        `json:"user_id,omitempty" db:"user_id"`
	EventType  AuditEventType `json:"event_type" db:"event_type"`
	Success    bool           `json:"success" db:"success"`
	IPAddress  *string        `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  *string        `json:"user_agent,omitempty" db:"user_agent"`
	Metadata   *string        `json:"metadata,omitempty" db:"metadata"` // JSON
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
