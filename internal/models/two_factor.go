package models

import "time"

// TwoFactorConfig holds a user's encrypted TOTP secret. At most one row per user.
// Deleted entirely on disable (standard or emergency) or user deletion.
type TwoFactorConfig struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Ciphertext string     `json:"-" db:"ciphertext"`
	Nonce      string     `json:"-" db:"nonce"`
	IsEnabled  bool       `json:"is_enabled" db:"is_enabled"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// BackupCode is a single-use secondary authenticator issued in a set of ten at setup
// or regeneration. Only the hash is stored; the plaintext is shown once.
type BackupCode struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	CodeHash  string     `json:"-" db:"code_hash"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// IsUsed reports whether the code has already been consumed.
func (b *BackupCode) IsUsed() bool {
	return b.UsedAt != nil
}

// TwoFactorAttempt tracks failed verification attempts per user, independent of the
// login rate limiter. Reset on successful verification.
type TwoFactorAttempt struct {
	UserID         string     `json:"-" db:"user_id"`
	FailedAttempts int        `json:"-" db:"failed_attempts"`
	LockedUntil    *time.Time `json:"-" db:"locked_until"`
	LastAttemptAt  *time.Time `json:"-" db:"last_attempt_at"`
}

// IsLocked reports whether 2FA verification is currently locked out for this user.
func (a *TwoFactorAttempt) IsLocked() bool {
	if a.LockedUntil == nil {
		return false
	}
	return time.Now().Before(*a.LockedUntil)
}

// EmergencyDisableToken is a single-use, out-of-band credential that removes 2FA from
// an account without requiring the authenticator device.
type EmergencyDisableToken struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	TokenHash string     `json:"-" db:"token_hash"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// IsValid reports whether the token is unexpired and unconsumed.
func (t *EmergencyDisableToken) IsValid() bool {
	return t.UsedAt == nil && time.Now().Before(t.ExpiresAt)
}
