package models

import "time"

// PasswordResetToken is a single-use, hashed token minted by a reset request.
// TokenHash is a fast digest (not a KDF output) so it can be looked up directly by
// hash rather than scanned linearly — see the credential hasher package.
type PasswordResetToken struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	TokenHash       string     `json:"-" db:"token_hash"`
	ExpiresAt       time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt          *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	RequestIP       string     `json:"-" db:"request_ip"`
	RequestUserAgent string    `json:"-" db:"request_user_agent"`
}

// IsExpired reports whether the token's lifetime has elapsed.
func (t *PasswordResetToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsUsed reports whether the token has already been consumed.
func (t *PasswordResetToken) IsUsed() bool {
	return t.UsedAt != nil
}

// IsValid reports whether the token is still usable.
func (t *PasswordResetToken) IsValid() bool {
	return !t.IsExpired() && !t.IsUsed()
}
