package models

import "time"

// Session is an opaque server-side session record. No state beyond identity, owner,
// and lifetime is held server-side — the cookie carries nothing else.
type Session struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// IsExpired reports whether the session's lifetime has elapsed.
func (s *Session) IsExpired() bool {
	return !time.Now().Before(s.ExpiresAt)
}
