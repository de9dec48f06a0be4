// Package auth implements the credential hasher, the password policy, the
// authenticated-user context helpers, and supporting authentication primitives.
// Session cookie handling lives in internal/session.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is used when configuration does not override it.
const DefaultBcryptCost = 12

// tokenSize is the length, in bytes, of a generated high-entropy token (256 bits).
const tokenSize = 32

// GenerateToken returns a new random hex-encoded token suitable for password-reset,
// emergency-disable, and rate-limit unlock flows. The caller stores HashToken(token)
// and delivers token itself (e.g. by email); it is never persisted in the clear.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// HashPassword returns a bcrypt hash of the password using the given cost factor.
// bcrypt is memory-hard and intentionally slow — appropriate for low-entropy,
// human-chosen secrets.
func HashPassword(password string, cost int) (string, error) {
	if cost <= 0 {
		cost = DefaultBcryptCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword reports whether password matches hash. It never returns an error:
// any comparison failure (including a malformed hash) is reported as false, matching
// the orchestrator's need for an unconditional boolean on the hot path.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashToken returns a fast, deterministic digest of a high-entropy random token
// (password-reset tokens, emergency-disable tokens, unlock tokens). Unlike
// HashPassword, this is NOT a KDF: the input is already
// 256 bits of randomness, so a memory-hard function would only add DoS surface and
// would prevent the direct `WHERE token_hash = ?` lookup these tokens need.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether token hashes to the stored digest, compared in
// constant time.
func VerifyToken(digestHex, token string) bool {
	want, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}
	got := sha256.Sum256([]byte(token))
	return hmac.Equal(want, got[:])
}
