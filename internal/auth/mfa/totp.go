// Package mfa implements the TOTP Engine and backup-code primitives for two-factor
// authentication. It holds no persistence state; the Two-Factor Store (repository
// layer) owns the ciphertext, hashes, and attempt counters built from these primitives.
package mfa

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/leocalm/piggy-pulse-api/internal/auth"
)

// SecretSize is the length, in bytes, of a generated TOTP secret (RFC 4226 recommends
// at least 160 bits).
const SecretSize = 20

// GenerateSecret returns a new random base32-encoded TOTP secret.
func GenerateSecret() (string, error) {
	raw := make([]byte, SecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mfa: generate secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// ProvisioningURI builds the otpauth:// URI an authenticator app scans to enroll the
// secret, per the otpauth URI scheme.
func ProvisioningURI(secret, issuer, accountLabel string) (string, error) {
	key, err := otp.NewKeyFromURL(fmt.Sprintf(
		"otpauth://totp/%s:%s?secret=%s&issuer=%s&algorithm=SHA1&digits=6&period=30",
		issuer, accountLabel, secret, issuer,
	))
	if err != nil {
		return "", fmt.Errorf("mfa: provisioning uri: %w", err)
	}
	return key.String(), nil
}

// Verify checks code against secret, accepting the current 30-second step and ±1 step
// to tolerate clock drift, per RFC 6238. Comparison of decimal digits is constant-time
// via the underlying library's ValidateCustom.
func Verify(secret, code string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}

// GenerateBackupCodes returns count freshly random, human-typeable recovery codes.
func GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		count = 10
	}
	codes := make([]string, count)
	for i := range codes {
		raw := make([]byte, 6)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		codes[i] = base64.RawURLEncoding.EncodeToString(raw)[:8]
	}
	return codes, nil
}

// HashBackupCode hashes a single backup code with the credential hasher's KDF — codes
// are short and human-typed, so they get the same memory-hard treatment as passwords.
func HashBackupCode(code string, bcryptCost int) (string, error) {
	return auth.HashPassword(code, bcryptCost)
}

// VerifyBackupCode reports whether code matches hash.
func VerifyBackupCode(hash, code string) bool {
	return auth.VerifyPassword(hash, code)
}
