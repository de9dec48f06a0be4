// Package twofactor implements the Two-Factor Store: TOTP enrollment, verification
// (TOTP then backup-code fallback), enable/disable (standard and emergency), and
// backup-code regeneration. It owns the encrypted-secret lifecycle but never the
// session or rate-limit state those operations also touch — callers (the
// Authentication Orchestrator, the HTTP handlers) are responsible for wiring this
// package's results into audit events and session invalidation.
package twofactor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/auth/mfa"
	"github.com/leocalm/piggy-pulse-api/internal/crypto"
	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
)

// ErrInvalidPassword is returned by DisableStandard when the presented password does
// not match the account's current hash.
var ErrInvalidPassword = errors.New("twofactor: invalid password")

// ErrNotSetUp is returned by operations that require an existing (possibly
// unverified) two-factor configuration when none exists.
var ErrNotSetUp = errors.New("twofactor: not set up")

// ErrEmergencyTokenInvalid covers an absent, expired, or already-consumed emergency
// disable token.
var ErrEmergencyTokenInvalid = errors.New("twofactor: emergency token invalid or expired")

// VerifyOutcome is the result of a verification attempt.
type VerifyOutcome int

const (
	Valid VerifyOutcome = iota
	InvalidCode
	LockedOut
)

// VerifyResult carries the outcome and, for LockedOut, the time attempts resume.
type VerifyResult struct {
	Outcome     VerifyOutcome
	LockedUntil time.Time
	// UsedBackupCode is true when Valid was reached via a backup code rather than TOTP,
	// so the caller can emit the distinct 2fa_backup_used audit event.
	UsedBackupCode bool
}

// Settings configures the per-user attempt lockout independent of the login
// rate limiter.
type Settings struct {
	AttemptThreshold int
	LockoutDuration  time.Duration
	BcryptCost       int
	TOTPIssuer       string
	EmergencyTokenTTL time.Duration
}

// Store composes the TOTP Engine and backup-code primitives (internal/auth/mfa) with
// the Two-Factor Store's persistence and the shared Symmetric Cipher.
type Store struct {
	repo   repository.TwoFactorRepository
	cipher *crypto.AEAD
	cfg    Settings
}

func New(repo repository.TwoFactorRepository, cipher *crypto.AEAD, cfg Settings) *Store {
	return &Store{repo: repo, cipher: cipher, cfg: cfg}
}

// SetupResult is returned exactly once at setup time; the plaintext secret and codes
// are never retrievable again after this call returns.
type SetupResult struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

// Setup generates a fresh secret and backup-code set for userID, replacing any
// existing (even verified) configuration — re-running setup is how a user re-enrolls
// after losing their authenticator, short of the emergency-disable flow.
func (s *Store) Setup(ctx context.Context, userID, accountLabel string) (*SetupResult, error) {
	secret, err := mfa.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("twofactor: setup: %w", err)
	}
	uri, err := mfa.ProvisioningURI(secret, s.cfg.TOTPIssuer, accountLabel)
	if err != nil {
		return nil, fmt.Errorf("twofactor: setup: %w", err)
	}
	ciphertext, nonce, err := s.cipher.Seal([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("twofactor: seal secret: %w", err)
	}

	if err := s.repo.DeleteTwoFactorConfig(ctx, userID); err != nil {
		return nil, fmt.Errorf("twofactor: clear prior config: %w", err)
	}
	if err := s.repo.DeleteBackupCodes(ctx, userID); err != nil {
		return nil, fmt.Errorf("twofactor: clear prior backup codes: %w", err)
	}

	cfg := &models.TwoFactorConfig{
		ID:         uuid.NewString(),
		UserID:     userID,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		IsEnabled:  false,
	}
	if err := s.repo.CreateTwoFactorConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("twofactor: persist config: %w", err)
	}

	codes, err := mfa.GenerateBackupCodes(10)
	if err != nil {
		return nil, fmt.Errorf("twofactor: generate backup codes: %w", err)
	}
	rows := make([]*models.BackupCode, len(codes))
	for i, code := range codes {
		hash, err := mfa.HashBackupCode(code, s.cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("twofactor: hash backup code: %w", err)
		}
		rows[i] = &models.BackupCode{ID: uuid.NewString(), UserID: userID, CodeHash: hash}
	}
	if err := s.repo.CreateBackupCodes(ctx, rows); err != nil {
		return nil, fmt.Errorf("twofactor: persist backup codes: %w", err)
	}

	return &SetupResult{Secret: secret, ProvisioningURI: uri, BackupCodes: codes}, nil
}

// Verify attempts code against userID's TOTP secret first, then falls back to the
// unused backup-code set. A failure of both increments the attempt counter and may
// trip the per-user lockout; a success resets it.
func (s *Store) Verify(ctx context.Context, userID, code string) (VerifyResult, error) {
	attempt, err := s.repo.GetTwoFactorAttempt(ctx, userID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("twofactor: load attempt state: %w", err)
	}
	if attempt != nil && attempt.IsLocked() {
		return VerifyResult{Outcome: LockedOut, LockedUntil: *attempt.LockedUntil}, nil
	}

	cfg, err := s.repo.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("twofactor: load config: %w", err)
	}
	if cfg == nil {
		return VerifyResult{}, ErrNotSetUp
	}

	secret, err := s.decryptSecret(cfg)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("twofactor: decrypt secret: %w", err)
	}

	if mfa.Verify(secret, code) {
		if err := s.repo.ResetTwoFactorAttempt(ctx, userID); err != nil {
			return VerifyResult{}, fmt.Errorf("twofactor: reset attempt state: %w", err)
		}
		return VerifyResult{Outcome: Valid}, nil
	}

	if usedBackup, err := s.tryBackupCode(ctx, userID, code); err != nil {
		return VerifyResult{}, err
	} else if usedBackup {
		if err := s.repo.ResetTwoFactorAttempt(ctx, userID); err != nil {
			return VerifyResult{}, fmt.Errorf("twofactor: reset attempt state: %w", err)
		}
		return VerifyResult{Outcome: Valid, UsedBackupCode: true}, nil
	}

	return s.recordFailure(ctx, userID, attempt)
}

// tryBackupCode compares code against every unused backup code (so no single
// comparison's timing reveals which code, if any, is about to match) and marks the
// first match used.
func (s *Store) tryBackupCode(ctx context.Context, userID, code string) (bool, error) {
	codes, err := s.repo.ListBackupCodes(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("twofactor: list backup codes: %w", err)
	}
	matchedID := ""
	for _, c := range codes {
		if c.IsUsed() {
			continue
		}
		if mfa.VerifyBackupCode(c.CodeHash, code) && matchedID == "" {
			matchedID = c.ID
		}
	}
	if matchedID == "" {
		return false, nil
	}
	if err := s.repo.MarkBackupCodeUsed(ctx, matchedID); err != nil {
		return false, fmt.Errorf("twofactor: mark backup code used: %w", err)
	}
	return true, nil
}

// recordFailure reads the current attempt count (at most a 15-minute, single-user
// window — the caller has already passed password verification to reach this state,
// so this is not the high-contention adversarial path the account-axis rate limiter
// guards; a non-atomic read-increment-write here is an acceptable divergence from the
// rate-limit store's atomic upsert requirement, unlike the login path).
func (s *Store) recordFailure(ctx context.Context, userID string, attempt *models.TwoFactorAttempt) (VerifyResult, error) {
	now := time.Now()
	failedAttempts := 1
	if attempt != nil {
		failedAttempts = attempt.FailedAttempts + 1
	}

	var lockedUntil *time.Time
	if failedAttempts >= s.cfg.AttemptThreshold {
		until := now.Add(s.cfg.LockoutDuration)
		lockedUntil = &until
	}
	if err := s.repo.RecordTwoFactorFailure(ctx, userID, failedAttempts, now, lockedUntil); err != nil {
		return VerifyResult{}, fmt.Errorf("twofactor: record failure: %w", err)
	}
	if lockedUntil != nil {
		return VerifyResult{Outcome: LockedOut, LockedUntil: *lockedUntil}, nil
	}
	return VerifyResult{Outcome: InvalidCode}, nil
}

// Enable flips is_enabled=true and stamps verified_at after a successful Verify call
// against the just-created (not-yet-enabled) configuration.
func (s *Store) Enable(ctx context.Context, userID string) error {
	if err := s.repo.EnableTwoFactorConfig(ctx, userID); err != nil {
		return fmt.Errorf("twofactor: enable: %w", err)
	}
	return nil
}

// DisableStandard requires the account's current password hash (compared by the
// caller's Credential Hasher — passed in already verified as currentPasswordOK) and a
// currently valid code; deletes every 2FA record for the user.
func (s *Store) DisableStandard(ctx context.Context, userID, code string, currentPasswordOK bool) error {
	if !currentPasswordOK {
		return ErrInvalidPassword
	}
	result, err := s.Verify(ctx, userID, code)
	if err != nil {
		return err
	}
	switch result.Outcome {
	case LockedOut:
		return fmt.Errorf("twofactor: locked out until %s", result.LockedUntil)
	case InvalidCode:
		return fmt.Errorf("twofactor: %w", ErrNotSetUp)
	}
	return s.deleteAllRecords(ctx, userID)
}

// RequestEmergencyDisable mints a single-use, out-of-band token the caller is
// responsible for emailing; it never returns an error distinguishing "user has no
// 2FA" so the caller's HTTP response stays enumeration-safe.
func (s *Store) RequestEmergencyDisable(ctx context.Context, userID string) (string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("twofactor: mint emergency token: %w", err)
	}
	hash := auth.HashToken(token)
	record := &models.EmergencyDisableToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: time.Now().Add(s.cfg.EmergencyTokenTTL),
	}
	if err := s.repo.CreateEmergencyDisableToken(ctx, record); err != nil {
		return "", fmt.Errorf("twofactor: persist emergency token: %w", err)
	}
	return token, nil
}

// DisableEmergency consumes token and, if valid, deletes every 2FA record for the
// account it resolves to.
func (s *Store) DisableEmergency(ctx context.Context, token string) (userID string, err error) {
	hash := auth.HashToken(token)
	record, err := s.repo.GetEmergencyDisableTokenByHash(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("twofactor: lookup emergency token: %w", err)
	}
	if record == nil || !record.IsValid() {
		return "", ErrEmergencyTokenInvalid
	}
	if err := s.repo.MarkEmergencyDisableTokenUsed(ctx, record.ID); err != nil {
		return "", fmt.Errorf("twofactor: mark emergency token used: %w", err)
	}
	if err := s.deleteAllRecords(ctx, record.UserID); err != nil {
		return "", err
	}
	return record.UserID, nil
}

func (s *Store) deleteAllRecords(ctx context.Context, userID string) error {
	if err := s.repo.DeleteTwoFactorConfig(ctx, userID); err != nil {
		return fmt.Errorf("twofactor: delete config: %w", err)
	}
	if err := s.repo.DeleteBackupCodes(ctx, userID); err != nil {
		return fmt.Errorf("twofactor: delete backup codes: %w", err)
	}
	return nil
}

// RegenerateBackupCodes requires a currently valid code; deletes the existing backup
// code set and issues a fresh 10.
func (s *Store) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	result, err := s.Verify(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	switch result.Outcome {
	case LockedOut:
		return nil, fmt.Errorf("twofactor: locked out until %s", result.LockedUntil)
	case InvalidCode:
		return nil, fmt.Errorf("twofactor: %w", ErrNotSetUp)
	}

	if err := s.repo.DeleteBackupCodes(ctx, userID); err != nil {
		return nil, fmt.Errorf("twofactor: clear backup codes: %w", err)
	}
	codes, err := mfa.GenerateBackupCodes(10)
	if err != nil {
		return nil, fmt.Errorf("twofactor: generate backup codes: %w", err)
	}
	rows := make([]*models.BackupCode, len(codes))
	for i, c := range codes {
		hash, err := mfa.HashBackupCode(c, s.cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("twofactor: hash backup code: %w", err)
		}
		rows[i] = &models.BackupCode{ID: uuid.NewString(), UserID: userID, CodeHash: hash}
	}
	if err := s.repo.CreateBackupCodes(ctx, rows); err != nil {
		return nil, fmt.Errorf("twofactor: persist backup codes: %w", err)
	}
	return codes, nil
}

// Status reports enrollment state for the GET /two-factor/status convenience endpoint.
type Status struct {
	Enabled               bool
	HasBackupCodes        bool
	BackupCodesRemaining  int
}

func (s *Store) Status(ctx context.Context, userID string) (Status, error) {
	cfg, err := s.repo.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("twofactor: status: %w", err)
	}
	if cfg == nil {
		return Status{}, nil
	}
	codes, err := s.repo.ListBackupCodes(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("twofactor: status backup codes: %w", err)
	}
	remaining := 0
	for _, c := range codes {
		if !c.IsUsed() {
			remaining++
		}
	}
	return Status{Enabled: cfg.IsEnabled, HasBackupCodes: remaining > 0, BackupCodesRemaining: remaining}, nil
}

func (s *Store) decryptSecret(cfg *models.TwoFactorConfig) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(cfg.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(cfg.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	plaintext, err := s.cipher.Open(ciphertext, nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
