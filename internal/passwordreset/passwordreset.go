// Package passwordreset implements the Password-Reset Store: request issues a
// single-use, time-limited token delivered by email; validate checks it without
// consuming it, and confirm consumes it.
// Every operation is anti-enumeration safe — callers cannot distinguish a known email
// from an unknown one by response shape, status, or (within KDF variance) timing.
package passwordreset

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leocalm/piggy-pulse-api/internal/audit"
	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/email"
	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
)

// ErrTokenInvalid is returned by Validate and Confirm for an unknown, expired, or
// already-consumed token. Callers must map this to a generic 400, never distinguishing
// the three causes in the response.
var ErrTokenInvalid = errors.New("passwordreset: token invalid or expired")

// Settings configures token lifetime, per-account request throttling, and the hash
// cost used for the new password.
type Settings struct {
	TokenTTL           time.Duration
	MaxRequestsPerHour int
	BcryptCost         int
	FrontendBaseURL    string
}

// Mailer is the outbound notification dependency. Satisfied by *email.Dispatcher;
// defined here as an interface so tests can substitute a capturing double.
type Mailer interface {
	Send(msg email.Message) error
}

// Store orchestrates reset-token issuance, validation, and confirmation.
type Store struct {
	repo     repository.AuthRepository
	mailer   Mailer
	auditLog *audit.Writer
	cfg      Settings
}

// New builds a Store.
func New(repo repository.AuthRepository, mailer Mailer, auditLog *audit.Writer, cfg Settings) *Store {
	return &Store{repo: repo, mailer: mailer, auditLog: auditLog, cfg: cfg}
}

// Request processes a reset request for an email address. It never returns an error
// the caller should surface differently depending on whether the account exists: a
// nil return means "request accepted", full stop, regardless of what happened
// underneath. Internal failures (DB errors, mail dispatch errors) are swallowed, neither
// logged here nor returned, since surfacing them would itself leak
// whether the account exists (a 500 for an unknown address vs. a 200 for a known one).
func (s *Store) Request(ctx context.Context, emailAddr, requestIP, userAgent string) error {
	user, err := s.repo.GetUserByEmail(ctx, emailAddr)
	if err != nil || user == nil {
		return nil
	}

	since := time.Now().Add(-time.Hour)
	count, err := s.repo.CountPasswordResetRequests(ctx, user.ID, since)
	if err != nil {
		return nil
	}
	maxPerHour := s.cfg.MaxRequestsPerHour
	if maxPerHour <= 0 {
		maxPerHour = 3
	}
	if count >= maxPerHour {
		return nil
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return nil
	}

	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	record := &models.PasswordResetToken{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		TokenHash:        auth.HashToken(token),
		ExpiresAt:        time.Now().Add(ttl),
		CreatedAt:        time.Now(),
		RequestIP:        requestIP,
		RequestUserAgent: userAgent,
	}
	if err := s.repo.CreatePasswordResetToken(ctx, record); err != nil {
		return nil
	}

	if s.mailer != nil {
		msg := email.PasswordResetMessage(user.Email, token, s.cfg.FrontendBaseURL)
		_ = s.mailer.Send(msg)
	}
	s.auditLog.Write(ctx, &models.AuditEvent{
		EventType: models.EventPasswordResetRequested,
		Success:   true,
		UserID:    &user.ID,
		IPAddress: strPtr(requestIP),
		UserAgent: strPtr(userAgent),
	})
	return nil
}

// Validate reports the email address associated with a presented token, without
// consuming it. Used by the pre-confirm "is this link still good" check.
func (s *Store) Validate(ctx context.Context, token string) (string, error) {
	record, err := s.lookup(ctx, token)
	if err != nil {
		s.auditInvalidToken(ctx, record)
		return "", err
	}
	user, err := s.repo.GetUserByID(ctx, record.UserID)
	if err != nil || user == nil {
		s.auditLog.Write(ctx, &models.AuditEvent{
			EventType: models.EventPasswordResetFailed,
			Success:   false,
			UserID:    &record.UserID,
		})
		return "", ErrTokenInvalid
	}
	s.auditLog.Write(ctx, &models.AuditEvent{
		EventType: models.EventPasswordResetValidated,
		Success:   true,
		UserID:    &user.ID,
	})
	return user.Email, nil
}

// Confirm validates the token, rotates the user's password hash, marks the token
// used, and invalidates every session belonging to the user — all in the repository's
// single atomic transaction.
func (s *Store) Confirm(ctx context.Context, token, newPassword string) error {
	record, err := s.lookup(ctx, token)
	if err != nil {
		s.auditInvalidToken(ctx, record)
		return err
	}

	cost := s.cfg.BcryptCost
	if cost <= 0 {
		cost = auth.DefaultBcryptCost
	}
	hash, err := auth.HashPassword(newPassword, cost)
	if err != nil {
		s.auditLog.Write(ctx, &models.AuditEvent{
			EventType: models.EventPasswordResetFailed,
			Success:   false,
			UserID:    &record.UserID,
		})
		return err
	}

	if err := s.repo.ConfirmPasswordReset(ctx, record.ID, record.UserID, hash); err != nil {
		s.auditLog.Write(ctx, &models.AuditEvent{
			EventType: models.EventPasswordResetFailed,
			Success:   false,
			UserID:    &record.UserID,
		})
		return err
	}

	s.auditLog.Write(ctx, &models.AuditEvent{
		EventType: models.EventPasswordResetCompleted,
		Success:   true,
		UserID:    &record.UserID,
	})
	s.auditLog.Write(ctx, &models.AuditEvent{
		EventType: models.EventPasswordChanged,
		Success:   true,
		UserID:    &record.UserID,
	})
	return nil
}

// lookup resolves a presented token to its record. When the token hashes to no row at
// all, record is nil — there is nothing account-specific to audit. When the row exists
// but is expired or already used, record is returned alongside ErrTokenInvalid so the
// caller can still audit against the owning account.
func (s *Store) lookup(ctx context.Context, token string) (*models.PasswordResetToken, error) {
	record, err := s.repo.GetPasswordResetTokenByHash(ctx, auth.HashToken(token))
	if err != nil || record == nil {
		return nil, ErrTokenInvalid
	}
	if !record.IsValid() {
		return record, ErrTokenInvalid
	}
	return record, nil
}

// auditInvalidToken classifies a lookup failure as expired, invalid/unknown, or (when a
// record was recovered) a generic failure, and writes the matching event.
func (s *Store) auditInvalidToken(ctx context.Context, record *models.PasswordResetToken) {
	if record == nil {
		s.auditLog.Write(ctx, &models.AuditEvent{
			EventType: models.EventPasswordResetTokenInvalid,
			Success:   false,
		})
		return
	}
	eventType := models.EventPasswordResetTokenInvalid
	if record.IsExpired() {
		eventType = models.EventPasswordResetTokenExpired
	}
	s.auditLog.Write(ctx, &models.AuditEvent{
		EventType: eventType,
		Success:   false,
		UserID:    &record.UserID,
	})
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
