// Package orchestrator implements the Authentication Orchestrator: the state machine
// composing login (PreCheck → Lookup → PasswordVerify → SecondFactor → SessionMint) and
// logout. It is the only place those steps are sequenced; the Rate-Limit Store,
// Two-Factor Store, Session Store, and Audit Log Writer it calls have no knowledge of
// each other.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leocalm/piggy-pulse-api/internal/apierr"
	"github.com/leocalm/piggy-pulse-api/internal/audit"
	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/email"
	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/ratelimit"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
	"github.com/leocalm/piggy-pulse-api/internal/twofactor"
)

// dummyPasswordSource is hashed once at startup so the "user not found" branch of
// Login spends the same bcrypt cost as "user found, password wrong" — the baseline
// never changes, so a fixed string is fine; the resulting hash, not the string, is
// what matters.
const dummyPasswordSource = "correct horse battery staple"

// Settings configures the parts of login the Orchestrator itself owns (everything
// else is configured on the Rate-Limit Store / Two-Factor Store it composes).
type Settings struct {
	BcryptCost      int
	SessionTTL      time.Duration
	FrontendBaseURL string
}

// Mailer is the outbound notification dependency, shared with the Password-Reset
// Store's definition so either package can be handed the same *email.Dispatcher.
type Mailer interface {
	Send(msg email.Message) error
}

// Orchestrator composes the Rate-Limit Store, Two-Factor Store, Session Store, and
// Audit Log Writer into the login and logout state machines.
type Orchestrator struct {
	repo      repository.AuthRepository
	limiter   *ratelimit.Limiter
	twoFactor *twofactor.Store
	auditLog  *audit.Writer
	mailer    Mailer
	cfg       Settings

	// dummyHash is computed once at startup and reused for every unknown-email login
	// attempt; it must never be recomputed per request.
	dummyHash string
}

// New builds an Orchestrator, computing the cached dummy password hash used for
// enumeration-safe timing on unknown-email logins.
func New(repo repository.AuthRepository, limiter *ratelimit.Limiter, twoFactor *twofactor.Store, auditLog *audit.Writer, mailer Mailer, cfg Settings) (*Orchestrator, error) {
	dummyHash, err := auth.HashPassword(dummyPasswordSource, cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compute dummy hash: %w", err)
	}
	return &Orchestrator{
		repo:      repo,
		limiter:   limiter,
		twoFactor: twoFactor,
		auditLog:  auditLog,
		mailer:    mailer,
		cfg:       cfg,
		dummyHash: dummyHash,
	}, nil
}

// LoginResult is returned on a successful login: the caller (an HTTP handler) seals
// these into the session cookie via session.Transport.
type LoginResult struct {
	SessionID string
	UserID    string
	ExpiresAt time.Time
}

// Login runs the full state machine for one login attempt. twoFactorCode is empty
// when the client has not yet supplied one.
func (o *Orchestrator) Login(ctx context.Context, emailAddr, password, twoFactorCode, networkAddress, userAgent string) (*LoginResult, error) {
	// 1. PreCheck
	pre, err := o.limiter.PreCheck(ctx, nil, networkAddress)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: precheck: %w", err)
	}
	switch pre.Status {
	case ratelimit.Locked:
		return nil, apierr.AccountLocked(pre.LockedUntil)
	case ratelimit.Delayed:
		o.auditLog.Write(ctx, &models.AuditEvent{
			EventType: models.EventLoginRateLimited,
			Success:   false,
			IPAddress: strPtr(networkAddress),
			UserAgent: strPtr(userAgent),
		})
		return nil, apierr.TooManyAttempts(int(pre.RetryAfter.Seconds()))
	}

	// 2. Lookup
	user, err := o.repo.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: lookup user: %w", err)
	}
	if user == nil {
		auth.VerifyPassword(o.dummyHash, password) // constant-time equalisation; result discarded
		o.recordFailureAndNotify(ctx, nil, "", networkAddress)
		o.auditLog.Write(ctx, &models.AuditEvent{
			EventType: models.EventLoginFailed,
			Success:   false,
			IPAddress: strPtr(networkAddress),
			UserAgent: strPtr(userAgent),
			Metadata:  strPtr(`{"reason":"user_not_found"}`),
		})
		return nil, apierr.ErrInvalidCredentials
	}

	// 3. PasswordVerify
	if !auth.VerifyPassword(user.PasswordHash, password) {
		o.recordFailureAndNotify(ctx, &user.ID, user.Email, networkAddress)
		o.auditLog.Write(ctx, &models.AuditEvent{
			UserID:    &user.ID,
			EventType: models.EventLoginFailed,
			Success:   false,
			IPAddress: strPtr(networkAddress),
			UserAgent: strPtr(userAgent),
			Metadata:  strPtr(`{"reason":"invalid_password"}`),
		})
		return nil, apierr.ErrInvalidCredentials
	}

	// 4. SecondFactor
	usedBackupCode := false
	status, err := o.twoFactor.Status(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: 2fa status: %w", err)
	}
	if status.Enabled {
		if twoFactorCode == "" {
			return nil, apierr.ErrTwoFactorRequired
		}
		result, err := o.twoFactor.Verify(ctx, user.ID, twoFactorCode)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: 2fa verify: %w", err)
		}
		if result.Outcome != twofactor.Valid {
			o.recordFailureAndNotify(ctx, &user.ID, user.Email, networkAddress)
			o.auditLog.Write(ctx, &models.AuditEvent{
				UserID:    &user.ID,
				EventType: models.EventLoginFailed,
				Success:   false,
				IPAddress: strPtr(networkAddress),
				UserAgent: strPtr(userAgent),
				Metadata:  strPtr(`{"reason":"invalid_2fa_code"}`),
			})
			return nil, apierr.ErrBadRequest
		}
		usedBackupCode = result.UsedBackupCode
	}

	// 5. SessionMint
	if err := o.limiter.Reset(ctx, &user.ID, networkAddress); err != nil {
		return nil, fmt.Errorf("orchestrator: reset rate limit: %w", err)
	}

	ttl := o.cfg.SessionTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := o.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("orchestrator: create session: %w", err)
	}

	o.auditLog.Write(ctx, &models.AuditEvent{
		UserID:    &user.ID,
		EventType: models.EventLoginSuccess,
		Success:   true,
		IPAddress: strPtr(networkAddress),
		UserAgent: strPtr(userAgent),
	})
	if usedBackupCode {
		o.auditLog.Write(ctx, &models.AuditEvent{
			UserID:    &user.ID,
			EventType: models.EventTwoFactorBackupUsed,
			Success:   true,
			IPAddress: strPtr(networkAddress),
			UserAgent: strPtr(userAgent),
		})
	}

	return &LoginResult{SessionID: sess.ID, UserID: user.ID, ExpiresAt: sess.ExpiresAt}, nil
}

// Logout deletes the referenced session. Idempotent: deleting an already-absent
// session is not an error.
func (o *Orchestrator) Logout(ctx context.Context, sessionID string) error {
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("orchestrator: logout lookup: %w", err)
	}
	if err := o.repo.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("orchestrator: logout delete: %w", err)
	}
	if sess != nil {
		o.auditLog.Write(ctx, &models.AuditEvent{
			UserID:    &sess.UserID,
			EventType: models.EventLogout,
			Success:   true,
		})
	}
	return nil
}

// recordFailureAndNotify increments both rate-limit axes and, for any axis that just
// crossed into lockout with an unlock token, emails it (account axis only — the
// network axis never carries a token).
func (o *Orchestrator) recordFailureAndNotify(ctx context.Context, accountID *string, accountEmail, networkAddress string) {
	transitions, err := o.limiter.RecordFailure(ctx, accountID, networkAddress)
	if err != nil {
		return
	}
	for _, t := range transitions {
		// The network-address axis locking out is a distributed high-failure-rate
		// signal (many attempts from one address, not necessarily one account); only
		// the account axis locking out is an account-lockout event.
		eventType := models.EventHighFailureRate
		eventUserID := (*string)(nil)
		if t.IdentifierType == models.IdentifierAccount {
			eventType = models.EventAccountLocked
			eventUserID = accountID
		}
		o.auditLog.Write(ctx, &models.AuditEvent{
			UserID:    eventUserID,
			EventType: eventType,
			Success:   false,
			IPAddress: strPtr(networkAddress),
		})
		if t.UnlockToken != nil && accountEmail != "" && o.mailer != nil {
			msg := email.AccountUnlockMessage(accountEmail, *t.UnlockToken, o.cfg.FrontendBaseURL)
			_ = o.mailer.Send(msg)
		}
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
