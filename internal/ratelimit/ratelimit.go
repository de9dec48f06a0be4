// Package ratelimit implements the Rate-Limit Store: progressive backoff and lockout
// against two independent identifier axes — account and network address. Every
// mutation goes through the repository's atomic increment; this package never reads a
// counter and writes back a computed value, since that read-then-write round trip is
// exactly the race two concurrent failures on the same identifier must not hit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
)

// ErrUnlockTokenInvalid covers an unlock token that does not resolve to a row, has
// expired, or has already been consumed.
var ErrUnlockTokenInvalid = errors.New("ratelimit: unlock token invalid or expired")

// Settings configures the progressive-backoff algorithm. An empty DelaySchedule makes
// every failure below LockoutThreshold free; a zero LockoutThreshold locks on every
// failure. Callers should build this from validated configuration.
type Settings struct {
	FreeAttempts      int
	DelaySchedule     []time.Duration
	LockoutThreshold  int
	LockoutDuration   time.Duration
	EnableEmailUnlock bool
}

// Status is the outcome of a pre-check against one or both identifier axes.
type Status int

const (
	Allowed Status = iota
	Delayed
	Locked
)

// PreCheckResult reports whether a login attempt may proceed.
type PreCheckResult struct {
	Status Status
	// RetryAfter is set when Status == Delayed: the duration the caller must wait.
	RetryAfter time.Duration
	// LockedUntil is set when Status == Locked.
	LockedUntil time.Time
	// Unlockable is set when Status == Locked and at least one of the locked axes is
	// the account axis with email unlock enabled.
	Unlockable bool
}

// Transition describes one identifier axis crossing into lockout as the direct result
// of RecordFailure. UnlockToken is non-nil only for the account axis, and only when
// email unlock is enabled — the caller is responsible for emailing it and discarding
// it afterward; it is never persisted in the clear.
type Transition struct {
	IdentifierType  models.IdentifierType
	IdentifierValue string
	LockedUntil     time.Time
	UnlockToken     *string
}

// Limiter enforces Settings against the durable counters in repository.RateLimitRepository.
type Limiter struct {
	repo repository.RateLimitRepository
	cfg  Settings
}

func New(repo repository.RateLimitRepository, cfg Settings) *Limiter {
	return &Limiter{repo: repo, cfg: cfg}
}

// PreCheck consults both axes (account is optional — an unauthenticated caller has
// none) and reports the more restrictive of the two. Ties prefer the longer wait.
func (l *Limiter) PreCheck(ctx context.Context, accountID *string, networkAddress string) (PreCheckResult, error) {
	netRec, err := l.repo.GetRateLimitRecord(ctx, models.IdentifierNetworkAddress, networkAddress)
	if err != nil {
		return PreCheckResult{}, fmt.Errorf("ratelimit: precheck network axis: %w", err)
	}
	var acctRec *models.RateLimitRecord
	if accountID != nil {
		acctRec, err = l.repo.GetRateLimitRecord(ctx, models.IdentifierAccount, *accountID)
		if err != nil {
			return PreCheckResult{}, fmt.Errorf("ratelimit: precheck account axis: %w", err)
		}
	}

	now := time.Now()
	lockedUntil, locked := laterLock(now, netRec, acctRec)
	if locked {
		return PreCheckResult{
			Status:      Locked,
			LockedUntil: lockedUntil,
			Unlockable:  acctRec != nil && acctRec.IsLocked() && l.cfg.EnableEmailUnlock,
		}, nil
	}

	delayUntil, delayed := laterDelay(now, netRec, acctRec)
	if delayed {
		return PreCheckResult{Status: Delayed, RetryAfter: delayUntil.Sub(now)}, nil
	}

	return PreCheckResult{Status: Allowed}, nil
}

func laterLock(now time.Time, recs ...*models.RateLimitRecord) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, r := range recs {
		if r == nil || !r.IsLocked() {
			continue
		}
		if !found || r.LockedUntil.After(latest) {
			latest = *r.LockedUntil
			found = true
		}
	}
	return latest, found
}

func laterDelay(now time.Time, recs ...*models.RateLimitRecord) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, r := range recs {
		if r == nil || !r.IsDelayed() {
			continue
		}
		if !found || r.NextAttemptAllowedAt.After(latest) {
			latest = *r.NextAttemptAllowedAt
			found = true
		}
	}
	return latest, found
}

// RecordFailure increments the network-address axis, and the account axis too when
// accountID is non-nil, and persists whatever delay or lockout state each new count
// implies. It returns one Transition per axis that just crossed into lockout on this
// call, so the caller (the Authentication Orchestrator) can audit-log and email it.
func (l *Limiter) RecordFailure(ctx context.Context, accountID *string, networkAddress string) ([]Transition, error) {
	var transitions []Transition

	t, err := l.recordAxisFailure(ctx, models.IdentifierNetworkAddress, networkAddress)
	if err != nil {
		return nil, err
	}
	if t != nil {
		transitions = append(transitions, *t)
	}

	if accountID != nil {
		t, err := l.recordAxisFailure(ctx, models.IdentifierAccount, *accountID)
		if err != nil {
			return nil, err
		}
		if t != nil {
			transitions = append(transitions, *t)
		}
	}

	return transitions, nil
}

func (l *Limiter) recordAxisFailure(ctx context.Context, identifierType models.IdentifierType, identifierValue string) (*Transition, error) {
	now := time.Now()
	attempts, err := l.repo.IncrementRateLimitFailure(ctx, identifierType, identifierValue, now)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: increment %s: %w", identifierType, err)
	}

	nextAllowed, lockedUntil := l.computeState(attempts, now)
	if err := l.repo.SetLockoutState(ctx, identifierType, identifierValue, nextAllowed, lockedUntil); err != nil {
		return nil, fmt.Errorf("ratelimit: set lockout state %s: %w", identifierType, err)
	}

	if lockedUntil == nil || attempts != l.cfg.LockoutThreshold {
		// Not the attempt that crossed the threshold (either below it, or already
		// locked from an earlier failure) — no new transition to report.
		return nil, nil
	}

	transition := &Transition{IdentifierType: identifierType, IdentifierValue: identifierValue, LockedUntil: *lockedUntil}
	if identifierType == models.IdentifierAccount && l.cfg.EnableEmailUnlock {
		token, hash, err := l.mintUnlockToken(ctx, identifierValue)
		if err != nil {
			return nil, err
		}
		transition.UnlockToken = &token
		_ = hash
	}
	return transition, nil
}

// computeState maps a committed failure count to the delay or lockout it implies, per
// attempt n on identifier I: attempts 1..free_attempts are free; free_attempts+k for k
// in [1, len(delay_schedule)] sets next_attempt_allowed_at; attempts >= lockout_threshold
// locks and clears the delay.
func (l *Limiter) computeState(attempts int, now time.Time) (nextAllowed, lockedUntil *time.Time) {
	if attempts >= l.cfg.LockoutThreshold {
		until := now.Add(l.cfg.LockoutDuration)
		return nil, &until
	}
	if attempts <= l.cfg.FreeAttempts || len(l.cfg.DelaySchedule) == 0 {
		return nil, nil
	}
	idx := attempts - l.cfg.FreeAttempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(l.cfg.DelaySchedule)-1 {
		idx = len(l.cfg.DelaySchedule) - 1
	}
	until := now.Add(l.cfg.DelaySchedule[idx])
	return &until, nil
}

func (l *Limiter) mintUnlockToken(ctx context.Context, accountID string) (token, hash string, err error) {
	token, err = auth.GenerateToken()
	if err != nil {
		return "", "", fmt.Errorf("ratelimit: mint unlock token: %w", err)
	}
	hash = auth.HashToken(token)
	if err := l.repo.SetUnlockToken(ctx, models.IdentifierAccount, accountID, hash, time.Now().Add(time.Hour)); err != nil {
		return "", "", fmt.Errorf("ratelimit: persist unlock token: %w", err)
	}
	return token, hash, nil
}

// Reset deletes both axis rows on a successful login. Either identifier may already be
// absent; deleting an absent row is a no-op.
func (l *Limiter) Reset(ctx context.Context, accountID *string, networkAddress string) error {
	if err := l.repo.ResetRateLimit(ctx, models.IdentifierNetworkAddress, networkAddress); err != nil {
		return fmt.Errorf("ratelimit: reset network axis: %w", err)
	}
	if accountID != nil {
		if err := l.repo.ResetRateLimit(ctx, models.IdentifierAccount, *accountID); err != nil {
			return fmt.Errorf("ratelimit: reset account axis: %w", err)
		}
	}
	return nil
}

// ConsumeUnlockToken resolves a presented unlock token to the account it locks, and
// deletes that account's rate-limit row (the unlock). Network-address locks never
// have an unlock token, so this only ever operates on the account axis.
func (l *Limiter) ConsumeUnlockToken(ctx context.Context, token string) (accountID string, err error) {
	hash := auth.HashToken(token)
	rec, err := l.repo.GetRateLimitRecordByUnlockToken(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("ratelimit: lookup unlock token: %w", err)
	}
	if rec == nil || rec.UnlockTokenExpiresAt == nil || time.Now().After(*rec.UnlockTokenExpiresAt) {
		return "", ErrUnlockTokenInvalid
	}
	if err := l.repo.ResetRateLimit(ctx, models.IdentifierAccount, rec.IdentifierValue); err != nil {
		return "", fmt.Errorf("ratelimit: consume unlock token: %w", err)
	}
	return rec.IdentifierValue, nil
}
