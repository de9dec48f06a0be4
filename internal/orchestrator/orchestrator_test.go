package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/leocalm/piggy-pulse-api/internal/apierr"
	"github.com/leocalm/piggy-pulse-api/internal/audit"
	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/crypto"
	"github.com/leocalm/piggy-pulse-api/internal/email"
	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/ratelimit"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
	"github.com/leocalm/piggy-pulse-api/internal/twofactor"
	"github.com/leocalm/piggy-pulse-api/migrations"
)

const testBcryptCost = 4

func setupTestRepo(t *testing.T) *repository.SQLiteRepository {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	sql, err := migrations.FS.ReadFile("001_auth_core.sql")
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	if err := repo.RunMigrations(string(sql)); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return repo
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testLimiter(repo *repository.SQLiteRepository) *ratelimit.Limiter {
	return ratelimit.New(repo, ratelimit.Settings{
		FreeAttempts:      3,
		DelaySchedule:     []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second},
		LockoutThreshold:  7,
		LockoutDuration:   time.Hour,
		EnableEmailUnlock: true,
	})
}

func testTwoFactor(repo *repository.SQLiteRepository) *twofactor.Store {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	aead, _ := crypto.NewAEAD(key)
	return twofactor.New(repo, aead, twofactor.Settings{
		AttemptThreshold:  5,
		LockoutDuration:   15 * time.Minute,
		BcryptCost:        testBcryptCost,
		TOTPIssuer:        "TestApp",
		EmergencyTokenTTL: time.Hour,
	})
}

type recordingMailer struct {
	sent []email.Message
}

func (m *recordingMailer) Send(msg email.Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

func newTestOrchestrator(t *testing.T, repo *repository.SQLiteRepository) (*Orchestrator, *recordingMailer) {
	t.Helper()
	mailer := &recordingMailer{}
	o, err := New(repo, testLimiter(repo), testTwoFactor(repo), audit.NewWriter(repo, testLogger()), mailer, Settings{
		BcryptCost:      testBcryptCost,
		SessionTTL:      time.Hour,
		FrontendBaseURL: "https://app.example.com",
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return o, mailer
}

func createUserWithPassword(t *testing.T, repo *repository.SQLiteRepository, emailAddr, password string) string {
	t.Helper()
	hash, err := auth.HashPassword(password, testBcryptCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user := &models.User{ID: "user-" + emailAddr, Email: emailAddr, PasswordHash: hash}
	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user.ID
}

func TestLogin_UnknownEmail_ReturnsInvalidCredentials(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	o, _ := newTestOrchestrator(t, repo)

	_, err := o.Login(context.Background(), "nobody@example.com", "whatever", "", "203.0.113.1", "test-agent")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvalidCredentials {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
}

func TestLogin_WrongPassword_ReturnsInvalidCredentials(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	o, _ := newTestOrchestrator(t, repo)
	createUserWithPassword(t, repo, "user@example.com", "Corr3ct!Pass")

	_, err := o.Login(context.Background(), "user@example.com", "wrong", "", "203.0.113.2", "test-agent")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvalidCredentials {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
}

func TestLogin_CorrectPassword_Succeeds(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	o, _ := newTestOrchestrator(t, repo)
	createUserWithPassword(t, repo, "user@example.com", "Corr3ct!Pass")

	result, err := o.Login(context.Background(), "user@example.com", "Corr3ct!Pass", "", "203.0.113.3", "test-agent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SessionID == "" || result.UserID == "" {
		t.Fatal("expected a minted session")
	}
}

func TestLogin_ResetsRateLimitOnSuccess(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	o, _ := newTestOrchestrator(t, repo)
	createUserWithPassword(t, repo, "user@example.com", "Corr3ct!Pass")

	for i := 0; i < 2; i++ {
		if _, err := o.Login(context.Background(), "user@example.com", "wrong", "", "203.0.113.4", "test-agent"); err == nil {
			t.Fatal("expected failure on wrong password")
		}
	}
	if _, err := o.Login(context.Background(), "user@example.com", "Corr3ct!Pass", "", "203.0.113.4", "test-agent"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	// Immediately failing again should not trigger the earlier delay schedule, since
	// success reset both axes.
	_, err := o.Login(context.Background(), "user@example.com", "wrong", "", "203.0.113.4", "test-agent")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvalidCredentials {
		t.Fatalf("expected a plain InvalidCredentials (no delay), got %v", err)
	}
}

func TestLogin_LocksAccountAfterThresholdAndEmailsUnlockToken(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	o, mailer := newTestOrchestrator(t, repo)
	createUserWithPassword(t, repo, "user@example.com", "Corr3ct!Pass")

	var lastErr error
	for i := 0; i < 7; i++ {
		_, lastErr = o.Login(context.Background(), "user@example.com", "wrong", "", "203.0.113.5", "test-agent")
	}
	apiErr, ok := apierr.As(lastErr)
	if !ok || apiErr.Code != apierr.CodeAccountLocked {
		t.Fatalf("expected AccountLocked on the 7th failure, got %v", lastErr)
	}
	if len(mailer.sent) == 0 {
		t.Error("expected an unlock email to have been dispatched")
	}
}

func TestLogin_TwoFactorRequired(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	o, _ := newTestOrchestrator(t, repo)
	userID := createUserWithPassword(t, repo, "user@example.com", "Corr3ct!Pass")

	tf := testTwoFactor(repo)
	setup, err := tf.Setup(context.Background(), userID, "user@example.com")
	if err != nil {
		t.Fatalf("2fa setup failed: %v", err)
	}
	if err := tf.Enable(context.Background(), userID); err != nil {
		t.Fatalf("2fa enable failed: %v", err)
	}

	_, err = o.Login(context.Background(), "user@example.com", "Corr3ct!Pass", "", "203.0.113.6", "test-agent")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeTwoFactorRequired {
		t.Fatalf("expected TwoFactorRequired, got %v", err)
	}

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	result, err := o.Login(context.Background(), "user@example.com", "Corr3ct!Pass", code, "203.0.113.6", "test-agent")
	if err != nil {
		t.Fatalf("expected success with valid 2fa code, got %v", err)
	}
	if result.UserID != userID {
		t.Errorf("expected user id %q, got %q", userID, result.UserID)
	}
}

func TestLogout_DeletesSessionAndIsIdempotent(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	o, _ := newTestOrchestrator(t, repo)
	createUserWithPassword(t, repo, "user@example.com", "Corr3ct!Pass")

	result, err := o.Login(context.Background(), "user@example.com", "Corr3ct!Pass", "", "203.0.113.7", "test-agent")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if err := o.Logout(context.Background(), result.SessionID); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if sess, err := repo.GetSession(context.Background(), result.SessionID); err != nil || sess != nil {
		t.Errorf("expected session gone, got %+v, err %v", sess, err)
	}

	// Second logout of the same (now-absent) session must not error.
	if err := o.Logout(context.Background(), result.SessionID); err != nil {
		t.Fatalf("expected idempotent logout, got %v", err)
	}
}
