package rest

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/leocalm/piggy-pulse-api/internal/audit"
	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/crypto"
	"github.com/leocalm/piggy-pulse-api/internal/email"
	"github.com/leocalm/piggy-pulse-api/internal/orchestrator"
	"github.com/leocalm/piggy-pulse-api/internal/passwordreset"
	"github.com/leocalm/piggy-pulse-api/internal/ratelimit"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
	"github.com/leocalm/piggy-pulse-api/internal/session"
	"github.com/leocalm/piggy-pulse-api/internal/twofactor"
	"github.com/leocalm/piggy-pulse-api/migrations"
)

const testBcryptCost = 4

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRepo(t *testing.T) *repository.SQLiteRepository {
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

type stubMailer struct {
	sent []email.Message
}

func (m *stubMailer) Send(msg email.Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

// testServer wires the full stack the way cmd/server/main.go does, against an
// in-memory SQLite repository, and returns a router plus the mailer so tests can
// inspect dispatched notifications.
func testServer(t *testing.T) (*mux.Router, *repository.SQLiteRepository, *stubMailer) {
	t.Helper()
	repo := newTestRepo(t)

	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		t.Fatalf("failed to build aead: %v", err)
	}

	mailer := &stubMailer{}
	auditLog := audit.NewWriter(repo, testLogger())

	limiter := ratelimit.New(repo, ratelimit.Settings{
		FreeAttempts:      3,
		DelaySchedule:     []time.Duration{5 * time.Second, 30 * time.Second},
		LockoutThreshold:  7,
		LockoutDuration:   time.Hour,
		EnableEmailUnlock: true,
	})
	twoFactor := twofactor.New(repo, aead, twofactor.Settings{
		AttemptThreshold:  5,
		LockoutDuration:   15 * time.Minute,
		BcryptCost:        testBcryptCost,
		TOTPIssuer:        "PiggyPulse",
		EmergencyTokenTTL: time.Hour,
	})
	passwordReset := passwordreset.New(repo, mailer, auditLog, passwordreset.Settings{
		TokenTTL:           time.Hour,
		MaxRequestsPerHour: 5,
		BcryptCost:         testBcryptCost,
		FrontendBaseURL:    "https://app.example.com",
	})
	orch, err := orchestrator.New(repo, limiter, twoFactor, auditLog, mailer, orchestrator.Settings{
		BcryptCost:      testBcryptCost,
		SessionTTL:      time.Hour,
		FrontendBaseURL: "https://app.example.com",
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}

	transport := session.NewTransport(aead, false, "", 3600)
	guard := session.NewGuard(transport, repo, auditLog, testLogger())

	handler := NewAuthHandler(repo, orch, twoFactor, passwordReset, limiter, transport, auditLog, mailer, auth.DefaultPasswordPolicy(), testBcryptCost, "https://app.example.com")

	router := mux.NewRouter()
	SetupAuthRoutes(router, handler, guard)

	t.Cleanup(func() { repo.Close() })
	return router, repo, mailer
}

func doRequest(t *testing.T, router *mux.Router, method, path string, body any, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSignupAndLogin_Succeeds(t *testing.T) {
	router, _, _ := testServer(t)

	signupRec := doRequest(t, router, http.MethodPost, "/users", signupRequest{
		Email:    "jane@example.com",
		Password: "Str0ng!Passw0rd",
	}, nil)
	if signupRec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from signup, got %d: %s", signupRec.Code, signupRec.Body.String())
	}

	loginRec := doRequest(t, router, http.MethodPost, "/users/login", loginRequest{
		Email:    "jane@example.com",
		Password: "Str0ng!Passw0rd",
	}, nil)
	if loginRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", loginRec.Code, loginRec.Body.String())
	}
	cookies := loginRec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected a session cookie to be set")
	}

	meRec := doRequest(t, router, http.MethodGet, "/users/me", nil, cookies)
	if meRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /users/me, got %d: %s", meRec.Code, meRec.Body.String())
	}
	var me map[string]any
	if err := json.NewDecoder(meRec.Body).Decode(&me); err != nil {
		t.Fatalf("failed to decode /users/me response: %v", err)
	}
	if me["email"] != "jane@example.com" {
		t.Errorf("expected email jane@example.com, got %v", me["email"])
	}
	if _, leaked := me["password_hash"]; leaked {
		t.Error("password_hash must never appear in the response body")
	}
}

func TestSignup_DuplicateEmail_ReturnsConflict(t *testing.T) {
	router, _, _ := testServer(t)

	payload := signupRequest{Email: "dup@example.com", Password: "Str0ng!Passw0rd"}
	first := doRequest(t, router, http.MethodPost, "/users", payload, nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected first signup to succeed, got %d", first.Code)
	}
	second := doRequest(t, router, http.MethodPost, "/users", payload, nil)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate signup, got %d: %s", second.Code, second.Body.String())
	}
}

func TestLogin_WrongPassword_ReturnsUnauthorized(t *testing.T) {
	router, _, _ := testServer(t)
	doRequest(t, router, http.MethodPost, "/users", signupRequest{Email: "bad@example.com", Password: "Str0ng!Passw0rd"}, nil)

	rec := doRequest(t, router, http.MethodPost, "/users/login", loginRequest{Email: "bad@example.com", Password: "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogin_LockedAccount_ReturnsLockedWithLockedUntil(t *testing.T) {
	router, _, _ := testServer(t)
	doRequest(t, router, http.MethodPost, "/users", signupRequest{Email: "lockout@example.com", Password: "Str0ng!Passw0rd"}, nil)

	var last *httptest.ResponseRecorder
	for i := 0; i < 7; i++ {
		last = doRequest(t, router, http.MethodPost, "/users/login", loginRequest{Email: "lockout@example.com", Password: "wrong"}, nil)
	}
	if last.Code != http.StatusLocked {
		t.Fatalf("expected 423 after threshold failures, got %d: %s", last.Code, last.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(last.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := body["locked_until"]; !ok {
		t.Error("expected locked_until in the 423 response body")
	}
}

func TestTwoFactorSetupVerifyAndLogin(t *testing.T) {
	router, _, _ := testServer(t)
	doRequest(t, router, http.MethodPost, "/users", signupRequest{Email: "twofa@example.com", Password: "Str0ng!Passw0rd"}, nil)
	loginRec := doRequest(t, router, http.MethodPost, "/users/login", loginRequest{Email: "twofa@example.com", Password: "Str0ng!Passw0rd"}, nil)
	cookies := loginRec.Result().Cookies()

	setupRec := doRequest(t, router, http.MethodPost, "/two-factor/setup", nil, cookies)
	if setupRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from setup, got %d: %s", setupRec.Code, setupRec.Body.String())
	}
	var setup twoFactorSetupResponse
	if err := json.NewDecoder(setupRec.Body).Decode(&setup); err != nil {
		t.Fatalf("failed to decode setup response: %v", err)
	}
	if setup.Secret == "" || len(setup.BackupCodes) == 0 {
		t.Fatal("expected a secret and backup codes from setup")
	}

	statusRec := doRequest(t, router, http.MethodGet, "/two-factor/status", nil, cookies)
	var status twoFactorStatusResponse
	if err := json.NewDecoder(statusRec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status response: %v", err)
	}
	if status.Enabled {
		t.Error("two-factor must not be enabled until verify succeeds")
	}
}

func TestPasswordResetRequest_AlwaysReturnsOK(t *testing.T) {
	router, _, _ := testServer(t)

	known := doRequest(t, router, http.MethodPost, "/password-reset/request", passwordResetRequestPayload{Email: "nobody@example.com"}, nil)
	if known.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown email (anti-enumeration), got %d", known.Code)
	}
}

func TestConsumeUnlockToken_InvalidToken_ReturnsBadRequest(t *testing.T) {
	router, _, _ := testServer(t)

	rec := doRequest(t, router, http.MethodGet, "/unlock?token=not-a-real-token", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid unlock token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogout_ClearsCookieAndIsIdempotent(t *testing.T) {
	router, _, _ := testServer(t)
	doRequest(t, router, http.MethodPost, "/users", signupRequest{Email: "out@example.com", Password: "Str0ng!Passw0rd"}, nil)
	loginRec := doRequest(t, router, http.MethodPost, "/users/login", loginRequest{Email: "out@example.com", Password: "Str0ng!Passw0rd"}, nil)
	cookies := loginRec.Result().Cookies()

	logoutRec := doRequest(t, router, http.MethodPost, "/users/logout", nil, cookies)
	if logoutRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from logout, got %d", logoutRec.Code)
	}

	// A second logout with the same (now-revoked) cookie must still succeed.
	secondRec := doRequest(t, router, http.MethodPost, "/users/logout", nil, cookies)
	if secondRec.Code != http.StatusOK {
		t.Fatalf("expected idempotent logout, got %d", secondRec.Code)
	}

	meRec := doRequest(t, router, http.MethodGet, "/users/me", nil, cookies)
	if meRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for /users/me after logout, got %d", meRec.Code)
	}
}
