package twofactor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/leocalm/piggy-pulse-api/internal/crypto"
	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
	"github.com/leocalm/piggy-pulse-api/migrations"
)

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

func testCipher(t *testing.T) *crypto.AEAD {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		t.Fatalf("failed to build AEAD: %v", err)
	}
	return aead
}

func testSettings() Settings {
	return Settings{
		AttemptThreshold:  5,
		LockoutDuration:   15 * time.Minute,
		BcryptCost:        4,
		TOTPIssuer:        "TestApp",
		EmergencyTokenTTL: time.Hour,
	}
}

func createTestUser(t *testing.T, repo *repository.SQLiteRepository) string {
	t.Helper()
	user := &models.User{ID: uuid.NewString(), Email: "user@example.com", PasswordHash: "irrelevant"}
	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user.ID
}

func TestSetup_ReturnsSecretAndBackupCodes(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	result, err := store.Setup(context.Background(), userID, "user@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Secret == "" || result.ProvisioningURI == "" {
		t.Fatal("expected non-empty secret and provisioning uri")
	}
	if len(result.BackupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(result.BackupCodes))
	}
}

func TestVerify_ValidTOTPCode(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	result, err := store.Setup(context.Background(), userID, "user@example.com")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	code, err := totp.GenerateCode(result.Secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}

	verify, err := store.Verify(context.Background(), userID, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verify.Outcome != Valid {
		t.Errorf("expected Valid, got %v", verify.Outcome)
	}
	if verify.UsedBackupCode {
		t.Error("expected UsedBackupCode to be false for TOTP success")
	}
}

func TestVerify_InvalidCode(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	if _, err := store.Setup(context.Background(), userID, "user@example.com"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	result, err := store.Verify(context.Background(), userID, "000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != InvalidCode {
		t.Errorf("expected InvalidCode, got %v", result.Outcome)
	}
}

func TestVerify_BackupCodeSuccess_MarksUsed(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	setup, err := store.Setup(context.Background(), userID, "user@example.com")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	code := setup.BackupCodes[0]

	result, err := store.Verify(context.Background(), userID, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != Valid || !result.UsedBackupCode {
		t.Fatalf("expected Valid+UsedBackupCode, got %+v", result)
	}

	// Reusing the same code must fail.
	reuse, err := store.Verify(context.Background(), userID, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reuse.Outcome != InvalidCode {
		t.Errorf("expected reused backup code to be rejected, got %v", reuse.Outcome)
	}
}

func TestVerify_LocksAfterThreshold(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	settings := testSettings()
	settings.AttemptThreshold = 3
	store := New(repo, testCipher(t), settings)
	userID := createTestUser(t, repo)

	if _, err := store.Setup(context.Background(), userID, "user@example.com"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	var last VerifyResult
	for i := 0; i < 3; i++ {
		result, err := store.Verify(context.Background(), userID, "000000")
		if err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", i, err)
		}
		last = result
	}
	if last.Outcome != LockedOut {
		t.Fatalf("expected LockedOut after threshold, got %v", last.Outcome)
	}
	if !last.LockedUntil.After(time.Now()) {
		t.Error("expected LockedUntil to be in the future")
	}
}

func TestEnable_FlipsIsEnabled(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	if _, err := store.Setup(context.Background(), userID, "user@example.com"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := store.Enable(context.Background(), userID); err != nil {
		t.Fatalf("enable failed: %v", err)
	}

	status, err := store.Status(context.Background(), userID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Enabled {
		t.Error("expected status.Enabled to be true after Enable")
	}
}

func TestDisableStandard_RequiresPasswordOK(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	setup, err := store.Setup(context.Background(), userID, "user@example.com")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}

	if err := store.DisableStandard(context.Background(), userID, code, false); err != ErrInvalidPassword {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}

	if err := store.DisableStandard(context.Background(), userID, code, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err := store.Status(context.Background(), userID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Enabled || status.HasBackupCodes {
		t.Error("expected 2FA fully removed after standard disable")
	}
}

func TestEmergencyDisable_ConsumesToken(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	if _, err := store.Setup(context.Background(), userID, "user@example.com"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	token, err := store.RequestEmergencyDisable(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolvedUserID, err := store.DisableEmergency(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolvedUserID != userID {
		t.Errorf("expected user id %q, got %q", userID, resolvedUserID)
	}

	if _, err := store.DisableEmergency(context.Background(), token); err != ErrEmergencyTokenInvalid {
		t.Errorf("expected ErrEmergencyTokenInvalid on reuse, got %v", err)
	}
}

func TestRegenerateBackupCodes_InvalidatesOldSet(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	setup, err := store.Setup(context.Background(), userID, "user@example.com")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}

	newCodes, err := store.RegenerateBackupCodes(context.Background(), userID, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(newCodes) != 10 {
		t.Fatalf("expected 10 new codes, got %d", len(newCodes))
	}

	oldCode := setup.BackupCodes[0]
	result, err := store.Verify(context.Background(), userID, oldCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != InvalidCode {
		t.Error("expected old backup code to be invalid after regeneration")
	}
}

func TestStatus_NoConfig(t *testing.T) {
	repo := setupTestRepo(t)
	defer repo.Close()
	store := New(repo, testCipher(t), testSettings())
	userID := createTestUser(t, repo)

	status, err := store.Status(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Enabled || status.HasBackupCodes {
		t.Error("expected empty status for a user with no 2FA config")
	}
}
