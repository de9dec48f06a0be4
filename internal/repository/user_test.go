package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leocalm/piggy-pulse-api/internal/models"
)

func setupTestRepoForUsers(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	migrationSQL := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			deleted_at DATETIME
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rate_limit_records (
			identifier_type TEXT NOT NULL,
			identifier_value TEXT NOT NULL,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at DATETIME NOT NULL,
			locked_until DATETIME,
			next_attempt_allowed_at DATETIME,
			unlock_token_hash TEXT,
			unlock_token_expires_at DATETIME,
			PRIMARY KEY (identifier_type, identifier_value)
		);
		CREATE TABLE IF NOT EXISTS two_factor_configs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			ciphertext TEXT NOT NULL,
			nonce TEXT NOT NULL,
			is_enabled BOOLEAN NOT NULL DEFAULT 0,
			verified_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS backup_codes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			code_hash TEXT NOT NULL,
			used_at DATETIME,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS two_factor_attempts (
			user_id TEXT PRIMARY KEY,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			locked_until DATETIME,
			last_attempt_at DATETIME
		);
		CREATE TABLE IF NOT EXISTS emergency_disable_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			expires_at DATETIME NOT NULL,
			used_at DATETIME,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS password_reset_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			expires_at DATETIME NOT NULL,
			used_at DATETIME,
			created_at DATETIME NOT NULL,
			request_ip TEXT,
			request_user_agent TEXT
		);
	`
	if err := repo.RunMigrations(migrationSQL); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return repo
}

func TestCreateUser(t *testing.T) {
	repo := setupTestRepoForUsers(t)
	defer repo.Close()

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        "a@example.com",
		PasswordHash: "hashedpassword",
	}

	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	retrieved, err := repo.GetUserByEmail(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	if retrieved == nil {
		t.Fatal("user should exist")
	}
	if retrieved.Email != "a@example.com" {
		t.Errorf("expected email 'a@example.com', got %q", retrieved.Email)
	}
}

func TestCreateUser_AutoGeneratesID(t *testing.T) {
	repo := setupTestRepoForUsers(t)
	defer repo.Close()

	user := &models.User{Email: "b@example.com", PasswordHash: "hashedpassword"}
	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if user.ID == "" {
		t.Error("user ID should be auto-generated")
	}
}

func TestGetUserByEmail_CaseInsensitive(t *testing.T) {
	repo := setupTestRepoForUsers(t)
	defer repo.Close()

	user := &models.User{Email: "Mixed@Example.com", PasswordHash: "hashedpassword"}
	repo.CreateUser(context.Background(), user)

	retrieved, err := repo.GetUserByEmail(context.Background(), "mixed@example.com")
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	if retrieved == nil {
		t.Fatal("user should exist regardless of case")
	}
}

func TestGetUserByEmail_NotFound(t *testing.T) {
	repo := setupTestRepoForUsers(t)
	defer repo.Close()

	retrieved, err := repo.GetUserByEmail(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retrieved != nil {
		t.Error("user should not exist")
	}
}

func TestGetUserByID(t *testing.T) {
	repo := setupTestRepoForUsers(t)
	defer repo.Close()

	userID := uuid.New().String()
	user := &models.User{ID: userID, Email: "c@example.com", PasswordHash: "hashedpassword"}
	repo.CreateUser(context.Background(), user)

	retrieved, err := repo.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	if retrieved == nil {
		t.Fatal("user should exist")
	}
	if retrieved.ID != userID {
		t.Errorf("expected id %q, got %q", userID, retrieved.ID)
	}
}

func TestUpdatePasswordHash(t *testing.T) {
	repo := setupTestRepoForUsers(t)
	defer repo.Close()

	userID := uuid.New().String()
	repo.CreateUser(context.Background(), &models.User{ID: userID, Email: "d@example.com", PasswordHash: "old"})

	if err := repo.UpdatePasswordHash(context.Background(), userID, "new"); err != nil {
		t.Fatalf("Failed to update password hash: %v", err)
	}

	retrieved, _ := repo.GetUserByID(context.Background(), userID)
	if retrieved.PasswordHash != "new" {
		t.Errorf("expected password hash 'new', got %q", retrieved.PasswordHash)
	}
}

func TestDeleteUser_SoftDeletesAndCascades(t *testing.T) {
	repo := setupTestRepoForUsers(t)
	defer repo.Close()

	userID := uuid.New().String()
	repo.CreateUser(context.Background(), &models.User{ID: userID, Email: "e@example.com", PasswordHash: "hashedpassword"})
	repo.CreateSession(context.Background(), &models.Session{UserID: userID, ExpiresAt: time.Now().Add(time.Hour)})
	if _, err := repo.IncrementRateLimitFailure(context.Background(), models.IdentifierAccount, userID, time.Now()); err != nil {
		t.Fatalf("failed to seed rate limit record: %v", err)
	}

	if err := repo.DeleteUser(context.Background(), userID); err != nil {
		t.Fatalf("Failed to delete user: %v", err)
	}

	retrieved, err := repo.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retrieved != nil {
		t.Error("soft-deleted user should not be returned by GetUserByID")
	}

	sessions, err := repo.db.QueryContext(context.Background(), `SELECT id FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sessions.Close()
	if sessions.Next() {
		t.Error("sessions should be cascade-deleted with the owning user")
	}

	record, err := repo.GetRateLimitRecord(context.Background(), models.IdentifierAccount, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record != nil {
		t.Error("rate limit record should be cascade-deleted with the owning user")
	}
}
