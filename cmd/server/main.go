package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/leocalm/piggy-pulse-api/internal/api/middleware"
	"github.com/leocalm/piggy-pulse-api/internal/api/rest"
	"github.com/leocalm/piggy-pulse-api/internal/audit"
	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/config"
	"github.com/leocalm/piggy-pulse-api/internal/crypto"
	"github.com/leocalm/piggy-pulse-api/internal/email"
	"github.com/leocalm/piggy-pulse-api/internal/orchestrator"
	"github.com/leocalm/piggy-pulse-api/internal/passwordreset"
	"github.com/leocalm/piggy-pulse-api/internal/pkg/logger"
	"github.com/leocalm/piggy-pulse-api/internal/ratelimit"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
	"github.com/leocalm/piggy-pulse-api/internal/session"
	"github.com/leocalm/piggy-pulse-api/internal/twofactor"
	"github.com/leocalm/piggy-pulse-api/migrations"
)

func main() {
	log.Println("piggy-pulse-api starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("configuration loaded: port=%d, driver=%s", cfg.Port, cfg.DatabaseDriver)

	repo, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer repo.Close()

	migrationSQL, err := migrations.FS.ReadFile("001_auth_core.sql")
	if err != nil {
		log.Fatalf("failed to read embedded migration: %v", err)
	}
	if err := repo.RunMigrations(string(migrationSQL)); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Println("migrations applied")

	sessionKey, err := crypto.ParseKeyHex(cfg.SessionSecret)
	if err != nil {
		if !cfg.Debug {
			log.Fatalf("invalid session_secret: %v", err)
		}
		sessionKey = make([]byte, crypto.KeySize)
	}
	sessionAEAD, err := crypto.NewAEAD(sessionKey)
	if err != nil {
		log.Fatalf("failed to build session cipher: %v", err)
	}

	totpKey, err := crypto.ParseKeyHex(cfg.AEADKey)
	if err != nil {
		log.Fatalf("invalid aead_key: %v", err)
	}
	totpAEAD, err := crypto.NewAEAD(totpKey)
	if err != nil {
		log.Fatalf("failed to build TOTP cipher: %v", err)
	}

	mailer := email.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom, cfg.EmailEnabled)

	stdLog := logger.StdLogger()
	auditLog := audit.NewWriter(repo, stdLog)

	limiter := ratelimit.New(repo, ratelimit.Settings{
		FreeAttempts:      cfg.RateLimitFreeAttempts,
		DelaySchedule:     secondsToDurations(cfg.RateLimitDelaySchedSec),
		LockoutThreshold:  cfg.RateLimitLockoutThreshold,
		LockoutDuration:   time.Duration(cfg.RateLimitLockoutDurationSec) * time.Second,
		EnableEmailUnlock: cfg.RateLimitEnableEmailUnlock,
	})

	twoFactor := twofactor.New(repo, totpAEAD, twofactor.Settings{
		AttemptThreshold:  cfg.TwoFactorAttemptThreshold,
		LockoutDuration:   time.Duration(cfg.TwoFactorLockoutDurationSec) * time.Second,
		BcryptCost:        cfg.BcryptCost,
		TOTPIssuer:        cfg.TOTPIssuer,
		EmergencyTokenTTL: time.Duration(cfg.EmergencyTokenTTLSec) * time.Second,
	})

	passwordReset := passwordreset.New(repo, mailer, auditLog, passwordreset.Settings{
		TokenTTL:           time.Duration(cfg.PasswordResetTTLSec) * time.Second,
		MaxRequestsPerHour: cfg.PasswordResetMaxPerHour,
		BcryptCost:         cfg.BcryptCost,
		FrontendBaseURL:    cfg.FrontendBaseURL,
	})

	orch, err := orchestrator.New(repo, limiter, twoFactor, auditLog, mailer, orchestrator.Settings{
		BcryptCost:      cfg.BcryptCost,
		SessionTTL:      time.Duration(cfg.SessionTTLSec) * time.Second,
		FrontendBaseURL: cfg.FrontendBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	transport := session.NewTransport(sessionAEAD, cfg.CookieSecure && !cfg.Debug, cfg.CookieDomain, cfg.SessionTTLSec)
	guard := session.NewGuard(transport, repo, auditLog, stdLog)

	passwordPolicy := auth.PasswordPolicy{
		MinLength:        cfg.PasswordMinLength,
		RequireUppercase: cfg.PasswordRequireUppercase,
		RequireLowercase: cfg.PasswordRequireLowercase,
		RequireNumbers:   cfg.PasswordRequireNumbers,
		RequireSpecial:   cfg.PasswordRequireSpecial,
	}

	authHandler := rest.NewAuthHandler(repo, orch, twoFactor, passwordReset, limiter, transport, auditLog, mailer, passwordPolicy, cfg.BcryptCost, cfg.FrontendBaseURL)
	healthzHandler := rest.NewHealthzHandler(repo)

	router := mux.NewRouter()
	router.HandleFunc("/healthz/live", healthzHandler.Live).Methods(http.MethodGet)
	router.HandleFunc("/healthz/ready", healthzHandler.Ready).Methods(http.MethodGet)
	var metricsHandler http.Handler = promhttp.Handler()
	if cfg.MetricsAuthEnabled {
		metricsHandler = guard.Middleware(metricsHandler)
	}
	router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	rest.SetupAuthRoutes(router, authHandler, guard)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})

	router.Use(middleware.SecureHeaders)
	router.Use(middleware.RequestID)
	router.Use(middleware.StructuredLog)
	router.Use(middleware.MaxBodySize())
	router.Use(middleware.RateLimit())
	router.Use(middleware.CORSValidation(cfg, stdLog))
	router.Use(recoveryMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	topHandler := c.Handler(router)

	readTimeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	writeTimeout := readTimeout
	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutSec) * time.Second

	listener, actualPort, err := bindFirstAvailablePort(cfg.Port)
	if err != nil {
		log.Fatalf("failed to bind: %v", err)
	}
	defer listener.Close()

	srv := &http.Server{
		Handler:      topHandler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on http://localhost:%d", actualPort)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}
	auditLog.Close(shutdownCtx)

	log.Println("server exited gracefully")
}

// openRepository dials the configured backend. sqlite and postgres are the only two
// supported drivers; config.validate already rejected anything else at Load time.
func openRepository(cfg *config.Config) (repository.AuthRepository, error) {
	if cfg.DatabaseDriver == "postgres" {
		return repository.NewPostgresRepository(cfg.DatabasePath)
	}
	return repository.NewSQLiteRepository(cfg.DatabasePath)
}

func secondsToDurations(secs []int) []time.Duration {
	durations := make([]time.Duration, len(secs))
	for i, s := range secs {
		durations[i] = time.Duration(s) * time.Second
	}
	return durations
}

// bindFirstAvailablePort binds the first free port starting at preferred, capped 100
// ports above it, so a developer running two instances locally doesn't have to hunt for
// a free port by hand.
func bindFirstAvailablePort(preferred int) (net.Listener, int, error) {
	maxPort := preferred + 99
	for port := preferred; port <= maxPort; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			var errno syscall.Errno
			if errors.As(err, &errno) && errno == syscall.EADDRINUSE {
				continue
			}
			return nil, 0, err
		}
		return l, port, nil
	}
	return nil, 0, fmt.Errorf("no port available in range %d..%d", preferred, maxPort)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("panic recovered: %v", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
