// Package rest implements the HTTP surface over the authentication core: signup,
// login/logout, password reset, two-factor enrollment and verification, and the
// unlock-token endpoint. Every handler here is a thin adapter — the state machines
// live in internal/orchestrator, internal/twofactor, and internal/passwordreset; this
// file only decodes requests, calls them, and shapes responses.
package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/leocalm/piggy-pulse-api/internal/apierr"
	"github.com/leocalm/piggy-pulse-api/internal/audit"
	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/email"
	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/orchestrator"
	"github.com/leocalm/piggy-pulse-api/internal/passwordreset"
	"github.com/leocalm/piggy-pulse-api/internal/pkg/logger"
	"github.com/leocalm/piggy-pulse-api/internal/pkg/metrics"
	"github.com/leocalm/piggy-pulse-api/internal/ratelimit"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
	"github.com/leocalm/piggy-pulse-api/internal/session"
	"github.com/leocalm/piggy-pulse-api/internal/twofactor"
)

// AuthHandler wires the domain-layer stores into HTTP handlers. It holds no
// authentication state of its own — every request-scoped fact (caller identity,
// network address) is read fresh off the request.
type AuthHandler struct {
	repo           repository.AuthRepository
	orchestrator   *orchestrator.Orchestrator
	twoFactor      *twofactor.Store
	passwordReset  *passwordreset.Store
	rateLimiter    *ratelimit.Limiter
	transport      *session.Transport
	auditLog       *audit.Writer
	mailer         orchestrator.Mailer
	passwordPolicy auth.PasswordPolicy
	bcryptCost     int
	frontendURL    string
}

func NewAuthHandler(
	repo repository.AuthRepository,
	orch *orchestrator.Orchestrator,
	twoFactorStore *twofactor.Store,
	passwordResetStore *passwordreset.Store,
	rateLimiter *ratelimit.Limiter,
	transport *session.Transport,
	auditLog *audit.Writer,
	mailer orchestrator.Mailer,
	passwordPolicy auth.PasswordPolicy,
	bcryptCost int,
	frontendURL string,
) *AuthHandler {
	return &AuthHandler{
		repo:           repo,
		orchestrator:   orch,
		twoFactor:      twoFactorStore,
		passwordReset:  passwordResetStore,
		rateLimiter:    rateLimiter,
		transport:      transport,
		auditLog:       auditLog,
		mailer:         mailer,
		passwordPolicy: passwordPolicy,
		bcryptCost:     bcryptCost,
		frontendURL:    frontendURL,
	}
}

// SetupAuthRoutes registers every handler in this file on router. Routes requiring an
// authenticated caller go through session.Guard; the rest are public.
func SetupAuthRoutes(router *mux.Router, h *AuthHandler, guard *session.Guard) {
	router.HandleFunc("/users", h.Signup).Methods(http.MethodPost)
	router.HandleFunc("/users/login", h.Login).Methods(http.MethodPost)
	router.HandleFunc("/users/logout", h.Logout).Methods(http.MethodPost)
	router.HandleFunc("/password-reset/request", h.RequestPasswordReset).Methods(http.MethodPost)
	router.HandleFunc("/password-reset/validate", h.ValidatePasswordReset).Methods(http.MethodPost)
	router.HandleFunc("/password-reset/confirm", h.ConfirmPasswordReset).Methods(http.MethodPost)
	router.HandleFunc("/two-factor/emergency-disable-request", h.RequestEmergencyDisable).Methods(http.MethodPost)
	router.HandleFunc("/two-factor/emergency-disable-confirm", h.ConfirmEmergencyDisable).Methods(http.MethodPost)
	router.HandleFunc("/unlock", h.ConsumeUnlockToken).Methods(http.MethodGet)

	protected := router.NewRoute().Subrouter()
	protected.Use(guard.Middleware)
	protected.HandleFunc("/users/me", h.Me).Methods(http.MethodGet)
	protected.HandleFunc("/two-factor/setup", h.SetupTwoFactor).Methods(http.MethodPost)
	protected.HandleFunc("/two-factor/verify", h.VerifyTwoFactor).Methods(http.MethodPost)
	protected.HandleFunc("/two-factor/disable", h.DisableTwoFactor).Methods(http.MethodDelete)
	protected.HandleFunc("/two-factor/status", h.TwoFactorStatus).Methods(http.MethodGet)
	protected.HandleFunc("/two-factor/regenerate-backup-codes", h.RegenerateBackupCodes).Methods(http.MethodPost)
}

// --- request / response payloads ---

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code"`
}

type loginResponse struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type passwordResetRequestPayload struct {
	Email string `json:"email"`
}

type passwordResetValidatePayload struct {
	Token string `json:"token"`
}

type passwordResetConfirmPayload struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type twoFactorSetupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

type twoFactorVerifyPayload struct {
	Code string `json:"code"`
}

type twoFactorDisablePayload struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

type twoFactorRegeneratePayload struct {
	Code string `json:"code"`
}

type twoFactorStatusResponse struct {
	Enabled              bool `json:"enabled"`
	HasBackupCodes       bool `json:"has_backup_codes"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

type emergencyDisableRequestPayload struct {
	Email string `json:"email"`
}

type emergencyDisableConfirmPayload struct {
	Token string `json:"token"`
}

// --- handlers ---

// Signup handles POST /users. Password strength is validated against the configured
// policy before hashing; a duplicate email is the one case in this package that
// returns Conflict rather than an enumeration-safe 200, matching the taxonomy in §7.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		writeAPIError(w, r, apierr.ErrBadRequest)
		return
	}
	if err := auth.ValidatePassword(req.Password, h.passwordPolicy); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), logger.FromContext(r.Context()))
		return
	}
	hash, err := auth.HashPassword(req.Password, h.bcryptCost)
	if err != nil {
		writeAPIError(w, r, apierr.ErrInternal)
		return
	}
	user := &models.User{Email: req.Email, PasswordHash: hash}
	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key") {
			writeAPIError(w, r, apierr.ErrConflict)
			return
		}
		writeAPIError(w, r, apierr.ErrInternal)
		return
	}
	respondJSONBody(w, http.StatusCreated, map[string]string{"id": user.ID, "email": user.Email})
}

// Login handles POST /users/login, delegating the entire state machine to the
// Authentication Orchestrator and sealing the resulting session into the cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.orchestrator.Login(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)), req.Password, req.TwoFactorCode, clientIP(r), r.UserAgent())
	if err != nil {
		recordLoginOutcomeMetric(err)
		writeAPIError(w, r, err)
		return
	}
	metrics.AuthLoginAttemptsTotal.WithLabelValues("success").Inc()
	if err := h.transport.SetCookie(w, result.SessionID, result.UserID); err != nil {
		writeAPIError(w, r, apierr.ErrInternal)
		return
	}
	respondJSONBody(w, http.StatusOK, loginResponse{UserID: result.UserID, ExpiresAt: result.ExpiresAt})
}

func recordLoginOutcomeMetric(err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		metrics.AuthLoginAttemptsTotal.WithLabelValues("error").Inc()
		return
	}
	switch apiErr.Code {
	case apierr.CodeTwoFactorRequired:
		metrics.AuthLoginAttemptsTotal.WithLabelValues("two_factor_required").Inc()
	case apierr.CodeTooManyAttempts:
		metrics.AuthLoginAttemptsTotal.WithLabelValues("rate_limited").Inc()
	case apierr.CodeAccountLocked:
		metrics.AuthLoginAttemptsTotal.WithLabelValues("locked").Inc()
	default:
		metrics.AuthLoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
	}
}

// Logout handles POST /users/logout. A missing or already-invalid cookie is treated
// the same as a successful logout — there is nothing left to revoke.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID, _, err := h.transport.FromRequest(r); err == nil {
		_ = h.orchestrator.Logout(r.Context(), sessionID)
	}
	h.transport.ClearCookie(w)
	w.WriteHeader(http.StatusOK)
}

// Me handles GET /users/me; only reachable once session.Guard has validated the
// cookie, so the user id is read from context rather than re-parsed here.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	caller := auth.AuthenticatedUserFromContext(r.Context())
	if caller == nil {
		writeAPIError(w, r, apierr.ErrUnauthorized)
		return
	}
	user, err := h.repo.GetUserByID(r.Context(), caller.ID)
	if err != nil || user == nil {
		writeAPIError(w, r, apierr.ErrUnauthorized)
		return
	}
	respondJSONBody(w, http.StatusOK, user)
}

// RequestPasswordReset handles POST /password-reset/request. Always 200 — the Store
// itself absorbs unknown emails, per-account rate limiting, and dispatch failures so
// this handler has nothing left to branch on.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequestPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	_ = h.passwordReset.Request(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)), clientIP(r), r.UserAgent())
	w.WriteHeader(http.StatusOK)
}

// ValidatePasswordReset handles POST /password-reset/validate.
func (h *AuthHandler) ValidatePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetValidatePayload
	if !decodeJSON(w, r, &req) {
		return
	}
	email, err := h.passwordReset.Validate(r.Context(), req.Token)
	if err != nil {
		writeAPIError(w, r, apierr.ErrBadRequest)
		return
	}
	respondJSONBody(w, http.StatusOK, map[string]string{"email": email})
}

// ConfirmPasswordReset handles POST /password-reset/confirm.
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetConfirmPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := auth.ValidatePassword(req.Password, h.passwordPolicy); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), logger.FromContext(r.Context()))
		return
	}
	if err := h.passwordReset.Confirm(r.Context(), req.Token, req.Password); err != nil {
		writeAPIError(w, r, apierr.ErrBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetupTwoFactor handles POST /two-factor/setup. The returned secret and backup codes
// are visible exactly once; the caller must display and persist client-side on first
// read, since neither is ever retrievable again.
func (h *AuthHandler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	caller := auth.AuthenticatedUserFromContext(r.Context())
	user, err := h.repo.GetUserByID(r.Context(), caller.ID)
	if err != nil || user == nil {
		writeAPIError(w, r, apierr.ErrUnauthorized)
		return
	}
	result, err := h.twoFactor.Setup(r.Context(), caller.ID, user.Email)
	if err != nil {
		writeAPIError(w, r, apierr.ErrInternal)
		return
	}
	respondJSONBody(w, http.StatusOK, twoFactorSetupResponse{
		Secret:          result.Secret,
		ProvisioningURI: result.ProvisioningURI,
		BackupCodes:     result.BackupCodes,
	})
}

// VerifyTwoFactor handles POST /two-factor/verify, flipping the configuration to
// enabled on the first successful code after setup.
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	caller := auth.AuthenticatedUserFromContext(r.Context())
	var req twoFactorVerifyPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.twoFactor.Verify(r.Context(), caller.ID, req.Code)
	if err != nil {
		writeAPIError(w, r, apierr.ErrInternal)
		return
	}
	switch result.Outcome {
	case twofactor.Valid:
		metrics.TwoFactorVerificationsTotal.WithLabelValues(verifyMethod(result), "success").Inc()
		if err := h.twoFactor.Enable(r.Context(), caller.ID); err != nil {
			writeAPIError(w, r, apierr.ErrInternal)
			return
		}
		h.auditLog.Write(r.Context(), &models.AuditEvent{UserID: &caller.ID, EventType: models.EventTwoFactorEnabled, Success: true})
		w.WriteHeader(http.StatusOK)
	case twofactor.LockedOut:
		metrics.TwoFactorVerificationsTotal.WithLabelValues(verifyMethod(result), "locked").Inc()
		writeAPIError(w, r, apierr.AccountLocked(result.LockedUntil))
	default:
		metrics.TwoFactorVerificationsTotal.WithLabelValues(verifyMethod(result), "failure").Inc()
		writeAPIError(w, r, apierr.ErrBadRequest)
	}
}

func verifyMethod(result twofactor.VerifyResult) string {
	if result.UsedBackupCode {
		return "backup_code"
	}
	return "totp"
}

// DisableTwoFactor handles DELETE /two-factor/disable: the standard path, requiring
// both the current password and a current code.
func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	caller := auth.AuthenticatedUserFromContext(r.Context())
	var req twoFactorDisablePayload
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.repo.GetUserByID(r.Context(), caller.ID)
	if err != nil || user == nil {
		writeAPIError(w, r, apierr.ErrUnauthorized)
		return
	}
	passwordOK := auth.VerifyPassword(user.PasswordHash, req.Password)
	if err := h.twoFactor.DisableStandard(r.Context(), caller.ID, req.Code, passwordOK); err != nil {
		writeAPIError(w, r, apierr.ErrBadRequest)
		return
	}
	h.auditLog.Write(r.Context(), &models.AuditEvent{UserID: &caller.ID, EventType: models.EventTwoFactorDisabled, Success: true, Metadata: strPtrLocal(`{"method":"standard"}`)})
	w.WriteHeader(http.StatusOK)
}

// TwoFactorStatus handles GET /two-factor/status.
func (h *AuthHandler) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	caller := auth.AuthenticatedUserFromContext(r.Context())
	status, err := h.twoFactor.Status(r.Context(), caller.ID)
	if err != nil {
		writeAPIError(w, r, apierr.ErrInternal)
		return
	}
	respondJSONBody(w, http.StatusOK, twoFactorStatusResponse{
		Enabled:              status.Enabled,
		HasBackupCodes:       status.HasBackupCodes,
		BackupCodesRemaining: status.BackupCodesRemaining,
	})
}

// RegenerateBackupCodes handles POST /two-factor/regenerate-backup-codes.
func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	caller := auth.AuthenticatedUserFromContext(r.Context())
	var req twoFactorRegeneratePayload
	if !decodeJSON(w, r, &req) {
		return
	}
	codes, err := h.twoFactor.RegenerateBackupCodes(r.Context(), caller.ID, req.Code)
	if err != nil {
		writeAPIError(w, r, apierr.ErrBadRequest)
		return
	}
	respondJSONBody(w, http.StatusOK, map[string][]string{"backup_codes": codes})
}

// RequestEmergencyDisable handles POST /two-factor/emergency-disable-request. Always
// 200 regardless of whether the email resolves to a user with 2FA enabled.
func (h *AuthHandler) RequestEmergencyDisable(w http.ResponseWriter, r *http.Request) {
	var req emergencyDisableRequestPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.repo.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err == nil && user != nil {
		if token, err := h.twoFactor.RequestEmergencyDisable(r.Context(), user.ID); err == nil && h.mailer != nil {
			msg := email.EmergencyDisableMessage(user.Email, token, h.frontendURL)
			_ = h.mailer.Send(msg)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ConfirmEmergencyDisable handles POST /two-factor/emergency-disable-confirm.
func (h *AuthHandler) ConfirmEmergencyDisable(w http.ResponseWriter, r *http.Request) {
	var req emergencyDisableConfirmPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, err := h.twoFactor.DisableEmergency(r.Context(), req.Token)
	if err != nil {
		writeAPIError(w, r, apierr.ErrBadRequest)
		return
	}
	h.auditLog.Write(r.Context(), &models.AuditEvent{UserID: &userID, EventType: models.EventTwoFactorDisabled, Success: true, Metadata: strPtrLocal(`{"method":"emergency"}`)})
	w.WriteHeader(http.StatusOK)
}

// ConsumeUnlockToken handles GET /unlock?token=, the one endpoint that mutates
// state over GET because it is meant to be followed directly from an email link.
func (h *AuthHandler) ConsumeUnlockToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeAPIError(w, r, apierr.ErrBadRequest)
		return
	}
	accountID, err := h.rateLimiter.ConsumeUnlockToken(r.Context(), token)
	if err != nil {
		writeAPIError(w, r, apierr.ErrBadRequest)
		return
	}
	h.auditLog.Write(r.Context(), &models.AuditEvent{UserID: &accountID, EventType: models.EventAccountUnlocked, Success: true})
	w.WriteHeader(http.StatusOK)
}

func strPtrLocal(s string) *string { return &s }

// decodeJSON decodes r's JSON body into dst, writing a VALIDATION_FAILED response and
// returning false on any malformed payload. Handlers that fail this check must return
// immediately without touching dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeValidationFailed, "invalid request body", logger.FromContext(r.Context()))
		return false
	}
	return true
}

// writeAPIError maps err to its taxonomy entry and writes the matching status, code,
// and body. A 429 carries Retry-After; a 423 carries locked_until in the body.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.Wrap(err)
	requestID := logger.FromContext(r.Context())

	if apiErr.Code == apierr.CodeTooManyAttempts {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
		respondJSONWithHeader(w, apiErr.Status, map[string]any{
			"error":              "too_many_attempts",
			"message":            apiErr.Message,
			"request_id":         requestID,
			"retry_after_seconds": apiErr.RetryAfterSeconds,
		})
		return
	}
	if apiErr.Code == apierr.CodeAccountLocked {
		respondJSONWithHeader(w, apiErr.Status, map[string]any{
			"error":        "account_locked",
			"message":      apiErr.Message,
			"request_id":   requestID,
			"locked_until": apiErr.LockedUntil,
		})
		return
	}
	respondErrorWithCode(w, apiErr.Status, string(apiErr.Code), apiErr.Message, requestID)
}

// respondJSONBody writes a 2xx JSON response body.
func respondJSONBody(w http.ResponseWriter, status int, data any) {
	respondJSONWithHeader(w, status, data)
}

func respondJSONWithHeader(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// clientIP extracts the caller's network address the same way the coarse per-IP API
// throttle does, so both rate-limit axes agree on what "one client" means.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}
