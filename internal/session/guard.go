package session

import (
	"log/slog"
	"net/http"

	"github.com/leocalm/piggy-pulse-api/internal/audit"
	"github.com/leocalm/piggy-pulse-api/internal/auth"
	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
)

// Guard is the per-request contract every non-public handler goes through: it reads
// the session cookie, resolves it to a user id, and rejects anything else. It must stay
// cheap — a single indexed lookup — and must not hold any lock across downstream work,
// so it neither starts a transaction nor calls out to anything but the session table
// and, for an expired session, the queued audit writer.
type Guard struct {
	transport *Transport
	sessions  repository.SessionRepository
	audit     *audit.Writer
	log       *slog.Logger
}

func NewGuard(transport *Transport, sessions repository.SessionRepository, auditWriter *audit.Writer, log *slog.Logger) *Guard {
	return &Guard{transport: transport, sessions: sessions, audit: auditWriter, log: log}
}

// Middleware wraps next, rejecting any request without a valid, unexpired session and
// otherwise exposing the caller's user id via auth.AuthenticatedUserFromContext.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, _, err := g.transport.FromRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		sess, err := g.sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			g.log.Error("session guard: lookup failed", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if sess == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if sess.IsExpired() {
			g.audit.Write(r.Context(), &models.AuditEvent{
				UserID:    &sess.UserID,
				EventType: models.EventSessionExpired,
				Success:   false,
			})
			_ = g.sessions.DeleteSession(r.Context(), sess.ID)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := auth.WithAuthenticatedUser(r.Context(), &auth.AuthenticatedUser{ID: sess.UserID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
