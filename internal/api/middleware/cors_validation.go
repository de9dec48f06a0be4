package middleware

import (
	"log/slog"
	"net/http"

	"github.com/leocalm/piggy-pulse-api/internal/config"
)

// CORSValidation logs a warning on every request if the configured origin allowlist
// contains a wildcard, since the session cookie carries authentication and a wildcard
// origin defeats the browser's same-origin protections around it.
func CORSValidation(cfg *config.Config, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg != nil {
				for _, origin := range cfg.AllowedOrigins {
					if origin == "*" || origin == ".*" {
						log.Warn("CORS wildcard detected",
							"origin", origin,
							"risk", "allows any origin to send credentialed requests",
							"recommendation", "use specific origins for production",
						)
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
