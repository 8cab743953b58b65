package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const APIKeyHeader = "X-API-Key"

// operatorKey returns the key from X-API-Key or an Authorization bearer token.
func operatorKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// Auth guards the operator surface with keys issued by routerctl.
func Auth(repo domain.APIKeyRepository, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := operatorKey(r)
			if key == "" {
				logger.Warn("operator key missing", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Bearer realm="invoice-router"`)
				http.Error(w, "Unauthorized: API key required", http.StatusUnauthorized)
				return
			}

			ok, err := repo.IsValid(r.Context(), key)
			switch {
			case err != nil:
				logger.Error("failed to validate operator key", "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			case !ok:
				logger.Warn("operator key rejected", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				http.Error(w, "Unauthorized: Invalid API key", http.StatusUnauthorized)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
