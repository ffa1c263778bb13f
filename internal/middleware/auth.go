package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"datapilot/internal/domain"
)

// ClaimNames says which token claims carry the tenant and the email.
type ClaimNames struct {
	Tenant string
	Email  string
}

// Authenticate verifies the bearer token and stores the caller's
// domain.Identity in the request context. A token without the tenant claim
// is scoped to its own subject. Requests without a valid token get 401.
func Authenticate(v TokenValidator, names ClaimNames, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, "unauthorized: provide a valid Bearer token")
				return
			}
			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				logger.Debug("token rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
				writeUnauthorized(w, "unauthorized: provide a valid Bearer token")
				return
			}
			id, ok := identityFrom(claims, names)
			if !ok {
				writeUnauthorized(w, "unauthorized: token has no subject")
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.WithIdentity(r.Context(), id)))
		})
	}
}

func identityFrom(c *Claims, names ClaimNames) (domain.Identity, bool) {
	if c.Subject == "" {
		return domain.Identity{}, false
	}
	tenant := c.String(names.Tenant)
	if tenant == "" {
		tenant = c.Subject
	}
	return domain.Identity{TenantID: tenant, UserID: c.Subject, Email: c.String(names.Email)}, true
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="datapilot"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":      401,
		"kind":      "AccessDenied",
		"message":   message,
		"retryable": false,
	})
}
