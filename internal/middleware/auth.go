package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/gluk-w/claworc/shellrelay/internal/auth"
)

type contextKey string

const userContextKey contextKey = "user"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth rejects requests without a valid bearer token and stores
// the caller's user ID in the request context.
func RequireAuth(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r)
			if err != nil {
				code, msg := apperr.Public(err)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"code": string(code), "detail": msg})
				return
			}
			next.ServeHTTP(w, WithUser(r, userID))
		})
	}
}

// WithUser attaches a user ID to the request context.
func WithUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, userID))
}

// GetUser returns the authenticated user ID, or "" outside RequireAuth.
func GetUser(r *http.Request) string {
	user, _ := r.Context().Value(userContextKey).(string)
	return user
}
