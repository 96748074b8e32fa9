package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/feedvault/feedvault/internal/model"
)

type contextKey int

const userContextKey contextKey = iota

// SessionCookie is the cookie carrying the session token for browser clients.
const SessionCookie = "fv_session"

// RequireUser resolves the session from the Authorization header (Bearer
// token) or the session cookie, and rejects the request with 401 when no
// valid session exists. The resolved user is placed in the request context.
func (s *Service) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if c, err := r.Cookie(SessionCookie); err == nil {
				token = c.Value
			}
		}
		user, err := s.UserFromToken(r.Context(), token)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": apperr.Message(err)})
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFrom returns the authenticated user stored by RequireUser.
func UserFrom(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok
}

// TokenFrom extracts the raw session token from the request, if any.
func TokenFrom(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
