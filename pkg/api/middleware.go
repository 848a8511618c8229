package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

type contextKey string

const sessionContextKey contextKey = "login-session"

// SessionValidator is the slice of the auth manager the middleware needs.
type SessionValidator interface {
	GetSession(ctx context.Context, sessionID string) (state.LoginSession, error)
}

// sessionAuth rejects requests without a valid login session. The session
// id arrives as a bearer token, or in X-Session-ID for older clients.
func sessionAuth(validator SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := bearerToken(r)
			if sessionID == "" {
				sessionID = r.Header.Get("X-Session-ID")
			}
			if sessionID == "" {
				writeError(w, r, errors.NewAuthError("missing session token", nil))
				return
			}

			sess, err := validator.GetSession(r.Context(), sessionID)
			if err != nil {
				writeError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the Authorization bearer value, if any.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requestSession returns the login session the middleware attached.
func requestSession(r *http.Request) state.LoginSession {
	sess, _ := r.Context().Value(sessionContextKey).(state.LoginSession)
	return sess
}
