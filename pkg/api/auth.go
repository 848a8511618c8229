package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/auth"
	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// AuthManager is the login lifecycle the auth routes drive.
type AuthManager interface {
	Login(ctx context.Context, req auth.LoginRequest) (state.LoginSession, error)
	Logout(ctx context.Context, sessionID string) (bool, error)
	GetSession(ctx context.Context, sessionID string) (state.LoginSession, error)
}

// AuthRoutes handles login, logout, and session validation.
type AuthRoutes struct {
	manager AuthManager
}

// AuthRouter mounts the auth endpoints. Login is unauthenticated; logout
// and session validation require the session they act on.
func AuthRouter(manager AuthManager) http.Handler {
	routes := AuthRoutes{manager: manager}

	r := chi.NewRouter()
	r.Post("/login", routes.login)
	r.Post("/logout", routes.logout)
	r.Get("/session", routes.session)
	return r
}

func (s *AuthRoutes) login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := s.manager.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *AuthRoutes) logout(w http.ResponseWriter, r *http.Request) {
	sessionID := bearerToken(r)
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-ID")
	}
	if sessionID == "" {
		writeError(w, r, errors.NewAuthError("missing session token", nil))
		return
	}

	removed, err := s.manager.Logout(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": removed})
}

// sessionResponse flattens the session record under an explicit validity
// flag; an invalid token never reaches this shape, it errors instead.
type sessionResponse struct {
	Valid bool `json:"valid"`
	state.LoginSession
}

func (s *AuthRoutes) session(w http.ResponseWriter, r *http.Request) {
	sessionID := bearerToken(r)
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-ID")
	}
	if sessionID == "" {
		writeError(w, r, errors.NewAuthError("missing session token", nil))
		return
	}

	sess, err := s.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Valid: true, LoginSession: sess})
}
