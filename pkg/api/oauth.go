package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/oauth"
)

// OAuthEngine is the authorization flow the routes drive.
type OAuthEngine interface {
	StartAuth(ctx context.Context, req oauth.StartAuthRequest) (oauth.StartAuthResult, error)
	ExchangeToken(ctx context.Context, code, stateValue, serverID, codeVerifier, actor string) (oauth.ExchangeResult, error)
	RefreshToken(ctx context.Context, serverID, credentialKey, actor string) (oauth.RefreshResult, error)
	UpdatePermittedScopes(ctx context.Context, scopes []string, isAdmin bool, actor, correlationID string) error
}

// OAuthRoutes handles the authorization-code flow endpoints.
type OAuthRoutes struct {
	engine    OAuthEngine
	validator SessionValidator
}

// OAuthRouter mounts the OAuth endpoints. The callback is reached by a
// provider redirect and carries no session header, so it stays outside the
// auth middleware.
func OAuthRouter(engine OAuthEngine, validator SessionValidator) http.Handler {
	routes := OAuthRoutes{engine: engine, validator: validator}

	r := chi.NewRouter()
	r.Get("/callback", routes.callback)
	r.Group(func(g chi.Router) {
		g.Use(sessionAuth(validator))
		g.Post("/start", routes.start)
		g.Post("/refresh", routes.refresh)
		g.Put("/scopes", routes.updateScopes)
	})
	return r
}

func (s *OAuthRoutes) start(w http.ResponseWriter, r *http.Request) {
	var req oauth.StartAuthRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = requestSession(r).UserEmail

	result, err := s.engine.StartAuth(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *OAuthRoutes) callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		writeError(w, r, errors.Newf(errors.ErrOAuthProvider,
			"provider rejected the authorization: %s", providerErr).
			WithDetail("error_description", query.Get("error_description")))
		return
	}

	code := query.Get("code")
	stateValue := query.Get("state")
	if code == "" || stateValue == "" {
		writeError(w, r, errors.NewValidationError("code and state are required"))
		return
	}

	result, err := s.engine.ExchangeToken(r.Context(), code, stateValue,
		query.Get("server_id"), query.Get("code_verifier"), "oauth-callback")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// refreshRequest identifies the credential to refresh.
type refreshRequest struct {
	ServerID      string `json:"server_id"`
	CredentialKey string `json:"credential_key"`
}

func (s *OAuthRoutes) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.CredentialKey == "" {
		writeError(w, r, errors.NewValidationError("credential_key is required"))
		return
	}

	result, err := s.engine.RefreshToken(r.Context(), req.ServerID, req.CredentialKey,
		requestSession(r).UserEmail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// scopesRequest replaces the permitted scope policy.
type scopesRequest struct {
	Scopes        []string `json:"scopes"`
	IsAdmin       bool     `json:"is_admin"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

func (s *OAuthRoutes) updateScopes(w http.ResponseWriter, r *http.Request) {
	var req scopesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.engine.UpdatePermittedScopes(r.Context(), req.Scopes, req.IsAdmin,
		requestSession(r).UserEmail, req.CorrelationID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": req.Scopes})
}
