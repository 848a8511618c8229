package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/github"
)

// GitHubService is the token singleton surface the routes drive.
type GitHubService interface {
	SaveToken(ctx context.Context, token, source, actor string) error
	DeleteToken(ctx context.Context, actor string) error
	GetStatus(ctx context.Context) (github.Status, error)
	Search(ctx context.Context, query string) (github.SearchResponse, error)
}

// GitHubRoutes handles the GitHub token singleton and code search.
type GitHubRoutes struct {
	service GitHubService
}

// GitHubRouter mounts the github-token endpoints.
func GitHubRouter(service GitHubService) http.Handler {
	routes := GitHubRoutes{service: service}

	r := chi.NewRouter()
	r.Get("/", routes.status)
	r.Post("/", routes.save)
	r.Delete("/", routes.remove)
	r.Get("/status", routes.status)
	r.Get("/search", routes.search)
	return r
}

// tokenRequest carries a new GitHub token.
type tokenRequest struct {
	Token  string `json:"token"`
	Source string `json:"source,omitempty"`
}

func (s *GitHubRoutes) save(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.service.SaveToken(r.Context(), req.Token, req.Source,
		requestSession(r).UserEmail); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (s *GitHubRoutes) remove(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteToken(r.Context(), requestSession(r).UserEmail); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *GitHubRoutes) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.GetStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *GitHubRoutes) search(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
