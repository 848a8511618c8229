package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/remote"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// RemoteRegistry is the remote MCP server surface the routes drive.
type RemoteRegistry interface {
	RegisterServer(ctx context.Context, req remote.RegisterRequest) (state.RemoteServer, error)
	GetServer(ctx context.Context, serverID string) (state.RemoteServer, error)
	ListServers(ctx context.Context) ([]state.RemoteServer, error)
	DeleteServer(ctx context.Context, serverID string) error
	Connect(ctx context.Context, serverID string) (remote.ConnectResult, error)
	TestConnection(ctx context.Context, serverID string) (remote.TestResult, error)
	EnableServer(ctx context.Context, serverID, actor string) (state.RemoteServer, error)
	DisableServer(ctx context.Context, serverID, actor string) (state.RemoteServer, error)
	RevokeCredentials(ctx context.Context, serverID, actor string, remover remote.CredentialRemover) (state.RemoteServer, error)
}

// RemoteRoutes handles remote MCP server management.
type RemoteRoutes struct {
	registry RemoteRegistry
	remover  remote.CredentialRemover
}

// RemoteRouter mounts the remote-server endpoints.
func RemoteRouter(registry RemoteRegistry, remover remote.CredentialRemover) http.Handler {
	routes := RemoteRoutes{registry: registry, remover: remover}

	r := chi.NewRouter()
	r.Get("/", routes.list)
	r.Post("/", routes.register)
	r.Get("/{id}", routes.get)
	r.Delete("/{id}", routes.remove)
	r.Post("/{id}/connect", routes.connect)
	r.Post("/{id}/test", routes.test)
	r.Post("/{id}/enable", routes.enable)
	r.Post("/{id}/disable", routes.disable)
	r.Post("/{id}/revoke", routes.revoke)
	return r
}

func (s *RemoteRoutes) list(w http.ResponseWriter, r *http.Request) {
	servers, err := s.registry.ListServers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *RemoteRoutes) register(w http.ResponseWriter, r *http.Request) {
	var req remote.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = requestSession(r).UserEmail

	srv, err := s.registry.RegisterServer(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (s *RemoteRoutes) get(w http.ResponseWriter, r *http.Request) {
	srv, err := s.registry.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *RemoteRoutes) remove(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	if err := s.registry.DeleteServer(r.Context(), serverID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"server_id": serverID})
}

func (s *RemoteRoutes) connect(w http.ResponseWriter, r *http.Request) {
	result, err := s.registry.Connect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *RemoteRoutes) test(w http.ResponseWriter, r *http.Request) {
	result, err := s.registry.TestConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *RemoteRoutes) enable(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.EnableServer)
}

func (s *RemoteRoutes) disable(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.DisableServer)
}

func (s *RemoteRoutes) transition(
	w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, serverID, actor string) (state.RemoteServer, error),
) {
	srv, err := op(r.Context(), chi.URLParam(r, "id"), requestSession(r).UserEmail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *RemoteRoutes) revoke(w http.ResponseWriter, r *http.Request) {
	srv, err := s.registry.RevokeCredentials(r.Context(), chi.URLParam(r, "id"),
		requestSession(r).UserEmail, s.remover)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}
