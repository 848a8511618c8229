package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/gateway"
)

// GatewaySupervisor is the gateway health surface the routes drive.
type GatewaySupervisor interface {
	RegisterGateway(ctx context.Context, req gateway.RegisterRequest) (gateway.RegisterResult, error)
	GetHealth(ctx context.Context, gatewayID string) (gateway.HealthResult, error)
}

// GatewayRoutes handles gateway registration and health reads.
type GatewayRoutes struct {
	supervisor GatewaySupervisor
}

// GatewayRouter mounts the gateway endpoints.
func GatewayRouter(supervisor GatewaySupervisor) http.Handler {
	routes := GatewayRoutes{supervisor: supervisor}

	r := chi.NewRouter()
	r.Post("/", routes.register)
	r.Get("/{id}/health", routes.health)
	return r
}

func (s *GatewayRoutes) register(w http.ResponseWriter, r *http.Request) {
	var req gateway.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = requestSession(r).UserEmail

	result, err := s.supervisor.RegisterGateway(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *GatewayRoutes) health(w http.ResponseWriter, r *http.Request) {
	health, err := s.supervisor.GetHealth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
