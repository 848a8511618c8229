package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MCPInspector resolves a container's MCP listings.
type MCPInspector interface {
	Tools(ctx context.Context, containerID string) (json.RawMessage, error)
	Resources(ctx context.Context, containerID string) (json.RawMessage, error)
	Prompts(ctx context.Context, containerID string) (json.RawMessage, error)
	Capabilities(ctx context.Context, containerID string) (json.RawMessage, error)
}

// InspectorRoutes exposes the MCP surface of a running container.
type InspectorRoutes struct {
	inspector MCPInspector
}

// InspectorRouter mounts the inspector endpoints.
func InspectorRouter(inspector MCPInspector) http.Handler {
	routes := InspectorRoutes{inspector: inspector}

	r := chi.NewRouter()
	r.Get("/{id}/tools", routes.handler(inspector.Tools))
	r.Get("/{id}/resources", routes.handler(inspector.Resources))
	r.Get("/{id}/prompts", routes.handler(inspector.Prompts))
	r.Get("/{id}/capabilities", routes.handler(inspector.Capabilities))
	return r
}

func (s *InspectorRoutes) handler(
	list func(ctx context.Context, containerID string) (json.RawMessage, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := list(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
