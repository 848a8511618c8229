package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mcpfleet/mcpfleet/pkg/container"
	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// ContainerSupervisor is the container lifecycle surface the routes drive.
type ContainerSupervisor interface {
	List(ctx context.Context) ([]container.ContainerInfo, error)
	Create(ctx context.Context, cfg state.ContainerConfig, sessionID, vaultHandle string) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	Delete(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (container.ContainerInfo, error)
	StreamLogs(ctx context.Context, containerID string, follow bool) (<-chan container.LogEntry, error)
}

// ContainerRoutes handles container lifecycle and log streaming.
type ContainerRoutes struct {
	supervisor ContainerSupervisor
	validator  SessionValidator
	upgrader   websocket.Upgrader
}

// ContainerRouter mounts the container endpoints. The log stream is a
// WebSocket and authenticates via its first client message instead of the
// bearer header, which browser WebSocket clients cannot set.
func ContainerRouter(supervisor ContainerSupervisor, validator SessionValidator) http.Handler {
	routes := ContainerRoutes{
		supervisor: supervisor,
		validator:  validator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/{id}/logs", routes.streamLogs)
	r.Group(func(g chi.Router) {
		g.Use(sessionAuth(validator))
		g.Get("/", routes.list)
		g.Post("/", routes.create)
		g.Post("/install", routes.create)
		g.Post("/{id}/start", routes.start)
		g.Post("/{id}/stop", routes.stop)
		g.Post("/{id}/restart", routes.restart)
		g.Delete("/{id}", routes.remove)
	})
	return r
}

func (s *ContainerRoutes) list(w http.ResponseWriter, r *http.Request) {
	containers, err := s.supervisor.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("all") != "true" {
		running := containers[:0]
		for _, c := range containers {
			if c.Status == "running" {
				running = append(running, c)
			}
		}
		containers = running
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": containers})
}

func (s *ContainerRoutes) create(w http.ResponseWriter, r *http.Request) {
	var cfg state.ContainerConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	if cfg.Image == "" || cfg.Name == "" {
		writeError(w, r, errors.NewValidationError("name and image are required"))
		return
	}

	sess := requestSession(r)
	containerID, err := s.supervisor.Create(r.Context(), cfg, sess.SessionID, sess.VaultUnlockHandle)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"container_id": containerID})
}

func (s *ContainerRoutes) start(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.supervisor.Start)
}

func (s *ContainerRoutes) stop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.supervisor.Stop)
}

func (s *ContainerRoutes) restart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.supervisor.Restart)
}

func (s *ContainerRoutes) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	containerID := chi.URLParam(r, "id")
	if err := op(r.Context(), containerID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"container_id": containerID})
}

// remove deletes a container. Without force=true a running container is
// refused.
func (s *ContainerRoutes) remove(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "id")

	if r.URL.Query().Get("force") != "true" {
		info, err := s.supervisor.Inspect(r.Context(), containerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if info.Status == "running" {
			writeError(w, r, errors.NewValidationError(
				"container is running; stop it first or pass force=true"))
			return
		}
	}

	if err := s.supervisor.Delete(r.Context(), containerID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"container_id": containerID})
}

// logsHello is the first client frame on the log stream.
type logsHello struct {
	SessionID string `json:"session_id"`
}

func (s *ContainerRoutes) streamLogs(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("websocket upgrade failed", "container_id", containerID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	var hello logsHello
	if err := conn.ReadJSON(&hello); err != nil || hello.SessionID == "" {
		s.closeWith(conn, websocket.ClosePolicyViolation, "first message must carry session_id")
		return
	}
	if _, err := s.validator.GetSession(r.Context(), hello.SessionID); err != nil {
		s.closeWith(conn, websocket.ClosePolicyViolation, "session is not valid")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	entries, err := s.supervisor.StreamLogs(ctx, containerID, true)
	if err != nil {
		s.closeWith(conn, websocket.CloseInternalServerErr, "log stream failed")
		return
	}

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for entry := range entries {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}
	s.closeWith(conn, websocket.CloseNormalClosure, "log stream ended")
}

func (s *ContainerRoutes) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
