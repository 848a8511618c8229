package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/sessions"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// SessionRuntime is the exec-session surface the routes drive.
type SessionRuntime interface {
	CreateSession(ctx context.Context, req sessions.CreateSessionRequest) (state.ExecSession, error)
	GetSession(ctx context.Context, sessionID string) (state.ExecSession, error)
	ListSessions(ctx context.Context) ([]state.ExecSession, error)
	UpdateSessionConfig(ctx context.Context, sessionID string, cfg state.SessionConfig) (state.SessionConfig, error)
	TerminateSession(ctx context.Context, sessionID string) error
	ExecuteCommand(ctx context.Context, sessionID, tool string, args []string) (sessions.ExecResult, error)
	ExecuteCommandAsync(ctx context.Context, sessionID, tool string, args []string) (state.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (state.Job, error)
}

// SessionRoutes handles exec sessions and command execution.
type SessionRoutes struct {
	runtime SessionRuntime
}

// SessionRouter mounts the exec-session endpoints.
func SessionRouter(runtime SessionRuntime) http.Handler {
	routes := SessionRoutes{runtime: runtime}

	r := chi.NewRouter()
	r.Get("/", routes.list)
	r.Post("/", routes.create)
	r.Get("/{id}", routes.get)
	r.Delete("/{id}", routes.terminate)
	r.Patch("/{id}/config", routes.updateConfig)
	r.Post("/{id}/exec", routes.exec)
	r.Get("/{id}/jobs/{job_id}", routes.jobStatus)
	return r
}

func (s *SessionRoutes) list(w http.ResponseWriter, r *http.Request) {
	list, err := s.runtime.ListSessions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *SessionRoutes) create(w http.ResponseWriter, r *http.Request) {
	var req sessions.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	login := requestSession(r)
	req.LoginSessionID = login.SessionID
	req.VaultHandle = login.VaultUnlockHandle

	sess, err := s.runtime.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *SessionRoutes) get(w http.ResponseWriter, r *http.Request) {
	sess, err := s.runtime.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *SessionRoutes) terminate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.runtime.TerminateSession(r.Context(), sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (s *SessionRoutes) updateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg state.SessionConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}

	applied, err := s.runtime.UpdateSessionConfig(r.Context(), chi.URLParam(r, "id"), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

// execRequest is the body of an exec call. Async execution returns a job
// descriptor instead of waiting for the result.
type execRequest struct {
	Tool  string   `json:"tool"`
	Args  []string `json:"args,omitempty"`
	Async bool     `json:"async,omitempty"`
}

func (s *SessionRoutes) exec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Tool == "" {
		writeError(w, r, errors.NewValidationError("tool is required"))
		return
	}
	sessionID := chi.URLParam(r, "id")

	if req.Async {
		job, err := s.runtime.ExecuteCommandAsync(r.Context(), sessionID, req.Tool, req.Args)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}

	result, err := s.runtime.ExecuteCommand(r.Context(), sessionID, req.Tool, req.Args)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *SessionRoutes) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.runtime.GetJobStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
