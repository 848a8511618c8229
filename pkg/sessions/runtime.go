// Package sessions wraps workload containers behind interactive execution
// sessions: an execution policy with clamped limits, an idle deadline, a
// per-session mTLS bundle, and sync or async command execution.
package sessions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// Execution policy defaults and clamp bounds.
const (
	DefaultCPUs             = 0.5
	DefaultMemoryBytes      = 512 * 1024 * 1024
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultMaxRunSeconds    = 60
	MinMaxRunSeconds        = 10
	MaxMaxRunSeconds        = 300
	DefaultOutputBytesLimit = 128_000
	MinOutputBytesLimit     = 32_000
	MaxOutputBytesLimit     = 1_000_000
)

const gatewayEndpointScheme = "container://"

// ContainerRuntime is the slice of the container supervisor the session
// runtime drives.
type ContainerRuntime interface {
	Create(ctx context.Context, cfg state.ContainerConfig, sessionID, vaultHandle string) (string, error)
	Exec(ctx context.Context, containerID string, argv []string) (int, []byte, error)
	Stop(ctx context.Context, containerID string) error
	Delete(ctx context.Context, containerID string) error
}

// ImageVerifier checks an image signature. Wired in when signature
// enforcement is enabled; a nil verifier refuses every unpermitted image
// under an enforcing policy.
type ImageVerifier interface {
	Verify(ctx context.Context, image string) error
}

// Runtime owns the exec-session lifecycle.
type Runtime struct {
	store           *state.Store
	containers      ContainerRuntime
	verifier        ImageVerifier
	certBase        string
	placeholderMode bool
	idleTimeout     time.Duration

	now func() time.Time
}

// Options configure the session runtime.
type Options struct {
	CertBase        string
	PlaceholderMode bool
	IdleTimeout     time.Duration
	Verifier        ImageVerifier
}

// NewRuntime returns a session runtime.
func NewRuntime(store *state.Store, containers ContainerRuntime, opts Options) *Runtime {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.CertBase == "" {
		opts.CertBase = filepath.Join("data", "certs")
	}
	return &Runtime{
		store:           store,
		containers:      containers,
		verifier:        opts.Verifier,
		certBase:        opts.CertBase,
		placeholderMode: opts.PlaceholderMode,
		idleTimeout:     opts.IdleTimeout,
		now:             time.Now,
	}
}

// ClampConfig applies defaults and clamps the execution policy bounds.
func ClampConfig(cfg state.SessionConfig) state.SessionConfig {
	if cfg.MaxRunSeconds == 0 {
		cfg.MaxRunSeconds = DefaultMaxRunSeconds
	}
	if cfg.MaxRunSeconds < MinMaxRunSeconds {
		cfg.MaxRunSeconds = MinMaxRunSeconds
	}
	if cfg.MaxRunSeconds > MaxMaxRunSeconds {
		cfg.MaxRunSeconds = MaxMaxRunSeconds
	}
	if cfg.OutputBytesLimit == 0 {
		cfg.OutputBytesLimit = DefaultOutputBytesLimit
	}
	if cfg.OutputBytesLimit < MinOutputBytesLimit {
		cfg.OutputBytesLimit = MinOutputBytesLimit
	}
	if cfg.OutputBytesLimit > MaxOutputBytesLimit {
		cfg.OutputBytesLimit = MaxOutputBytesLimit
	}
	return cfg
}

// CreateSessionRequest describes a new exec session.
type CreateSessionRequest struct {
	ServerID       string              `json:"server_id"`
	Image          string              `json:"image"`
	Env            map[string]string   `json:"env,omitempty"`
	Config         state.SessionConfig `json:"config"`
	FeatureFlags   map[string]bool     `json:"feature_flags,omitempty"`
	LoginSessionID string              `json:"-"`
	VaultHandle    string              `json:"-"`
}

// CreateSession mints a session id, issues the mTLS bundle, enforces the
// signature policy, and creates and starts the backing container (retrying
// the container creation once).
func (r *Runtime) CreateSession(ctx context.Context, req CreateSessionRequest) (state.ExecSession, error) {
	if req.ServerID == "" || req.Image == "" {
		return state.ExecSession{}, errors.NewValidationError("server_id and image are required")
	}

	if err := r.checkSignaturePolicy(ctx, req.ServerID, req.Image); err != nil {
		return state.ExecSession{}, err
	}

	sessionID := uuid.NewString()
	cfg := ClampConfig(req.Config)

	certDir := filepath.Join(r.certBase, sessionID)
	certRef, err := writeCertBundle(certDir, sessionID, r.placeholderMode)
	if err != nil {
		return state.ExecSession{}, errors.NewInternalError("generating mTLS bundle", err)
	}

	containerCfg := state.ContainerConfig{
		Name:          "mcp-session-" + sessionID[:8],
		Image:         req.Image,
		Env:           req.Env,
		Volumes:       map[string]string{certDir: CertsMountPath},
		Labels:        map[string]string{"mcp.session_id": sessionID},
		NetworkMode:   "none",
		CPUs:          DefaultCPUs,
		MemoryLimit:   DefaultMemoryBytes,
		RestartPolicy: "on-failure",
		MaxRetries:    1,
	}

	containerID, err := r.containers.Create(ctx, containerCfg, req.LoginSessionID, req.VaultHandle)
	if err != nil {
		logger.Warnw("container creation failed, retrying once", "session_id", sessionID, "error", err)
		containerID, err = r.containers.Create(ctx, containerCfg, req.LoginSessionID, req.VaultHandle)
	}
	if err != nil {
		_ = os.RemoveAll(certDir)
		return state.ExecSession{}, err
	}

	now := r.now().UTC()
	sess := state.ExecSession{
		SessionID:       sessionID,
		ServerID:        req.ServerID,
		Config:          cfg,
		State:           state.ExecSessionRunning,
		IdleDeadline:    now.Add(r.idleTimeout),
		GatewayEndpoint: gatewayEndpointScheme + containerID,
		MTLSCertRef:     certRef,
		FeatureFlags:    req.FeatureFlags,
		CreatedAt:       now,
	}
	if err := r.store.SaveExecSession(ctx, sess); err != nil {
		_ = r.containers.Delete(ctx, containerID)
		_ = os.RemoveAll(certDir)
		return state.ExecSession{}, errors.NewInternalError("persisting exec session", err)
	}

	logger.Infow("exec session created",
		"session_id", sessionID, "server_id", req.ServerID, "container_id", containerID)
	return sess, nil
}

// checkSignaturePolicy consults the per-server signature policy. Under an
// enforcing policy an unpermitted image must verify; in audit-only mode a
// failure is recorded to the audit log but does not block.
func (r *Runtime) checkSignaturePolicy(ctx context.Context, serverID, image string) error {
	rec, err := r.store.GetSignaturePolicy(ctx, serverID)
	if err != nil {
		if err == state.ErrNotFound {
			return nil
		}
		return err
	}

	if imagePermitted(image, rec.Policy.PermitUnsigned) {
		return nil
	}

	var verifyErr error
	if r.verifier == nil {
		verifyErr = fmt.Errorf("no image verifier configured")
	} else {
		verifyErr = r.verifier.Verify(ctx, image)
	}
	if verifyErr == nil {
		return nil
	}

	if rec.Policy.Mode == state.SignaturePolicyEnforcing {
		return errors.NewValidationError(
			"image " + image + " failed signature verification: " + verifyErr.Error())
	}

	if err := r.store.RecordAuditLog(ctx, "sessions", "signature_verification_failed", "", serverID,
		map[string]any{"image": image, "error": verifyErr.Error()}); err != nil {
		logger.Warnw("recording signature audit entry", "server_id", serverID, "error", err)
	}
	return nil
}

func imagePermitted(image string, permitted []string) bool {
	for _, entry := range permitted {
		if image == entry || strings.HasPrefix(image, entry) {
			return true
		}
	}
	return false
}

// GetSession fetches an exec session.
func (r *Runtime) GetSession(ctx context.Context, sessionID string) (state.ExecSession, error) {
	return r.store.GetExecSession(ctx, sessionID)
}

// ListSessions returns all exec sessions.
func (r *Runtime) ListSessions(ctx context.Context) ([]state.ExecSession, error) {
	return r.store.ListExecSessions(ctx)
}

// UpdateSessionConfig clamps and persists a revised execution policy.
func (r *Runtime) UpdateSessionConfig(ctx context.Context, sessionID string, cfg state.SessionConfig) (state.SessionConfig, error) {
	cfg = ClampConfig(cfg)
	if err := r.store.UpdateExecSessionConfig(ctx, sessionID, cfg); err != nil {
		return state.SessionConfig{}, err
	}
	return cfg, nil
}

// TerminateSession stops and removes the backing container, deletes the
// session row (jobs cascade), and removes the cert bundle.
func (r *Runtime) TerminateSession(ctx context.Context, sessionID string) error {
	sess, err := r.store.GetExecSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if containerID, ok := containerIDFromEndpoint(sess.GatewayEndpoint); ok {
		if err := r.containers.Stop(ctx, containerID); err != nil {
			logger.Warnw("stopping session container", "session_id", sessionID, "error", err)
		}
		if err := r.containers.Delete(ctx, containerID); err != nil {
			logger.Warnw("removing session container", "session_id", sessionID, "error", err)
		}
	}

	if err := r.store.DeleteExecSession(ctx, sessionID); err != nil {
		return err
	}
	if sess.MTLSCertRef != nil && sess.MTLSCertRef.Dir != "" {
		_ = os.RemoveAll(sess.MTLSCertRef.Dir)
	}

	logger.Infow("exec session terminated", "session_id", sessionID)
	return nil
}

// touchSession slides the idle deadline forward.
func (r *Runtime) touchSession(ctx context.Context, sess state.ExecSession) {
	sess.IdleDeadline = r.now().UTC().Add(r.idleTimeout)
	if err := r.store.SaveExecSession(ctx, sess); err != nil {
		logger.Warnw("sliding session idle deadline", "session_id", sess.SessionID, "error", err)
	}
}

func containerIDFromEndpoint(endpoint string) (string, bool) {
	id, ok := strings.CutPrefix(endpoint, gatewayEndpointScheme)
	return id, ok && id != ""
}
