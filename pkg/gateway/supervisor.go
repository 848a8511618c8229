// Package gateway maintains external gateway registrations, checks their
// URLs against the merged allowlist, and supervises periodic health probes.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/state"
	"github.com/mcpfleet/mcpfleet/pkg/tasks"
)

// DefaultProbeInterval is the periodic health probe cadence.
const DefaultProbeInterval = 5 * time.Minute

// HealthProber runs one probe against a gateway base URL.
type HealthProber interface {
	Probe(ctx context.Context, baseURL string) HealthResult
}

// Supervisor owns gateway registrations and their probe loops.
type Supervisor struct {
	store   *state.Store
	prober  HealthProber
	metrics *Metrics
	tasks   *tasks.Registry

	probeInterval time.Duration

	mu     sync.RWMutex
	health map[string]HealthResult

	now func() time.Time
}

// Options configure the supervisor.
type Options struct {
	Prober        HealthProber
	Metrics       *Metrics
	Tasks         *tasks.Registry
	ProbeInterval time.Duration
}

// NewSupervisor returns a gateway supervisor.
func NewSupervisor(store *state.Store, opts Options) *Supervisor {
	if opts.Prober == nil {
		opts.Prober = NewProber(ProberOptions{})
	}
	if opts.Tasks == nil {
		opts.Tasks = tasks.NewRegistry()
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	return &Supervisor{
		store:         store,
		prober:        opts.Prober,
		metrics:       opts.Metrics,
		tasks:         opts.Tasks,
		probeInterval: opts.ProbeInterval,
		health:        make(map[string]HealthResult),
		now:           time.Now,
	}
}

// RegisterRequest describes a gateway registration.
type RegisterRequest struct {
	URL       string                    `json:"url"`
	Overrides []state.GatewayAllowEntry `json:"allowlist_overrides,omitempty"`
	Periodic  bool                      `json:"periodic"`
	Actor     string                    `json:"-"`
}

// RegisterResult carries the persisted gateway and its first health probe.
type RegisterResult struct {
	Gateway state.Gateway `json:"gateway"`
	Health  HealthResult  `json:"health"`
}

// RegisterGateway validates the URL against the merged allowlist, persists
// the registration, probes immediately, and optionally schedules the
// periodic probe loop.
func (s *Supervisor) RegisterGateway(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	if req.URL == "" {
		return RegisterResult{}, errors.NewValidationError("url is required")
	}

	global, err := s.store.ListGatewayAllowEntries(ctx)
	if err != nil {
		return RegisterResult{}, err
	}
	merged := MergeAllowEntries(global, req.Overrides)

	permitted, matched := URLPermitted(merged, req.URL)
	if !permitted {
		s.metrics.allowlistDecision("reject")
		s.audit(ctx, "gateway_allowlist_reject", req.Actor, req.URL, nil)
		return RegisterResult{}, errors.New(errors.ErrGatewayAllowlist,
			"gateway url "+req.URL+" is not on the allowlist", nil)
	}
	s.metrics.allowlistDecision("pass")
	s.audit(ctx, "gateway_allowlist_pass", req.Actor, req.URL, map[string]any{
		"matched_entry": matched.ID,
	})

	gw := state.Gateway{
		GatewayID: uuid.NewString(),
		URL:       req.URL,
		CreatedBy: req.Actor,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.SaveGateway(ctx, gw); err != nil {
		return RegisterResult{}, errors.NewInternalError("persisting gateway", err)
	}

	health := s.runProbe(ctx, gw.GatewayID, gw.URL)

	if req.Periodic {
		gatewayID, url := gw.GatewayID, gw.URL
		s.tasks.Periodic("gateway-probe-"+gatewayID, s.probeInterval, func(ctx context.Context) {
			s.runProbe(ctx, gatewayID, url)
		})
	}

	return RegisterResult{Gateway: gw, Health: health}, nil
}

// GetHealth returns the latest health result for a gateway, probing on
// demand when none has been recorded yet.
func (s *Supervisor) GetHealth(ctx context.Context, gatewayID string) (HealthResult, error) {
	gw, err := s.store.GetGateway(ctx, gatewayID)
	if err != nil {
		if err == state.ErrNotFound {
			appErr := errors.NewValidationError("gateway " + gatewayID + " not found")
			return HealthResult{}, appErr.WithDetail("not_found", true)
		}
		return HealthResult{}, err
	}

	s.mu.RLock()
	cached, ok := s.health[gatewayID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return s.runProbe(ctx, gatewayID, gw.URL), nil
}

// StopProbes cancels the periodic probe for one gateway.
func (s *Supervisor) StopProbes(gatewayID string) {
	s.tasks.Cancel("gateway-probe-" + gatewayID)
}

// Shutdown cancels every probe loop and awaits completion.
func (s *Supervisor) Shutdown() {
	s.tasks.Shutdown()
}

func (s *Supervisor) runProbe(ctx context.Context, gatewayID, url string) HealthResult {
	health := s.prober.Probe(ctx, url)
	s.metrics.probeOutcome(health.Status)

	s.mu.Lock()
	s.health[gatewayID] = health
	s.mu.Unlock()

	if health.Status != StatusHealthy {
		logger.Warnw("gateway probe", "gateway_id", gatewayID,
			"status", health.Status, "attempts", health.Attempts, "errors", health.Errors)
	}
	return health
}

func (s *Supervisor) audit(ctx context.Context, action, actor, target string, metadata map[string]any) {
	if err := s.store.RecordAuditLog(ctx, "gateway", action, actor, target, metadata); err != nil {
		logger.Warnw("recording gateway audit entry", "action", action, "error", err)
	}
}
