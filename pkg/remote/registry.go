// Package remote manages the registry of remote MCP servers: allowlisted
// registration, credential binding, status transitions, and capped live
// connections over an SSE transport.
package remote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

const (
	// DefaultConnectionCap bounds concurrent live SSE sessions per process.
	DefaultConnectionCap = 10

	// slotWait bounds how long connect waits for a free slot before
	// answering with TOO_MANY_CONNECTIONS.
	slotWait = 50 * time.Millisecond

	// DefaultHeartbeatInterval is the ping cadence on live connections.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Capabilities is the capability set a remote server advertises during
// MCP initialization.
type Capabilities struct {
	Tools      bool   `json:"tools"`
	Resources  bool   `json:"resources"`
	Prompts    bool   `json:"prompts"`
	ServerName string `json:"server_name,omitempty"`
}

// MCPSession is one live protocol session against a remote server.
type MCPSession interface {
	Initialize(ctx context.Context) (Capabilities, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens MCP sessions. The bearer token is empty when the server has
// no bound credential.
type Dialer interface {
	Dial(ctx context.Context, endpoint, bearerToken string) (MCPSession, error)
}

// TokenSource resolves a credential key to a live access token.
type TokenSource interface {
	AccessToken(ctx context.Context, credentialKey string) (string, error)
}

// Registry owns remote server records and their live connections.
type Registry struct {
	store  *state.Store
	tokens TokenSource
	dialer Dialer

	slots             *semaphore.Weighted
	heartbeatInterval time.Duration

	mu     sync.Mutex
	active map[string]*liveConnection

	wg  sync.WaitGroup
	now func() time.Time
}

type liveConnection struct {
	session MCPSession
	cancel  context.CancelFunc
}

// Options configure the registry.
type Options struct {
	ConnectionCap     int
	HeartbeatInterval time.Duration
	Dialer            Dialer
	Tokens            TokenSource
}

// NewRegistry returns a remote server registry.
func NewRegistry(store *state.Store, opts Options) *Registry {
	if opts.ConnectionCap <= 0 {
		opts.ConnectionCap = DefaultConnectionCap
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = NewSSEDialer(nil)
	}
	return &Registry{
		store:             store,
		tokens:            opts.Tokens,
		dialer:            opts.Dialer,
		slots:             semaphore.NewWeighted(int64(opts.ConnectionCap)),
		heartbeatInterval: opts.HeartbeatInterval,
		active:            make(map[string]*liveConnection),
		now:               time.Now,
	}
}

// RegisterRequest describes a new remote server registration.
type RegisterRequest struct {
	CatalogItemID string `json:"catalog_item_id"`
	Name          string `json:"name"`
	Endpoint      string `json:"endpoint"`
	Actor         string `json:"-"`
}

// RegisterServer validates the endpoint against the allowlist, rejects
// duplicates, derives the server id, and persists the record.
func (r *Registry) RegisterServer(ctx context.Context, req RegisterRequest) (state.RemoteServer, error) {
	if req.CatalogItemID == "" || req.Name == "" || req.Endpoint == "" {
		return state.RemoteServer{}, errors.NewValidationError(
			"catalog_item_id, name, and endpoint are required")
	}

	if !r.store.IsEndpointAllowed(req.Endpoint) {
		r.audit(ctx, "endpoint_rejected", req.Actor, req.CatalogItemID, map[string]any{
			"endpoint": req.Endpoint,
		})
		return state.RemoteServer{}, errors.New(errors.ErrEndpointNotAllowed,
			"endpoint "+req.Endpoint+" is not on the allowlist", nil)
	}

	conflict, err := r.store.FindRemoteServerConflict(ctx, req.CatalogItemID, req.Endpoint)
	if err != nil {
		return state.RemoteServer{}, err
	}
	if conflict {
		return state.RemoteServer{}, errors.NewValidationError(
			"a server with this catalog item or endpoint is already registered")
	}

	serverID, err := r.deriveServerID(ctx, req.CatalogItemID)
	if err != nil {
		return state.RemoteServer{}, err
	}

	srv := state.RemoteServer{
		ServerID:      serverID,
		CatalogItemID: req.CatalogItemID,
		Name:          req.Name,
		Endpoint:      req.Endpoint,
		Status:        state.RemoteRegistered,
		CreatedAt:     r.now().UTC(),
	}
	if err := r.store.SaveRemoteServer(ctx, srv); err != nil {
		if err == state.ErrAlreadyExists {
			return state.RemoteServer{}, errors.NewValidationError(
				"a server with this catalog item or endpoint is already registered")
		}
		return state.RemoteServer{}, errors.NewInternalError("persisting remote server", err)
	}

	r.audit(ctx, "server_registered", req.Actor, serverID, map[string]any{
		"catalog_item_id": req.CatalogItemID, "endpoint": req.Endpoint,
	})
	return srv, nil
}

// deriveServerID builds "remote-<catalog_item_id>", appending an 8-hex
// suffix when the plain id is taken.
func (r *Registry) deriveServerID(ctx context.Context, catalogItemID string) (string, error) {
	serverID := "remote-" + catalogItemID
	taken, err := r.store.RemoteServerIDExists(ctx, serverID)
	if err != nil {
		return "", err
	}
	if !taken {
		return serverID, nil
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", errors.NewInternalError("generating server id suffix", err)
	}
	return serverID + "-" + hex.EncodeToString(suffix), nil
}

// GetServer fetches a remote server record.
func (r *Registry) GetServer(ctx context.Context, serverID string) (state.RemoteServer, error) {
	srv, err := r.store.GetRemoteServer(ctx, serverID)
	if err != nil {
		if err == state.ErrNotFound {
			return state.RemoteServer{}, errors.New(errors.ErrRemoteServerNotFound,
				"remote server "+serverID+" not found", nil)
		}
		return state.RemoteServer{}, err
	}
	return srv, nil
}

// ListServers returns all remote server records.
func (r *Registry) ListServers(ctx context.Context) ([]state.RemoteServer, error) {
	return r.store.ListRemoteServers(ctx)
}

// DeleteServer disconnects and removes a remote server record.
func (r *Registry) DeleteServer(ctx context.Context, serverID string) error {
	r.Disconnect(serverID)
	if err := r.store.DeleteRemoteServer(ctx, serverID); err != nil {
		if err == state.ErrNotFound {
			return errors.New(errors.ErrRemoteServerNotFound,
				"remote server "+serverID+" not found", nil)
		}
		return err
	}
	return nil
}

// ConnectResult reports a live connection's advertised capabilities.
type ConnectResult struct {
	ServerID     string       `json:"server_id"`
	Status       string       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
}

// Connect opens a capped live session to the server, performs MCP
// initialization, and starts a heartbeat. The slot is released on any
// failure and when the connection is closed.
func (r *Registry) Connect(ctx context.Context, serverID string) (ConnectResult, error) {
	srv, err := r.GetServer(ctx, serverID)
	if err != nil {
		return ConnectResult{}, err
	}
	if !r.store.IsEndpointAllowed(srv.Endpoint) {
		return ConnectResult{}, errors.New(errors.ErrEndpointNotAllowed,
			"endpoint "+srv.Endpoint+" is no longer on the allowlist", nil)
	}

	token, err := r.bearerToken(ctx, srv)
	if err != nil {
		return ConnectResult{}, err
	}

	release, err := r.acquireSlot(ctx)
	if err != nil {
		return ConnectResult{}, err
	}

	session, err := r.dialer.Dial(ctx, srv.Endpoint, token)
	if err != nil {
		release()
		return ConnectResult{}, r.markError(ctx, srv, err)
	}
	caps, err := session.Initialize(ctx)
	if err != nil {
		_ = session.Close()
		release()
		return ConnectResult{}, r.markError(ctx, srv, err)
	}

	heartbeatCtx, cancel := context.WithCancel(context.Background())
	conn := &liveConnection{session: session, cancel: cancel}

	r.mu.Lock()
	if previous, ok := r.active[serverID]; ok {
		previous.cancel()
		_ = previous.session.Close()
	}
	r.active[serverID] = conn
	r.mu.Unlock()

	r.wg.Add(1)
	go r.heartbeat(heartbeatCtx, serverID, session, release)

	now := r.now().UTC()
	srv.LastConnectedAt = &now
	srv.ErrorMessage = ""
	if srv.CredentialKey != "" {
		srv.Status = state.RemoteAuthenticated
	}
	if err := r.store.SaveRemoteServer(ctx, srv); err != nil {
		logger.Warnw("updating remote server after connect", "server_id", serverID, "error", err)
	}

	return ConnectResult{ServerID: serverID, Status: srv.Status, Capabilities: caps}, nil
}

// Disconnect tears down the live connection for a server, if any. The
// heartbeat goroutine releases the slot on exit.
func (r *Registry) Disconnect(serverID string) {
	r.mu.Lock()
	conn, ok := r.active[serverID]
	if ok {
		delete(r.active, serverID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	conn.cancel()
	_ = conn.session.Close()
}

// TestResult reports a connection probe without a lasting session.
type TestResult struct {
	Reachable     bool   `json:"reachable"`
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error,omitempty"`
}

// TestConnection performs the same slot acquisition and handshake as
// Connect but tears the session down before returning.
func (r *Registry) TestConnection(ctx context.Context, serverID string) (TestResult, error) {
	srv, err := r.GetServer(ctx, serverID)
	if err != nil {
		return TestResult{}, err
	}
	if !r.store.IsEndpointAllowed(srv.Endpoint) {
		return TestResult{}, errors.New(errors.ErrEndpointNotAllowed,
			"endpoint "+srv.Endpoint+" is no longer on the allowlist", nil)
	}

	token, err := r.bearerToken(ctx, srv)
	if err != nil {
		return TestResult{Reachable: false, Authenticated: false, Error: err.Error()}, nil
	}

	release, err := r.acquireSlot(ctx)
	if err != nil {
		return TestResult{}, err
	}
	defer release()

	session, err := r.dialer.Dial(ctx, srv.Endpoint, token)
	if err != nil {
		return TestResult{Reachable: false, Error: err.Error()}, nil
	}
	defer func() { _ = session.Close() }()

	if _, err := session.Initialize(ctx); err != nil {
		return TestResult{Reachable: true, Authenticated: false, Error: err.Error()}, nil
	}
	return TestResult{Reachable: true, Authenticated: token != ""}, nil
}

// EnableServer promotes a server to authenticated when a valid credential
// is bound, else auth_required.
func (r *Registry) EnableServer(ctx context.Context, serverID, actor string) (state.RemoteServer, error) {
	srv, err := r.GetServer(ctx, serverID)
	if err != nil {
		return state.RemoteServer{}, err
	}
	oldStatus := srv.Status

	srv.Status = state.RemoteAuthRequired
	if srv.CredentialKey != "" {
		if _, err := r.store.GetCredential(ctx, srv.CredentialKey); err == nil {
			srv.Status = state.RemoteAuthenticated
		}
	}

	if err := r.saveTransition(ctx, srv, oldStatus, "server_enabled", actor); err != nil {
		return state.RemoteServer{}, err
	}
	return srv, nil
}

// DisableServer marks a server disabled and drops its live connection.
func (r *Registry) DisableServer(ctx context.Context, serverID, actor string) (state.RemoteServer, error) {
	srv, err := r.GetServer(ctx, serverID)
	if err != nil {
		return state.RemoteServer{}, err
	}
	oldStatus := srv.Status
	srv.Status = state.RemoteDisabled
	r.Disconnect(serverID)

	if err := r.saveTransition(ctx, srv, oldStatus, "server_disabled", actor); err != nil {
		return state.RemoteServer{}, err
	}
	return srv, nil
}

// CredentialRemover drops a credential from durable and in-memory storage.
type CredentialRemover interface {
	RemoveCredential(ctx context.Context, credentialKey string)
}

// RevokeCredentials removes the bound credential and resets the server to
// auth_required.
func (r *Registry) RevokeCredentials(ctx context.Context, serverID, actor string, remover CredentialRemover) (state.RemoteServer, error) {
	srv, err := r.GetServer(ctx, serverID)
	if err != nil {
		return state.RemoteServer{}, err
	}
	oldStatus := srv.Status

	if srv.CredentialKey != "" && remover != nil {
		remover.RemoveCredential(ctx, srv.CredentialKey)
	}
	srv.CredentialKey = ""
	srv.Status = state.RemoteAuthRequired
	r.Disconnect(serverID)

	if err := r.saveTransition(ctx, srv, oldStatus, "credentials_revoked", actor); err != nil {
		return state.RemoteServer{}, err
	}
	return srv, nil
}

// BindCredential attaches a credential key to a server.
func (r *Registry) BindCredential(ctx context.Context, serverID, credentialKey string) error {
	srv, err := r.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	srv.CredentialKey = credentialKey
	srv.Status = state.RemoteAuthenticated
	return r.store.SaveRemoteServer(ctx, srv)
}

// Shutdown drops every live connection and awaits heartbeat exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for serverID, conn := range r.active {
		conn.cancel()
		_ = conn.session.Close()
		delete(r.active, serverID)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) saveTransition(ctx context.Context, srv state.RemoteServer, oldStatus, action, actor string) error {
	if err := r.store.SaveRemoteServer(ctx, srv); err != nil {
		return errors.NewInternalError("persisting remote server", err)
	}
	r.audit(ctx, action, actor, srv.ServerID, map[string]any{
		"old_status": oldStatus, "new_status": srv.Status,
	})
	return nil
}

// bearerToken loads the access token bound to the server, if any.
func (r *Registry) bearerToken(ctx context.Context, srv state.RemoteServer) (string, error) {
	if srv.CredentialKey == "" || r.tokens == nil {
		return "", nil
	}
	return r.tokens.AccessToken(ctx, srv.CredentialKey)
}

// acquireSlot takes a connection slot with a bounded wait so callers get a
// prompt TOO_MANY_CONNECTIONS instead of queueing.
func (r *Registry) acquireSlot(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, slotWait)
	defer cancel()
	if err := r.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New(errors.ErrTooManyConnections,
			"no connection slot available", nil)
	}

	var once sync.Once
	return func() { once.Do(func() { r.slots.Release(1) }) }, nil
}

// heartbeat pings the session until cancellation or a failed ping, then
// releases the connection slot.
func (r *Registry) heartbeat(ctx context.Context, serverID string, session MCPSession, release func()) {
	defer r.wg.Done()
	defer release()

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				logger.Warnw("remote server heartbeat failed", "server_id", serverID, "error", err)
				r.Disconnect(serverID)
				return
			}
		}
	}
}

// markError records a connect failure on the server row.
func (r *Registry) markError(ctx context.Context, srv state.RemoteServer, cause error) error {
	srv.Status = state.RemoteError
	srv.ErrorMessage = cause.Error()
	if err := r.store.SaveRemoteServer(ctx, srv); err != nil {
		logger.Warnw("recording remote server error", "server_id", srv.ServerID, "error", err)
	}
	return errors.NewInternalError("connecting to remote server "+srv.ServerID, cause)
}

func (r *Registry) audit(ctx context.Context, action, actor, target string, metadata map[string]any) {
	if err := r.store.RecordAuditLog(ctx, "remote", action, actor, target, metadata); err != nil {
		logger.Warnw("recording remote audit entry", "action", action, "error", err)
	}
}
