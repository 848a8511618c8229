package remote

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

type fakeSession struct {
	initErr error
	pingErr error
	caps    Capabilities
	pings   atomic.Int32
	closed  atomic.Bool
}

func (s *fakeSession) Initialize(context.Context) (Capabilities, error) {
	return s.caps, s.initErr
}

func (s *fakeSession) Ping(context.Context) error {
	s.pings.Add(1)
	return s.pingErr
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDialer struct {
	dialErr   error
	session   *fakeSession
	dials     atomic.Int32
	lastToken string
}

func (d *fakeDialer) Dial(_ context.Context, _ string, bearerToken string) (MCPSession, error) {
	d.dials.Add(1)
	d.lastToken = bearerToken
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if d.session == nil {
		d.session = &fakeSession{}
	}
	return d.session, nil
}

type staticTokens struct{ token string }

func (s staticTokens) AccessToken(context.Context, string) (string, error) {
	return s.token, nil
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *state.Store, *fakeDialer) {
	t.Helper()
	store, err := state.OpenInMemory(context.Background(), []string{"api.example.com", "*.example.com"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dialer := &fakeDialer{}
	if opts.Dialer == nil {
		opts.Dialer = dialer
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 10 * time.Millisecond
	}
	registry := NewRegistry(store, opts)
	t.Cleanup(registry.Shutdown)
	return registry, store, dialer
}

func register(t *testing.T, r *Registry, catalogItemID string) state.RemoteServer {
	t.Helper()
	srv, err := r.RegisterServer(context.Background(), RegisterRequest{
		CatalogItemID: catalogItemID,
		Name:          "Example",
		Endpoint:      "https://api.example.com/" + catalogItemID,
		Actor:         "admin",
	})
	require.NoError(t, err)
	return srv
}

func TestRegisterServer(t *testing.T) {
	r, store, _ := newTestRegistry(t, Options{})

	srv := register(t, r, "item-1")
	assert.Equal(t, "remote-item-1", srv.ServerID)
	assert.Equal(t, state.RemoteRegistered, srv.Status)

	entries, err := store.ListAuditLog(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "server_registered", entries[0].Action)
	assert.Equal(t, "remote-item-1", entries[0].Target)
}

func TestRegisterServerValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})

	_, err := r.RegisterServer(context.Background(), RegisterRequest{
		CatalogItemID: "item-1",
		Endpoint:      "https://api.example.com/x",
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrValidation))
}

func TestRegisterServerEndpointRejected(t *testing.T) {
	r, store, _ := newTestRegistry(t, Options{})

	_, err := r.RegisterServer(context.Background(), RegisterRequest{
		CatalogItemID: "item-1",
		Name:          "Evil",
		Endpoint:      "https://evil.example.org/mcp",
		Actor:         "admin",
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrEndpointNotAllowed))

	entries, err := store.ListAuditLog(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "endpoint_rejected", entries[0].Action)
}

func TestRegisterServerDuplicate(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	register(t, r, "item-1")

	_, err := r.RegisterServer(context.Background(), RegisterRequest{
		CatalogItemID: "item-1",
		Name:          "Again",
		Endpoint:      "https://api.example.com/other",
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrValidation))
}

func TestRegisterServerIDCollision(t *testing.T) {
	r, store, _ := newTestRegistry(t, Options{})
	require.NoError(t, store.SaveRemoteServer(context.Background(), state.RemoteServer{
		ServerID:      "remote-item-1",
		CatalogItemID: "other",
		Name:          "Occupant",
		Endpoint:      "https://api.example.com/occupant",
		Status:        state.RemoteRegistered,
		CreatedAt:     time.Now().UTC(),
	}))

	srv := register(t, r, "item-1")
	assert.True(t, strings.HasPrefix(srv.ServerID, "remote-item-1-"))
	assert.Len(t, srv.ServerID, len("remote-item-1-")+8)
}

func TestConnectReportsCapabilities(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{caps: Capabilities{Tools: true, ServerName: "example"}}}
	r, store, _ := newTestRegistry(t, Options{Dialer: dialer, Tokens: staticTokens{token: "at-1"}})
	srv := register(t, r, "item-1")
	require.NoError(t, store.SaveCredential(context.Background(), state.Credential{
		CredentialKey: "cred-1",
		TokenRef:      state.TokenRef{Kind: "opaque"},
		Scopes:        []string{"repo:read"},
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
		ServerID:      srv.ServerID,
		CreatedAt:     time.Now().UTC(),
	}))
	require.NoError(t, r.BindCredential(context.Background(), srv.ServerID, "cred-1"))

	result, err := r.Connect(context.Background(), srv.ServerID)
	require.NoError(t, err)
	assert.True(t, result.Capabilities.Tools)
	assert.Equal(t, "example", result.Capabilities.ServerName)
	assert.Equal(t, state.RemoteAuthenticated, result.Status)
	assert.Equal(t, "at-1", dialer.lastToken)

	stored, err := store.GetRemoteServer(context.Background(), srv.ServerID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastConnectedAt)
}

func TestConnectCap(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{}}
	r, _, _ := newTestRegistry(t, Options{ConnectionCap: 1, Dialer: dialer, HeartbeatInterval: time.Hour})
	first := register(t, r, "item-1")
	second := register(t, r, "item-2")

	_, err := r.Connect(context.Background(), first.ServerID)
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Connect(context.Background(), second.ServerID)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrTooManyConnections))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	// The transport was never touched for the rejected attempt.
	assert.Equal(t, int32(1), dialer.dials.Load())

	// Releasing the first slot lets the second server connect.
	r.Disconnect(first.ServerID)
	require.Eventually(t, func() bool {
		_, err := r.Connect(context.Background(), second.ServerID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectReleasesSlotOnDialFailure(t *testing.T) {
	dialer := &fakeDialer{dialErr: fmt.Errorf("connection refused")}
	r, store, _ := newTestRegistry(t, Options{ConnectionCap: 1, Dialer: dialer})
	srv := register(t, r, "item-1")

	_, err := r.Connect(context.Background(), srv.ServerID)
	require.Error(t, err)

	stored, err := store.GetRemoteServer(context.Background(), srv.ServerID)
	require.NoError(t, err)
	assert.Equal(t, state.RemoteError, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "connection refused")

	// The slot came back; a working dial now succeeds.
	dialer.dialErr = nil
	_, err = r.Connect(context.Background(), srv.ServerID)
	require.NoError(t, err)
}

func TestConnectUnknownServer(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})

	_, err := r.Connect(context.Background(), "remote-ghost")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrRemoteServerNotFound))
}

func TestHeartbeatFailureDropsConnection(t *testing.T) {
	session := &fakeSession{pingErr: fmt.Errorf("gone")}
	dialer := &fakeDialer{session: session}
	r, _, _ := newTestRegistry(t, Options{ConnectionCap: 1, Dialer: dialer, HeartbeatInterval: 5 * time.Millisecond})
	srv := register(t, r, "item-1")

	_, err := r.Connect(context.Background(), srv.ServerID)
	require.NoError(t, err)

	// A failed ping tears the session down and frees the slot.
	require.Eventually(t, func() bool { return session.closed.Load() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := r.Connect(context.Background(), srv.ServerID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTestConnection(t *testing.T) {
	session := &fakeSession{}
	dialer := &fakeDialer{session: session}
	r, store, _ := newTestRegistry(t, Options{ConnectionCap: 1, Dialer: dialer, Tokens: staticTokens{token: "at-1"}})
	srv := register(t, r, "item-1")
	require.NoError(t, store.SaveCredential(context.Background(), state.Credential{
		CredentialKey: "cred-1",
		TokenRef:      state.TokenRef{Kind: "opaque"},
		Scopes:        []string{"repo:read"},
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
		ServerID:      srv.ServerID,
		CreatedAt:     time.Now().UTC(),
	}))
	require.NoError(t, r.BindCredential(context.Background(), srv.ServerID, "cred-1"))

	result, err := r.TestConnection(context.Background(), srv.ServerID)
	require.NoError(t, err)
	assert.True(t, result.Reachable)
	assert.True(t, result.Authenticated)
	assert.True(t, session.closed.Load())

	// The probe left no lasting session; the single slot is free.
	_, err = r.Connect(context.Background(), srv.ServerID)
	require.NoError(t, err)
}

func TestTestConnectionUnreachable(t *testing.T) {
	dialer := &fakeDialer{dialErr: fmt.Errorf("no route to host")}
	r, _, _ := newTestRegistry(t, Options{Dialer: dialer})
	srv := register(t, r, "item-1")

	result, err := r.TestConnection(context.Background(), srv.ServerID)
	require.NoError(t, err)
	assert.False(t, result.Reachable)
	assert.Contains(t, result.Error, "no route to host")
}

func TestEnableServerTransitions(t *testing.T) {
	r, store, _ := newTestRegistry(t, Options{})
	srv := register(t, r, "item-1")
	ctx := context.Background()

	// No credential bound: auth_required.
	enabled, err := r.EnableServer(ctx, srv.ServerID, "admin")
	require.NoError(t, err)
	assert.Equal(t, state.RemoteAuthRequired, enabled.Status)

	// A bound, existing credential promotes to authenticated.
	require.NoError(t, store.SaveCredential(ctx, state.Credential{
		CredentialKey: "cred-1",
		TokenRef:      state.TokenRef{Kind: "opaque"},
		Scopes:        []string{"repo:read"},
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
		ServerID:      srv.ServerID,
		CreatedAt:     time.Now().UTC(),
	}))
	require.NoError(t, r.BindCredential(ctx, srv.ServerID, "cred-1"))

	enabled, err = r.EnableServer(ctx, srv.ServerID, "admin")
	require.NoError(t, err)
	assert.Equal(t, state.RemoteAuthenticated, enabled.Status)

	entry := latestAudit(t, store, "server_enabled")
	assert.Equal(t, state.RemoteAuthenticated, entry.Metadata["new_status"])
}

func TestDisableServer(t *testing.T) {
	r, store, _ := newTestRegistry(t, Options{})
	srv := register(t, r, "item-1")

	disabled, err := r.DisableServer(context.Background(), srv.ServerID, "admin")
	require.NoError(t, err)
	assert.Equal(t, state.RemoteDisabled, disabled.Status)

	entry := latestAudit(t, store, "server_disabled")
	assert.Equal(t, state.RemoteRegistered, entry.Metadata["old_status"])
	assert.Equal(t, state.RemoteDisabled, entry.Metadata["new_status"])
}

type recordingRemover struct{ removed []string }

func (r *recordingRemover) RemoveCredential(_ context.Context, credentialKey string) {
	r.removed = append(r.removed, credentialKey)
}

func TestRevokeCredentials(t *testing.T) {
	r, store, _ := newTestRegistry(t, Options{})
	srv := register(t, r, "item-1")
	ctx := context.Background()
	require.NoError(t, store.SaveCredential(ctx, state.Credential{
		CredentialKey: "cred-1",
		TokenRef:      state.TokenRef{Kind: "opaque"},
		Scopes:        []string{"repo:read"},
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
		ServerID:      srv.ServerID,
		CreatedAt:     time.Now().UTC(),
	}))
	require.NoError(t, r.BindCredential(ctx, srv.ServerID, "cred-1"))

	remover := &recordingRemover{}
	revoked, err := r.RevokeCredentials(ctx, srv.ServerID, "admin", remover)
	require.NoError(t, err)
	assert.Equal(t, state.RemoteAuthRequired, revoked.Status)
	assert.Empty(t, revoked.CredentialKey)
	assert.Equal(t, []string{"cred-1"}, remover.removed)

	latestAudit(t, store, "credentials_revoked")
}

func TestDeleteServer(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	srv := register(t, r, "item-1")
	ctx := context.Background()

	require.NoError(t, r.DeleteServer(ctx, srv.ServerID))
	err := r.DeleteServer(ctx, srv.ServerID)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrRemoteServerNotFound))
}

func latestAudit(t *testing.T, store *state.Store, action string) state.AuditEntry {
	t.Helper()
	entries, err := store.ListAuditLog(context.Background(), 50)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Action == action {
			return entry
		}
	}
	t.Fatalf("no audit entry with action %q", action)
	return state.AuditEntry{}
}
