// Package auth manages login sessions backed by the external password
// vault. A session carries the vault unlock handle; every validated use
// slides the idle window forward, and expired sessions are logged out as a
// side effect of validation.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// Login methods.
const (
	MethodAPIKey         = "api_key"
	MethodMasterPassword = "master_password"
)

// VaultClient is the slice of the vault CLI the manager drives.
type VaultClient interface {
	LoginWithPassword(ctx context.Context, email, masterPassword string) (string, error)
	LoginWithAPIKey(ctx context.Context, clientID, clientSecret, masterPassword string) (string, error)
	Sync(ctx context.Context, handle string) error
	Lock(ctx context.Context) error
}

// LoginRequest is a login attempt. Method selects which credential fields
// are required.
type LoginRequest struct {
	Method         string `json:"method"`
	Email          string `json:"email,omitempty"`
	MasterPassword string `json:"master_password,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	ClientSecret   string `json:"client_secret,omitempty"`
}

// SessionEndObserver is notified after a session is removed, whatever the
// cause. The secret resolver registers one to purge its per-session cache.
type SessionEndObserver func(sessionID string)

// Manager owns the login-session lifecycle.
type Manager struct {
	store          *state.Store
	vault          VaultClient
	sessionTimeout time.Duration

	mu        sync.Mutex
	observers []SessionEndObserver

	now func() time.Time
}

// NewManager returns a session manager. sessionTimeout bounds both absolute
// session lifetime and the idle window.
func NewManager(store *state.Store, vault VaultClient, sessionTimeout time.Duration) *Manager {
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Minute
	}
	return &Manager{
		store:          store,
		vault:          vault,
		sessionTimeout: sessionTimeout,
		now:            time.Now,
	}
}

// OnSessionEnd registers an observer called after any session removal.
func (m *Manager) OnSessionEnd(fn SessionEndObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Login authenticates against the vault binary and mints a session. The
// unlock handle produced by the vault is probed with a sync before the
// session is persisted; a handle that cannot sync is an auth failure.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (state.LoginSession, error) {
	var (
		handle string
		email  string
		err    error
	)

	switch req.Method {
	case MethodMasterPassword:
		if req.Email == "" || req.MasterPassword == "" {
			return state.LoginSession{}, errors.NewValidationError(
				"master_password login requires email and master_password")
		}
		email = req.Email
		handle, err = m.vault.LoginWithPassword(ctx, req.Email, req.MasterPassword)

	case MethodAPIKey:
		// The vault binary authenticates the client credentials but only
		// unlocks with the master password, so all three are required.
		if req.ClientID == "" || req.ClientSecret == "" || req.MasterPassword == "" {
			return state.LoginSession{}, errors.NewValidationError(
				"api_key login requires client_id, client_secret, and master_password")
		}
		email = req.Email
		if email == "" {
			email = req.ClientID
		}
		handle, err = m.vault.LoginWithAPIKey(ctx, req.ClientID, req.ClientSecret, req.MasterPassword)

	default:
		return state.LoginSession{}, errors.NewValidationError(
			"login method must be api_key or master_password")
	}
	if err != nil {
		return state.LoginSession{}, err
	}

	if err := m.vault.Sync(ctx, handle); err != nil {
		return state.LoginSession{}, errors.NewAuthError("vault unlock handle failed sync probe", err)
	}

	now := m.now().UTC()
	sess := state.LoginSession{
		SessionID:         uuid.NewString(),
		UserEmail:         email,
		VaultUnlockHandle: handle,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.sessionTimeout),
		LastActivity:      now,
	}
	if err := m.store.SaveLoginSession(ctx, sess); err != nil {
		return state.LoginSession{}, errors.NewInternalError("persisting login session", err)
	}

	logger.Infow("login session created", "session_id", sess.SessionID, "user_email", sess.UserEmail)
	return sess, nil
}

// ValidateSession reports whether the session is live, sliding the idle
// window on success. A session past its absolute expiry or idle window is
// logged out as a side effect.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.store.GetLoginSession(ctx, sessionID)
	if err != nil {
		if err == state.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	now := m.now().UTC()
	if !now.Before(sess.ExpiresAt) || now.Sub(sess.LastActivity) >= m.sessionTimeout {
		if _, err := m.Logout(ctx, sessionID); err != nil {
			logger.Warnw("logging out expired session", "session_id", sessionID, "error", err)
		}
		return false, nil
	}

	if err := m.store.TouchLoginSession(ctx, sessionID, now); err != nil && err != state.ErrNotFound {
		return false, err
	}
	return true, nil
}

// GetSession returns the session record if it is currently valid.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (state.LoginSession, error) {
	valid, err := m.ValidateSession(ctx, sessionID)
	if err != nil {
		return state.LoginSession{}, err
	}
	if !valid {
		return state.LoginSession{}, errors.NewAuthError("session is not valid", nil)
	}
	return m.store.GetLoginSession(ctx, sessionID)
}

// GetVaultAccess returns the unlock handle of a valid session.
func (m *Manager) GetVaultAccess(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sess.VaultUnlockHandle, nil
}

// Logout removes the session. The vault lock is best effort; a lock failure
// is warned and the removal proceeds. Observers run after the row is gone.
func (m *Manager) Logout(ctx context.Context, sessionID string) (bool, error) {
	if err := m.vault.Lock(ctx); err != nil {
		logger.Warnw("locking vault on logout", "session_id", sessionID, "error", err)
	}

	removed, err := m.store.DeleteLoginSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if removed {
		m.notifySessionEnd(sessionID)
		logger.Infow("login session removed", "session_id", sessionID)
	}
	return removed, nil
}

// CleanupExpired logs out every expired or idle-timed-out session and
// returns how many were removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredLoginSessions(ctx, m.now().UTC(), m.sessionTimeout)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sess := range expired {
		ok, err := m.Logout(ctx, sess.SessionID)
		if err != nil {
			logger.Warnw("cleaning up expired session", "session_id", sess.SessionID, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) notifySessionEnd(sessionID string) {
	m.mu.Lock()
	observers := make([]SessionEndObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(sessionID)
	}
}
