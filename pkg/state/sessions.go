package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveLoginSession inserts or replaces a login session.
func (s *Store) SaveLoginSession(ctx context.Context, sess LoginSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO login_sessions (
			session_id, user_email, vault_unlock_handle, created_at, expires_at, last_activity
		) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserEmail, sess.VaultUnlockHandle,
		ts(sess.CreatedAt), ts(sess.ExpiresAt), ts(sess.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("saving login session: %w", err)
	}
	return nil
}

// GetLoginSession fetches a login session by id.
func (s *Store) GetLoginSession(ctx context.Context, sessionID string) (LoginSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_email, vault_unlock_handle, created_at, expires_at, last_activity
		FROM login_sessions WHERE session_id = ?`, sessionID)

	var (
		sess                                  LoginSession
		createdAt, expiresAt, lastActivityStr string
	)
	err := row.Scan(&sess.SessionID, &sess.UserEmail, &sess.VaultUnlockHandle,
		&createdAt, &expiresAt, &lastActivityStr)
	if errors.Is(err, sql.ErrNoRows) {
		return LoginSession{}, ErrNotFound
	}
	if err != nil {
		return LoginSession{}, fmt.Errorf("scanning login session: %w", err)
	}
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return LoginSession{}, err
	}
	if sess.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return LoginSession{}, err
	}
	if sess.LastActivity, err = parseTS(lastActivityStr); err != nil {
		return LoginSession{}, err
	}
	return sess, nil
}

// TouchLoginSession slides last_activity forward to now.
func (s *Store) TouchLoginSession(ctx context.Context, sessionID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE login_sessions SET last_activity = ? WHERE session_id = ?`,
		ts(now), sessionID)
	if err != nil {
		return fmt.Errorf("touching login session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLoginSession removes a login session. Deleting a missing session is
// not an error; the bool reports whether a row was removed.
func (s *Store) DeleteLoginSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM login_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("deleting login session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListExpiredLoginSessions returns login sessions whose absolute expiry has
// passed or whose last activity is older than the idle timeout.
func (s *Store) ListExpiredLoginSessions(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]LoginSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_email, vault_unlock_handle, created_at, expires_at, last_activity
		FROM login_sessions WHERE expires_at < ? OR last_activity < ?`,
		ts(now), ts(now.Add(-idleTimeout)))
	if err != nil {
		return nil, fmt.Errorf("querying expired login sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LoginSession
	for rows.Next() {
		var (
			sess                                  LoginSession
			createdAt, expiresAt, lastActivityStr string
		)
		if err := rows.Scan(&sess.SessionID, &sess.UserEmail, &sess.VaultUnlockHandle,
			&createdAt, &expiresAt, &lastActivityStr); err != nil {
			return nil, fmt.Errorf("scanning login session: %w", err)
		}
		if sess.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if sess.ExpiresAt, err = parseTS(expiresAt); err != nil {
			return nil, err
		}
		if sess.LastActivity, err = parseTS(lastActivityStr); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveExecSession inserts or replaces an exec session.
func (s *Store) SaveExecSession(ctx context.Context, sess ExecSession) error {
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("encoding session config: %w", err)
	}
	var certRefJSON []byte
	if sess.MTLSCertRef != nil {
		if certRefJSON, err = json.Marshal(sess.MTLSCertRef); err != nil {
			return fmt.Errorf("encoding cert ref: %w", err)
		}
	}
	var flagsJSON []byte
	if sess.FeatureFlags != nil {
		if flagsJSON, err = json.Marshal(sess.FeatureFlags); err != nil {
			return fmt.Errorf("encoding feature flags: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO exec_sessions (
			session_id, server_id, config, state, idle_deadline,
			gateway_endpoint, metrics_endpoint, mtls_cert_ref, feature_flags, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.ServerID, configJSON, sess.State, ts(sess.IdleDeadline),
		sess.GatewayEndpoint, sess.MetricsEndpoint, certRefJSON, flagsJSON, ts(sess.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving exec session: %w", err)
	}
	return nil
}

// GetExecSession fetches an exec session by id.
func (s *Store) GetExecSession(ctx context.Context, sessionID string) (ExecSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, server_id, config, state, idle_deadline,
		       gateway_endpoint, metrics_endpoint, mtls_cert_ref, feature_flags, created_at
		FROM exec_sessions WHERE session_id = ?`, sessionID)
	return scanExecSession(row)
}

// ListExecSessions returns all exec sessions ordered by creation time.
func (s *Store) ListExecSessions(ctx context.Context) ([]ExecSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, server_id, config, state, idle_deadline,
		       gateway_endpoint, metrics_endpoint, mtls_cert_ref, feature_flags, created_at
		FROM exec_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying exec sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExecSession
	for rows.Next() {
		sess, err := scanExecSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateExecSessionConfig persists a revised execution policy.
func (s *Store) UpdateExecSessionConfig(ctx context.Context, sessionID string, cfg SessionConfig) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding session config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exec_sessions SET config = ? WHERE session_id = ?`,
		configJSON, sessionID)
	if err != nil {
		return fmt.Errorf("updating exec session config: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExecSessionState sets the running/stopped state of an exec session.
func (s *Store) SetExecSessionState(ctx context.Context, sessionID, sessState string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exec_sessions SET state = ? WHERE session_id = ?`,
		sessState, sessionID)
	if err != nil {
		return fmt.Errorf("updating exec session state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExecSession removes an exec session; jobs cascade.
func (s *Store) DeleteExecSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM exec_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting exec session: %w", err)
	}
	return nil
}

type scanner interface{ Scan(dest ...any) error }

func scanExecSession(sc scanner) (ExecSession, error) {
	var (
		sess                    ExecSession
		configBlob, certBlob    []byte
		flagsBlob               []byte
		idleDeadline, createdAt string
	)
	err := sc.Scan(&sess.SessionID, &sess.ServerID, &configBlob, &sess.State,
		&idleDeadline, &sess.GatewayEndpoint, &sess.MetricsEndpoint,
		&certBlob, &flagsBlob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecSession{}, ErrNotFound
	}
	if err != nil {
		return ExecSession{}, fmt.Errorf("scanning exec session: %w", err)
	}

	if len(configBlob) > 0 {
		if err := json.Unmarshal(configBlob, &sess.Config); err != nil {
			return ExecSession{}, fmt.Errorf("decoding session config: %w", err)
		}
	}
	if len(certBlob) > 0 {
		sess.MTLSCertRef = &CertRef{}
		if err := json.Unmarshal(certBlob, sess.MTLSCertRef); err != nil {
			return ExecSession{}, fmt.Errorf("decoding cert ref: %w", err)
		}
	}
	if len(flagsBlob) > 0 {
		if err := json.Unmarshal(flagsBlob, &sess.FeatureFlags); err != nil {
			return ExecSession{}, fmt.Errorf("decoding feature flags: %w", err)
		}
	}
	if sess.IdleDeadline, err = parseTS(idleDeadline); err != nil {
		return ExecSession{}, err
	}
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return ExecSession{}, err
	}
	return sess, nil
}
