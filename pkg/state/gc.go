package state

import (
	"context"
	"fmt"
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

// GCOptions control the retention windows of a GC pass.
type GCOptions struct {
	// CredentialRetention is how long expired credentials are kept
	// (default 30 days past expires_at).
	CredentialRetention time.Duration

	// JobRetention is how long finished jobs are kept (default 24 h past
	// max(finished_at, queued_at)).
	JobRetention time.Duration
}

// GCResult reports per-entity removal counts of one GC pass.
type GCResult struct {
	Credentials   int `json:"credentials"`
	ExecSessions  int `json:"exec_sessions"`
	Jobs          int `json:"jobs"`
	LoginSessions int `json:"login_sessions"`
	OAuthStates   int `json:"oauth_states"`
}

// Total returns the total number of rows removed.
func (r GCResult) Total() int {
	return r.Credentials + r.ExecSessions + r.Jobs + r.LoginSessions + r.OAuthStates
}

// GCExpired removes expired rows across all GC-ed entities in one
// transaction: credentials past retention, exec sessions past their idle
// deadline, finished jobs past retention, and expired login sessions and
// oauth states.
func (s *Store) GCExpired(ctx context.Context, now time.Time, opts GCOptions) (GCResult, error) {
	if opts.CredentialRetention <= 0 {
		opts.CredentialRetention = 30 * 24 * time.Hour
	}
	if opts.JobRetention <= 0 {
		opts.JobRetention = 24 * time.Hour
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GCResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var result GCResult

	count := func(dest *int, query string, args ...any) error {
		res, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		n, affErr := res.RowsAffected()
		if affErr != nil {
			return affErr
		}
		*dest = int(n)
		return nil
	}

	// Jobs first: removing exec sessions would cascade into jobs and make
	// the per-entity counts ambiguous.
	if err := count(&result.Jobs,
		`DELETE FROM jobs WHERE status IN (?, ?)
		 AND MAX(COALESCE(finished_at, queued_at), queued_at) < ?`,
		JobCompleted, JobFailed, ts(now.Add(-opts.JobRetention))); err != nil {
		return GCResult{}, fmt.Errorf("collecting jobs: %w", err)
	}

	if err := count(&result.ExecSessions,
		`DELETE FROM exec_sessions WHERE idle_deadline < ?`, ts(now)); err != nil {
		return GCResult{}, fmt.Errorf("collecting exec sessions: %w", err)
	}

	if err := count(&result.Credentials,
		`DELETE FROM credentials WHERE expires_at < ?`,
		ts(now.Add(-opts.CredentialRetention))); err != nil {
		return GCResult{}, fmt.Errorf("collecting credentials: %w", err)
	}

	if err := count(&result.LoginSessions,
		`DELETE FROM login_sessions WHERE expires_at < ?`, ts(now)); err != nil {
		return GCResult{}, fmt.Errorf("collecting login sessions: %w", err)
	}

	if err := count(&result.OAuthStates,
		`DELETE FROM oauth_states WHERE expires_at < ?`, ts(now)); err != nil {
		return GCResult{}, fmt.Errorf("collecting oauth states: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return GCResult{}, fmt.Errorf("committing transaction: %w", err)
	}

	if total := result.Total(); total > 0 {
		logger.Infow("gc pass reclaimed expired rows",
			"credentials", result.Credentials,
			"exec_sessions", result.ExecSessions,
			"jobs", result.Jobs,
			"login_sessions", result.LoginSessions,
			"oauth_states", result.OAuthStates,
		)
	}
	return result, nil
}
