package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveJob inserts or replaces a job row. The session_id must reference an
// existing exec session; foreign keys reject orphan jobs at write time.
func (s *Store) SaveJob(ctx context.Context, job Job) error {
	var outputBlob []byte
	var err error
	if job.OutputRef != nil {
		if outputBlob, err = json.Marshal(job.OutputRef); err != nil {
			return fmt.Errorf("encoding output ref: %w", err)
		}
	}

	var exitCode any
	if job.ExitCode != nil {
		exitCode = *job.ExitCode
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (
			job_id, session_id, status, queued_at, started_at, finished_at,
			exit_code, timeout_flag, truncated_flag, output_ref
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.SessionID, job.Status, ts(job.QueuedAt),
		tsPtr(job.StartedAt), tsPtr(job.FinishedAt),
		exitCode, boolToInt(job.Timeout), boolToInt(job.Truncated), outputBlob,
	)
	if err != nil {
		return fmt.Errorf("saving job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, session_id, status, queued_at, started_at, finished_at,
		       exit_code, timeout_flag, truncated_flag, output_ref
		FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ListJobsForSession returns all jobs of an exec session, oldest first.
func (s *Store) ListJobsForSession(ctx context.Context, sessionID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, session_id, status, queued_at, started_at, finished_at,
		       exit_code, timeout_flag, truncated_flag, output_ref
		FROM jobs WHERE session_id = ? ORDER BY queued_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(sc scanner) (Job, error) {
	var (
		job                    Job
		queuedAt               string
		startedAt, finishedAt  sql.NullString
		exitCode               sql.NullInt64
		timeoutFlag, truncFlag int
		outputBlob             []byte
	)
	err := sc.Scan(&job.JobID, &job.SessionID, &job.Status, &queuedAt,
		&startedAt, &finishedAt, &exitCode, &timeoutFlag, &truncFlag, &outputBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("scanning job: %w", err)
	}

	if job.QueuedAt, err = parseTS(queuedAt); err != nil {
		return Job{}, err
	}
	if job.StartedAt, err = parseTSPtr(startedAt); err != nil {
		return Job{}, err
	}
	if job.FinishedAt, err = parseTSPtr(finishedAt); err != nil {
		return Job{}, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	job.Timeout = timeoutFlag != 0
	job.Truncated = truncFlag != 0
	if len(outputBlob) > 0 {
		job.OutputRef = &OutputRef{}
		if err := json.Unmarshal(outputBlob, job.OutputRef); err != nil {
			return Job{}, fmt.Errorf("decoding output ref: %w", err)
		}
	}
	return job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
