package sessions

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// timeoutExitCode mirrors the shell convention for a command killed by a
// wall-clock timeout.
const timeoutExitCode = 124

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	Timeout    bool   `json:"timeout"`
	Truncated  bool   `json:"truncated"`
	DurationMS int64  `json:"duration_ms"`
}

// ExecuteCommand runs tool with args inside the session's container,
// bounded by the session's max-run policy. The session idle deadline slides
// on every call.
func (r *Runtime) ExecuteCommand(ctx context.Context, sessionID, tool string, args []string) (ExecResult, error) {
	sess, err := r.store.GetExecSession(ctx, sessionID)
	if err != nil {
		return ExecResult{}, err
	}
	result, err := r.runCommand(ctx, sess, tool, args)
	if err != nil {
		return ExecResult{}, err
	}
	r.touchSession(ctx, sess)
	return result, nil
}

// ExecuteCommandAsync queues a job for the command and returns immediately.
// The background task drives the same run path as the sync mode and writes
// the outcome back onto the job row.
func (r *Runtime) ExecuteCommandAsync(ctx context.Context, sessionID, tool string, args []string) (state.Job, error) {
	sess, err := r.store.GetExecSession(ctx, sessionID)
	if err != nil {
		return state.Job{}, err
	}

	job := state.Job{
		JobID:     uuid.NewString(),
		SessionID: sessionID,
		Status:    state.JobQueued,
		QueuedAt:  r.now().UTC(),
	}
	if err := r.store.SaveJob(ctx, job); err != nil {
		return state.Job{}, errors.NewInternalError("persisting job", err)
	}

	go r.runJob(job, sess, tool, args)

	r.touchSession(ctx, sess)
	return job, nil
}

// runJob executes a queued job in the background. It is detached from the
// request context: the job outlives the request that spawned it.
func (r *Runtime) runJob(job state.Job, sess state.ExecSession, tool string, args []string) {
	ctx := context.Background()

	startedAt := r.now().UTC()
	job.Status = state.JobRunning
	job.StartedAt = &startedAt
	if err := r.store.SaveJob(ctx, job); err != nil {
		logger.Errorw("marking job running", "job_id", job.JobID, "error", err)
	}

	result, err := r.runCommand(ctx, sess, tool, args)

	finishedAt := r.now().UTC()
	job.FinishedAt = &finishedAt
	if err != nil {
		failureExit := -1
		job.Status = state.JobFailed
		job.ExitCode = &failureExit
		job.OutputRef = &state.OutputRef{Kind: "error", Output: err.Error()}
	} else {
		job.Status = state.JobCompleted
		job.ExitCode = &result.ExitCode
		job.Timeout = result.Timeout
		job.Truncated = result.Truncated
		job.OutputRef = &state.OutputRef{Kind: "inline", Output: result.Output}
	}

	if err := r.store.SaveJob(ctx, job); err != nil {
		logger.Errorw("writing job outcome", "job_id", job.JobID, "error", err)
	}
}

// GetJobStatus returns a snapshot of the job. A job seen running is re-read
// once so a completion racing with the first read is not missed.
func (r *Runtime) GetJobStatus(ctx context.Context, jobID string) (state.Job, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return state.Job{}, err
	}
	if job.Status == state.JobRunning {
		if fresh, err := r.store.GetJob(ctx, jobID); err == nil {
			job = fresh
		}
	}
	return job, nil
}

// runCommand execs ["mcp-exec", tool, args...] inside the session's
// container under the session's wall-clock budget, then decodes and caps
// the combined output.
func (r *Runtime) runCommand(ctx context.Context, sess state.ExecSession, tool string, args []string) (ExecResult, error) {
	containerID, ok := containerIDFromEndpoint(sess.GatewayEndpoint)
	if !ok {
		return ExecResult{}, errors.NewValidationError(
			"session " + sess.SessionID + " has no container endpoint")
	}

	argv := append([]string{"mcp-exec", tool}, args...)
	budget := time.Duration(sess.Config.MaxRunSeconds) * time.Second

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := r.now()
	exitCode, raw, err := r.containers.Exec(runCtx, containerID, argv)
	duration := r.now().Sub(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			ExitCode:   timeoutExitCode,
			Timeout:    true,
			DurationMS: duration.Milliseconds(),
		}, nil
	}
	if err != nil {
		return ExecResult{}, err
	}

	output, truncated := capOutput(raw, sess.Config.OutputBytesLimit)
	return ExecResult{
		ExitCode:   exitCode,
		Output:     output,
		Truncated:  truncated,
		DurationMS: duration.Milliseconds(),
	}, nil
}

// capOutput decodes bytes with lossy UTF-8, then truncates the repaired
// string to the byte limit. Repair happens first so replacement runes
// count against the limit; the cut backs up to a rune boundary.
func capOutput(raw []byte, limit int) (string, bool) {
	repaired := strings.ToValidUTF8(string(raw), "�")
	if limit <= 0 || len(repaired) <= limit {
		return repaired, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(repaired[cut]) {
		cut--
	}
	return repaired[:cut], true
}
