package jobs

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/callpilot-io/callpilot/internal/config"
	"github.com/callpilot-io/callpilot/internal/store"
	"github.com/callpilot-io/callpilot/pkg/models"
)

// Supervisor enforces the bounded retry and maximum-lifetime policies. It
// times out jobs that outlived max_job_lifetime through the same locked
// coordinator path completions use, re-dispatches retryable failures with
// exponential backoff, and re-attempts submissions that never left pending.
type Supervisor struct {
	store     store.Store
	coord     *Coordinator
	submitter *Submitter
	cfg       config.JobsConfig
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(st store.Store, coord *Coordinator, submitter *Submitter, cfg config.JobsConfig) *Supervisor {
	return &Supervisor{store: st, coord: coord, submitter: submitter, cfg: cfg}
}

// Run sweeps until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("supervisor started",
		"max_retries", s.cfg.MaxRetries,
		"max_job_lifetime", s.cfg.MaxJobLifetime,
	)
	for {
		select {
		case <-ctx.Done():
			slog.Info("supervisor stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one supervision pass. Exported so tests can drive it directly.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.timeoutExpired(ctx)
	s.retryFailed(ctx)
	s.redispatchUnsubmitted(ctx)
}

// timeoutExpired forces jobs whose current attempt outlived max_job_lifetime
// to the timeout state. The clock runs per attempt: a retried job gets the
// full lifetime again. Going through the coordinator means a genuine webhook
// racing this sweep loses cleanly: whichever commits first wins, the other
// sees skipped_terminal.
func (s *Supervisor) timeoutExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.MaxJobLifetime)
	expired, err := s.store.ListExpiredJobs(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		slog.Error("list expired jobs", "error", err)
		return
	}

	for _, job := range expired {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.coord.Complete(ctx, job.ID, job.TenantID, Candidate{
			Status: models.JobStatusTimeout,
			Error:  "job exceeded max lifetime",
		})
		if err != nil {
			slog.Error("timeout job", "job_id", job.ID, "error", err)
			continue
		}
		slog.Info("job timed out", "job_id", job.ID, "attempt_age", time.Since(job.AttemptStartedAt), "outcome", outcome)
	}
}

// retryFailed resets failed/timeout jobs whose backoff has elapsed and
// re-runs the outbound submission for them.
func (s *Supervisor) retryFailed(ctx context.Context) {
	retryable, err := s.store.ListRetryableJobs(ctx, s.cfg.MaxRetries, s.cfg.SweepBatchSize)
	if err != nil {
		slog.Error("list retryable jobs", "error", err)
		return
	}

	for _, job := range retryable {
		if ctx.Err() != nil {
			return
		}
		if !s.backoffElapsed(job) {
			continue
		}
		s.redispatch(ctx, job)
	}
}

// redispatchUnsubmitted re-attempts pending jobs whose outbound call never
// succeeded. Once their retry budget is gone they are failed permanently.
func (s *Supervisor) redispatchUnsubmitted(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.RetryBaseDelay)
	stalled, err := s.store.ListUnsubmittedJobs(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		slog.Error("list unsubmitted jobs", "error", err)
		return
	}

	for _, job := range stalled {
		if ctx.Err() != nil {
			return
		}
		if job.RetryCount >= s.cfg.MaxRetries {
			if err := s.store.MarkJobFailed(ctx, job.ID, "submission retries exhausted"); err != nil {
				slog.Error("mark job failed", "job_id", job.ID, "error", err)
				continue
			}
			slog.Warn("job retries exhausted", "job_id", job.ID, "retry_count", job.RetryCount)
			continue
		}
		if !s.backoffElapsed(job) {
			continue
		}
		s.redispatch(ctx, job)
	}
}

func (s *Supervisor) redispatch(ctx context.Context, job *models.Job) {
	if err := s.store.ResetJobForRetry(ctx, job.ID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("reset job for retry", "job_id", job.ID, "error", err)
		}
		return
	}

	fresh, err := s.store.GetJob(ctx, job.ID, job.TenantID)
	if err != nil {
		slog.Error("reload job after reset", "job_id", job.ID, "error", err)
		return
	}

	slog.Info("retrying job", "job_id", fresh.ID, "retry_count", fresh.RetryCount)
	s.submitter.Dispatch(ctx, fresh)
}

// backoffElapsed applies exponential backoff with jitter measured from the
// job's last state change: base * 2^retry_count * random(0.5, 1.5), capped.
func (s *Supervisor) backoffElapsed(job *models.Job) bool {
	delay := s.cfg.RetryBaseDelay << uint(job.RetryCount)
	if delay > s.cfg.RetryMaxDelay || delay <= 0 {
		delay = s.cfg.RetryMaxDelay
	}
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
	return time.Since(job.UpdatedAt) >= jittered
}
