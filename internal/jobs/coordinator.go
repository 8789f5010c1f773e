// Package jobs implements the analysis-job orchestration layer: idempotent
// submission to the insight service, reconciliation of webhook and polling
// completion signals, and bounded retry/timeout supervision.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/callpilot-io/callpilot/internal/cache"
	"github.com/callpilot-io/callpilot/internal/store"
	"github.com/callpilot-io/callpilot/pkg/models"
)

const jobStatusCacheTTL = 30 * time.Minute

// Outcome is the result of one completion attempt.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeSkippedTerminal  Outcome = "skipped_terminal"
	OutcomeLockBusy         Outcome = "lock_busy"
)

// Candidate is one proposed terminal state for a job, from either the webhook
// path or the polling path.
type Candidate struct {
	Status string
	Output json.RawMessage
	Error  string
}

// Coordinator is the single writer of terminal job state. Both the webhook
// handler and the poller funnel completions through Complete, which serializes
// writers with a per-job distributed lock and applies candidates idempotently.
type Coordinator struct {
	store    store.Store
	cache    cache.Cache
	notifier Notifier
	lockTTL  time.Duration
}

// NewCoordinator creates a Coordinator. notifier may be nil.
func NewCoordinator(st store.Store, ca cache.Cache, notifier Notifier, lockTTL time.Duration) *Coordinator {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Coordinator{
		store:    st,
		cache:    ca,
		notifier: notifier,
		lockTTL:  lockTTL,
	}
}

// Complete attempts to apply cand as the terminal state of the job. The lock
// is non-blocking: a losing caller gets OutcomeLockBusy and does nothing
// further, relying on the other path or a later poll cycle to finish the job.
// The lock covers only the local read-decide-write sequence, never network I/O.
func (c *Coordinator) Complete(ctx context.Context, jobID, tenantID uuid.UUID, cand Candidate) (Outcome, error) {
	lockKey := cache.JobLockKey(jobID)
	token := uuid.NewString()

	acquired, err := c.cache.AcquireLock(ctx, lockKey, token, c.lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire job lock: %w", err)
	}
	if !acquired {
		return OutcomeLockBusy, nil
	}
	defer func() {
		if err := c.cache.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			slog.Warn("release job lock", "job_id", jobID, "error", err)
		}
	}()

	job, err := c.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return "", fmt.Errorf("re-read job: %w", err)
	}

	candHash := HashOutput(cand.Output)
	outcome := decide(job.Status, job.OutputHash, candHash)
	if outcome != OutcomeApplied {
		return outcome, nil
	}

	var outputHash *string
	if cand.Status == models.JobStatusSucceeded {
		outputHash = &candHash
	}
	var lastError *string
	if cand.Error != "" {
		lastError = &cand.Error
	}

	applied, err := c.store.ApplyCompletion(ctx, jobID, cand.Status, cand.Output, outputHash, lastError)
	if err != nil {
		return "", fmt.Errorf("apply completion: %w", err)
	}
	if !applied {
		// Someone else committed between our read and write. The conditional
		// update keeps this correct even if the lock TTL expired mid-section.
		return OutcomeSkippedTerminal, nil
	}

	if err := c.cache.SetJobStatus(ctx, tenantID, jobID, cand.Status, jobStatusCacheTTL); err != nil {
		slog.Warn("cache job status", "job_id", jobID, "error", err)
	}

	job.Status = cand.Status
	job.OutputPayload = cand.Output
	job.OutputHash = outputHash
	job.LastError = lastError
	if err := c.notifier.JobCompleted(ctx, job); err != nil {
		slog.Error("downstream notification failed", "job_id", jobID, "error", err)
	}

	return OutcomeApplied, nil
}

// decide is the pure idempotent-apply rule: a terminal job accepts nothing, a
// candidate whose output matches the last applied hash is a duplicate,
// anything else wins. Factored out so the dedup logic is testable without a
// lock or a store.
func decide(currentStatus string, currentHash *string, candidateHash string) Outcome {
	if models.IsTerminal(currentStatus) {
		return OutcomeSkippedTerminal
	}
	if currentHash != nil && *currentHash == candidateHash {
		return OutcomeSkippedDuplicate
	}
	return OutcomeApplied
}

// HashOutput returns the content hash used to detect duplicate completions.
func HashOutput(output json.RawMessage) string {
	sum := sha256.Sum256(output)
	return hex.EncodeToString(sum[:])
}
