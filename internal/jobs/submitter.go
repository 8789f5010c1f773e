package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/callpilot-io/callpilot/internal/cache"
	"github.com/callpilot-io/callpilot/internal/insight"
	"github.com/callpilot-io/callpilot/internal/store"
	"github.com/callpilot-io/callpilot/pkg/models"
)

// ErrInvalidSubmission marks malformed submit input. The only error class a
// caller of Submit ever sees besides storage failures.
var ErrInvalidSubmission = errors.New("invalid submission")

// kindCategories maps every accepted job kind to the analysis category the
// insight service expects. Unknown kinds are rejected at validation time.
var kindCategories = map[string]string{
	models.JobKindCSRCall:   "service_call",
	models.JobKindSalesCall: "sales_call",
	models.JobKindVisit:     "site_visit",
}

// SubmitParams holds validated parameters for an analysis submission.
type SubmitParams struct {
	TenantID     uuid.UUID
	SubjectID    string
	Kind         string
	InputPayload json.RawMessage
}

// Submitter accepts analysis requests, deduplicates them against in-flight
// jobs, and issues the outbound submission call to the insight service.
type Submitter struct {
	store  store.Store
	cache  cache.Cache
	client insight.Client
}

// NewSubmitter creates a Submitter.
func NewSubmitter(st store.Store, ca cache.Cache, client insight.Client) *Submitter {
	return &Submitter{store: st, cache: ca, client: client}
}

// Submit is idempotent on the (tenant, subject, kind) natural key: while an
// active job exists, callers get that job back with no second outbound call.
// The returned job is pending if the outbound call failed transiently (the
// supervisor re-attempts it), running once the insight service acknowledged,
// or failed if the service rejected the request outright.
func (s *Submitter) Submit(ctx context.Context, p SubmitParams) (*models.Job, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	existing, err := s.store.GetActiveJobByNaturalKey(ctx, p.TenantID, p.SubjectID, p.Kind)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up active job: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:               uuid.New(),
		TenantID:         p.TenantID,
		SubjectID:        p.SubjectID,
		Kind:             p.Kind,
		Status:           models.JobStatusPending,
		InputPayload:     p.InputPayload,
		AttemptStartedAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a concurrent-submission race; the winner's job is the job.
			winner, lookupErr := s.store.GetActiveJobByNaturalKey(ctx, p.TenantID, p.SubjectID, p.Kind)
			if lookupErr != nil {
				return nil, fmt.Errorf("look up winning job: %w", lookupErr)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.cacheStatus(ctx, job)

	s.Dispatch(ctx, job)

	return job, nil
}

// Dispatch performs the outbound submission call for a pending job and
// records the result. Transient failures leave the job pending for the
// supervisor to re-attempt; rejections fail the job immediately. Dispatch
// mutates job to reflect the stored state. Also the supervisor's re-attempt
// path for retried jobs.
func (s *Submitter) Dispatch(ctx context.Context, job *models.Job) {
	externalID, err := s.client.Submit(ctx, insight.SubmitRequest{
		TenantID:     job.TenantID,
		SubjectID:    job.SubjectID,
		Kind:         kindCategories[job.Kind],
		InputPayload: job.InputPayload,
	})
	if err != nil {
		if insight.IsTransient(err) {
			slog.Warn("insight submission failed, leaving job pending",
				"job_id", job.ID, "error", err)
			// On a retry the cache may still hold the attempt's old terminal
			// status; the job is pending again.
			s.cacheStatus(ctx, job)
			return
		}
		slog.Error("insight rejected submission", "job_id", job.ID, "error", err)
		if markErr := s.store.MarkJobFailed(ctx, job.ID, err.Error()); markErr != nil {
			slog.Error("mark job failed", "job_id", job.ID, "error", markErr)
			return
		}
		job.Status = models.JobStatusFailed
		msg := err.Error()
		job.LastError = &msg
		s.cacheStatus(ctx, job)
		return
	}

	if err := s.store.MarkJobRunning(ctx, job.ID, externalID); err != nil {
		// The job may have been timed out or retried underneath us; the next
		// supervisor sweep reconciles it.
		slog.Error("mark job running", "job_id", job.ID, "error", err)
		return
	}
	job.Status = models.JobStatusRunning
	job.ExternalJobID = &externalID
	s.cacheStatus(ctx, job)
}

func (s *Submitter) cacheStatus(ctx context.Context, job *models.Job) {
	if err := s.cache.SetJobStatus(ctx, job.TenantID, job.ID, job.Status, jobStatusCacheTTL); err != nil {
		slog.Warn("cache job status", "job_id", job.ID, "error", err)
	}
}

func validate(p SubmitParams) error {
	if p.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidSubmission)
	}
	if p.SubjectID == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidSubmission)
	}
	if _, ok := kindCategories[p.Kind]; !ok {
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidSubmission, p.Kind)
	}

	var input struct {
		RecordingURL string `json:"recording_url"`
	}
	if err := json.Unmarshal(p.InputPayload, &input); err != nil {
		return fmt.Errorf("%w: input_payload is not valid JSON", ErrInvalidSubmission)
	}
	if !strings.HasPrefix(input.RecordingURL, "http://") && !strings.HasPrefix(input.RecordingURL, "https://") {
		return fmt.Errorf("%w: input_payload.recording_url must be an http(s) URL", ErrInvalidSubmission)
	}
	return nil
}
