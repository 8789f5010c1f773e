package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/callpilot-io/callpilot/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	// CreateJob inserts a pending job. Returns ErrDuplicateKey if an active job
	// already exists for the same (tenant_id, subject_id, kind).
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	GetJobByExternalID(ctx context.Context, externalJobID string) (*models.Job, error)
	GetActiveJobByNaturalKey(ctx context.Context, tenantID uuid.UUID, subjectID, kind string) (*models.Job, error)

	// MarkJobRunning records the external job id returned at submission time.
	// Only a pending job can move to running; returns ErrNotFound otherwise.
	MarkJobRunning(ctx context.Context, id uuid.UUID, externalJobID string) error

	// MarkJobFailed records a non-retryable submission failure. Used by the
	// submitter before the job ever reaches the external service; completions of
	// running jobs go through ApplyCompletion instead.
	MarkJobFailed(ctx context.Context, id uuid.UUID, lastError string) error

	// ApplyCompletion writes the terminal state for a job in a single conditional
	// statement. It only succeeds while the job is still non-terminal; the bool
	// reports whether the write was applied. outputHash must be nil unless
	// status is succeeded.
	ApplyCompletion(ctx context.Context, id uuid.UUID, status string, output json.RawMessage, outputHash *string, lastError *string) (bool, error)

	// ResetJobForRetry moves a failed, timed-out, or still-unsubmitted pending
	// job back to pending, bumping retry_count, clearing any prior output, and
	// restarting the attempt clock so the new attempt gets the full lifetime.
	ResetJobForRetry(ctx context.Context, id uuid.UUID) error

	ListPollableJobs(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Job, error)
	ListRetryableJobs(ctx context.Context, maxRetries int, limit int) ([]*models.Job, error)

	// ListExpiredJobs returns active jobs whose current attempt started before
	// the cutoff.
	ListExpiredJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error)
	ListUnsubmittedJobs(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Job, error)

	CountJobsByStatus(ctx context.Context) (map[string]int, error)
}
