package jobs

// Shared in-memory fakes for the orchestration tests. The fake store mirrors
// the conditional-update semantics of the Postgres store closely enough to
// exercise the coordinator's race handling.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callpilot-io/callpilot/internal/insight"
	"github.com/callpilot-io/callpilot/internal/store"
	"github.com/callpilot-io/callpilot/pkg/models"
)

// --- fake store ---

type fakeStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job

	markRunningErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *fakeStore) put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
}

func (s *fakeStore) get(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJob(s.jobs[id])
}

func cloneJob(j *models.Job) *models.Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

func (s *fakeStore) Ping(_ context.Context) error { return nil }

func (s *fakeStore) GetDefaultTenant(_ context.Context) (*models.Tenant, error) {
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}

func (s *fakeStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *fakeStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error { return nil }

func (s *fakeStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.TenantID == job.TenantID && existing.SubjectID == job.SubjectID &&
			existing.Kind == job.Kind && !models.IsTerminal(existing.Status) {
			return store.ErrDuplicateKey
		}
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *fakeStore) GetJobByExternalID(_ context.Context, externalJobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ExternalJobID != nil && *j.ExternalJobID == externalJobID {
			return cloneJob(j), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetActiveJobByNaturalKey(_ context.Context, tenantID uuid.UUID, subjectID, kind string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.SubjectID == subjectID && j.Kind == kind && !models.IsTerminal(j.Status) {
			return cloneJob(j), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) MarkJobRunning(_ context.Context, id uuid.UUID, externalJobID string) error {
	if s.markRunningErr != nil {
		return s.markRunningErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusPending {
		return store.ErrNotFound
	}
	j.Status = models.JobStatusRunning
	j.ExternalJobID = &externalJobID
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) MarkJobFailed(_ context.Context, id uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || models.IsTerminal(j.Status) {
		return store.ErrNotFound
	}
	j.Status = models.JobStatusFailed
	j.LastError = &lastError
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) ApplyCompletion(_ context.Context, id uuid.UUID, status string, output json.RawMessage, outputHash *string, lastError *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if models.IsTerminal(j.Status) {
		return false, nil
	}
	j.Status = status
	j.OutputPayload = output
	j.OutputHash = outputHash
	j.LastError = lastError
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *fakeStore) ResetJobForRetry(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	retryable := j.Status == models.JobStatusFailed || j.Status == models.JobStatusTimeout ||
		(j.Status == models.JobStatusPending && j.ExternalJobID == nil)
	if !retryable {
		return store.ErrNotFound
	}
	j.Status = models.JobStatusPending
	j.RetryCount++
	j.ExternalJobID = nil
	j.OutputPayload = nil
	j.OutputHash = nil
	j.AttemptStartedAt = time.Now().UTC()
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) ListPollableJobs(_ context.Context, updatedBefore time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if !models.IsTerminal(j.Status) && j.ExternalJobID != nil && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneJob(j))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ListRetryableJobs(_ context.Context, maxRetries int, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if (j.Status == models.JobStatusFailed || j.Status == models.JobStatusTimeout) && j.RetryCount < maxRetries {
			out = append(out, cloneJob(j))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ListExpiredJobs(_ context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if !models.IsTerminal(j.Status) && j.AttemptStartedAt.Before(startedBefore) {
			out = append(out, cloneJob(j))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ListUnsubmittedJobs(_ context.Context, updatedBefore time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending && j.ExternalJobID == nil && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneJob(j))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) CountJobsByStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// --- fake cache with in-memory lock ---

type fakeCache struct {
	mu       sync.Mutex
	locks    map[string]string
	statuses map[string]string
	data     map[string][]byte

	lockBusy   bool // force AcquireLock to report contention
	acquireErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		locks:    make(map[string]string),
		statuses: make(map[string]string),
		data:     make(map[string][]byte),
	}
}

func (c *fakeCache) Ping(_ context.Context) error { return nil }

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *fakeCache) SetJobStatus(_ context.Context, tenantID, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[tenantID.String()+":"+jobID.String()] = status
	return nil
}

func (c *fakeCache) GetJobStatus(_ context.Context, tenantID, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.statuses[tenantID.String()+":"+jobID.String()]
	return v, ok, nil
}

func (c *fakeCache) AcquireLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	if c.acquireErr != nil {
		return false, c.acquireErr
	}
	if c.lockBusy {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.locks[key]; held {
		return false, nil
	}
	c.locks[key] = token
	return true, nil
}

func (c *fakeCache) ReleaseLock(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] == token {
		delete(c.locks, key)
	}
	return nil
}

// --- fake insight client ---

type fakeInsight struct {
	mu          sync.Mutex
	submitCalls int
	statusCalls int

	submitErr    error
	statusErr    error
	statusResult *insight.StatusResult
}

func (f *fakeInsight) Submit(_ context.Context, _ insight.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return fmt.Sprintf("ext-%d", f.submitCalls), nil
}

func (f *fakeInsight) Status(_ context.Context, _ string) (*insight.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statusResult, nil
}

func (f *fakeInsight) Ready(_ context.Context) error { return nil }

func (f *fakeInsight) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

// --- recording notifier ---

type recordNotifier struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (n *recordNotifier) JobCompleted(_ context.Context, job *models.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, job.ID)
	return nil
}

func (n *recordNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
