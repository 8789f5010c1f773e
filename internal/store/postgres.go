package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callpilot-io/callpilot/pkg/models"
)

const jobColumns = `id, tenant_id, subject_id, kind, external_job_id, status,
	input_payload, output_payload, output_hash, retry_count, last_error, attempt_started_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, subject_id, kind, status, input_payload, retry_count, attempt_started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.TenantID, job.SubjectID, job.Kind, job.Status, job.InputPayload,
		job.RetryCount, job.AttemptStartedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanJob(row, "get job")
}

func (s *PostgresStore) GetJobByExternalID(ctx context.Context, externalJobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE external_job_id = $1`, externalJobID)
	return scanJob(row, "get job by external id")
}

func (s *PostgresStore) GetActiveJobByNaturalKey(ctx context.Context, tenantID uuid.UUID, subjectID, kind string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE tenant_id = $1 AND subject_id = $2 AND kind = $3 AND status IN ('pending', 'running')`,
		tenantID, subjectID, kind)
	return scanJob(row, "get active job by natural key")
}

func (s *PostgresStore) MarkJobRunning(ctx context.Context, id uuid.UUID, externalJobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'running', external_job_id = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, id, externalJobID)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`, id, lastError)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyCompletion is the single terminal write for completions. The status
// guard makes the write a no-op once another writer has won.
func (s *PostgresStore) ApplyCompletion(ctx context.Context, id uuid.UUID, status string, output json.RawMessage, outputHash *string, lastError *string) (bool, error) {
	if !models.IsTerminal(status) {
		return false, fmt.Errorf("apply completion: status %q is not terminal", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, output_payload = $3, output_hash = $4, last_error = $5, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, status, output, outputHash, lastError)
	if err != nil {
		return false, fmt.Errorf("apply completion: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ResetJobForRetry(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
		        external_job_id = NULL, output_payload = NULL, output_hash = NULL,
		        attempt_started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND (status IN ('failed', 'timeout') OR (status = 'pending' AND external_job_id IS NULL))`,
		id)
	if err != nil {
		return fmt.Errorf("reset job for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPollableJobs(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('pending', 'running') AND external_job_id IS NOT NULL AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list pollable jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ListRetryableJobs(ctx context.Context, maxRetries int, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('failed', 'timeout') AND retry_count < $1
		 ORDER BY updated_at ASC LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ListExpiredJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('pending', 'running') AND attempt_started_at < $1
		 ORDER BY attempt_started_at ASC LIMIT $2`, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ListUnsubmittedJobs(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND external_job_id IS NULL AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsubmitted jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, op string) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.SubjectID, &j.Kind, &j.ExternalJobID, &j.Status,
		&j.InputPayload, &j.OutputPayload, &j.OutputHash, &j.RetryCount, &j.LastError,
		&j.AttemptStartedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows, "scan job")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
