// Package models contains shared data models used across the CallPilot codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusTimeout   = "timeout"
)

// Job kinds accepted by the submit API. The insight service rejects anything else.
const (
	JobKindCSRCall   = "csr_call"
	JobKindSalesCall = "sales_call"
	JobKindVisit     = "visit"
)

// IsTerminal reports whether a job status admits no further completion.
// Terminal jobs may still re-enter pending through the bounded retry cycle.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimeout:
		return true
	}
	return false
}

// Job tracks one analysis request delegated to the insight service. At most one
// active (pending/running) job exists per (tenant_id, subject_id, kind); the
// database enforces this with a partial unique index.
type Job struct {
	ID            uuid.UUID       `db:"id"              json:"id"`
	TenantID      uuid.UUID       `db:"tenant_id"       json:"tenant_id"`
	SubjectID     string          `db:"subject_id"      json:"subject_id"`
	Kind          string          `db:"kind"            json:"kind"`
	ExternalJobID *string         `db:"external_job_id" json:"external_job_id,omitempty"`
	Status        string          `db:"status"          json:"status"`
	InputPayload  json.RawMessage `db:"input_payload"   json:"input_payload,omitempty"`
	OutputPayload json.RawMessage `db:"output_payload"  json:"output_payload,omitempty"`
	OutputHash    *string         `db:"output_hash"     json:"output_hash,omitempty"`
	RetryCount    int             `db:"retry_count"     json:"retry_count"`
	LastError     *string         `db:"last_error"      json:"last_error,omitempty"`
	// AttemptStartedAt marks the start of the current attempt. A retry resets
	// it, so the lifetime limit applies per attempt, not per job.
	AttemptStartedAt time.Time `db:"attempt_started_at" json:"attempt_started_at"`
	CreatedAt        time.Time `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"         json:"updated_at"`
}
