package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/callpilot-io/callpilot/internal/api/middleware"
	"github.com/callpilot-io/callpilot/internal/api/response"
	"github.com/callpilot-io/callpilot/internal/jobs"
	"github.com/callpilot-io/callpilot/pkg/models"
)

const maxSubmitBody = 1 << 20 // 1 MiB

// Submitter defines the interface the submit handler depends on.
type Submitter interface {
	Submit(ctx context.Context, p jobs.SubmitParams) (*models.Job, error)
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/analyses.
// Submission is idempotent: resubmitting while a job for the same subject and
// kind is still active returns that job.
func NewSubmitHandler(sub Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := middleware.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			SubjectID    string          `json:"subject_id"`
			Kind         string          `json:"kind"`
			InputPayload json.RawMessage `json:"input_payload"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := sub.Submit(r.Context(), jobs.SubmitParams{
			TenantID:     tenantID,
			SubjectID:    req.SubjectID,
			Kind:         req.Kind,
			InputPayload: req.InputPayload,
		})
		if err != nil {
			if errors.Is(err, jobs.ErrInvalidSubmission) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit analysis", nil)
			return
		}

		response.Accepted(w, job)
	}
}
