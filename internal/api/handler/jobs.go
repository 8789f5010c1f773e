package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/callpilot-io/callpilot/internal/api/middleware"
	"github.com/callpilot-io/callpilot/internal/api/response"
	"github.com/callpilot-io/callpilot/internal/store"
	"github.com/callpilot-io/callpilot/pkg/models"
)

// JobGetter defines the store interface the job read handlers depend on.
type JobGetter interface {
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
}

// StatusCache defines the cache interface the status handler depends on.
type StatusCache interface {
	GetJobStatus(ctx context.Context, tenantID, jobID uuid.UUID) (string, bool, error)
	SetJobStatus(ctx context.Context, tenantID, jobID uuid.UUID, status string, ttl time.Duration) error
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/analyses/{jobID}.
func NewGetJobHandler(st JobGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := middleware.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		job, err := st.GetJob(r.Context(), jobID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for
// GET /api/v1/analyses/{jobID}/status. Dashboards poll this frequently, so it
// answers from the tenant-scoped Redis status cache when possible and falls
// back to the store, re-warming the cache on a miss.
func NewJobStatusHandler(st JobGetter, ca StatusCache) http.HandlerFunc {
	type statusBody struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := middleware.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		if status, found, err := ca.GetJobStatus(r.Context(), tenantID, jobID); err == nil && found {
			response.JSON(w, statusBody{ID: jobID, Status: status})
			return
		}

		job, err := st.GetJob(r.Context(), jobID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job status", nil)
			return
		}

		_ = ca.SetJobStatus(r.Context(), tenantID, jobID, job.Status, 5*time.Minute)

		response.JSON(w, statusBody{ID: job.ID, Status: job.Status})
	}
}
