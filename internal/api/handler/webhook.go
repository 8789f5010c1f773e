package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/callpilot-io/callpilot/internal/api/response"
	"github.com/callpilot-io/callpilot/internal/jobs"
	"github.com/callpilot-io/callpilot/internal/store"
	"github.com/callpilot-io/callpilot/internal/webhook"
	"github.com/callpilot-io/callpilot/pkg/models"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Completer defines the coordinator interface the webhook handler depends on.
type Completer interface {
	Complete(ctx context.Context, jobID, tenantID uuid.UUID, cand jobs.Candidate) (jobs.Outcome, error)
}

// JobSource resolves jobs by the id the insight service knows them under.
type JobSource interface {
	GetJobByExternalID(ctx context.Context, externalJobID string) (*models.Job, error)
}

// WebhookHandler processes completion notifications pushed by the insight
// service. Deliveries are at-least-once and unordered relative to the poller;
// the coordinator makes redeliveries harmless.
type WebhookHandler struct {
	verifier *webhook.Verifier
	jobs     JobSource
	coord    Completer
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(verifier *webhook.Verifier, src JobSource, coord Completer) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, jobs: src, coord: coord}
}

// Handle verifies the signature before touching the store, then funnels the
// candidate completion through the coordinator.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read body", nil)
		return
	}

	sig := r.Header.Get(webhook.SignatureHeader)
	ts := r.Header.Get(webhook.TimestampHeader)
	if !h.verifier.Verify(body, sig, ts) {
		slog.Warn("rejected webhook with invalid signature", "remote_addr", r.RemoteAddr)
		response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Signature verification failed", nil)
		return
	}

	var payload struct {
		ExternalJobID string          `json:"external_job_id"`
		Status        string          `json:"status"`
		Output        json.RawMessage `json:"output"`
		Error         string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if payload.ExternalJobID == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "external_job_id is required", nil)
		return
	}

	var candStatus string
	switch payload.Status {
	case "succeeded":
		candStatus = models.JobStatusSucceeded
	case "failed":
		candStatus = models.JobStatusFailed
	default:
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Status must be succeeded or failed", nil)
		return
	}

	job, err := h.jobs.GetJobByExternalID(r.Context(), payload.ExternalJobID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown external job id", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		return
	}

	cand := jobs.Candidate{Status: candStatus, Output: payload.Output, Error: payload.Error}
	outcome, err := h.coord.Complete(r.Context(), job.ID, job.TenantID, cand)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to apply completion", nil)
		return
	}

	slog.Info("webhook completion",
		"job_id", job.ID,
		"status", candStatus,
		"outcome", outcome,
	)
	response.JSON(w, map[string]any{"outcome": outcome})
}
