package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/callpilot-io/callpilot/internal/insight"
	"github.com/callpilot-io/callpilot/internal/store"
	"github.com/callpilot-io/callpilot/pkg/models"
)

// Poller is the pull-side reliability fallback: on a fixed cadence it asks
// the insight service about every in-flight job the webhook has not settled,
// and feeds terminal answers into the coordinator. Losing a poll cycle is
// harmless; each sweep is independent and idempotent.
type Poller struct {
	store     store.Store
	client    insight.Client
	coord     *Coordinator
	interval  time.Duration
	minAge    time.Duration
	batchSize int
}

// NewPoller creates a Poller. minAge keeps the sweep from hammering jobs the
// submitter touched moments ago.
func NewPoller(st store.Store, client insight.Client, coord *Coordinator, interval, minAge time.Duration, batchSize int) *Poller {
	return &Poller{
		store:     st,
		client:    client,
		coord:     coord,
		interval:  interval,
		minAge:    minAge,
		batchSize: batchSize,
	}
}

// Run sweeps until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.minAge)
	jobs, err := p.store.ListPollableJobs(ctx, cutoff, p.batchSize)
	if err != nil {
		slog.Error("list pollable jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		p.pollOne(ctx, job)
	}
}

func (p *Poller) pollOne(ctx context.Context, job *models.Job) {
	result, err := p.client.Status(ctx, *job.ExternalJobID)
	if errors.Is(err, insight.ErrJobNotFound) {
		// Unknown or expired upstream: permanent failure with a synthetic output.
		p.finish(ctx, job, Candidate{
			Status: models.JobStatusFailed,
			Output: json.RawMessage(`{"reason":"insight job not found"}`),
			Error:  "insight job not found or expired",
		})
		return
	}
	if err != nil {
		// Network-level poll failures have no budget of their own; the next
		// sweep simply tries again.
		slog.Warn("poll insight status", "job_id", job.ID, "error", err)
		return
	}

	if !result.Terminal() {
		return
	}

	cand := Candidate{Output: result.Output}
	switch result.Status {
	case insight.StatusSucceeded:
		cand.Status = models.JobStatusSucceeded
	default:
		cand.Status = models.JobStatusFailed
		cand.Error = result.Error
		if cand.Error == "" {
			cand.Error = "insight reported failure"
		}
	}
	p.finish(ctx, job, cand)
}

func (p *Poller) finish(ctx context.Context, job *models.Job, cand Candidate) {
	outcome, err := p.coord.Complete(ctx, job.ID, job.TenantID, cand)
	if err != nil {
		slog.Error("complete polled job", "job_id", job.ID, "error", err)
		return
	}
	slog.Info("poll completion", "job_id", job.ID, "status", cand.Status, "outcome", outcome)
}
