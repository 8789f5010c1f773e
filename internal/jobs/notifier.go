package jobs

import (
	"context"
	"log/slog"

	"github.com/callpilot-io/callpilot/pkg/models"
)

// Notifier receives the downstream side effect of an applied completion, e.g.
// updating CRM entities with the analysis result. The coordinator calls it at
// most once per job, after the terminal write commits.
type Notifier interface {
	JobCompleted(ctx context.Context, job *models.Job) error
}

// LogNotifier is the default Notifier; it only records the completion.
type LogNotifier struct{}

func (LogNotifier) JobCompleted(_ context.Context, job *models.Job) error {
	slog.Info("job completed",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"kind", job.Kind,
		"status", job.Status,
	)
	return nil
}
