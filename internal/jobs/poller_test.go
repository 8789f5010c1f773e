package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callpilot-io/callpilot/internal/insight"
	"github.com/callpilot-io/callpilot/pkg/models"
)

func newTestPoller(st *fakeStore, client *fakeInsight, notifier Notifier) *Poller {
	coord := NewCoordinator(st, newFakeCache(), notifier, 10*time.Second)
	return NewPoller(st, client, coord, time.Minute, 0, 100)
}

func agedRunningJob(st *fakeStore) *models.Job {
	job := runningJob(uuid.New())
	job.UpdatedAt = time.Now().UTC().Add(-time.Minute)
	st.put(job)
	return job
}

func TestPoller_InFlightJobUntouched(t *testing.T) {
	st := newFakeStore()
	client := &fakeInsight{statusResult: &insight.StatusResult{Status: insight.StatusProcessing}}
	p := newTestPoller(st, client, nil)

	job := agedRunningJob(st)
	p.sweep(context.Background())

	assert.Equal(t, models.JobStatusRunning, st.get(job.ID).Status)
	assert.Equal(t, 1, client.statusCalls)
}

func TestPoller_DrivesJobToSuccessWithoutWebhook(t *testing.T) {
	st := newFakeStore()
	output := json.RawMessage(`{"booking_status":"booked"}`)
	client := &fakeInsight{statusResult: &insight.StatusResult{
		Status: insight.StatusSucceeded,
		Output: output,
	}}
	notifier := &recordNotifier{}
	p := newTestPoller(st, client, notifier)

	job := agedRunningJob(st)
	p.sweep(context.Background())

	stored := st.get(job.ID)
	assert.Equal(t, models.JobStatusSucceeded, stored.Status)
	assert.JSONEq(t, string(output), string(stored.OutputPayload))
	assert.Equal(t, 1, notifier.count())
}

func TestPoller_ReportsUpstreamFailure(t *testing.T) {
	st := newFakeStore()
	client := &fakeInsight{statusResult: &insight.StatusResult{
		Status: insight.StatusFailed,
		Error:  "audio unreadable",
	}}
	p := newTestPoller(st, client, nil)

	job := agedRunningJob(st)
	p.sweep(context.Background())

	stored := st.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "audio unreadable", *stored.LastError)
}

func TestPoller_UnknownExternalJobFailsPermanently(t *testing.T) {
	st := newFakeStore()
	client := &fakeInsight{statusErr: insight.ErrJobNotFound}
	p := newTestPoller(st, client, nil)

	job := agedRunningJob(st)
	p.sweep(context.Background())

	stored := st.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.OutputPayload, "not-found failures carry a synthetic output")
}

func TestPoller_NetworkErrorRetriedNextSweep(t *testing.T) {
	st := newFakeStore()
	client := &fakeInsight{statusErr: insight.ErrUnreachable}
	p := newTestPoller(st, client, nil)

	job := agedRunningJob(st)
	p.sweep(context.Background())
	assert.Equal(t, models.JobStatusRunning, st.get(job.ID).Status)

	// Service recovers; the next sweep finishes the job.
	client.mu.Lock()
	client.statusErr = nil
	client.statusResult = &insight.StatusResult{Status: insight.StatusSucceeded, Output: json.RawMessage(`{}`)}
	client.mu.Unlock()

	p.sweep(context.Background())
	assert.Equal(t, models.JobStatusSucceeded, st.get(job.ID).Status)
}

func TestPoller_SkipsRecentlyTouchedJobs(t *testing.T) {
	st := newFakeStore()
	client := &fakeInsight{statusResult: &insight.StatusResult{Status: insight.StatusSucceeded}}
	coord := NewCoordinator(st, newFakeCache(), nil, 10*time.Second)
	p := NewPoller(st, client, coord, time.Minute, 30*time.Second, 100)

	job := runningJob(uuid.New())
	st.put(job) // updated just now, inside min poll age

	p.sweep(context.Background())
	assert.Equal(t, 0, client.statusCalls)
	assert.Equal(t, models.JobStatusRunning, st.get(job.ID).Status)
}
