package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/queue"
)

func newSchedulerFixture(t *testing.T) (*Scheduler, *orchestratorFixture) {
	f := newOrchestratorFixture(t)
	sched := NewScheduler(f.workflows, f.orchestrator, nil, SchedulerConfig{
		Interval:   time.Hour, // reconcile is driven manually in tests
		StaleAfter: 30 * time.Minute,
	}, zaptest.NewLogger(t))
	return sched, f
}

func scheduledWorkflow(t *testing.T, f *orchestratorFixture, cronExpr string) *models.Workflow {
	cfg, err := json.Marshal(dsl.WorkflowConfig{Steps: []dsl.Step{
		{
			From: dsl.FromDef{
				Type:   dsl.FromFormat,
				Source: dsl.SourceURI,
				URI:    "https://example.com/rows",
				Format: dsl.FormatJSON,
			},
			To: dsl.ToDef{
				Type:   dsl.ToFormat,
				Mode:   dsl.OutputAPI,
				Format: dsl.FormatJSON,
			},
		},
	}})
	require.NoError(t, err)

	wf := &models.Workflow{
		UserID:       1,
		Name:         "scheduled",
		Status:       models.WorkflowStatusEnabled,
		Config:       cfg,
		CronSchedule: cronExpr,
	}
	require.NoError(t, f.workflows.Create(context.Background(), wf))
	return wf
}

func TestValidateSchedule(t *testing.T) {
	sched, _ := newSchedulerFixture(t)

	assert.NoError(t, sched.ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, sched.ValidateSchedule("0 3 * * 1"))
	assert.NoError(t, sched.ValidateSchedule("@hourly"))
	assert.Error(t, sched.ValidateSchedule("not a cron"))
	assert.Error(t, sched.ValidateSchedule("* * * * * *"))
}

func TestReconcileEnqueuesDueWorkflow(t *testing.T) {
	sched, f := newSchedulerFixture(t)

	wf := scheduledWorkflow(t, f, "* * * * *")
	// Backdate creation so at least one minute boundary has passed.
	wf.CreatedAt = time.Now().Add(-2 * time.Minute)
	require.NoError(t, f.workflows.Update(context.Background(), wf))

	sched.reconcile(context.Background())

	n, err := f.transport.Len(context.Background(), queue.QueueFetch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := f.workflows.GetByID(context.Background(), wf.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastScheduledAt)

	runs, err := f.runs.GetByWorkflowID(context.Background(), wf.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "schedule", runs[0].TriggeredBy)
}

func TestReconcileSkipsNotYetDueWorkflow(t *testing.T) {
	sched, f := newSchedulerFixture(t)

	wf := scheduledWorkflow(t, f, "* * * * *")
	now := time.Now()
	wf.LastScheduledAt = &now
	require.NoError(t, f.workflows.Update(context.Background(), wf))

	sched.reconcile(context.Background())

	n, err := f.transport.Len(context.Background(), queue.QueueFetch)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileDoesNotReplayMissedRuns(t *testing.T) {
	sched, f := newSchedulerFixture(t)

	// Hours behind schedule; exactly one run is enqueued per reconcile,
	// not one per missed activation.
	wf := scheduledWorkflow(t, f, "* * * * *")
	wf.CreatedAt = time.Now().Add(-3 * time.Hour)
	require.NoError(t, f.workflows.Update(context.Background(), wf))

	sched.reconcile(context.Background())

	n, err := f.transport.Len(context.Background(), queue.QueueFetch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReconcileIgnoresBadSchedule(t *testing.T) {
	sched, f := newSchedulerFixture(t)

	wf := scheduledWorkflow(t, f, "every day at noon")
	wf.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.workflows.Update(context.Background(), wf))

	sched.reconcile(context.Background())

	n, err := f.transport.Len(context.Background(), queue.QueueFetch)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileSweepsStaleRuns(t *testing.T) {
	sched, f := newSchedulerFixture(t)
	ctx := context.Background()

	run := &models.WorkflowRun{
		RunID:      "abandoned",
		WorkflowID: 99,
		Status:     models.RunStatusFetching,
		QueuedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.runs.Create(ctx, run))

	sched.reconcile(ctx)

	final, err := f.runs.GetByRunID(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, final.Status)
}

func TestSchedulerStartStop(t *testing.T) {
	sched, _ := newSchedulerFixture(t)

	sched.Start(context.Background())

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
