package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/adapters"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/queue"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/repositories"
	"github.com/Reg-Kris/pyairtable-workflow-service/pkg/metrics"
)

// Orchestrator owns the WorkflowRun and StagedItem lifecycle: it turns an
// enqueued run into a fetch stage, stages the fetched records, and drives
// the process stage over each staged batch. The step executor stays
// stateless; every mutation of shared run state goes through a single
// atomic repository update.
type Orchestrator struct {
	repos     *repositories.Repositories
	executor  *Executor
	entities  adapters.EntityStore
	formats   adapters.FormatClient
	transport queue.Transport
	metrics   *metrics.Registry
	logger    *zap.Logger

	defaultTimeout   time.Duration
	batchParallelism int
}

// OrchestratorConfig bounds the orchestrator's resource usage.
type OrchestratorConfig struct {
	DefaultTimeout   time.Duration
	BatchParallelism int
}

// NewOrchestrator creates a run orchestrator.
func NewOrchestrator(
	repos *repositories.Repositories,
	entities adapters.EntityStore,
	formats adapters.FormatClient,
	transport queue.Transport,
	reg *metrics.Registry,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.BatchParallelism <= 0 {
		cfg.BatchParallelism = 4
	}
	return &Orchestrator{
		repos:            repos,
		executor:         NewExecutor(logger),
		entities:         entities,
		formats:          formats,
		transport:        transport,
		metrics:          reg,
		logger:           logger,
		defaultTimeout:   cfg.DefaultTimeout,
		batchParallelism: cfg.BatchParallelism,
	}
}

// CreateRun records a new queued run for a workflow. The caller may stash
// an inbound payload against the returned run ID before enqueueing.
func (o *Orchestrator) CreateRun(ctx context.Context, workflow *models.Workflow, triggeredBy string) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{
		RunID:       uuid.NewString(),
		WorkflowID:  workflow.ID,
		Status:      models.RunStatusQueued,
		TriggeredBy: triggeredBy,
		QueuedAt:    time.Now(),
	}
	if err := o.repos.Run.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// EnqueueFetch pushes the fetch job for a queued run.
func (o *Orchestrator) EnqueueFetch(ctx context.Context, run *models.WorkflowRun, hasPayload bool) error {
	job := &queue.Job{
		ID:         uuid.NewString(),
		Type:       queue.JobFetch,
		WorkflowID: run.WorkflowID,
		RunID:      run.RunID,
		HasPayload: hasPayload,
		EnqueuedAt: time.Now(),
	}
	if err := o.transport.Push(ctx, queue.QueueFetch, job); err != nil {
		return fmt.Errorf("failed to enqueue fetch job: %w", err)
	}

	o.logRun(ctx, run.RunID, "info", "run queued", models.JSONMap{"triggered_by": run.TriggeredBy})
	return nil
}

// EnqueueRun creates a run and immediately enqueues its fetch job.
func (o *Orchestrator) EnqueueRun(ctx context.Context, workflow *models.Workflow, triggeredBy string) (*models.WorkflowRun, error) {
	run, err := o.CreateRun(ctx, workflow, triggeredBy)
	if err != nil {
		return nil, err
	}
	if err := o.EnqueueFetch(ctx, run, false); err != nil {
		return nil, err
	}
	return run, nil
}

// HandleJob dispatches one popped job. Returned errors mean the job
// failed in a way the worker should log; the run itself is already moved
// to a terminal state wherever possible.
func (o *Orchestrator) HandleJob(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobFetch:
		return o.handleFetch(ctx, job)
	case queue.JobProcess:
		return o.handleProcess(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// handleFetch runs step 0 of a workflow: it resolves the source, stages
// every forwarded record, and either enqueues the process job or
// completes the run when step 0 is already terminal.
func (o *Orchestrator) handleFetch(ctx context.Context, job *queue.Job) error {
	run, workflow, cfg, err := o.loadRun(ctx, job)
	if err != nil || run == nil {
		return err
	}

	won, err := o.repos.Run.Transition(ctx, run.RunID, models.RunStatusQueued, models.RunStatusFetching)
	if err != nil {
		return err
	}
	if !won {
		o.logger.Debug("Fetch job skipped, run no longer queued", zap.String("run_id", run.RunID))
		return nil
	}

	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
		defer o.metrics.ActiveRuns.Dec()
	}

	now := time.Now()
	if err := o.repos.Run.SetStarted(ctx, run.RunID, now); err != nil {
		o.logger.Error("Failed to set run started", zap.Error(err), zap.String("run_id", run.RunID))
	}
	if err := o.repos.Workflow.RecordRun(ctx, workflow.ID, now); err != nil {
		o.logger.Error("Failed to record workflow run", zap.Error(err), zap.Uint("workflow_id", workflow.ID))
	}

	ctx, cancel := context.WithTimeout(ctx, o.runTimeout(workflow))
	defer cancel()

	o.logRun(ctx, run.RunID, "info", "fetch stage started", models.JSONMap{"step_index": 0})

	ec := &ExecContext{
		WorkflowID:   workflow.ID,
		RunID:        run.RunID,
		StepIndex:    0,
		FetchRetries: workflow.MaxFetchRetries,
		Entities:     o.entities,
		Formats:      o.formats,
		Logger:       o.logger,
	}

	start := time.Now()
	outputs, err := o.executor.ExecuteStep(ctx, cfg.Steps[0], nil, ec)
	o.observeStep(cfg.Steps[0], start)
	if err != nil {
		return o.failRun(ctx, run.RunID, fmt.Sprintf("fetch stage failed: %v", err))
	}

	var (
		staged    []*models.StagedItem
		processed int64
		failed    int64
	)
	for _, out := range outputs {
		switch out.Kind {
		case OutputForward:
			staged = append(staged, &models.StagedItem{
				RunID:      run.RunID,
				WorkflowID: workflow.ID,
				StepIndex:  1,
				Record:     models.JSONMap(out.Record.ToMap()),
				Status:     models.StagedItemPending,
			})
		case OutputEntityWritten, OutputEmitted:
			processed++
		case OutputFailed:
			failed++
			o.logRun(ctx, run.RunID, "error", out.Err.Error(), models.JSONMap{"step_index": 0})
		}
	}

	// All staged items are written before the process job is enqueued:
	// fetch strictly precedes processing for this run.
	if err := o.repos.StagedItem.CreateBatch(ctx, staged); err != nil {
		return o.failRun(ctx, run.RunID, fmt.Sprintf("failed to stage records: %v", err))
	}
	if err := o.repos.Run.SetStagedTotal(ctx, run.RunID, int64(len(staged))); err != nil {
		o.logger.Error("Failed to set staged total", zap.Error(err), zap.String("run_id", run.RunID))
	}
	if processed > 0 || failed > 0 {
		if err := o.repos.Run.IncrementCounts(ctx, run.RunID, processed, failed); err != nil {
			o.logger.Error("Failed to increment run counts", zap.Error(err), zap.String("run_id", run.RunID))
		}
	}
	o.countItems(processed, failed)

	if _, err := o.repos.Run.Transition(ctx, run.RunID, models.RunStatusFetching, models.RunStatusStaged); err != nil {
		return err
	}

	o.logRun(ctx, run.RunID, "info", "fetch stage complete", models.JSONMap{
		"staged":    len(staged),
		"processed": processed,
		"failed":    failed,
	})

	if len(staged) == 0 {
		// Terminal step 0, or a legal empty run.
		return o.finalizeFromCounts(ctx, run.RunID)
	}

	processJob := &queue.Job{
		ID:         uuid.NewString(),
		Type:       queue.JobProcess,
		WorkflowID: workflow.ID,
		RunID:      run.RunID,
		EnqueuedAt: time.Now(),
	}
	if err := o.transport.Push(ctx, queue.QueueProcess, processJob); err != nil {
		return o.failRun(ctx, run.RunID, fmt.Sprintf("failed to enqueue process job: %v", err))
	}
	return nil
}

// handleProcess consumes the staged batch of a run, walking each item
// through the remaining steps.
func (o *Orchestrator) handleProcess(ctx context.Context, job *queue.Job) error {
	run, workflow, cfg, err := o.loadRun(ctx, job)
	if err != nil || run == nil {
		return err
	}

	won, err := o.repos.Run.Transition(ctx, run.RunID, models.RunStatusStaged, models.RunStatusProcessing)
	if err != nil {
		return err
	}
	if !won && run.Status != models.RunStatusProcessing {
		o.logger.Debug("Process job skipped, run not staged", zap.String("run_id", run.RunID))
		return nil
	}

	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
		defer o.metrics.ActiveRuns.Dec()
	}

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout(workflow))
	defer cancel()

	items, err := o.repos.StagedItem.GetPendingByRun(runCtx, run.RunID)
	if err != nil {
		return o.failRun(ctx, run.RunID, fmt.Sprintf("failed to load staged items: %v", err))
	}

	o.logRun(runCtx, run.RunID, "info", "process stage started", models.JSONMap{"items": len(items)})

	var processed, failed int64
	group, groupCtx := errgroup.WithContext(runCtx)
	group.SetLimit(o.batchParallelism)

	results := make([]error, len(items))
	for i, item := range items {
		i, item := i, item
		group.Go(func() error {
			results[i] = o.processItem(groupCtx, workflow, cfg, run.RunID, item)
			return nil
		})
	}
	// Worker errors are carried per item; the group only fails on
	// context cancellation.
	_ = group.Wait()

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	for i, item := range items {
		itemErr := results[i]
		if itemErr != nil {
			failed++
			msg := itemErr.Error()
			if err := o.repos.StagedItem.MarkFailed(ctx, item.ID, msg); err != nil {
				o.logger.Error("Failed to mark staged item failed", zap.Error(err), zap.Uint("item_id", item.ID))
			}
			o.logRun(ctx, run.RunID, "error", msg, models.JSONMap{"staged_item_id": item.ID})
		} else {
			processed++
			if err := o.repos.StagedItem.MarkProcessed(ctx, item.ID); err != nil {
				o.logger.Error("Failed to mark staged item processed", zap.Error(err), zap.Uint("item_id", item.ID))
			}
		}
	}

	if err := o.repos.Run.IncrementCounts(ctx, run.RunID, processed, failed); err != nil {
		o.logger.Error("Failed to increment run counts", zap.Error(err), zap.String("run_id", run.RunID))
	}
	o.countItems(processed, failed)

	if timedOut {
		swept, err := o.repos.StagedItem.FailPending(ctx, run.RunID, "run timed out before item was processed")
		if err != nil {
			o.logger.Error("Failed to sweep pending items", zap.Error(err), zap.String("run_id", run.RunID))
		}
		if swept > 0 {
			if err := o.repos.Run.IncrementCounts(ctx, run.RunID, 0, swept); err != nil {
				o.logger.Error("Failed to count swept items", zap.Error(err), zap.String("run_id", run.RunID))
			}
		}
		return o.failRun(ctx, run.RunID, "run exceeded its execution timeout")
	}

	return o.finalizeFromCounts(ctx, run.RunID)
}

// processItem walks one staged record through the remaining steps,
// handing the last forwarded record to each previous_step consumer in
// memory. A terminal step does not consume the forwarded record, so
// several sibling steps can fan out from the same upstream output.
func (o *Orchestrator) processItem(ctx context.Context, workflow *models.Workflow, cfg *dsl.WorkflowConfig, runID string, item *models.StagedItem) error {
	carry := []*dsl.Record{dsl.RecordFromMap(item.Record)}

	for i := item.StepIndex; i < len(cfg.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := cfg.Steps[i]
		ec := &ExecContext{
			WorkflowID:   workflow.ID,
			RunID:        runID,
			StepIndex:    i,
			FetchRetries: workflow.MaxFetchRetries,
			Entities:     o.entities,
			Formats:      o.formats,
			Logger:       o.logger,
		}

		var forwards []*dsl.Record
		inputs := carry
		if step.From.Type != dsl.FromPreviousStep {
			// Mid-pipeline external sources read independently of the
			// staged record; execute once with no input.
			inputs = []*dsl.Record{nil}
		}

		for _, input := range inputs {
			start := time.Now()
			outputs, err := o.executor.ExecuteStep(ctx, step, input, ec)
			o.observeStep(step, start)
			if err != nil {
				return err
			}
			for _, out := range outputs {
				switch out.Kind {
				case OutputForward:
					forwards = append(forwards, out.Record)
				case OutputFailed:
					return out.Err
				}
			}
		}

		// Only a forwarding step replaces the carried record; terminal
		// steps leave it for the next previous_step consumer (fan-out).
		if step.To.Type == dsl.ToNextStep {
			carry = forwards
		}
	}

	return nil
}

// finalizeFromCounts reads the run's final counters and picks the
// terminal status: all good, mixed, or all bad.
func (o *Orchestrator) finalizeFromCounts(ctx context.Context, runID string) error {
	run, err := o.repos.Run.GetByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s vanished before finalization", runID)
	}

	status := models.RunStatusSuccess
	switch {
	case run.FailedItems > 0 && run.ProcessedItems > 0:
		status = models.RunStatusPartialFailure
	case run.FailedItems > 0:
		status = models.RunStatusFailure
	}

	won, err := o.repos.Run.Finalize(ctx, runID, status, nil)
	if err != nil {
		return err
	}
	if won {
		o.countRun(status)
		o.logRun(ctx, runID, "info", "run finished", models.JSONMap{
			"status":    string(status),
			"processed": run.ProcessedItems,
			"failed":    run.FailedItems,
		})
	}
	return nil
}

// failRun forces a run to failure with a message.
func (o *Orchestrator) failRun(ctx context.Context, runID, message string) error {
	won, err := o.repos.Run.Finalize(ctx, runID, models.RunStatusFailure, &message)
	if err != nil {
		return err
	}
	if won {
		o.countRun(models.RunStatusFailure)
		o.logRun(ctx, runID, "error", message, nil)
	}
	o.logger.Warn("Run failed",
		zap.String("run_id", runID),
		zap.String("reason", message))
	return nil
}

// SweepStaleRuns times out runs stuck in a non-terminal state longer
// than their budget allows. Called from the scheduler's reconcile loop.
func (o *Orchestrator) SweepStaleRuns(ctx context.Context, olderThan time.Time, limit int) error {
	stale, err := o.repos.Run.GetStale(ctx, []models.RunStatus{
		models.RunStatusFetching,
		models.RunStatusStaged,
		models.RunStatusProcessing,
	}, olderThan, limit)
	if err != nil {
		return err
	}

	for _, run := range stale {
		swept, err := o.repos.StagedItem.FailPending(ctx, run.RunID, "run abandoned: exceeded execution timeout")
		if err != nil {
			o.logger.Error("Failed to sweep staged items of stale run", zap.Error(err), zap.String("run_id", run.RunID))
			continue
		}
		if swept > 0 {
			if err := o.repos.Run.IncrementCounts(ctx, run.RunID, 0, swept); err != nil {
				o.logger.Error("Failed to count swept items", zap.Error(err), zap.String("run_id", run.RunID))
			}
		}
		if err := o.failRun(ctx, run.RunID, "run exceeded its execution timeout"); err != nil {
			o.logger.Error("Failed to fail stale run", zap.Error(err), zap.String("run_id", run.RunID))
		}
	}
	return nil
}

// loadRun fetches the run, its workflow and the parsed, validated step
// config. A nil run with nil error means the job should be dropped
// silently (already terminal or deleted).
func (o *Orchestrator) loadRun(ctx context.Context, job *queue.Job) (*models.WorkflowRun, *models.Workflow, *dsl.WorkflowConfig, error) {
	run, err := o.repos.Run.GetByRunID(ctx, job.RunID)
	if err != nil {
		return nil, nil, nil, err
	}
	if run == nil || run.Status.Terminal() {
		o.logger.Debug("Dropping job for missing or terminal run", zap.String("run_id", job.RunID))
		return nil, nil, nil, nil
	}

	workflow, err := o.repos.Workflow.GetByID(ctx, run.WorkflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	if workflow == nil {
		return nil, nil, nil, o.failRun(ctx, run.RunID, "workflow no longer exists")
	}

	var cfg dsl.WorkflowConfig
	if err := json.Unmarshal(workflow.Config, &cfg); err != nil {
		return nil, nil, nil, o.failRun(ctx, run.RunID, fmt.Sprintf("workflow config unreadable: %v", err))
	}
	if err := dsl.Validate(cfg.Steps); err != nil {
		return nil, nil, nil, o.failRun(ctx, run.RunID, err.Error())
	}

	return run, workflow, &cfg, nil
}

func (o *Orchestrator) runTimeout(workflow *models.Workflow) time.Duration {
	if workflow.TimeoutSeconds > 0 {
		return time.Duration(workflow.TimeoutSeconds) * time.Second
	}
	return o.defaultTimeout
}

// logRun writes one persisted log line for a run. Log failures are
// reported to the service logger but never fail the run.
func (o *Orchestrator) logRun(ctx context.Context, runID, level, message string, metadata models.JSONMap) {
	log := &models.RunLog{
		RunID:    runID,
		Level:    level,
		Message:  message,
		Metadata: metadata,
	}
	if err := o.repos.RunLog.Append(ctx, log); err != nil {
		o.logger.Error("Failed to append run log", zap.Error(err), zap.String("run_id", runID))
	}
}

func (o *Orchestrator) observeStep(step dsl.Step, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.StepDuration.
		WithLabelValues(string(step.From.Type)).
		Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) countRun(status models.RunStatus) {
	if o.metrics == nil {
		return
	}
	o.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
}

func (o *Orchestrator) countItems(processed, failed int64) {
	if o.metrics == nil {
		return
	}
	if processed > 0 {
		o.metrics.StagedItemsTotal.WithLabelValues("processed").Add(float64(processed))
	}
	if failed > 0 {
		o.metrics.StagedItemsTotal.WithLabelValues("failed").Add(float64(failed))
	}
}
