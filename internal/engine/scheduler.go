package engine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/repositories"
)

// Scheduler periodically reconciles cron-scheduled workflows against the
// database and enqueues a run for each one that is due. Schedules live in
// the workflow rows, not in an in-process cron table, so edits take effect
// on the next reconcile without a restart and multiple instances stay in
// step through last_scheduled_at.
type Scheduler struct {
	workflows    repositories.WorkflowRepository
	orchestrator *Orchestrator
	pool         *WorkerPool
	logger       *zap.Logger

	interval   time.Duration
	staleAfter time.Duration
	parser     cron.Parser

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SchedulerConfig tunes the reconcile loop.
type SchedulerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// NewScheduler creates a scheduler over the standard 5-field cron syntax
// plus the @every descriptors.
func NewScheduler(workflows repositories.WorkflowRepository, orch *Orchestrator, pool *WorkerPool, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	return &Scheduler{
		workflows:    workflows,
		orchestrator: orch,
		pool:         pool,
		logger:       logger,
		interval:     cfg.Interval,
		staleAfter:   cfg.StaleAfter,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateSchedule reports whether expr parses under the scheduler's
// cron dialect. Used by the workflow service before persisting.
func (s *Scheduler) ValidateSchedule(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

// Start launches the reconcile loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcile(ctx)
			}
		}
	}()

	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels the reconcile loop and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) reconcile(ctx context.Context) {
	now := time.Now()

	scheduled, err := s.workflows.GetScheduled(ctx)
	if err != nil {
		s.logger.Error("Failed to load scheduled workflows", zap.Error(err))
		return
	}

	for _, wf := range scheduled {
		if due, err := s.isDue(wf, now); err != nil {
			s.logger.Warn("Workflow has an unparseable cron schedule",
				zap.Uint("workflow_id", wf.ID),
				zap.String("schedule", wf.CronSchedule),
				zap.Error(err))
			continue
		} else if !due {
			continue
		}

		run, err := s.orchestrator.EnqueueRun(ctx, wf, "schedule")
		if err != nil {
			s.logger.Error("Failed to enqueue scheduled run",
				zap.Uint("workflow_id", wf.ID),
				zap.Error(err))
			continue
		}
		if err := s.workflows.MarkScheduled(ctx, wf.ID, now); err != nil {
			s.logger.Error("Failed to mark workflow scheduled",
				zap.Uint("workflow_id", wf.ID),
				zap.Error(err))
		}

		s.logger.Info("Scheduled run enqueued",
			zap.Uint("workflow_id", wf.ID),
			zap.String("run_id", run.RunID))
	}

	if err := s.orchestrator.SweepStaleRuns(ctx, now.Add(-s.staleAfter), 100); err != nil {
		s.logger.Error("Stale run sweep failed", zap.Error(err))
	}

	if s.pool != nil {
		s.pool.ObserveQueueDepth(ctx)
	}
}

// isDue reports whether the workflow's cron schedule has an activation
// between its last scheduling and now. A workflow never scheduled before
// only fires on an activation after it was created, so enabling an old
// workflow does not replay missed runs.
func (s *Scheduler) isDue(wf *models.Workflow, now time.Time) (bool, error) {
	sched, err := s.parser.Parse(wf.CronSchedule)
	if err != nil {
		return false, err
	}

	since := wf.CreatedAt
	if wf.LastScheduledAt != nil && wf.LastScheduledAt.After(since) {
		since = *wf.LastScheduledAt
	}

	next := sched.Next(since)
	return !next.After(now), nil
}
