package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/adapters"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/engine"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/repositories"
)

// ErrWorkflowDisabled is returned when a run is requested for a
// workflow that is not enabled.
var ErrWorkflowDisabled = errors.New("workflow is disabled")

// ErrNoIngestSource is returned when a payload is posted to a workflow
// whose first step does not read from the inbound api source.
var ErrNoIngestSource = errors.New("workflow does not accept inbound payloads")

// RunService handles run lifecycle requests from the API surface:
// manual triggers, inbound ingest payloads and run inspection.
type RunService struct {
	repos        *repositories.Repositories
	orchestrator *engine.Orchestrator
	formats      adapters.FormatClient
	logger       *zap.Logger
}

// NewRunService creates a new run service
func NewRunService(repos *repositories.Repositories, orchestrator *engine.Orchestrator, formats adapters.FormatClient, logger *zap.Logger) *RunService {
	return &RunService{
		repos:        repos,
		orchestrator: orchestrator,
		formats:      formats,
		logger:       logger,
	}
}

// TriggerRun enqueues a run for a workflow without an inbound payload
func (s *RunService) TriggerRun(ctx context.Context, workflowID, userID uint, triggeredBy string) (*models.WorkflowRun, error) {
	workflow, err := s.ownedEnabledWorkflow(ctx, workflowID, userID)
	if err != nil || workflow == nil {
		return nil, err
	}

	run, err := s.orchestrator.EnqueueRun(ctx, workflow, triggeredBy)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	s.logger.Info("Triggered run",
		zap.Uint("workflow_id", workflowID),
		zap.String("run_id", run.RunID),
		zap.String("triggered_by", triggeredBy))

	return run, nil
}

// Ingest stashes an inbound payload and enqueues a run over it. The
// workflow's first step must read from the api format source.
func (s *RunService) Ingest(ctx context.Context, workflowID, userID uint, body []byte) (*models.WorkflowRun, error) {
	workflow, err := s.ownedEnabledWorkflow(ctx, workflowID, userID)
	if err != nil || workflow == nil {
		return nil, err
	}

	var cfg dsl.WorkflowConfig
	if err := json.Unmarshal(workflow.Config, &cfg); err != nil {
		return nil, fmt.Errorf("workflow config unreadable: %w", err)
	}
	if len(cfg.Steps) == 0 || cfg.Steps[0].From.Type != dsl.FromFormat || cfg.Steps[0].From.Source != dsl.SourceAPI {
		return nil, ErrNoIngestSource
	}

	run, err := s.orchestrator.CreateRun(ctx, workflow, "ingest")
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	// The payload must be stashed before the fetch job can be picked up.
	if err := s.formats.StashInbound(ctx, run.RunID, body); err != nil {
		return nil, err
	}
	if err := s.orchestrator.EnqueueFetch(ctx, run, true); err != nil {
		return nil, err
	}

	s.logger.Info("Ingested payload",
		zap.Uint("workflow_id", workflowID),
		zap.String("run_id", run.RunID),
		zap.Int("bytes", len(body)))

	return run, nil
}

// GetRuns lists the runs of a workflow
func (s *RunService) GetRuns(ctx context.Context, workflowID, userID uint, limit, offset int) ([]*models.WorkflowRun, error) {
	workflow, err := s.ownedWorkflow(ctx, workflowID, userID)
	if err != nil || workflow == nil {
		return nil, err
	}
	return s.repos.Run.GetByWorkflowID(ctx, workflowID, limit, offset)
}

// GetRun retrieves one run, scoped to the workflow owner
func (s *RunService) GetRun(ctx context.Context, runID string, userID uint) (*models.WorkflowRun, error) {
	run, err := s.repos.Run.GetByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	workflow, err := s.ownedWorkflow(ctx, run.WorkflowID, userID)
	if err != nil || workflow == nil {
		return nil, err
	}
	return run, nil
}

// GetRunLogs retrieves the persisted log lines of one run
func (s *RunService) GetRunLogs(ctx context.Context, runID string, userID uint, limit, offset int) ([]*models.RunLog, error) {
	run, err := s.GetRun(ctx, runID, userID)
	if err != nil || run == nil {
		return nil, err
	}
	logs, err := s.repos.RunLog.GetByRun(ctx, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*models.RunLog{}
	}
	return logs, nil
}

// GetOutput returns the last rendered api/download output of a workflow
func (s *RunService) GetOutput(ctx context.Context, workflowID, userID uint) ([]byte, string, error) {
	workflow, err := s.ownedWorkflow(ctx, workflowID, userID)
	if err != nil {
		return nil, "", err
	}
	if workflow == nil {
		return nil, "", nil
	}
	return s.formats.GetOutput(ctx, workflowID)
}

func (s *RunService) ownedWorkflow(ctx context.Context, workflowID, userID uint) (*models.Workflow, error) {
	workflow, err := s.repos.Workflow.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow == nil || workflow.UserID != userID {
		return nil, nil
	}
	return workflow, nil
}

func (s *RunService) ownedEnabledWorkflow(ctx context.Context, workflowID, userID uint) (*models.Workflow, error) {
	workflow, err := s.ownedWorkflow(ctx, workflowID, userID)
	if err != nil || workflow == nil {
		return nil, err
	}
	if workflow.Status != models.WorkflowStatusEnabled {
		return nil, ErrWorkflowDisabled
	}
	return workflow, nil
}

func daysAgo(days int) time.Time {
	if days <= 0 {
		days = 30
	}
	return time.Now().AddDate(0, 0, -days)
}
