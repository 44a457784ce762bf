package services

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/repositories"
)

// CreateWorkflowRequest represents the request to create a workflow
type CreateWorkflowRequest struct {
	Name            string             `json:"name" validate:"required,min=1,max=255"`
	Description     string             `json:"description,omitempty"`
	WorkspaceID     *uint              `json:"workspace_id,omitempty"`
	Config          dsl.WorkflowConfig `json:"config" validate:"required"`
	CronSchedule    string             `json:"cron_schedule,omitempty"`
	TimeoutSeconds  int                `json:"timeout_seconds,omitempty"`
	MaxFetchRetries int                `json:"max_fetch_retries,omitempty"`
}

// UpdateWorkflowRequest represents the request to update a workflow.
// Nil fields are left unchanged.
type UpdateWorkflowRequest struct {
	Name            *string                `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Description     *string                `json:"description,omitempty"`
	Status          *models.WorkflowStatus `json:"status,omitempty"`
	Config          *dsl.WorkflowConfig    `json:"config,omitempty"`
	CronSchedule    *string                `json:"cron_schedule,omitempty"`
	TimeoutSeconds  *int                   `json:"timeout_seconds,omitempty"`
	MaxFetchRetries *int                   `json:"max_fetch_retries,omitempty"`
}

// WorkflowService handles workflow definition business logic. Every
// config that reaches the database has passed full static validation;
// the orchestrator re-validates at execution time in case a row was
// edited out of band.
type WorkflowService struct {
	repos     *repositories.Repositories
	schedules ScheduleValidator
	logger    *zap.Logger
}

// NewWorkflowService creates a new workflow service
func NewWorkflowService(repos *repositories.Repositories, schedules ScheduleValidator, logger *zap.Logger) *WorkflowService {
	return &WorkflowService{
		repos:     repos,
		schedules: schedules,
		logger:    logger,
	}
}

// ValidateConfig runs static validation over a step sequence. Exposed
// for the dry-run validation endpoint.
func (s *WorkflowService) ValidateConfig(cfg dsl.WorkflowConfig) error {
	return dsl.Validate(cfg.Steps)
}

// CreateWorkflow validates and persists a new workflow
func (s *WorkflowService) CreateWorkflow(ctx context.Context, userID uint, req *CreateWorkflowRequest) (*models.Workflow, error) {
	if err := dsl.Validate(req.Config.Steps); err != nil {
		return nil, err
	}
	if req.CronSchedule != "" {
		if err := s.schedules.ValidateSchedule(req.CronSchedule); err != nil {
			return nil, fmt.Errorf("invalid cron schedule: %w", err)
		}
	}

	rawConfig, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}

	maxFetchRetries := req.MaxFetchRetries
	if maxFetchRetries <= 0 {
		maxFetchRetries = 3
	}

	workflow := &models.Workflow{
		UserID:          userID,
		WorkspaceID:     req.WorkspaceID,
		Name:            req.Name,
		Description:     req.Description,
		Status:          models.WorkflowStatusEnabled,
		Config:          rawConfig,
		CronSchedule:    req.CronSchedule,
		TimeoutSeconds:  timeoutSeconds,
		MaxFetchRetries: maxFetchRetries,
	}

	if err := s.repos.Workflow.Create(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	s.logger.Info("Created workflow", zap.Uint("workflow_id", workflow.ID), zap.Uint("user_id", userID))

	return workflow, nil
}

// GetWorkflows retrieves workflows for a user
func (s *WorkflowService) GetWorkflows(ctx context.Context, userID uint, limit, offset int) ([]*models.Workflow, error) {
	return s.repos.Workflow.GetByUserID(ctx, userID, limit, offset)
}

// GetWorkflow retrieves a workflow by ID, scoped to its owner
func (s *WorkflowService) GetWorkflow(ctx context.Context, workflowID, userID uint) (*models.Workflow, error) {
	workflow, err := s.repos.Workflow.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow == nil || workflow.UserID != userID {
		return nil, nil
	}
	return workflow, nil
}

// UpdateWorkflow applies a partial update to a workflow
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, workflowID, userID uint, req *UpdateWorkflowRequest) (*models.Workflow, error) {
	workflow, err := s.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		return nil, err
	}
	if workflow == nil {
		return nil, nil
	}

	if req.Config != nil {
		if err := dsl.Validate(req.Config.Steps); err != nil {
			return nil, err
		}
		rawConfig, err := json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		workflow.Config = rawConfig
	}
	if req.CronSchedule != nil {
		if *req.CronSchedule != "" {
			if err := s.schedules.ValidateSchedule(*req.CronSchedule); err != nil {
				return nil, fmt.Errorf("invalid cron schedule: %w", err)
			}
		}
		workflow.CronSchedule = *req.CronSchedule
	}
	if req.Name != nil {
		workflow.Name = *req.Name
	}
	if req.Description != nil {
		workflow.Description = *req.Description
	}
	if req.Status != nil {
		if *req.Status != models.WorkflowStatusEnabled && *req.Status != models.WorkflowStatusDisabled {
			return nil, fmt.Errorf("invalid workflow status %q", *req.Status)
		}
		workflow.Status = *req.Status
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds > 0 {
		workflow.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxFetchRetries != nil && *req.MaxFetchRetries > 0 {
		workflow.MaxFetchRetries = *req.MaxFetchRetries
	}

	if err := s.repos.Workflow.Update(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	s.logger.Info("Updated workflow", zap.Uint("workflow_id", workflow.ID), zap.Uint("user_id", userID))

	return workflow, nil
}

// DeleteWorkflow soft deletes a workflow. Runs in flight keep their
// staged items until the stale sweep times them out.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, workflowID, userID uint) (bool, error) {
	workflow, err := s.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		return false, err
	}
	if workflow == nil {
		return false, nil
	}

	if err := s.repos.Workflow.Delete(ctx, workflowID); err != nil {
		return false, fmt.Errorf("failed to delete workflow: %w", err)
	}

	s.logger.Info("Deleted workflow", zap.Uint("workflow_id", workflowID), zap.Uint("user_id", userID))
	return true, nil
}

// GetMetrics returns aggregated run statistics for a workflow
func (s *WorkflowService) GetMetrics(ctx context.Context, workflowID, userID uint, since int) (*models.RunMetrics, error) {
	workflow, err := s.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		return nil, err
	}
	if workflow == nil {
		return nil, nil
	}
	return s.repos.Run.GetMetrics(ctx, workflowID, daysAgo(since))
}
