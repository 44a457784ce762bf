package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
)

type workflowRepository struct {
	db    *gorm.DB
	redis *redis.Client
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db *gorm.DB, redis *redis.Client) WorkflowRepository {
	return &workflowRepository{
		db:    db,
		redis: redis,
	}
}

// Create creates a new workflow
func (r *workflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	if err := r.db.WithContext(ctx).Create(workflow).Error; err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	r.invalidateCache(workflow.UserID)
	return nil
}

// GetByID retrieves a workflow by ID
func (r *workflowRepository) GetByID(ctx context.Context, id uint) (*models.Workflow, error) {
	var workflow models.Workflow

	if err := r.db.WithContext(ctx).First(&workflow, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow by ID: %w", err)
	}

	return &workflow, nil
}

// GetByUserID retrieves workflows by user ID with pagination
func (r *workflowRepository) GetByUserID(ctx context.Context, userID uint, limit, offset int) ([]*models.Workflow, error) {
	var workflows []*models.Workflow

	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&workflows).Error; err != nil {
		return nil, fmt.Errorf("failed to get workflows by user ID: %w", err)
	}

	return workflows, nil
}

// Update updates a workflow
func (r *workflowRepository) Update(ctx context.Context, workflow *models.Workflow) error {
	if err := r.db.WithContext(ctx).Save(workflow).Error; err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	r.invalidateCache(workflow.UserID)
	return nil
}

// Delete soft deletes a workflow
func (r *workflowRepository) Delete(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Delete(&models.Workflow{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return nil
}

// GetScheduled retrieves enabled workflows carrying a cron schedule
func (r *workflowRepository) GetScheduled(ctx context.Context) ([]*models.Workflow, error) {
	var workflows []*models.Workflow

	if err := r.db.WithContext(ctx).
		Where("status = ? AND cron_schedule <> ''", models.WorkflowStatusEnabled).
		Find(&workflows).Error; err != nil {
		return nil, fmt.Errorf("failed to get scheduled workflows: %w", err)
	}

	return workflows, nil
}

// MarkScheduled records when the scheduler last enqueued a run
func (r *workflowRepository) MarkScheduled(ctx context.Context, id uint, at time.Time) error {
	if err := r.db.WithContext(ctx).
		Model(&models.Workflow{}).
		Where("id = ?", id).
		Update("last_scheduled_at", at).Error; err != nil {
		return fmt.Errorf("failed to mark workflow scheduled: %w", err)
	}
	return nil
}

// RecordRun bumps the run counter and last-run timestamp
func (r *workflowRepository) RecordRun(ctx context.Context, id uint, at time.Time) error {
	if err := r.db.WithContext(ctx).
		Model(&models.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"run_count":   gorm.Expr("run_count + 1"),
			"last_run_at": at,
		}).Error; err != nil {
		return fmt.Errorf("failed to record workflow run: %w", err)
	}
	return nil
}

// invalidateCache drops cached workflow listings for a user
func (r *workflowRepository) invalidateCache(userID uint) {
	if r.redis == nil {
		return
	}
	r.redis.Del(context.Background(), fmt.Sprintf("workflows:user:%d", userID))
}
