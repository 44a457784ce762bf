package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
)

type runRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{db: db}
}

// Create creates a new workflow run
func (r *runRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}
	return nil
}

// GetByRunID retrieves a run by its external run ID
func (r *runRepository) GetByRunID(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun

	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run by run ID: %w", err)
	}

	return &run, nil
}

// GetByWorkflowID retrieves runs for a workflow with pagination
func (r *runRepository) GetByWorkflowID(ctx context.Context, workflowID uint, limit, offset int) ([]*models.WorkflowRun, error) {
	var runs []*models.WorkflowRun

	query := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to get runs by workflow ID: %w", err)
	}

	return runs, nil
}

// Transition moves a run from one status to another. The conditional
// WHERE makes the transition a single atomic update; the boolean result
// reports whether this caller won the transition.
func (r *runRepository) Transition(ctx context.Context, runID string, from, to models.RunStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.WorkflowRun{}).
		Where("run_id = ? AND status = ?", runID, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition run %s from %s to %s: %w", runID, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetStarted records when processing of a run actually began
func (r *runRepository) SetStarted(ctx context.Context, runID string, at time.Time) error {
	if err := r.db.WithContext(ctx).
		Model(&models.WorkflowRun{}).
		Where("run_id = ? AND started_at IS NULL", runID).
		Update("started_at", at).Error; err != nil {
		return fmt.Errorf("failed to set run started: %w", err)
	}
	return nil
}

// SetStagedTotal records how many items the fetch stage staged
func (r *runRepository) SetStagedTotal(ctx context.Context, runID string, total int64) error {
	if err := r.db.WithContext(ctx).
		Model(&models.WorkflowRun{}).
		Where("run_id = ?", runID).
		Update("staged_total", total).Error; err != nil {
		return fmt.Errorf("failed to set staged total: %w", err)
	}
	return nil
}

// IncrementCounts bumps the processed/failed item counters atomically so
// concurrent workers updating the same run never lose an update.
func (r *runRepository) IncrementCounts(ctx context.Context, runID string, processed, failed int64) error {
	updates := map[string]interface{}{}
	if processed > 0 {
		updates["processed_items"] = gorm.Expr("processed_items + ?", processed)
	}
	if failed > 0 {
		updates["failed_items"] = gorm.Expr("failed_items + ?", failed)
	}
	if len(updates) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).
		Model(&models.WorkflowRun{}).
		Where("run_id = ?", runID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to increment run counts: %w", err)
	}
	return nil
}

// Finalize moves a run into a terminal status. Guarded so an already
// terminal run is never overwritten; reports whether this caller won.
func (r *runRepository) Finalize(ctx context.Context, runID string, status models.RunStatus, errorMessage *string) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": now,
	}
	if errorMessage != nil {
		updates["error_message"] = *errorMessage
	}

	res := r.db.WithContext(ctx).
		Model(&models.WorkflowRun{}).
		Where("run_id = ? AND status NOT IN ?", runID, []models.RunStatus{
			models.RunStatusSuccess,
			models.RunStatusPartialFailure,
			models.RunStatusFailure,
		}).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to finalize run %s: %w", runID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetStale finds runs stuck in the given statuses since before olderThan,
// used by the timeout sweeper.
func (r *runRepository) GetStale(ctx context.Context, statuses []models.RunStatus, olderThan time.Time, limit int) ([]*models.WorkflowRun, error) {
	var runs []*models.WorkflowRun

	if err := r.db.WithContext(ctx).
		Where("status IN ? AND queued_at < ?", statuses, olderThan).
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to get stale runs: %w", err)
	}

	return runs, nil
}

// GetMetrics aggregates run statistics for one workflow since a point in time
func (r *runRepository) GetMetrics(ctx context.Context, workflowID uint, since time.Time) (*models.RunMetrics, error) {
	metrics := &models.RunMetrics{WorkflowID: workflowID}

	type statusCount struct {
		Status models.RunStatus
		Count  int64
	}
	var counts []statusCount

	if err := r.db.WithContext(ctx).
		Model(&models.WorkflowRun{}).
		Select("status, count(*) as count").
		Where("workflow_id = ? AND created_at >= ?", workflowID, since).
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to get run metrics: %w", err)
	}

	for _, c := range counts {
		metrics.TotalRuns += c.Count
		switch c.Status {
		case models.RunStatusSuccess:
			metrics.SuccessfulRuns = c.Count
		case models.RunStatusFailure:
			metrics.FailedRuns = c.Count
		case models.RunStatusPartialFailure:
			metrics.PartialRuns = c.Count
		}
	}
	if metrics.TotalRuns > 0 {
		metrics.SuccessRate = float64(metrics.SuccessfulRuns) / float64(metrics.TotalRuns)
	}

	var last models.WorkflowRun
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC").
		First(&last).Error
	if err == nil {
		metrics.LastRunAt = &last.CreatedAt
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}

	return metrics, nil
}
