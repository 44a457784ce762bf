package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
)

type runLogRepository struct {
	db *gorm.DB
}

// NewRunLogRepository creates a new run log repository
func NewRunLogRepository(db *gorm.DB) RunLogRepository {
	return &runLogRepository{db: db}
}

// Append writes one log line for a run
func (r *runLogRepository) Append(ctx context.Context, log *models.RunLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

// GetByRun retrieves the log lines of one run with pagination
func (r *runLogRepository) GetByRun(ctx context.Context, runID string, limit, offset int) ([]*models.RunLog, error) {
	var logs []*models.RunLog

	query := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to get run logs: %w", err)
	}

	return logs, nil
}
