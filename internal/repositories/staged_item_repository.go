package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
)

type stagedItemRepository struct {
	db *gorm.DB
}

// NewStagedItemRepository creates a new staged item repository
func NewStagedItemRepository(db *gorm.DB) StagedItemRepository {
	return &stagedItemRepository{db: db}
}

// CreateBatch writes all staged items of one fetch stage in one
// transaction, so a process job never observes a half-written batch.
func (r *stagedItemRepository) CreateBatch(ctx context.Context, items []*models.StagedItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(items, 500).Error; err != nil {
		return fmt.Errorf("failed to create staged items: %w", err)
	}
	return nil
}

// GetPendingByRun retrieves the unprocessed staged items of a run
func (r *stagedItemRepository) GetPendingByRun(ctx context.Context, runID string) ([]*models.StagedItem, error) {
	var items []*models.StagedItem

	if err := r.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runID, models.StagedItemPending).
		Order("id").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to get pending staged items: %w", err)
	}

	return items, nil
}

// MarkProcessed flips one staged item to processed
func (r *stagedItemRepository) MarkProcessed(ctx context.Context, id uint) error {
	now := time.Now()
	if err := r.db.WithContext(ctx).
		Model(&models.StagedItem{}).
		Where("id = ? AND status = ?", id, models.StagedItemPending).
		Updates(map[string]interface{}{
			"status":       models.StagedItemProcessed,
			"processed_at": now,
		}).Error; err != nil {
		return fmt.Errorf("failed to mark staged item processed: %w", err)
	}
	return nil
}

// MarkFailed flips one staged item to failed with its error message
func (r *stagedItemRepository) MarkFailed(ctx context.Context, id uint, message string) error {
	now := time.Now()
	if err := r.db.WithContext(ctx).
		Model(&models.StagedItem{}).
		Where("id = ? AND status = ?", id, models.StagedItemPending).
		Updates(map[string]interface{}{
			"status":        models.StagedItemFailed,
			"error_message": message,
			"processed_at":  now,
		}).Error; err != nil {
		return fmt.Errorf("failed to mark staged item failed: %w", err)
	}
	return nil
}

// FailPending fails every still-pending item of a run (timeout sweep),
// returning how many items were affected.
func (r *stagedItemRepository) FailPending(ctx context.Context, runID string, message string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.StagedItem{}).
		Where("run_id = ? AND status = ?", runID, models.StagedItemPending).
		Updates(map[string]interface{}{
			"status":        models.StagedItemFailed,
			"error_message": message,
			"processed_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to fail pending staged items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteByRun removes the staged items of a finished run
func (r *stagedItemRepository) DeleteByRun(ctx context.Context, runID string) error {
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Delete(&models.StagedItem{}).Error; err != nil {
		return fmt.Errorf("failed to delete staged items: %w", err)
	}
	return nil
}
