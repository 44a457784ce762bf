package repositories

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
)

// WorkflowRepository defines the interface for workflow definition operations
type WorkflowRepository interface {
	Create(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id uint) (*models.Workflow, error)
	GetByUserID(ctx context.Context, userID uint, limit, offset int) ([]*models.Workflow, error)
	Update(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, id uint) error
	GetScheduled(ctx context.Context) ([]*models.Workflow, error)
	MarkScheduled(ctx context.Context, id uint, at time.Time) error
	RecordRun(ctx context.Context, id uint, at time.Time) error
}

// RunRepository defines the interface for workflow run operations
type RunRepository interface {
	Create(ctx context.Context, run *models.WorkflowRun) error
	GetByRunID(ctx context.Context, runID string) (*models.WorkflowRun, error)
	GetByWorkflowID(ctx context.Context, workflowID uint, limit, offset int) ([]*models.WorkflowRun, error)
	Transition(ctx context.Context, runID string, from, to models.RunStatus) (bool, error)
	SetStarted(ctx context.Context, runID string, at time.Time) error
	SetStagedTotal(ctx context.Context, runID string, total int64) error
	IncrementCounts(ctx context.Context, runID string, processed, failed int64) error
	Finalize(ctx context.Context, runID string, status models.RunStatus, errorMessage *string) (bool, error)
	GetStale(ctx context.Context, statuses []models.RunStatus, olderThan time.Time, limit int) ([]*models.WorkflowRun, error)
	GetMetrics(ctx context.Context, workflowID uint, since time.Time) (*models.RunMetrics, error)
}

// StagedItemRepository defines the interface for staged item operations
type StagedItemRepository interface {
	CreateBatch(ctx context.Context, items []*models.StagedItem) error
	GetPendingByRun(ctx context.Context, runID string) ([]*models.StagedItem, error)
	MarkProcessed(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, id uint, message string) error
	FailPending(ctx context.Context, runID string, message string) (int64, error)
	DeleteByRun(ctx context.Context, runID string) error
}

// RunLogRepository defines the interface for per-run log lines
type RunLogRepository interface {
	Append(ctx context.Context, log *models.RunLog) error
	GetByRun(ctx context.Context, runID string, limit, offset int) ([]*models.RunLog, error)
}

type Repositories struct {
	Workflow   WorkflowRepository
	Run        RunRepository
	StagedItem StagedItemRepository
	RunLog     RunLogRepository

	db    *gorm.DB
	redis *redis.Client
}

func New(db *gorm.DB, redis *redis.Client) *Repositories {
	return &Repositories{
		db:         db,
		redis:      redis,
		Workflow:   NewWorkflowRepository(db, redis),
		Run:        NewRunRepository(db),
		StagedItem: NewStagedItemRepository(db),
		RunLog:     NewRunLogRepository(db),
	}
}
