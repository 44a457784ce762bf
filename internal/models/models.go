package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// BaseModel contains common fields for all models
type BaseModel struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// WorkflowStatus represents whether a workflow participates in scheduling
type WorkflowStatus string

const (
	WorkflowStatusEnabled  WorkflowStatus = "enabled"
	WorkflowStatusDisabled WorkflowStatus = "disabled"
)

// RunStatus represents the lifecycle state of one workflow invocation
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusFetching       RunStatus = "fetching"
	RunStatusStaged         RunStatus = "staged"
	RunStatusProcessing     RunStatus = "processing"
	RunStatusSuccess        RunStatus = "success"
	RunStatusPartialFailure RunStatus = "partial_failure"
	RunStatusFailure        RunStatus = "failure"
)

// Terminal reports whether the status is final. Terminal runs are never
// resumed; retrying means enqueueing a new run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartialFailure, RunStatusFailure:
		return true
	}
	return false
}

// StagedItemStatus represents the processing state of one staged record
type StagedItemStatus string

const (
	StagedItemPending   StagedItemStatus = "pending"
	StagedItemProcessed StagedItemStatus = "processed"
	StagedItemFailed    StagedItemStatus = "failed"
)

// JSONMap represents a JSON object stored in the database
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// Workflow represents one pipeline definition: a named step sequence plus
// its scheduling settings. The step sequence lives in Config as a single
// JSON document and is validated before every save and execution.
type Workflow struct {
	BaseModel
	UserID          uint            `gorm:"not null;index" json:"user_id"`
	WorkspaceID     *uint           `gorm:"index" json:"workspace_id,omitempty"`
	Name            string          `gorm:"size:255;not null" json:"name"`
	Description     string          `gorm:"type:text" json:"description"`
	Status          WorkflowStatus  `gorm:"size:50;not null;default:'enabled';index" json:"status"`
	Config          json.RawMessage `gorm:"type:jsonb;not null" json:"config"`
	CronSchedule    string          `gorm:"size:255" json:"cron_schedule"`
	TimeoutSeconds  int             `gorm:"default:300" json:"timeout_seconds"`
	MaxFetchRetries int             `gorm:"default:3" json:"max_fetch_retries"`
	LastRunAt       *time.Time      `json:"last_run_at"`
	LastScheduledAt *time.Time      `json:"last_scheduled_at"`
	RunCount        int64           `gorm:"default:0" json:"run_count"`

	// Relationships
	Runs []WorkflowRun `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName sets the table name for Workflow
func (Workflow) TableName() string {
	return "workflows"
}

// WorkflowRun represents one invocation instance of a workflow
type WorkflowRun struct {
	BaseModel
	RunID          string     `gorm:"size:36;not null;uniqueIndex" json:"run_id"`
	WorkflowID     uint       `gorm:"not null;index" json:"workflow_id"`
	Status         RunStatus  `gorm:"size:50;not null;default:'queued';index" json:"status"`
	TriggeredBy    string     `gorm:"size:50" json:"triggered_by"` // schedule, trigger, ingest, manual
	StagedTotal    int64      `gorm:"default:0" json:"staged_total"`
	ProcessedItems int64      `gorm:"default:0" json:"processed_items"`
	FailedItems    int64      `gorm:"default:0" json:"failed_items"`
	ErrorMessage   *string    `gorm:"type:text" json:"error_message,omitempty"`
	QueuedAt       time.Time  `gorm:"not null" json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`

	// Relationships
	Workflow    Workflow     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	StagedItems []StagedItem `gorm:"foreignKey:RunID;references:RunID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName sets the table name for WorkflowRun
func (WorkflowRun) TableName() string {
	return "workflow_runs"
}

// StagedItem represents one persisted normalized record awaiting a later
// pipeline step. Created by the fetch stage, consumed by the process
// stage, retained until run cleanup.
type StagedItem struct {
	BaseModel
	RunID        string           `gorm:"size:36;not null;index" json:"run_id"`
	WorkflowID   uint             `gorm:"not null;index" json:"workflow_id"`
	StepIndex    int              `gorm:"not null" json:"step_index"`
	Record       JSONMap          `gorm:"type:jsonb;not null" json:"record"`
	Status       StagedItemStatus `gorm:"size:50;not null;default:'pending';index" json:"status"`
	ErrorMessage *string          `gorm:"type:text" json:"error_message,omitempty"`
	ProcessedAt  *time.Time       `json:"processed_at,omitempty"`
}

// TableName sets the table name for StagedItem
func (StagedItem) TableName() string {
	return "workflow_staged_items"
}

// RunLog represents one log line recorded against a run
type RunLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `gorm:"size:36;not null;index" json:"run_id"`
	Level     string    `gorm:"size:10;not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Metadata  JSONMap   `gorm:"type:jsonb" json:"metadata,omitempty"`
}

// TableName sets the table name for RunLog
func (RunLog) TableName() string {
	return "workflow_run_logs"
}

// RunMetrics represents aggregated run statistics for one workflow
type RunMetrics struct {
	WorkflowID     uint       `json:"workflow_id"`
	TotalRuns      int64      `json:"total_runs"`
	SuccessfulRuns int64      `json:"successful_runs"`
	FailedRuns     int64      `json:"failed_runs"`
	PartialRuns    int64      `json:"partial_runs"`
	LastRunAt      *time.Time `json:"last_run_at"`
	SuccessRate    float64    `json:"success_rate"`
}
