package services

import (
	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/adapters"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/config"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/engine"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/repositories"
)

// ScheduleValidator checks cron expressions before they are persisted.
// Satisfied by the engine scheduler so the service and the reconcile
// loop agree on the accepted dialect.
type ScheduleValidator interface {
	ValidateSchedule(expr string) error
}

type Services struct {
	Workflow *WorkflowService
	Run      *RunService

	config *config.Config
	logger *zap.Logger
	repos  *repositories.Repositories
}

func New(
	repos *repositories.Repositories,
	orchestrator *engine.Orchestrator,
	formats adapters.FormatClient,
	schedules ScheduleValidator,
	cfg *config.Config,
	logger *zap.Logger,
) *Services {
	return &Services{
		config:   cfg,
		logger:   logger,
		repos:    repos,
		Workflow: NewWorkflowService(repos, schedules, logger),
		Run:      NewRunService(repos, orchestrator, formats, logger),
	}
}
