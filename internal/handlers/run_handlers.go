package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/adapters"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/services"
)

// TriggerRun handles POST /workflows/:id/trigger
func (h *Handlers) TriggerRun(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}
	workflowID, err := h.getWorkflowIDParam(c)
	if err != nil {
		return err
	}

	run, err := h.services.Run.TriggerRun(c.Context(), workflowID, userID, "trigger")
	if err != nil {
		if errors.Is(err, services.ErrWorkflowDisabled) {
			return fiber.NewError(fiber.StatusConflict, "Workflow is disabled")
		}
		h.logger.Error("Failed to trigger run", zap.Error(err), zap.Uint("workflow_id", workflowID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to trigger run")
	}
	if run == nil {
		return fiber.NewError(fiber.StatusNotFound, "Workflow not found")
	}

	return c.Status(fiber.StatusAccepted).JSON(run)
}

// IngestPayload handles POST /workflows/:id/ingest. The raw body is the
// payload of the workflow's api format source.
func (h *Handlers) IngestPayload(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}
	workflowID, err := h.getWorkflowIDParam(c)
	if err != nil {
		return err
	}

	body := c.Body()
	if len(body) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "Request body is empty")
	}

	run, err := h.services.Run.Ingest(c.Context(), workflowID, userID, body)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrWorkflowDisabled):
			return fiber.NewError(fiber.StatusConflict, "Workflow is disabled")
		case errors.Is(err, services.ErrNoIngestSource):
			return fiber.NewError(fiber.StatusUnprocessableEntity, "Workflow does not accept inbound payloads")
		}
		h.logger.Error("Failed to ingest payload", zap.Error(err), zap.Uint("workflow_id", workflowID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to ingest payload")
	}
	if run == nil {
		return fiber.NewError(fiber.StatusNotFound, "Workflow not found")
	}

	return c.Status(fiber.StatusAccepted).JSON(run)
}

// GetRuns handles GET /workflows/:id/runs
func (h *Handlers) GetRuns(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}
	workflowID, err := h.getWorkflowIDParam(c)
	if err != nil {
		return err
	}

	limit, offset := h.getPaginationParams(c)

	runs, err := h.services.Run.GetRuns(c.Context(), workflowID, userID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to get runs", zap.Error(err), zap.Uint("workflow_id", workflowID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to get runs")
	}

	return c.JSON(fiber.Map{
		"runs": runs,
		"pagination": fiber.Map{
			"limit":  limit,
			"offset": offset,
		},
	})
}

// GetRun handles GET /runs/:run_id
func (h *Handlers) GetRun(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}

	run, err := h.services.Run.GetRun(c.Context(), c.Params("run_id"), userID)
	if err != nil {
		h.logger.Error("Failed to get run", zap.Error(err), zap.String("run_id", c.Params("run_id")))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to get run")
	}
	if run == nil {
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}

	return c.JSON(run)
}

// GetRunLogs handles GET /runs/:run_id/logs
func (h *Handlers) GetRunLogs(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}

	limit, offset := h.getPaginationParams(c)

	logs, err := h.services.Run.GetRunLogs(c.Context(), c.Params("run_id"), userID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to get run logs", zap.Error(err), zap.String("run_id", c.Params("run_id")))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to get run logs")
	}
	if logs == nil {
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}

	return c.JSON(fiber.Map{
		"logs": logs,
		"pagination": fiber.Map{
			"limit":  limit,
			"offset": offset,
		},
	})
}

// GetOutput handles GET /workflows/:id/output, returning the last
// rendered output of the workflow's format sink. With ?download=true
// the response carries an attachment disposition.
func (h *Handlers) GetOutput(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}
	workflowID, err := h.getWorkflowIDParam(c)
	if err != nil {
		return err
	}

	data, contentType, err := h.services.Run.GetOutput(c.Context(), workflowID, userID)
	if err != nil {
		if errors.Is(err, adapters.ErrNoOutput) {
			return fiber.NewError(fiber.StatusNotFound, "No output available")
		}
		h.logger.Error("Failed to get output", zap.Error(err), zap.Uint("workflow_id", workflowID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to get output")
	}
	if data == nil {
		return fiber.NewError(fiber.StatusNotFound, "Workflow not found")
	}

	c.Set(fiber.HeaderContentType, contentType)
	if c.QueryBool("download") {
		ext := "json"
		if contentType == "text/csv" {
			ext = "csv"
		}
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="output.`+ext+`"`)
	}
	return c.Send(data)
}
