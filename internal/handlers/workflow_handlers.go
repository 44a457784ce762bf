package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/services"
)

// validationResponse shapes a *dsl.ValidationError into the error body
// so clients get every violation at once.
func validationResponse(c *fiber.Ctx, err *dsl.ValidationError) error {
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
		"error":      "workflow config invalid",
		"violations": err.Violations,
	})
}

// CreateWorkflow handles POST /workflows
func (h *Handlers) CreateWorkflow(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}

	var req services.CreateWorkflowRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	workflow, err := h.services.Workflow.CreateWorkflow(c.Context(), userID, &req)
	if err != nil {
		var validationErr *dsl.ValidationError
		if errors.As(err, &validationErr) {
			return validationResponse(c, validationErr)
		}
		h.logger.Error("Failed to create workflow", zap.Error(err), zap.Uint("user_id", userID))
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

// GetWorkflows handles GET /workflows
func (h *Handlers) GetWorkflows(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}

	limit, offset := h.getPaginationParams(c)

	workflows, err := h.services.Workflow.GetWorkflows(c.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to get workflows", zap.Error(err), zap.Uint("user_id", userID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to get workflows")
	}

	return c.JSON(fiber.Map{
		"workflows": workflows,
		"pagination": fiber.Map{
			"limit":  limit,
			"offset": offset,
		},
	})
}

// GetWorkflow handles GET /workflows/:id
func (h *Handlers) GetWorkflow(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}
	workflowID, err := h.getWorkflowIDParam(c)
	if err != nil {
		return err
	}

	workflow, err := h.services.Workflow.GetWorkflow(c.Context(), workflowID, userID)
	if err != nil {
		h.logger.Error("Failed to get workflow", zap.Error(err), zap.Uint("workflow_id", workflowID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to get workflow")
	}
	if workflow == nil {
		return fiber.NewError(fiber.StatusNotFound, "Workflow not found")
	}

	return c.JSON(workflow)
}

// UpdateWorkflow handles PUT /workflows/:id
func (h *Handlers) UpdateWorkflow(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}
	workflowID, err := h.getWorkflowIDParam(c)
	if err != nil {
		return err
	}

	var req services.UpdateWorkflowRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	workflow, err := h.services.Workflow.UpdateWorkflow(c.Context(), workflowID, userID, &req)
	if err != nil {
		var validationErr *dsl.ValidationError
		if errors.As(err, &validationErr) {
			return validationResponse(c, validationErr)
		}
		h.logger.Error("Failed to update workflow", zap.Error(err), zap.Uint("workflow_id", workflowID))
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if workflow == nil {
		return fiber.NewError(fiber.StatusNotFound, "Workflow not found")
	}

	return c.JSON(workflow)
}

// DeleteWorkflow handles DELETE /workflows/:id
func (h *Handlers) DeleteWorkflow(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}
	workflowID, err := h.getWorkflowIDParam(c)
	if err != nil {
		return err
	}

	deleted, err := h.services.Workflow.DeleteWorkflow(c.Context(), workflowID, userID)
	if err != nil {
		h.logger.Error("Failed to delete workflow", zap.Error(err), zap.Uint("workflow_id", workflowID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to delete workflow")
	}
	if !deleted {
		return fiber.NewError(fiber.StatusNotFound, "Workflow not found")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ValidateWorkflow handles POST /workflows/validate, a dry run of the
// static config checks without persisting anything.
func (h *Handlers) ValidateWorkflow(c *fiber.Ctx) error {
	var cfg dsl.WorkflowConfig
	if err := c.BodyParser(&cfg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	if err := h.services.Workflow.ValidateConfig(cfg); err != nil {
		var validationErr *dsl.ValidationError
		if errors.As(err, &validationErr) {
			return validationResponse(c, validationErr)
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(fiber.Map{"valid": true})
}

// GetWorkflowMetrics handles GET /workflows/:id/metrics
func (h *Handlers) GetWorkflowMetrics(c *fiber.Ctx) error {
	userID, err := h.getUserIDFromContext(c)
	if err != nil {
		return err
	}
	workflowID, err := h.getWorkflowIDParam(c)
	if err != nil {
		return err
	}

	since := c.QueryInt("days", 30)
	metrics, err := h.services.Workflow.GetMetrics(c.Context(), workflowID, userID, since)
	if err != nil {
		h.logger.Error("Failed to get workflow metrics", zap.Error(err), zap.Uint("workflow_id", workflowID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to get workflow metrics")
	}
	if metrics == nil {
		return fiber.NewError(fiber.StatusNotFound, "Workflow not found")
	}

	return c.JSON(metrics)
}
