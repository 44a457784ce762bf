package handlers

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/services"
)

type Handlers struct {
	services *services.Services
	validate *validator.Validate
	logger   *zap.Logger
}

func New(services *services.Services, logger *zap.Logger) *Handlers {
	return &Handlers{
		services: services,
		validate: validator.New(),
		logger:   logger,
	}
}

// Health handles health check requests
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"service":   "workflow-service",
		"timestamp": time.Now(),
	})
}

// getUserIDFromContext extracts the authenticated user ID injected by
// the gateway.
func (h *Handlers) getUserIDFromContext(c *fiber.Ctx) (uint, error) {
	userIDStr := c.Get("X-User-ID")
	if userIDStr == "" {
		if uid, ok := c.Locals("userID").(uint); ok {
			return uid, nil
		}
		return 0, fiber.NewError(fiber.StatusUnauthorized, "User ID not found")
	}

	userID, err := strconv.ParseUint(userIDStr, 10, 32)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid user ID")
	}

	return uint(userID), nil
}

// getPaginationParams extracts limit/offset query parameters
func (h *Handlers) getPaginationParams(c *fiber.Ctx) (int, int) {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// getWorkflowIDParam parses the :id path parameter
func (h *Handlers) getWorkflowIDParam(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid workflow ID")
	}
	return uint(id), nil
}
