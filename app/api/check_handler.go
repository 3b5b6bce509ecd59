package api

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"ragforge/types"
)

type HealthChecker interface {
	Health(ctx context.Context) types.Health
}

type CheckHandler struct {
	checker HealthChecker
}

func NewCheckHandler(checker HealthChecker) *CheckHandler {
	return &CheckHandler{checker: checker}
}

// HandleHealthy reports the vector engine state; red answers 503.
func (h *CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	health := h.checker.Health(c.UserContext())
	resp := types.HealthResponse{
		Status:    string(health.Status),
		Message:   health.Message,
		Timestamp: health.Timestamp,
	}
	if health.Status == types.HealthRed {
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}
