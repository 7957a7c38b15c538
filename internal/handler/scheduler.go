package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/model"
	"github.com/framecast/api/pkg/response"
)

// Ticker runs one scheduler pass.
type Ticker interface {
	Tick(ctx context.Context) (*model.SchedulerTickResponse, error)
}

type SchedulerHandler struct {
	scheduler Ticker
}

func NewSchedulerHandler(s Ticker) *SchedulerHandler {
	return &SchedulerHandler{scheduler: s}
}

// Tick handles POST /internal/scheduler/tick, the external trigger for the
// same pass the in-process cadence runs.
func (h *SchedulerHandler) Tick(c *fiber.Ctx) error {
	result, err := h.scheduler.Tick(c.UserContext())
	if err != nil {
		return response.FromError(c, apperr.WrapWithCode(err, apperr.CodeUnavailable, "scheduler.tick", "scheduler tick failed"))
	}
	return response.OK(c, result)
}
