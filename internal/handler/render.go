package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/middleware"
	"github.com/framecast/api/internal/service"
	"github.com/framecast/api/internal/timeline"
	"github.com/framecast/api/pkg/response"
)

type RenderHandler struct {
	service *service.RenderService
}

func NewRenderHandler(svc *service.RenderService) *RenderHandler {
	return &RenderHandler{service: svc}
}

// Submit handles POST /api/render
// Validates the timeline document in the body and creates a pending job.
// Rendering happens asynchronously; clients poll Status for the outcome.
func (h *RenderHandler) Submit(c *fiber.Ctx) error {
	result, err := h.service.Submit(c.UserContext(), middleware.GetUserID(c), c.Body())
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Accepted(c, result)
}

// List handles GET /api/render
func (h *RenderHandler) List(c *fiber.Ctx) error {
	result, err := h.service.List(c.UserContext(), middleware.GetUserID(c), c.QueryInt("limit", 0))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Status handles GET /api/render/:jobId
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Get(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Events handles GET /api/render/:jobId/events?since=N
func (h *RenderHandler) Events(c *fiber.Ctx) error {
	var since uint64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return response.FromError(c, apperr.Validation(timeline.DocumentIndex, "since", "since must be a non-negative integer"))
		}
		since = v
	}

	result, err := h.service.Events(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"), since)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Validate handles POST /api/timeline/validate
// Checks a timeline document and reports its duration and paint order
// without creating a job.
func (h *RenderHandler) Validate(c *fiber.Ctx) error {
	result, err := h.service.Preview(c.Body())
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}
