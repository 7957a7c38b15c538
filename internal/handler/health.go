package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/framecast/api/internal/store"
)

type HealthHandler struct {
	store    store.JobStore
	redis    *redis.Client
	services fiber.Map
}

// NewHealthHandler reports store and redis reachability plus the static
// services map. redisClient may be nil.
func NewHealthHandler(st store.JobStore, redisClient *redis.Client, services fiber.Map) *HealthHandler {
	return &HealthHandler{store: st, redis: redisClient, services: services}
}

// Check handles GET /health
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := fiber.StatusOK

	storeStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		storeStatus = err.Error()
		status = "unavailable"
		code = fiber.StatusServiceUnavailable
	}

	redisStatus := "disabled"
	if h.redis != nil {
		redisStatus = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			redisStatus = err.Error()
			if status == "ok" {
				status = "degraded"
			}
		}
	}

	return c.Status(code).JSON(fiber.Map{
		"status":   status,
		"store":    storeStatus,
		"redis":    redisStatus,
		"services": h.services,
	})
}
