package handler

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/middleware"
	ws "github.com/framecast/api/internal/websocket"
	"github.com/framecast/api/pkg/response"
)

// Router holds everything the HTTP surface is built from. Optional fields
// left nil disable the corresponding routes or middleware.
type Router struct {
	Render    *RenderHandler
	Auth      *AuthHandler
	Scheduler *SchedulerHandler
	Health    *HealthHandler
	Hub       *ws.Hub

	// APIAuth authenticates every /api route and sets the job owner.
	APIAuth     fiber.Handler
	RenderLimit fiber.Handler

	TriggerToken string
	// ArtifactsDir is served under /artifacts when the local artifact store is used.
	ArtifactsDir string

	AccessLog bool
	Debug     bool
	BodyLimit int
	Log       *logger.Logger
}

// NewApp builds the fiber application.
func NewApp(r Router) *fiber.App {
	if r.BodyLimit == 0 {
		r.BodyLimit = 10 * 1024 * 1024
	}
	if r.Log == nil {
		r.Log = logger.NewDefault()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler(r.Log),
		BodyLimit:             r.BodyLimit,
		DisableStartupMessage: true,
	})

	// Global middleware
	app.Use(recover.New(recover.Config{EnableStackTrace: r.Debug}))
	app.Use(requestid.New())
	app.Use(func(c *fiber.Ctx) error {
		if id, ok := c.Locals("requestid").(string); ok {
			c.SetUserContext(logger.ContextWithRequestID(c.UserContext(), id))
		}
		return c.Next()
	})
	if r.AccessLog {
		logFormat := "[${time}] ${status} - ${latency} ${method} ${path} ${locals:requestid}\n"
		if r.Debug {
			logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		}
		app.Use(fiberlogger.New(fiberlogger.Config{
			Format: logFormat,
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	if r.Health != nil {
		app.Get("/health", r.Health.Check)
	}

	// ForwardAuth verification endpoint (internal, called by Traefik)
	if r.Auth != nil {
		app.Get("/auth/verify", r.Auth.Verify)
	}

	if r.ArtifactsDir != "" {
		app.Static("/artifacts", r.ArtifactsDir, fiber.Static{ByteRange: true})
	}

	if r.Scheduler != nil {
		app.Post("/internal/scheduler/tick", middleware.TriggerToken(r.TriggerToken), r.Scheduler.Tick)
	}

	// API routes
	apiAuth := r.APIAuth
	if apiAuth == nil {
		apiAuth = func(c *fiber.Ctx) error {
			return response.Unauthorized(c, "Authentication not configured")
		}
	}
	api := app.Group("/api", apiAuth)

	if r.Render != nil {
		submit := []fiber.Handler{r.Render.Submit}
		if r.RenderLimit != nil {
			submit = []fiber.Handler{r.RenderLimit, r.Render.Submit}
		}

		render := api.Group("/render")
		render.Post("/", submit...)
		render.Get("/", r.Render.List)
		render.Get("/:jobId", r.Render.Status)
		render.Get("/:jobId/events", r.Render.Events)

		api.Post("/timeline/validate", r.Render.Validate)
	}

	// WebSocket routes
	if r.Hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})

		hub := r.Hub
		app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
			hub.HandleConnection(c, c.Params("jobId"))
		}))
	}

	return app
}

func errorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var e *fiber.Error
		if errors.As(err, &e) {
			code := response.CodeServiceError
			switch e.Code {
			case fiber.StatusNotFound:
				code = response.CodeNotFound
			case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
				code = response.CodeValidationError
			}
			return response.Error(c, e.Code, code, e.Message, nil)
		}

		log.Error("unhandled request error", "path", c.Path(), "method", c.Method(), "error", err)
		return response.FromError(c, err)
	}
}
