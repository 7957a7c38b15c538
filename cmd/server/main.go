package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/framecast/api/internal/auth"
	"github.com/framecast/api/internal/client"
	"github.com/framecast/api/internal/config"
	"github.com/framecast/api/internal/events"
	"github.com/framecast/api/internal/handler"
	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/middleware"
	"github.com/framecast/api/internal/service"
	"github.com/framecast/api/internal/shutdown"
	"github.com/framecast/api/internal/store"
	"github.com/framecast/api/internal/timeline"
	ws "github.com/framecast/api/internal/websocket"
	"github.com/framecast/api/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("framecast: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLog := logger.New(logger.Config{
		Level:       cfg.Server.LogLevel,
		Format:      cfg.Server.LogFormat,
		Output:      os.Stdout,
		ServiceName: "framecast",
	})
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.NewManager(appLog, 30*time.Second)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	mgr.Register("redis", func(context.Context) error { return redisClient.Close() })

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLog.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	st, err := openStore(ctx, cfg, redisClient, appLog)
	if err != nil {
		return err
	}
	mgr.Register("store", func(context.Context) error { return st.Close() })

	artifacts, localDir, err := openStorage(ctx, cfg, appLog)
	if err != nil {
		return err
	}

	var backend client.RenderBackend
	backendName := "mock"
	if cfg.Backend.IsConfigured() {
		backend = client.NewRunPodClient(&cfg.Backend, appLog)
		backendName = "runpod"
	} else {
		appLog.Info("render backend not configured, using mock backend")
		backend = client.NewMockBackend("http://localhost:" + cfg.Server.Port + "/artifacts")
	}

	bus := events.NewBus(0)
	pipeline := worker.NewPipeline(st, backend, artifacts, bus, worker.OptionsFromConfig(cfg.Pipeline, cfg.Backend), appLog)
	failures := worker.NewFailureHandler(st, bus, appLog)

	if budget := cfg.Pipeline.PollBudget(); cfg.Pipeline.Lease <= budget {
		appLog.Warn("lease does not exceed the poll budget, live jobs may be reclaimed",
			"lease", cfg.Pipeline.Lease, "poll_budget", budget)
	}

	dispatcher, err := startDispatcher(cfg, pipeline, failures, mgr, appLog)
	if err != nil {
		return err
	}

	scheduler := worker.NewScheduler(st, dispatcher, cfg.Pipeline.BatchSize, cfg.Pipeline.Lease, appLog)
	if err := scheduler.Start(cfg.Pipeline.ScanInterval); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	mgr.Register("scheduler", scheduler.Stop)

	// Initialize WebSocket hub
	hubCtx, stopHub := context.WithCancel(ctx)
	hub := ws.NewHub(bus, appLog)
	go hub.Run(hubCtx)
	mgr.RegisterSimple("websocket hub", stopHub)

	// Initialize OIDC JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(ctx, &cfg.OIDC)
		if err != nil {
			appLog.Warn("JWKS verifier not initialized", "issuer", cfg.OIDC.Issuer, "error", err)
		} else {
			mgr.Register("jwks", func(context.Context) error { return jwksVerifier.Close() })
		}
	}

	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	resolver := auth.NewResolver(tokenVerifier, cfg.JWT.Secret)
	if !resolver.Configured() && !cfg.Gateway.Enabled {
		appLog.Warn("no OIDC issuer or JWT secret configured, /api will reject every request")
	}

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		appLog.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewResolverAuthMiddleware(resolver).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, appLog)

	renderService := service.NewRenderService(st, timeline.Default(), bus, appLog)

	app := handler.NewApp(handler.Router{
		Render:    handler.NewRenderHandler(renderService),
		Auth:      handler.NewAuthHandler(resolver),
		Scheduler: handler.NewSchedulerHandler(scheduler),
		Health: handler.NewHealthHandler(st, redisClient, fiber.Map{
			"backend":    backendName,
			"storage":    cfg.Storage.Provider,
			"store":      cfg.Store.Driver,
			"dispatcher": cfg.Pipeline.Dispatcher,
			"auth":       resolver.Configured() || cfg.Gateway.Enabled,
		}),
		Hub:          hub,
		APIAuth:      apiAuthMiddleware,
		RenderLimit:  rateLimiter.RenderLimit(cfg.RateLimit.RenderPerHour),
		TriggerToken: cfg.Pipeline.TriggerToken,
		ArtifactsDir: localDir,
		AccessLog:    true,
		Debug:        isDebug,
		Log:          appLog,
	})
	// Registered last so it runs first.
	mgr.Register("http", app.ShutdownWithContext)

	addr := ":" + cfg.Server.Port
	listenErr := make(chan error, 1)
	go func() {
		appLog.Info("server starting", "addr", addr, "env", cfg.Server.Env)
		listenErr <- app.Listen(addr)
	}()

	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	go func() {
		if err := <-listenErr; err != nil {
			appLog.Error("server error", "error", err)
			stopWait()
		}
	}()

	return mgr.Wait(waitCtx)
}

func openStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client, log *logger.Logger) (store.JobStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		log.Info("using postgres job store")
		return pg, nil
	case "redis":
		log.Info("using redis job store", "addr", cfg.Redis.Addr)
		return store.NewRedisStore(redisClient), nil
	default:
		log.Warn("using in-memory job store, jobs are lost on restart")
		return store.NewMemoryStore(), nil
	}
}

// openStorage returns the artifact store and, for local storage, the
// directory to serve under /artifacts.
func openStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (client.StorageClient, string, error) {
	switch cfg.Storage.Provider {
	case "r2":
		r2, err := client.NewR2Client(&cfg.Storage.R2)
		if err != nil {
			return nil, "", fmt.Errorf("init r2 storage: %w", err)
		}
		return r2, "", nil
	case "gcs":
		gcs, err := client.NewGCSClient(ctx, &cfg.Storage.GCS)
		if err != nil {
			return nil, "", fmt.Errorf("init gcs storage: %w", err)
		}
		return gcs, "", nil
	default:
		local, err := client.NewLocalStore(cfg.Storage.Local.Dir, cfg.Storage.Local.BaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("init local storage: %w", err)
		}
		log.Info("using local artifact storage", "dir", local.Root())
		return local, local.Root(), nil
	}
}

func startDispatcher(cfg *config.Config, pipeline *worker.Pipeline, failures *worker.FailureHandler, mgr *shutdown.Manager, log *logger.Logger) (worker.Dispatcher, error) {
	if cfg.Pipeline.Dispatcher == "local" {
		d := worker.NewLocalDispatcher(pipeline, failures, cfg.Pipeline.MaxTaskRetry, log)
		mgr.Register("dispatcher", d.Close)
		return d, nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	asynqClient := asynq.NewClient(redisOpt)
	mgr.Register("asynq client", func(context.Context) error { return asynqClient.Close() })

	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Pipeline.Concurrency,
		Queues: map[string]int{
			worker.QueueRender:   6,
			worker.QueueFailures: 4,
		},
		ErrorHandler: worker.NewErrorHandler(asynqClient, log),
		Logger:       logger.NewAsynqLogger(log),
		LogLevel:     asynqLogLevel,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeRender, pipeline.ProcessTask)
	mux.HandleFunc(worker.TaskTypeRenderFailure, failures.ProcessTask)

	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("start asynq worker: %w", err)
	}
	mgr.RegisterSimple("asynq server", srv.Shutdown)

	// A task attempt covers every poll plus the upload and submit steps.
	timeout := cfg.Pipeline.PollBudget() + 5*time.Minute
	return worker.NewAsynqDispatcher(asynqClient, cfg.Pipeline.MaxTaskRetry, timeout, log), nil
}
