package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/adapters"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/config"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/engine"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/handlers"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/queue"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/repositories"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/services"
	"github.com/Reg-Kris/pyairtable-workflow-service/pkg/database"
	"github.com/Reg-Kris/pyairtable-workflow-service/pkg/logger"
	"github.com/Reg-Kris/pyairtable-workflow-service/pkg/metrics"
	"github.com/Reg-Kris/pyairtable-workflow-service/pkg/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting Workflow Service",
		zap.String("version", "1.0.0"),
		zap.String("environment", os.Getenv("ENVIRONMENT")))

	// Initialize database
	db, err := database.Connect(cfg.Database.GetDSN(), database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Initialize Redis
	ctx := context.Background()
	redisClient, err := redis.Connect(ctx, redis.Options{
		Addr:         cfg.Redis.GetRedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Initialize metrics
	registry := metrics.NewRegistry()

	// Initialize repositories and adapters
	repos := repositories.New(db, redisClient)
	entityStore := adapters.NewHTTPEntityStore(cfg.Entity.BaseURL, cfg.Entity.APIKey, cfg.Entity.MaxRetries, zapLogger)
	formatClient := adapters.NewHTTPFormatClient(redisClient, cfg.Format.MaxRetries, cfg.Format.PushRPS, cfg.Format.StashTTL, cfg.Format.OutputTTL, zapLogger)
	transport := queue.NewRedisTransport(redisClient)

	// Initialize engine
	orchestrator := engine.NewOrchestrator(repos, entityStore, formatClient, transport, registry, engine.OrchestratorConfig{
		DefaultTimeout:   cfg.Engine.DefaultTimeout,
		BatchParallelism: cfg.Engine.BatchParallelism,
	}, zapLogger)

	pool := engine.NewWorkerPool(transport, orchestrator, registry, engine.WorkerPoolConfig{
		Workers:        cfg.Engine.Workers,
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		PopWaitTimeout: cfg.Engine.PopWaitTimeout,
	}, zapLogger)

	scheduler := engine.NewScheduler(repos.Workflow, orchestrator, pool, engine.SchedulerConfig{
		Interval:   cfg.Scheduler.Interval,
		StaleAfter: cfg.Scheduler.StaleAfter,
	}, zapLogger)

	pool.Start(ctx)
	scheduler.Start(ctx)

	// Initialize services and handlers
	svcs := services.New(repos, orchestrator, formatClient, scheduler, cfg, zapLogger)
	h := handlers.New(svcs, zapLogger)

	// Initialize HTTP server
	app := fiber.New(fiber.Config{
		ServerHeader: "Workflow Service",
		AppName:      "Workflow Service v1.0.0",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BodyLimit:    cfg.Server.BodyLimitMB * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			if code >= fiber.StatusInternalServerError {
				zapLogger.Error("HTTP error",
					zap.Error(err),
					zap.Int("status_code", code),
					zap.String("method", c.Method()),
					zap.String("path", c.Path()))
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "[${time}] ${status} - ${method} ${path} ${latency}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-User-ID",
	}))
	app.Use(httpMetrics(registry))

	// Health and metrics endpoints
	app.Get("/health", h.Health)
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	// API routes
	v1 := app.Group("/api/v1")
	v1.Post("/workflows", h.CreateWorkflow)
	v1.Get("/workflows", h.GetWorkflows)
	v1.Post("/workflows/validate", h.ValidateWorkflow)
	v1.Get("/workflows/:id", h.GetWorkflow)
	v1.Put("/workflows/:id", h.UpdateWorkflow)
	v1.Delete("/workflows/:id", h.DeleteWorkflow)
	v1.Get("/workflows/:id/metrics", h.GetWorkflowMetrics)
	v1.Post("/workflows/:id/trigger", h.TriggerRun)
	v1.Get("/workflows/:id/trigger", h.TriggerRun)
	v1.Post("/workflows/:id/ingest", h.IngestPayload)
	v1.Get("/workflows/:id/runs", h.GetRuns)
	v1.Get("/workflows/:id/output", h.GetOutput)
	v1.Get("/runs/:run_id", h.GetRun)
	v1.Get("/runs/:run_id/logs", h.GetRunLogs)

	// Start server
	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	zapLogger.Info("Starting HTTP server", zap.String("address", address))

	go func() {
		if err := app.Listen(address); err != nil {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zapLogger.Info("Received shutdown signal")

	// Stop intake first, then drain the engine.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		zapLogger.Error("Server shutdown error", zap.Error(err))
	}

	scheduler.Stop()
	pool.Stop()

	zapLogger.Info("Shutdown completed")
}

// httpMetrics records request counts and latency per route.
func httpMetrics(registry *metrics.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}

		route := c.Route().Path
		registry.HTTPRequestsTotal.WithLabelValues(c.Method(), route, fmt.Sprintf("%d", status)).Inc()
		registry.HTTPRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}
