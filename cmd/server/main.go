package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/studioposts/api/internal/auth"
	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/client"
	"github.com/studioposts/api/internal/config"
	"github.com/studioposts/api/internal/engine"
	"github.com/studioposts/api/internal/handler"
	"github.com/studioposts/api/internal/middleware"
	"github.com/studioposts/api/internal/pipeline"
	"github.com/studioposts/api/internal/service"
	"github.com/studioposts/api/internal/worker"
	ws "github.com/studioposts/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub for job progress
	hub := ws.NewHub()
	go hub.Run()

	// Initialize object storage client
	storageClient, err := client.NewS3Client(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage client: %v", err)
	}

	// Initialize schedule-sync client
	scheduleClient := client.NewScheduleClient(&cfg.Schedule)
	if !scheduleClient.IsConfigured() {
		log.Println("Info: schedule sync not configured, only inline schedules accepted")
	}

	// Initialize engine transport: rendering engine workers dial in over
	// websocket and sessions are multiplexed onto them by namespace
	registry := engine.NewRegistry()
	transport := engine.NewTransport(registry)

	// Initialize content cache (local Redis tier over durable storage)
	contentCache := cache.New(cache.NewRedisKV(redisClient), storageClient, time.Hour)

	// Initialize pipeline orchestrator
	pipelineOpts := pipeline.DefaultOptions()
	if cfg.Engine.JobTimeout > 0 {
		pipelineOpts.JobTimeout = time.Duration(cfg.Engine.JobTimeout) * time.Second
	}
	if cfg.Engine.MaxConcurrent > 0 {
		pipelineOpts.MaxConcurrent = cfg.Engine.MaxConcurrent
	}
	if cfg.Engine.ExportAttempts > 0 {
		pipelineOpts.SessionOptions.ExportAttempts = cfg.Engine.ExportAttempts
	}
	if cfg.Engine.ResendDelay > 0 {
		pipelineOpts.SessionOptions.ExportResendDelay = time.Duration(cfg.Engine.ResendDelay) * time.Second
	}

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Zitadel.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize services
	templateService := service.NewTemplateService(redisClient, storageClient)
	contentService := service.NewContentService(contentCache, storageClient)
	designService := service.NewDesignService(redisClient, asynqClient, contentCache, templateService)

	orchestrator := pipeline.New(
		templateService,
		scheduleClient,
		storageClient,
		contentCache,
		registry,
		transport,
		pipelineOpts,
	)

	// Initialize handlers
	designHandler := handler.NewDesignHandler(designService, contentService, validate)
	templateHandler := handler.NewTemplateHandler(templateService, validate)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		// Direct mode: auth is handled by the backend itself
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB; documents go through signed URLs
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"engines":  transport.WorkerCount(),
				"sessions": orchestrator.ActiveSessions(),
				"schedule": scheduleClient.IsConfigured(),
				"auth":     jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	// Design generation routes
	designs := api.Group("/designs")
	designs.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), designHandler.Generate)
	designs.Get("/status/:jobId", designHandler.Status)
	designs.Get("/result/:jobId", designHandler.Result)
	designs.Post("/cancel/:jobId", designHandler.Cancel)
	designs.Get("/:contentId", designHandler.Get)

	// Overwrite routes
	designs.Get("/:contentId/overwrite/upload-url", rateLimiter.OverwriteLimit(cfg.RateLimit.OverwritePerHour), designHandler.OverwriteUploadURL)
	designs.Put("/:contentId/overwrite", rateLimiter.OverwriteLimit(cfg.RateLimit.OverwritePerHour), designHandler.CommitOverwrite)
	designs.Delete("/:contentId/overwrite", designHandler.ClearOverwrite)

	// Template routes
	templates := api.Group("/templates", rateLimiter.TemplateLimit(cfg.RateLimit.TemplatePerHour))
	templates.Post("/", templateHandler.Create)
	templates.Get("/:templateId", templateHandler.Get)
	templates.Get("/:templateId/upload-url", templateHandler.UploadURL)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Job progress stream for frontends
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Engine workers join the render pool here
	app.Get("/ws/engine", websocket.New(func(c *websocket.Conn) {
		transport.HandleConnection(c)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, designService, contentService, orchestrator, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	designService *service.DesignService,
	contentService *service.ContentService,
	orchestrator *pipeline.Orchestrator,
	hub *ws.Hub,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"generate": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	designWorker := worker.NewDesignWorker(designService, contentService, orchestrator, hub)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeGenerate, designWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
