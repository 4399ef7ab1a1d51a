package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmelo/convoy/internal/cloud"
	"github.com/dmelo/convoy/internal/config"
	"github.com/dmelo/convoy/internal/database"
	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/handler"
	"github.com/dmelo/convoy/internal/health"
	"github.com/dmelo/convoy/internal/model"
	"github.com/dmelo/convoy/internal/notify"
	"github.com/dmelo/convoy/internal/service"
	"github.com/dmelo/convoy/internal/verifier"
	"github.com/dmelo/convoy/internal/worker"
	"github.com/dmelo/convoy/pkg/middleware"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting Convoy Deployment Service", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to MongoDB
	db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Disconnect(context.Background()); err != nil {
			slog.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}()

	// Create indexes
	if err := database.CreateIndexes(ctx, db); err != nil {
		slog.Error("Failed to create indexes", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	deploymentRepo := database.NewDeploymentRepository(db)
	buildRepo := database.NewBuildResultRepository(db)
	healthCheckRepo := database.NewHealthCheckRepository(db)
	lockStore := database.NewLockStore(db)

	// Resolve the fleet source. Without a fleet file targets must be
	// registered through a custom build; the server still runs.
	fleets := cloud.NewStaticClient()
	if cfg.FleetsFile != "" {
		fleets, err = cloud.LoadFleets(cfg.FleetsFile)
		if err != nil {
			slog.Error("Failed to load fleet file", "path", cfg.FleetsFile, "error", err)
			os.Exit(1)
		}
	}

	// Provisioning: command-driven when configured, otherwise the static
	// client flips versions in memory (dry-run mode).
	var cloudClient deploy.CloudTargetClient = fleets
	if len(cfg.ProvisionCommand) > 0 {
		cloudClient = cloud.NewCommandClient(cfg.ProvisionCommand, cfg.RestoreCommand, cfg.ProvisionTimeout)
		slog.Info("Using command-driven provisioning", "command", cfg.ProvisionCommand[0])
	} else {
		slog.Warn("No provision command configured, running in dry-run mode")
	}

	// Initialize the health gate and rollout engine
	checker := health.NewChecker(cfg.HealthCheckTimeout)
	deployer := deploy.NewRollingDeployer(cloudClient, checker)

	// Outcome notifications
	var notifier *notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookTimeout, notify.RetryConfig{})
	}

	// Initialize services
	deployService := service.NewDeployService(
		deploymentRepo,
		buildRepo,
		healthCheckRepo,
		fleets,
		deployer,
		lockStore,
		service.WithLockTTL(cfg.LockTTL),
		service.WithLockPollInterval(cfg.LockPollInterval),
		service.WithLockTimeout(cfg.LockWaitTimeout),
		service.WithDefaults(service.Defaults{
			BatchSize:     cfg.DefaultBatchSize,
			BatchFraction: cfg.DefaultBatchFraction,
			CheckTimeout:  cfg.HealthCheckTimeout,
			CheckRetries:  cfg.HealthCheckRetries,
			CheckInterval: cfg.HealthCheckInterval,
		}),
		service.WithNotifier(notifier),
	)
	buildService := service.NewBuildService(buildRepo)

	// Async deploys run on a bounded worker pool
	pool := worker.NewPool(cfg.WorkerPoolSize, cfg.JobQueueSize)
	asyncService := service.NewAsyncDeployService(deployService, pool, model.NewJobStatusStore())
	pool.Start()

	// Post-deploy verification
	verify := verifier.New(cfg, deploymentRepo, healthCheckRepo, fleets, checker, lockStore)
	verify.Start(ctx)

	// Initialize handlers
	deploymentHandler := handler.NewDeploymentHandler(deployService, asyncService)
	buildHandler := handler.NewBuildHandler(buildService)
	jobHandler := handler.NewJobHandler(asyncService)
	healthHandler := handler.NewHealthHandler(db, version)

	// Create CORS config
	corsConfig := middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	}

	// Create router
	router := handler.NewRouter(
		deploymentHandler,
		buildHandler,
		jobHandler,
		healthHandler,
		corsConfig,
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, then wait for in-flight rollouts
	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Stopping verifier...")
	verify.Stop(shutdownCtx)

	slog.Info("Stopping deploy workers...")
	pool.Stop()

	slog.Info("Convoy Deployment Service stopped")
}
