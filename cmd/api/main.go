package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/docvqa/internal/api"
	"github.com/timmy/docvqa/internal/config"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/queue"
	"github.com/timmy/docvqa/internal/repository"
	"github.com/timmy/docvqa/internal/service"
	"github.com/timmy/docvqa/internal/storage"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "docvqa-api",
	})
	logger.SetDefaultLogger(appLogger)

	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	jobRepo := repository.NewJobRepository(db)
	exportRepo := repository.NewExportRepository(db)
	annotationRepo := repository.NewAnnotationRepository(db)

	// Initialize queue gateway (publisher side)
	ctx := context.Background()
	gateway, err := queue.NewJetStreamGateway(ctx, cfg.Queue, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to connect to queue")
	}
	defer gateway.Close()

	// Initialize storage (supports MinIO, R2, S3)
	objectStorage, err := storage.NewStorage(&storage.S3Config{
		Type:      storage.StorageType(cfg.Storage.Type),
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	// Initialize services
	hosting := service.NewHostingService(&service.HostingConfig{
		BaseURL: cfg.Hosting.BaseURL,
		Token:   cfg.Hosting.Token,
		Timeout: cfg.Hosting.Timeout,
	})
	registry := service.NewModelRegistry(nil)
	trigger := service.NewTrigger(jobRepo, gateway, registry, appLogger)
	exporter := service.NewExporter(annotationRepo, exportRepo, objectStorage, hosting, cfg.Export, appLogger)

	// Setup router
	router := api.SetupRouter(trigger, exporter, jobRepo, exportRepo, db, cfg, appLogger)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
