package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/timmy/docvqa/internal/config"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/queue"
	"github.com/timmy/docvqa/internal/repository"
	"github.com/timmy/docvqa/internal/service"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "docvqa-worker",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	jobRepo := repository.NewJobRepository(db)

	// Initialize collaborator clients
	inference := service.NewInferenceService(&service.InferenceConfig{
		BaseURL:   cfg.Inference.BaseURL,
		APIKey:    cfg.Inference.APIKey,
		Timeout:   cfg.Inference.Timeout,
		MaxTokens: cfg.Inference.MaxTokens,
	})
	hosting := service.NewHostingService(&service.HostingConfig{
		BaseURL: cfg.Hosting.BaseURL,
		Token:   cfg.Hosting.Token,
		Timeout: cfg.Hosting.Timeout,
	})

	var tracker service.Tracker = service.NoopTracker{}
	if cfg.Tracking.Enabled {
		tracker = service.NewHTTPTracker(&service.TrackingConfig{
			BaseURL: cfg.Tracking.BaseURL,
			Token:   cfg.Tracking.Token,
			Timeout: cfg.Tracking.Timeout,
		})
	}

	worker := service.NewWorker(jobRepo, inference, hosting, tracker, 0, appLogger)

	// Connect to the queue
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := queue.NewJetStreamGateway(ctx, cfg.Queue, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to connect to queue")
	}
	defer gateway.Close()

	// Push metrics periodically when a push gateway is configured
	if cfg.Metrics.PushAddress != "" {
		pusher := push.New(cfg.Metrics.PushAddress, "docvqa_worker").
			Gatherer(prometheus.DefaultGatherer)
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := pusher.Push(); err != nil {
						appLogger.WithError(err).Warn("Failed to push metrics")
					}
				}
			}
		}()
	}

	// Cancel the consume loop on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		appLogger.Info("Shutting down worker...")
		cancel()
	}()

	appLogger.WithFields(logger.Fields{
		"stream":   cfg.Queue.Stream,
		"consumer": cfg.Queue.Consumer,
	}).Info("Starting evaluation worker")

	if err := gateway.Run(ctx, worker.HandleBatch); err != nil && ctx.Err() == nil {
		appLogger.WithError(err).Fatal("Consume loop failed")
	}

	appLogger.Info("Worker exited")
}
