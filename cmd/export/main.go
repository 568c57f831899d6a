package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/timmy/docvqa/internal/config"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/repository"
	"github.com/timmy/docvqa/internal/service"
	"github.com/timmy/docvqa/internal/storage"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "docvqa-export",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	version := flag.String("version", "", "Dataset version to export (required)")
	repoID := flag.String("repo", "", "Destination hosting repo id (required)")
	creator := flag.String("creator", "", "Creator identity recorded on the dataset version")
	exportID := flag.String("export-id", "", "Export id of a prior attempt to resume")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *version == "" || *repoID == "" {
		flag.Usage()
		os.Exit(2)
	}

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
	annotationRepo := repository.NewAnnotationRepository(db)
	exportRepo := repository.NewExportRepository(db)

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

	hosting := service.NewHostingService(&service.HostingConfig{
		BaseURL: cfg.Hosting.BaseURL,
		Token:   cfg.Hosting.Token,
		Timeout: cfg.Hosting.Timeout,
	})

	exporter := service.NewExporter(annotationRepo, exportRepo, objectStorage, hosting, cfg.Export, appLogger)

	result := exporter.Run(context.Background(), service.ExportRequest{
		Version:   *version,
		RepoID:    *repoID,
		CreatedBy: *creator,
		ExportID:  *exportID,
	})

	out, _ := json.MarshalIndent(result, "", "  ")
	os.Stdout.Write(append(out, '\n'))

	if !result.Success {
		os.Exit(1)
	}
}
