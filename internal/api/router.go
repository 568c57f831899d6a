package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/timmy/docvqa/internal/api/handler"
	"github.com/timmy/docvqa/internal/api/middleware"
	"github.com/timmy/docvqa/internal/config"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/repository"
	"github.com/timmy/docvqa/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	trigger *service.Trigger,
	exporter *service.Exporter,
	jobRepo *repository.JobRepository,
	exportRepo *repository.ExportRepository,
	db *gorm.DB,
	cfg *config.Config,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler(db)
	evalHandler := handler.NewEvaluationHandler(trigger, jobRepo)
	exportHandler := handler.NewExportHandler(exporter, exportRepo, log)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Evaluations
		v1.POST("/evaluations", evalHandler.TriggerEvaluation)

		// Jobs
		v1.GET("/jobs/:id", evalHandler.GetJob)
		v1.POST("/jobs/reconcile", evalHandler.ReconcileJobs)

		// Exports
		v1.POST("/exports", exportHandler.StartExport)
		v1.GET("/exports/status", exportHandler.GetExportStatus)
		v1.GET("/exports/:id", exportHandler.GetExport)
	}

	return r
}
