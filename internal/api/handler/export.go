package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/repository"
	"github.com/timmy/docvqa/internal/service"
)

// ExportHandler handles dataset export endpoints. Exports run in the
// background; at most one runs at a time per process.
type ExportHandler struct {
	exporter *service.Exporter
	exports  *repository.ExportRepository
	logger   *logger.Logger

	// Export job state
	mu         sync.RWMutex
	isRunning  bool
	lastResult *service.ExportResult
	lastRun    time.Time
}

// NewExportHandler creates a new export handler.
// Parameters:
//   - exporter: export pipeline service.
//   - exports: export repository for progress lookups.
//   - log: logger instance.
// Returns:
//   - *ExportHandler: initialized handler.
func NewExportHandler(exporter *service.Exporter, exports *repository.ExportRepository, log *logger.Logger) *ExportHandler {
	if log == nil {
		log = logger.GetDefault()
	}
	return &ExportHandler{
		exporter: exporter,
		exports:  exports,
		logger:   log,
	}
}

// ExportStatusResponse represents the export status endpoint payload.
type ExportStatusResponse struct {
	IsRunning  bool                  `json:"is_running"`
	LastRun    string                `json:"last_run,omitempty"`
	LastResult *service.ExportResult `json:"last_result,omitempty"`
}

// StartExport handles POST /api/v1/exports. The export itself runs on a
// background context so a closed HTTP connection cannot abort it; the
// response only confirms the start.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ExportHandler) StartExport(c *gin.Context) {
	ctx := c.Request.Context()

	var req service.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid export request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if req.Version == "" || req.RepoID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version and repo_id are required"})
		return
	}

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		logger.CtxWarn(ctx, "Export request rejected: already running, version=%s", req.Version)
		c.JSON(http.StatusConflict, gin.H{"error": "An export is already running"})
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	logger.CtxInfo(ctx, "Starting export: version=%s, repo=%s, export_id=%s",
		req.Version, req.RepoID, req.ExportID)

	go func() {
		// Background context so a closed HTTP connection cannot abort the run.
		runCtx := context.Background()
		start := time.Now()
		result := h.exporter.Run(runCtx, req)

		h.mu.Lock()
		h.isRunning = false
		h.lastResult = &result
		h.lastRun = time.Now()
		h.mu.Unlock()

		entry := logger.With(logger.Fields{
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
			logger.FieldExportID:   result.ExportID,
		})
		if result.Success {
			entry.Info(runCtx, "Export finished: version=%s, url=%s", req.Version, result.HostedURL)
		} else {
			entry.Error(runCtx, "Export finished with error: version=%s, error=%s", req.Version, result.Error)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Export started", "version": req.Version})
}

// GetExportStatus handles GET /api/v1/exports/status.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ExportHandler) GetExportStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := ExportStatusResponse{
		IsRunning:  h.isRunning,
		LastResult: h.lastResult,
	}
	if !h.lastRun.IsZero() {
		resp.LastRun = h.lastRun.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// GetExport handles GET /api/v1/exports/:id, returning the persistent
// progress record for one export attempt.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ExportHandler) GetExport(c *gin.Context) {
	progress, err := h.exports.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Export not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load export: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, progress)
}
