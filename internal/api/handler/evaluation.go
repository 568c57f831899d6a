package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/repository"
	"github.com/timmy/docvqa/internal/service"
)

// EvaluationHandler handles evaluation trigger and job lookup endpoints.
type EvaluationHandler struct {
	trigger *service.Trigger
	jobs    *repository.JobRepository
}

// NewEvaluationHandler creates a new evaluation handler.
// Parameters:
//   - trigger: evaluation trigger service.
//   - jobs: job repository for lookups.
// Returns:
//   - *EvaluationHandler: initialized handler.
func NewEvaluationHandler(trigger *service.Trigger, jobs *repository.JobRepository) *EvaluationHandler {
	return &EvaluationHandler{
		trigger: trigger,
		jobs:    jobs,
	}
}

// TriggerEvaluation handles POST /api/v1/evaluations.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EvaluationHandler) TriggerEvaluation(c *gin.Context) {
	ctx := c.Request.Context()

	var req service.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid evaluation request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	logger.CtxInfo(ctx, "Received evaluation request: version=%s, repo=%s, models=%v",
		req.DatasetVersion, req.RepoID, req.ModelIDs)

	result := h.trigger.Run(ctx, req)
	if result.Error != "" {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetJob handles GET /api/v1/jobs/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EvaluationHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ReconcileRequest represents the stale-job reconciliation request.
type ReconcileRequest struct {
	OlderThanMinutes int `json:"older_than_minutes" binding:"required,min=1"`
}

// ReconcileJobs handles POST /api/v1/jobs/reconcile. It sweeps RUNNING jobs
// whose queue message exhausted its redeliveries and marks them FAILED.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EvaluationHandler) ReconcileJobs(c *gin.Context) {
	ctx := c.Request.Context()

	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	n, err := h.trigger.ReconcileStale(ctx, time.Duration(req.OlderThanMinutes)*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	logger.CtxInfo(ctx, "Stale job reconciliation completed: reconciled=%d, older_than_minutes=%d",
		n, req.OlderThanMinutes)
	c.JSON(http.StatusOK, gin.H{"reconciled": n})
}
