package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/docvqa/internal/domain"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/queue"
	"github.com/timmy/docvqa/internal/repository"
)

// JobStore is the persistence boundary shared by the trigger and the
// worker. The gorm-backed repository.JobRepository satisfies it; tests use
// an in-memory fake.
type JobStore interface {
	Create(ctx context.Context, job *domain.EvaluationJob) error
	GetByID(ctx context.Context, id string) (*domain.EvaluationJob, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, upd repository.JobUpdate) error
	FindActive(ctx context.Context, datasetVersion, modelID string) (*domain.EvaluationJob, error)
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.EvaluationJob, error)
}

// TriggerRequest asks for an evaluation of a dataset version across a model
// selection. An empty ModelIDs means every enabled model in the registry.
type TriggerRequest struct {
	DatasetVersion string   `json:"dataset_version"`
	RepoID         string   `json:"repo_id"`
	ModelIDs       []string `json:"model_ids,omitempty"`
}

// SkippedModel explains why no job was created for a model.
type SkippedModel struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
}

// TriggerResult is the structured outcome of one trigger invocation. It is
// returned, never raised: the trigger does not leak exceptions across its
// boundary.
type TriggerResult struct {
	Success bool           `json:"success"`
	JobIDs  []string       `json:"job_ids,omitempty"`
	Skipped []SkippedModel `json:"skipped,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Trigger fans an evaluation request out into one queued job per model,
// guarding against duplicate runs per (dataset version, model).
type Trigger struct {
	jobs      JobStore
	publisher queue.Publisher
	registry  *ModelRegistry
	logger    *logger.Logger
}

// NewTrigger creates a new evaluation trigger.
func NewTrigger(jobs JobStore, publisher queue.Publisher, registry *ModelRegistry, log *logger.Logger) *Trigger {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Trigger{
		jobs:      jobs,
		publisher: publisher,
		registry:  registry,
		logger:    log,
	}
}

// Run resolves the model selection and creates + enqueues one job per model
// that has no active job for the dataset version. A model whose queue send
// fails ends with a FAILED job record, never an orphaned QUEUED one.
func (t *Trigger) Run(ctx context.Context, req TriggerRequest) TriggerResult {
	if req.DatasetVersion == "" {
		return TriggerResult{Error: "dataset version is required"}
	}
	if req.RepoID == "" {
		return TriggerResult{Error: "repo id is required"}
	}

	models := t.registry.Resolve(req.ModelIDs)
	if len(models) == 0 {
		return TriggerResult{Error: "no models selected"}
	}

	result := TriggerResult{}
	alreadyActive := 0

	for _, model := range models {
		active, err := t.jobs.FindActive(ctx, req.DatasetVersion, model.ID)
		if err != nil {
			t.logger.WithField(logger.FieldModelID, model.ID).WithError(err).Error("Failed to check for active job")
			result.Skipped = append(result.Skipped, SkippedModel{
				ModelID: model.ID,
				Reason:  fmt.Sprintf("failed to check for active job: %v", err),
			})
			continue
		}
		if active != nil {
			// Duplicate-run guard: a QUEUED or RUNNING job already covers
			// this (version, model) pair.
			result.Skipped = append(result.Skipped, SkippedModel{
				ModelID: model.ID,
				Reason:  fmt.Sprintf("skipped: already %s", active.Status),
			})
			alreadyActive++
			continue
		}

		job := &domain.EvaluationJob{
			ID:             uuid.New().String(),
			DatasetVersion: req.DatasetVersion,
			ModelID:        model.ID,
			ModelName:      model.Name,
			Status:         domain.JobStatusQueued,
		}
		if err := t.jobs.Create(ctx, job); err != nil {
			t.logger.WithField(logger.FieldModelID, model.ID).WithError(err).Error("Failed to create job record")
			result.Skipped = append(result.Skipped, SkippedModel{
				ModelID: model.ID,
				Reason:  fmt.Sprintf("failed to create job: %v", err),
			})
			continue
		}

		msg := queue.Message{
			JobID:               job.ID,
			DatasetVersion:      req.DatasetVersion,
			ModelID:             model.ID,
			InferenceEndpointID: model.EndpointID,
			RepoID:              req.RepoID,
		}
		if err := t.publisher.Publish(ctx, msg); err != nil {
			// The job record exists but no message does; leaving it QUEUED
			// would strand it forever.
			t.logger.WithFields(logger.Fields{
				logger.FieldJobID:   job.ID,
				logger.FieldModelID: model.ID,
			}).WithError(err).Error("Failed to enqueue job, marking it FAILED")

			errMsg := fmt.Sprintf("failed to enqueue: %v", err)
			now := time.Now()
			if updErr := t.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, repository.JobUpdate{
				ErrorMessage: &errMsg,
				CompletedAt:  &now,
			}); updErr != nil {
				t.logger.WithField(logger.FieldJobID, job.ID).WithError(updErr).Error("Failed to mark unenqueued job FAILED")
			}
			result.Skipped = append(result.Skipped, SkippedModel{
				ModelID: model.ID,
				Reason:  errMsg,
			})
			continue
		}

		t.logger.WithFields(logger.Fields{
			logger.FieldJobID:   job.ID,
			logger.FieldModelID: model.ID,
			logger.FieldVersion: req.DatasetVersion,
		}).Info("Evaluation job enqueued")
		result.JobIDs = append(result.JobIDs, job.ID)
	}

	result.Success = len(result.JobIDs) > 0 || alreadyActive == len(models)
	return result
}

// ReconcileStale marks RUNNING jobs whose message exhausted its queue
// redeliveries (detected via a staleness threshold on started_at) as FAILED.
// Invoked manually; the queue itself never corrects the job record.
func (t *Trigger) ReconcileStale(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := t.jobs.ListStaleRunning(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	reconciled := 0
	for _, job := range jobs {
		errMsg := fmt.Sprintf("stale: still RUNNING after %s, redelivery budget presumed exhausted", olderThan)
		now := time.Now()
		if err := t.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, repository.JobUpdate{
			ErrorMessage: &errMsg,
			CompletedAt:  &now,
		}); err != nil {
			t.logger.WithField(logger.FieldJobID, job.ID).WithError(err).Error("Failed to reconcile stale job")
			continue
		}
		reconciled++
	}
	return reconciled, nil
}
