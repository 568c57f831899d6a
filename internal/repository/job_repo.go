package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/docvqa/internal/domain"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// JobUpdate carries the optional fields of a status transition. Nil fields
// are left untouched by UpdateStatus.
type JobUpdate struct {
	AvgSimilarity  *float64
	AvgOverlap     *float64
	TotalSamples   *int
	TrackingRunURL *string
	ErrorMessage   *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// JobRepository handles evaluation job persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new evaluation job record.
func (r *JobRepository) Create(ctx context.Context, job *domain.EvaluationJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves an evaluation job by its ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.EvaluationJob, error) {
	var job domain.EvaluationJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// UpdateStatus transitions a job to the given status and applies only the
// fields supplied in upd. Absent fields are never clobbered.
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, upd JobUpdate) error {
	values := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if upd.AvgSimilarity != nil {
		values["avg_similarity"] = *upd.AvgSimilarity
	}
	if upd.AvgOverlap != nil {
		values["avg_overlap"] = *upd.AvgOverlap
	}
	if upd.TotalSamples != nil {
		values["total_samples"] = *upd.TotalSamples
	}
	if upd.TrackingRunURL != nil {
		values["tracking_run_url"] = *upd.TrackingRunURL
	}
	if upd.ErrorMessage != nil {
		values["error_message"] = *upd.ErrorMessage
	}
	if upd.StartedAt != nil {
		values["started_at"] = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		values["completed_at"] = *upd.CompletedAt
	}

	res := r.db.WithContext(ctx).
		Model(&domain.EvaluationJob{}).
		Where("id = ?", id).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindActive returns the QUEUED or RUNNING job for the given dataset version
// and model, or nil when none exists. The query runs against the composite
// (dataset_version, model_id) index.
func (r *JobRepository) FindActive(ctx context.Context, datasetVersion, modelID string) (*domain.EvaluationJob, error) {
	var job domain.EvaluationJob
	err := r.db.WithContext(ctx).
		Where("dataset_version = ? AND model_id = ?", datasetVersion, modelID).
		Where("status IN ?", []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// ListStaleRunning returns RUNNING jobs whose started_at is older than the
// cutoff. Used by the reconciliation sweep for jobs whose queue message
// exhausted its redeliveries.
func (r *JobRepository) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.EvaluationJob, error) {
	var jobs []domain.EvaluationJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", domain.JobStatusRunning, cutoff).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
