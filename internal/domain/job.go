package domain

import "time"

// JobStatus represents the status of an evaluation job.
// Transitions are forward-only: QUEUED -> RUNNING -> COMPLETED | FAILED.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether the status is COMPLETED or FAILED.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive reports whether the status is QUEUED or RUNNING.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// EvaluationJob represents one model evaluated against one dataset version.
// The job ID doubles as the queue deduplication key. Metric fields are
// pointers so that "not yet computed" is distinguishable from zero.
type EvaluationJob struct {
	ID             string    `gorm:"type:text;primaryKey" json:"id"`
	DatasetVersion string    `gorm:"type:text;not null;index:idx_eval_jobs_version_model" json:"dataset_version"`
	ModelID        string    `gorm:"type:text;not null;index:idx_eval_jobs_version_model" json:"model_id"`
	ModelName      string    `gorm:"type:text" json:"model_name"`
	Status         JobStatus `gorm:"type:text;index:idx_eval_jobs_status;default:QUEUED" json:"status"`

	AvgSimilarity *float64 `json:"avg_similarity,omitempty"`
	AvgOverlap    *float64 `json:"avg_overlap,omitempty"`
	TotalSamples  *int     `json:"total_samples,omitempty"`

	TrackingRunURL string `gorm:"type:text" json:"tracking_run_url,omitempty"`
	ErrorMessage   string `gorm:"type:text" json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for EvaluationJob.
func (EvaluationJob) TableName() string {
	return "evaluation_jobs"
}
