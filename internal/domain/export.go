package domain

import "time"

// ExportStatus represents the status of a dataset export attempt.
type ExportStatus string

const (
	ExportStatusInProgress ExportStatus = "IN_PROGRESS"
	ExportStatusCompleted  ExportStatus = "COMPLETED"
	ExportStatusFailed     ExportStatus = "FAILED"
)

// ExportProgress is the resumable checkpoint record for one export attempt.
// ProcessedCount never decreases and LastProcessedKey only ever advances in
// the source query's key order.
type ExportProgress struct {
	ExportID         string       `gorm:"type:text;primaryKey" json:"export_id"`
	Version          string       `gorm:"type:text;not null" json:"version"`
	TotalCount       int          `json:"total_count"`
	LastProcessedKey string       `gorm:"type:text" json:"last_processed_key,omitempty"`
	ProcessedCount   int          `json:"processed_count"`
	Status           ExportStatus `gorm:"type:text;default:IN_PROGRESS" json:"status"`
	ErrorMessage     string       `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TableName returns the database table name for ExportProgress.
func (ExportProgress) TableName() string {
	return "export_progress"
}

// VersionStatus represents the publication status of a dataset version.
type VersionStatus string

const (
	VersionStatusCreating VersionStatus = "CREATING"
	VersionStatusReady    VersionStatus = "READY"
	VersionStatusFailed   VersionStatus = "FAILED"
)

// DatasetVersion is the published result of a successful export. It shares
// a version string with ExportProgress but has an independent lifecycle:
// progress is working state, this record is the public one.
type DatasetVersion struct {
	Version         string        `gorm:"type:text;primaryKey" json:"version"`
	RepoID          string        `gorm:"type:text;not null" json:"repo_id"`
	HostedURL       string        `gorm:"type:text" json:"hosted_url,omitempty"`
	AnnotationCount int           `json:"annotation_count"`
	ImageCount      int           `json:"image_count"`
	Status          VersionStatus `gorm:"type:text;default:CREATING" json:"status"`
	ErrorMessage    string        `gorm:"type:text" json:"error_message,omitempty"`
	CreatedBy       string        `gorm:"type:text" json:"created_by"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TableName returns the database table name for DatasetVersion.
func (DatasetVersion) TableName() string {
	return "dataset_versions"
}
