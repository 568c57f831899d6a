package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/docvqa/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExportRepository handles export progress checkpoints and dataset version
// records.
type ExportRepository struct {
	db *gorm.DB
}

// NewExportRepository creates a new ExportRepository bound to db.
func NewExportRepository(db *gorm.DB) *ExportRepository {
	return &ExportRepository{db: db}
}

// GetProgress retrieves the progress record for an export attempt.
func (r *ExportRepository) GetProgress(ctx context.Context, exportID string) (*domain.ExportProgress, error) {
	var p domain.ExportProgress
	if err := r.db.WithContext(ctx).First(&p, "export_id = ?", exportID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateProgress inserts a fresh progress record.
func (r *ExportRepository) CreateProgress(ctx context.Context, p *domain.ExportProgress) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// Checkpoint persists the resumable cursor for an export attempt. The update
// is conditional on processed_count not going backwards so a stale writer
// can never regress a checkpoint.
func (r *ExportRepository) Checkpoint(ctx context.Context, exportID, lastKey string, processedCount int) error {
	res := r.db.WithContext(ctx).
		Model(&domain.ExportProgress{}).
		Where("export_id = ? AND processed_count <= ?", exportID, processedCount).
		Updates(map[string]interface{}{
			"last_processed_key": lastKey,
			"processed_count":    processedCount,
			"status":             domain.ExportStatusInProgress,
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishProgress marks an export attempt COMPLETED or FAILED.
func (r *ExportRepository) FinishProgress(ctx context.Context, exportID string, status domain.ExportStatus, errMsg string) error {
	return r.db.WithContext(ctx).
		Model(&domain.ExportProgress{}).
		Where("export_id = ?", exportID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"updated_at":    time.Now(),
		}).Error
}

// UpsertVersion creates or overwrites a dataset version record. A re-run of
// a failed export reuses the version key.
func (r *ExportRepository) UpsertVersion(ctx context.Context, v *domain.DatasetVersion) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}},
		UpdateAll: true,
	}).Create(v).Error
}

// FinalizeVersion transitions a dataset version to READY or FAILED with its
// final counts and hosted URL.
func (r *ExportRepository) FinalizeVersion(ctx context.Context, version string, status domain.VersionStatus, hostedURL string, annotationCount, imageCount int, errMsg string) error {
	return r.db.WithContext(ctx).
		Model(&domain.DatasetVersion{}).
		Where("version = ?", version).
		Updates(map[string]interface{}{
			"status":           status,
			"hosted_url":       hostedURL,
			"annotation_count": annotationCount,
			"image_count":      imageCount,
			"error_message":    errMsg,
			"updated_at":       time.Now(),
		}).Error
}

// GetVersion retrieves a dataset version record.
func (r *ExportRepository) GetVersion(ctx context.Context, version string) (*domain.DatasetVersion, error) {
	var v domain.DatasetVersion
	if err := r.db.WithContext(ctx).First(&v, "version = ?", version).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}
