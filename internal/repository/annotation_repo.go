package repository

import (
	"context"
	"errors"

	"github.com/timmy/docvqa/internal/domain"
	"gorm.io/gorm"
)

// AnnotationRepository reads the approved annotation source records that the
// export pipeline scans.
type AnnotationRepository struct {
	db *gorm.DB
}

// NewAnnotationRepository creates a new AnnotationRepository bound to db.
func NewAnnotationRepository(db *gorm.DB) *AnnotationRepository {
	return &AnnotationRepository{db: db}
}

// CountApproved counts annotations eligible for export.
func (r *AnnotationRepository) CountApproved(ctx context.Context) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&domain.Annotation{}).
		Where("status = ?", domain.AnnotationStatusApproved).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListApprovedAfter returns up to limit approved annotations with id
// strictly greater than afterKey, in ascending id order. An empty afterKey
// starts from the beginning. The stable key order is what makes export
// checkpoints resumable.
func (r *AnnotationRepository) ListApprovedAfter(ctx context.Context, afterKey string, limit int) ([]domain.Annotation, error) {
	query := r.db.WithContext(ctx).
		Where("status = ?", domain.AnnotationStatusApproved)
	if afterKey != "" {
		query = query.Where("id > ?", afterKey)
	}

	var annotations []domain.Annotation
	if err := query.
		Order("id ASC").
		Limit(limit).
		Find(&annotations).Error; err != nil {
		return nil, err
	}
	return annotations, nil
}

// GetImage retrieves metadata for a document image.
func (r *AnnotationRepository) GetImage(ctx context.Context, imageID string) (*domain.DocumentImage, error) {
	var img domain.DocumentImage
	if err := r.db.WithContext(ctx).First(&img, "id = ?", imageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &img, nil
}
