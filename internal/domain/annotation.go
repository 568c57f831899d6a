package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// BoundingBox is an axis-aligned rectangle [x0, y0, x1, y1]. Coordinates may
// be pixels or normalized [0,1]; both corners of a comparison must share the
// same space.
type BoundingBox [4]float64

// Value implements the driver.Valuer interface for database serialization.
func (b BoundingBox) Value() (driver.Value, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (b *BoundingBox) Scan(value interface{}) error {
	if value == nil {
		*b = BoundingBox{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan BoundingBox")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, b)
}

// Normalize returns the box scaled from pixel space into [0,1] using the
// given image dimensions. Zero dimensions return the box unchanged.
func (b BoundingBox) Normalize(width, height int) BoundingBox {
	if width <= 0 || height <= 0 {
		return b
	}
	w, h := float64(width), float64(height)
	return BoundingBox{b[0] / w, b[1] / h, b[2] / w, b[3] / h}
}

// AnnotationStatus represents the review status of an annotation.
type AnnotationStatus string

const (
	AnnotationStatusPending  AnnotationStatus = "pending"
	AnnotationStatusApproved AnnotationStatus = "approved"
	AnnotationStatusRejected AnnotationStatus = "rejected"
)

// Annotation is one reviewed question/answer pair with a ground-truth box on
// a document image. Only approved annotations are eligible for export.
type Annotation struct {
	ID        string           `gorm:"type:text;primaryKey" json:"id"`
	ImageID   string           `gorm:"type:text;not null;index:idx_annotations_image" json:"image_id"`
	Question  string           `gorm:"type:text;not null" json:"question"`
	Answers   StringArray      `gorm:"type:text" json:"answers"`
	Box       BoundingBox      `gorm:"type:text" json:"box"`
	Status    AnnotationStatus `gorm:"type:text;index:idx_annotations_status;default:pending" json:"status"`
	CreatedBy string           `gorm:"type:text" json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TableName returns the database table name for Annotation.
func (Annotation) TableName() string {
	return "annotations"
}

// DocumentImage holds metadata for an uploaded document image. The bytes
// themselves live in object storage under StorageKey.
type DocumentImage struct {
	ID         string    `gorm:"type:text;primaryKey" json:"id"`
	StorageKey string    `gorm:"type:text;not null" json:"storage_key"`
	FileName   string    `gorm:"type:text" json:"file_name"`
	Format     string    `gorm:"type:text" json:"format"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	FileSize   int64     `json:"file_size"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for DocumentImage.
func (DocumentImage) TableName() string {
	return "document_images"
}
