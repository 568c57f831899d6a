package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/google/uuid"
	"github.com/timmy/docvqa/internal/config"
	"github.com/timmy/docvqa/internal/domain"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/prompts"
	"github.com/timmy/docvqa/internal/repository"
	"github.com/timmy/docvqa/internal/storage"
)

// AnnotationSource is the read side of the annotation store used by the
// export pipeline.
type AnnotationSource interface {
	CountApproved(ctx context.Context) (int, error)
	ListApprovedAfter(ctx context.Context, afterKey string, limit int) ([]domain.Annotation, error)
	GetImage(ctx context.Context, imageID string) (*domain.DocumentImage, error)
}

// ExportStore persists export checkpoints and dataset version records.
type ExportStore interface {
	GetProgress(ctx context.Context, exportID string) (*domain.ExportProgress, error)
	CreateProgress(ctx context.Context, p *domain.ExportProgress) error
	Checkpoint(ctx context.Context, exportID, lastKey string, processedCount int) error
	FinishProgress(ctx context.Context, exportID string, status domain.ExportStatus, errMsg string) error
	UpsertVersion(ctx context.Context, v *domain.DatasetVersion) error
	FinalizeVersion(ctx context.Context, version string, status domain.VersionStatus, hostedURL string, annotationCount, imageCount int, errMsg string) error
}

// ExportRequest describes one export attempt. Passing the ExportID of a
// prior attempt resumes it from its last checkpoint.
type ExportRequest struct {
	Version   string `json:"version"`
	RepoID    string `json:"repo_id"`
	CreatedBy string `json:"created_by"`
	ExportID  string `json:"export_id,omitempty"`
}

// ExportResult is the structured outcome of one export attempt.
type ExportResult struct {
	Success   bool   `json:"success"`
	ExportID  string `json:"export_id"`
	HostedURL string `json:"hosted_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Exporter builds versioned dataset snapshots from approved annotations and
// publishes them to the hosting service, checkpointing as it goes so a
// crashed attempt can resume without re-emitting rows.
type Exporter struct {
	annotations AnnotationSource
	exports     ExportStore
	storage     storage.ObjectStorage
	uploader    DatasetUploader
	cfg         config.ExportConfig
	logger      *logger.Logger
}

// NewExporter creates an export pipeline.
func NewExporter(annotations AnnotationSource, exports ExportStore, store storage.ObjectStorage, uploader DatasetUploader, cfg config.ExportConfig, log *logger.Logger) *Exporter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 100
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Exporter{
		annotations: annotations,
		exports:     exports,
		storage:     store,
		uploader:    uploader,
		cfg:         cfg,
		logger:      log,
	}
}

// Run executes one export attempt to completion. Errors are folded into the
// result and into the progress/version records; only panics escape.
func (e *Exporter) Run(ctx context.Context, req ExportRequest) ExportResult {
	if req.Version == "" {
		return ExportResult{Error: "version is required"}
	}
	if req.RepoID == "" {
		return ExportResult{Error: "repo id is required"}
	}
	if req.ExportID == "" {
		req.ExportID = uuid.New().String()
	}
	ctx = logger.SetExportID(ctx, req.ExportID)
	log := e.logger.WithFields(logger.Fields{
		logger.FieldExportID: req.ExportID,
		logger.FieldVersion:  req.Version,
	})

	total, err := e.annotations.CountApproved(ctx)
	if err != nil {
		return ExportResult{ExportID: req.ExportID, Error: fmt.Sprintf("failed to count approved annotations: %v", err)}
	}

	progress, err := e.loadOrCreateProgress(ctx, req, total)
	if err != nil {
		return ExportResult{ExportID: req.ExportID, Error: err.Error()}
	}
	if progress.Status == domain.ExportStatusCompleted {
		log.Info("Export already completed, nothing to do")
		return ExportResult{Success: true, ExportID: req.ExportID, HostedURL: e.uploader.RepoURL(req.RepoID)}
	}

	if err := e.exports.UpsertVersion(ctx, &domain.DatasetVersion{
		Version:   req.Version,
		RepoID:    req.RepoID,
		Status:    domain.VersionStatusCreating,
		CreatedBy: req.CreatedBy,
	}); err != nil {
		return ExportResult{ExportID: req.ExportID, Error: fmt.Sprintf("failed to create dataset version record: %v", err)}
	}

	log.WithFields(logger.Fields{
		logger.FieldCount: total,
		"resume_from":     progress.ProcessedCount,
	}).Info("Starting export")

	rows, imageIDs, err := e.buildRows(ctx, progress, log)
	if err != nil {
		e.fail(ctx, req, err, log)
		return ExportResult{ExportID: req.ExportID, Error: err.Error()}
	}
	if len(rows) == 0 {
		err := errors.New("no eligible rows produced")
		e.fail(ctx, req, err, log)
		return ExportResult{ExportID: req.ExportID, Error: err.Error()}
	}

	hostedURL, err := e.publish(ctx, req, rows, len(imageIDs))
	if err != nil {
		e.fail(ctx, req, err, log)
		return ExportResult{ExportID: req.ExportID, Error: err.Error()}
	}

	if err := e.exports.FinishProgress(ctx, req.ExportID, domain.ExportStatusCompleted, ""); err != nil {
		log.WithError(err).Error("Failed to mark export progress COMPLETED")
	}

	log.WithFields(logger.Fields{
		logger.FieldCount: len(rows),
		"image_count":     len(imageIDs),
		"hosted_url":      hostedURL,
	}).Info("Export completed")
	return ExportResult{Success: true, ExportID: req.ExportID, HostedURL: hostedURL}
}

func (e *Exporter) loadOrCreateProgress(ctx context.Context, req ExportRequest, total int) (*domain.ExportProgress, error) {
	progress, err := e.exports.GetProgress(ctx, req.ExportID)
	if err == nil {
		return progress, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load export progress: %w", err)
	}

	progress = &domain.ExportProgress{
		ExportID:   req.ExportID,
		Version:    req.Version,
		TotalCount: total,
		Status:     domain.ExportStatusInProgress,
	}
	if err := e.exports.CreateProgress(ctx, progress); err != nil {
		return nil, fmt.Errorf("failed to create export progress: %w", err)
	}
	return progress, nil
}

// buildRows paginates approved annotations in key order, starting after the
// checkpoint key, and builds one output row per annotation. Per-item errors
// skip the item; only source-level errors abort.
func (e *Exporter) buildRows(ctx context.Context, progress *domain.ExportProgress, log *logger.Logger) ([]domain.DatasetRow, map[string]struct{}, error) {
	var rows []domain.DatasetRow
	imageIDs := make(map[string]struct{})
	lastKey := progress.LastProcessedKey
	processed := progress.ProcessedCount

	for {
		page, err := e.annotations.ListApprovedAfter(ctx, lastKey, e.cfg.PageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list annotations after %q: %w", lastKey, err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			ann := &page[i]
			lastKey = ann.ID

			row, err := e.buildRow(ctx, ann)
			if err != nil {
				log.WithField("annotation_id", ann.ID).WithError(err).Warn("Skipping annotation")
				continue
			}

			rows = append(rows, *row)
			imageIDs[ann.ImageID] = struct{}{}
			processed++
			ExportRowsTotal.Inc()

			if processed%e.cfg.CheckpointInterval == 0 {
				if err := e.exports.Checkpoint(ctx, progress.ExportID, lastKey, processed); err != nil {
					return nil, nil, fmt.Errorf("failed to checkpoint at %q: %w", lastKey, err)
				}
				log.WithFields(logger.Fields{logger.FieldCount: processed, "last_key": lastKey}).Debug("Checkpoint persisted")
			}
		}
	}

	if lastKey != progress.LastProcessedKey {
		if err := e.exports.Checkpoint(ctx, progress.ExportID, lastKey, processed); err != nil {
			return nil, nil, fmt.Errorf("failed to persist final checkpoint: %w", err)
		}
	}
	return rows, imageIDs, nil
}

func (e *Exporter) buildRow(ctx context.Context, ann *domain.Annotation) (*domain.DatasetRow, error) {
	img, err := e.annotations.GetImage(ctx, ann.ImageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image metadata: %w", err)
	}

	body, err := e.storage.Download(ctx, img.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to download image bytes: %w", err)
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read image bytes: %w", err)
	}

	width, height := img.Width, img.Height
	if width <= 0 || height <= 0 {
		// Older uploads predate dimension capture; fall back to decoding
		// the header.
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to determine image dimensions: %w", err)
		}
		width, height = cfg.Width, cfg.Height
	}

	return &domain.DatasetRow{
		ID:           ann.ID,
		ImageID:      ann.ImageID,
		Question:     ann.Question,
		Answers:      ann.Answers,
		Box:          ann.Box.Normalize(width, height),
		ImageData:    data,
		Format:       img.Format,
		ImageWidth:   width,
		ImageHeight:  height,
		AnnotatorRef: ann.CreatedBy,
	}, nil
}

// publish uploads the JSONL data file and the description document, then
// marks the version READY.
func (e *Exporter) publish(ctx context.Context, req ExportRequest, rows []domain.DatasetRow, imageCount int) (string, error) {
	if err := e.uploader.EnsureRepo(ctx, req.RepoID); err != nil {
		return "", fmt.Errorf("failed to ensure hosting repo: %w", err)
	}

	data, err := encodeJSONL(rows)
	if err != nil {
		return "", fmt.Errorf("failed to encode dataset rows: %w", err)
	}
	commit := fmt.Sprintf("Export dataset version %s (%d rows)", req.Version, len(rows))
	if err := e.uploader.UploadFile(ctx, req.RepoID, dataFilePath(req.Version), data, commit); err != nil {
		return "", fmt.Errorf("failed to upload data file: %w", err)
	}

	readme := fmt.Sprintf(prompts.DatasetDescriptionTemplate, req.Version, len(rows), imageCount)
	if err := e.uploader.UploadFile(ctx, req.RepoID, "README.md", []byte(readme), commit); err != nil {
		return "", fmt.Errorf("failed to upload description: %w", err)
	}

	hostedURL := e.uploader.RepoURL(req.RepoID)
	if err := e.exports.FinalizeVersion(ctx, req.Version, domain.VersionStatusReady, hostedURL, len(rows), imageCount, ""); err != nil {
		return "", fmt.Errorf("failed to finalize dataset version: %w", err)
	}
	return hostedURL, nil
}

// fail marks both the progress and version records FAILED. Checkpoints
// already persisted stay valid for a future resume.
func (e *Exporter) fail(ctx context.Context, req ExportRequest, cause error, log *logger.Logger) {
	log.WithError(cause).Error("Export failed")
	if err := e.exports.FinishProgress(ctx, req.ExportID, domain.ExportStatusFailed, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark export progress FAILED")
	}
	if err := e.exports.FinalizeVersion(ctx, req.Version, domain.VersionStatusFailed, "", 0, 0, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark dataset version FAILED")
	}
}

func encodeJSONL(rows []domain.DatasetRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
