package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/timmy/docvqa/internal/config"
	"github.com/timmy/docvqa/internal/domain"
	"github.com/timmy/docvqa/internal/repository"
)

type fakeAnnotationSource struct {
	annotations []domain.Annotation
	images      map[string]*domain.DocumentImage
	imageErr    map[string]error
}

func (f *fakeAnnotationSource) CountApproved(context.Context) (int, error) {
	n := 0
	for _, a := range f.annotations {
		if a.Status == domain.AnnotationStatusApproved {
			n++
		}
	}
	return n, nil
}

func (f *fakeAnnotationSource) ListApprovedAfter(_ context.Context, afterKey string, limit int) ([]domain.Annotation, error) {
	var out []domain.Annotation
	for _, a := range f.annotations {
		if a.Status == domain.AnnotationStatusApproved && a.ID > afterKey {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAnnotationSource) GetImage(_ context.Context, imageID string) (*domain.DocumentImage, error) {
	if err := f.imageErr[imageID]; err != nil {
		return nil, err
	}
	img, ok := f.images[imageID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return img, nil
}

type fakeObjectStorage struct {
	objects map[string][]byte
}

func (f *fakeObjectStorage) Download(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStorage) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjectStorage) GetURL(key string) string {
	return "https://storage.example/" + key
}

type fakeUploader struct {
	ensured   []string
	uploads   map[string][]byte
	ensureErr error
	uploadErr error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploads: make(map[string][]byte)}
}

func (f *fakeUploader) EnsureRepo(_ context.Context, repoID string) error {
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensured = append(f.ensured, repoID)
	return nil
}

func (f *fakeUploader) UploadFile(_ context.Context, _ string, path string, data []byte, _ string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads[path] = data
	return nil
}

func (f *fakeUploader) RepoURL(repoID string) string {
	return "https://hub.example/datasets/" + repoID
}

type checkpointRecord struct {
	lastKey   string
	processed int
}

type fakeExportStore struct {
	progress    map[string]*domain.ExportProgress
	versions    map[string]*domain.DatasetVersion
	checkpoints []checkpointRecord
}

func newFakeExportStore() *fakeExportStore {
	return &fakeExportStore{
		progress: make(map[string]*domain.ExportProgress),
		versions: make(map[string]*domain.DatasetVersion),
	}
}

func (f *fakeExportStore) GetProgress(_ context.Context, exportID string) (*domain.ExportProgress, error) {
	p, ok := f.progress[exportID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeExportStore) CreateProgress(_ context.Context, p *domain.ExportProgress) error {
	cp := *p
	f.progress[p.ExportID] = &cp
	return nil
}

func (f *fakeExportStore) Checkpoint(_ context.Context, exportID, lastKey string, processedCount int) error {
	p, ok := f.progress[exportID]
	if !ok {
		return repository.ErrNotFound
	}
	if processedCount < p.ProcessedCount {
		return fmt.Errorf("checkpoint regression: %d < %d", processedCount, p.ProcessedCount)
	}
	p.LastProcessedKey = lastKey
	p.ProcessedCount = processedCount
	f.checkpoints = append(f.checkpoints, checkpointRecord{lastKey, processedCount})
	return nil
}

func (f *fakeExportStore) FinishProgress(_ context.Context, exportID string, status domain.ExportStatus, errMsg string) error {
	p, ok := f.progress[exportID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	p.ErrorMessage = errMsg
	return nil
}

func (f *fakeExportStore) UpsertVersion(_ context.Context, v *domain.DatasetVersion) error {
	cp := *v
	f.versions[v.Version] = &cp
	return nil
}

func (f *fakeExportStore) FinalizeVersion(_ context.Context, version string, status domain.VersionStatus, hostedURL string, annotationCount, imageCount int, errMsg string) error {
	v, ok := f.versions[version]
	if !ok {
		return repository.ErrNotFound
	}
	v.Status = status
	v.HostedURL = hostedURL
	v.AnnotationCount = annotationCount
	v.ImageCount = imageCount
	v.ErrorMessage = errMsg
	return nil
}

func exportFixture(n int) (*fakeAnnotationSource, *fakeObjectStorage) {
	src := &fakeAnnotationSource{images: make(map[string]*domain.DocumentImage)}
	store := &fakeObjectStorage{objects: make(map[string][]byte)}
	for i := 1; i <= n; i++ {
		annID := fmt.Sprintf("ann-%03d", i)
		imgID := fmt.Sprintf("img-%03d", i)
		key := "images/" + imgID + ".png"
		src.annotations = append(src.annotations, domain.Annotation{
			ID:        annID,
			ImageID:   imgID,
			Question:  fmt.Sprintf("question %d", i),
			Answers:   domain.StringArray{fmt.Sprintf("answer %d", i)},
			Box:       domain.BoundingBox{100, 100, 300, 200},
			Status:    domain.AnnotationStatusApproved,
			CreatedBy: "annotator@example.com",
		})
		src.images[imgID] = &domain.DocumentImage{
			ID: imgID, StorageKey: key, Format: "png", Width: 1000, Height: 800,
		}
		store.objects[key] = []byte("png-bytes-" + imgID)
	}
	return src, store
}

func testExporter(src *fakeAnnotationSource, objects *fakeObjectStorage, exports *fakeExportStore, uploader *fakeUploader) *Exporter {
	return NewExporter(src, exports, objects, uploader, config.ExportConfig{PageSize: 2, CheckpointInterval: 2}, nil)
}

func decodeRows(t *testing.T, data []byte) []domain.DatasetRow {
	t.Helper()
	var rows []domain.DatasetRow
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var row domain.DatasetRow
		if err := dec.Decode(&row); err != nil {
			t.Fatalf("decode row: %v", err)
		}
		rows = append(rows, row)
	}
	return rows
}

func TestExportSuccess(t *testing.T) {
	src, objects := exportFixture(3)
	exports := newFakeExportStore()
	uploader := newFakeUploader()
	exporter := testExporter(src, objects, exports, uploader)

	result := exporter.Run(context.Background(), ExportRequest{
		Version: "v1", RepoID: "org/docvqa", CreatedBy: "curator@example.com",
	})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.HostedURL != "https://hub.example/datasets/org/docvqa" {
		t.Errorf("hostedURL = %q", result.HostedURL)
	}

	data, ok := uploader.uploads["data/v1.jsonl"]
	if !ok {
		t.Fatal("data file was not uploaded")
	}
	rows := decodeRows(t, data)
	if len(rows) != 3 {
		t.Fatalf("uploaded %d rows, want 3", len(rows))
	}
	wantBox := domain.BoundingBox{0.1, 0.125, 0.3, 0.25}
	if rows[0].Box != wantBox {
		t.Errorf("box = %v, want normalized %v", rows[0].Box, wantBox)
	}
	if rows[0].ImageWidth != 1000 || rows[0].ImageHeight != 800 {
		t.Errorf("dimensions = %dx%d", rows[0].ImageWidth, rows[0].ImageHeight)
	}
	if !bytes.Equal(rows[0].ImageData, []byte("png-bytes-img-001")) {
		t.Error("image bytes were not carried through")
	}

	if _, ok := uploader.uploads["README.md"]; !ok {
		t.Error("description document was not uploaded")
	}

	version := exports.versions["v1"]
	if version.Status != domain.VersionStatusReady {
		t.Errorf("version status = %s, want READY", version.Status)
	}
	if version.AnnotationCount != 3 || version.ImageCount != 3 {
		t.Errorf("counts = %d/%d, want 3/3", version.AnnotationCount, version.ImageCount)
	}
	progress := exports.progress[result.ExportID]
	if progress.Status != domain.ExportStatusCompleted {
		t.Errorf("progress status = %s, want COMPLETED", progress.Status)
	}
	if progress.ProcessedCount != 3 {
		t.Errorf("processedCount = %d, want 3", progress.ProcessedCount)
	}
}

func TestExportZeroRowsFailsWithoutUpload(t *testing.T) {
	src := &fakeAnnotationSource{images: make(map[string]*domain.DocumentImage)}
	exports := newFakeExportStore()
	uploader := newFakeUploader()
	exporter := testExporter(src, &fakeObjectStorage{}, exports, uploader)

	result := exporter.Run(context.Background(), ExportRequest{Version: "v1", RepoID: "org/docvqa"})

	if result.Success {
		t.Fatal("export with zero rows must fail")
	}
	if len(uploader.ensured) != 0 || len(uploader.uploads) != 0 {
		t.Error("no hosting call may happen for an empty export")
	}
	if exports.versions["v1"].Status != domain.VersionStatusFailed {
		t.Errorf("version status = %s, want FAILED", exports.versions["v1"].Status)
	}
	if exports.progress[result.ExportID].Status != domain.ExportStatusFailed {
		t.Errorf("progress status = %s, want FAILED", exports.progress[result.ExportID].Status)
	}
}

func TestExportResumeSkipsCoveredKeys(t *testing.T) {
	src, objects := exportFixture(5)
	exports := newFakeExportStore()
	exports.progress["exp-1"] = &domain.ExportProgress{
		ExportID:         "exp-1",
		Version:          "v1",
		TotalCount:       5,
		LastProcessedKey: "ann-002",
		ProcessedCount:   40,
		Status:           domain.ExportStatusInProgress,
	}
	uploader := newFakeUploader()
	exporter := testExporter(src, objects, exports, uploader)

	result := exporter.Run(context.Background(), ExportRequest{
		Version: "v1", RepoID: "org/docvqa", ExportID: "exp-1",
	})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	rows := decodeRows(t, uploader.uploads["data/v1.jsonl"])
	if len(rows) != 3 {
		t.Fatalf("re-emitted %d rows, want 3 (keys after ann-002 only)", len(rows))
	}
	for _, row := range rows {
		if row.ID <= "ann-002" {
			t.Errorf("row %s was already covered by the checkpoint", row.ID)
		}
	}
	progress := exports.progress["exp-1"]
	if progress.ProcessedCount != 43 {
		t.Errorf("processedCount = %d, want 43 (resumed from 40)", progress.ProcessedCount)
	}
	if progress.LastProcessedKey != "ann-005" {
		t.Errorf("lastProcessedKey = %q, want ann-005", progress.LastProcessedKey)
	}
}

func TestExportCheckpointsAtInterval(t *testing.T) {
	src, objects := exportFixture(5)
	exports := newFakeExportStore()
	exporter := testExporter(src, objects, exports, newFakeUploader())

	result := exporter.Run(context.Background(), ExportRequest{Version: "v1", RepoID: "org/docvqa"})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	counts := make([]int, len(exports.checkpoints))
	for i, c := range exports.checkpoints {
		counts[i] = c.processed
	}
	// Interval 2 over 5 rows: checkpoints at 2 and 4, plus the final one.
	want := []int{2, 4, 5}
	if len(counts) != len(want) {
		t.Fatalf("checkpoints = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("checkpoints = %v, want %v", counts, want)
		}
	}
}

func TestExportSkipsBrokenItem(t *testing.T) {
	src, objects := exportFixture(3)
	src.imageErr = map[string]error{"img-002": errors.New("metadata corrupted")}
	exports := newFakeExportStore()
	uploader := newFakeUploader()
	exporter := testExporter(src, objects, exports, uploader)

	result := exporter.Run(context.Background(), ExportRequest{Version: "v1", RepoID: "org/docvqa"})

	if !result.Success {
		t.Fatalf("result = %+v, want success despite one broken item", result)
	}
	rows := decodeRows(t, uploader.uploads["data/v1.jsonl"])
	if len(rows) != 2 {
		t.Errorf("uploaded %d rows, want 2", len(rows))
	}
	if exports.versions["v1"].AnnotationCount != 2 {
		t.Errorf("annotationCount = %d, want 2", exports.versions["v1"].AnnotationCount)
	}
}

func TestExportUploadFailureMarksBothFailed(t *testing.T) {
	src, objects := exportFixture(2)
	exports := newFakeExportStore()
	uploader := newFakeUploader()
	uploader.uploadErr = errors.New("hosting quota exceeded")
	exporter := testExporter(src, objects, exports, uploader)

	result := exporter.Run(context.Background(), ExportRequest{Version: "v1", RepoID: "org/docvqa"})

	if result.Success {
		t.Fatal("result should fail when the upload fails")
	}
	if !strings.Contains(result.Error, "hosting quota exceeded") {
		t.Errorf("error = %q", result.Error)
	}
	if exports.versions["v1"].Status != domain.VersionStatusFailed {
		t.Errorf("version status = %s, want FAILED", exports.versions["v1"].Status)
	}
	progress := exports.progress[result.ExportID]
	if progress.Status != domain.ExportStatusFailed {
		t.Errorf("progress status = %s, want FAILED", progress.Status)
	}
	// Already persisted checkpoints stay valid for a future resume.
	if progress.ProcessedCount != 2 {
		t.Errorf("processedCount = %d, want 2", progress.ProcessedCount)
	}
}

func TestExportAlreadyCompleted(t *testing.T) {
	src, objects := exportFixture(1)
	exports := newFakeExportStore()
	exports.progress["exp-done"] = &domain.ExportProgress{
		ExportID: "exp-done", Version: "v1", Status: domain.ExportStatusCompleted,
	}
	uploader := newFakeUploader()
	exporter := testExporter(src, objects, exports, uploader)

	result := exporter.Run(context.Background(), ExportRequest{
		Version: "v1", RepoID: "org/docvqa", ExportID: "exp-done",
	})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(uploader.uploads) != 0 {
		t.Error("a completed export must not re-upload")
	}
}

func TestExportValidation(t *testing.T) {
	exporter := testExporter(&fakeAnnotationSource{}, &fakeObjectStorage{}, newFakeExportStore(), newFakeUploader())

	if r := exporter.Run(context.Background(), ExportRequest{RepoID: "org/docvqa"}); r.Success || r.Error == "" {
		t.Errorf("missing version: result = %+v", r)
	}
	if r := exporter.Run(context.Background(), ExportRequest{Version: "v1"}); r.Success || r.Error == "" {
		t.Errorf("missing repo: result = %+v", r)
	}
}
