package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timmy/docvqa/internal/domain"
	"github.com/timmy/docvqa/internal/queue"
	"github.com/timmy/docvqa/internal/repository"
)

// fakeJobStore is an in-memory JobStore shared by the trigger and worker
// tests.
type fakeJobStore struct {
	mu        sync.Mutex
	jobs      map[string]*domain.EvaluationJob
	createErr error
	findErr   error
	getErr    map[string]error
	updateErr error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*domain.EvaluationJob)}
}

func (s *fakeJobStore) Create(_ context.Context, job *domain.EvaluationJob) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeJobStore) GetByID(_ context.Context, id string) (*domain.EvaluationJob, error) {
	if err := s.getErr[id]; err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) UpdateStatus(_ context.Context, id string, status domain.JobStatus, upd repository.JobUpdate) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = status
	if upd.AvgSimilarity != nil {
		job.AvgSimilarity = upd.AvgSimilarity
	}
	if upd.AvgOverlap != nil {
		job.AvgOverlap = upd.AvgOverlap
	}
	if upd.TotalSamples != nil {
		job.TotalSamples = upd.TotalSamples
	}
	if upd.TrackingRunURL != nil {
		job.TrackingRunURL = *upd.TrackingRunURL
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = *upd.ErrorMessage
	}
	if upd.StartedAt != nil {
		job.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	return nil
}

func (s *fakeJobStore) FindActive(_ context.Context, datasetVersion, modelID string) (*domain.EvaluationJob, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.DatasetVersion == datasetVersion && job.ModelID == modelID && job.Status.IsActive() {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeJobStore) ListStaleRunning(_ context.Context, cutoff time.Time) ([]domain.EvaluationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvaluationJob
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusRunning && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *fakeJobStore) get(id string) *domain.EvaluationJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.Message
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, msg queue.Message) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return nil
}

func testRegistry() *ModelRegistry {
	return NewModelRegistry([]ModelSpec{
		{ID: "model-a", Name: "Model A", EndpointID: "endpoint-a", Enabled: true},
		{ID: "model-b", Name: "Model B", EndpointID: "endpoint-b", Enabled: true},
		{ID: "model-off", Name: "Disabled Model", EndpointID: "endpoint-off", Enabled: false},
	})
}

func TestTriggerCreatesJobPerEnabledModel(t *testing.T) {
	store := newFakeJobStore()
	pub := &fakePublisher{}
	trigger := NewTrigger(store, pub, testRegistry(), nil)

	result := trigger.Run(context.Background(), TriggerRequest{DatasetVersion: "v1", RepoID: "org/docs"})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(result.JobIDs) != 2 {
		t.Fatalf("job ids = %v, want 2 entries", result.JobIDs)
	}
	if len(result.Skipped) != 0 {
		t.Errorf("skipped = %v, want none", result.Skipped)
	}
	if len(pub.published) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.published))
	}
	for _, msg := range pub.published {
		job := store.get(msg.JobID)
		if job == nil {
			t.Fatalf("published message references unknown job %s", msg.JobID)
		}
		if job.Status != domain.JobStatusQueued {
			t.Errorf("job %s status = %s, want QUEUED", job.ID, job.Status)
		}
		if msg.DatasetVersion != "v1" || msg.RepoID != "org/docs" {
			t.Errorf("message = %+v, missing request fields", msg)
		}
	}
}

func TestTriggerSkipsModelWithActiveJob(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["existing"] = &domain.EvaluationJob{
		ID:             "existing",
		DatasetVersion: "v1",
		ModelID:        "model-a",
		Status:         domain.JobStatusRunning,
	}
	pub := &fakePublisher{}
	trigger := NewTrigger(store, pub, testRegistry(), nil)

	result := trigger.Run(context.Background(), TriggerRequest{DatasetVersion: "v1", RepoID: "org/docs"})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(result.JobIDs) != 1 {
		t.Fatalf("job ids = %v, want 1 entry for model-b", result.JobIDs)
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("skipped = %v, want 1 entry", result.Skipped)
	}
	if result.Skipped[0].ModelID != "model-a" || !strings.Contains(result.Skipped[0].Reason, "RUNNING") {
		t.Errorf("skipped = %+v, want model-a with RUNNING reason", result.Skipped[0])
	}
}

func TestTriggerAllModelsActiveIsSuccess(t *testing.T) {
	store := newFakeJobStore()
	for _, m := range []string{"model-a", "model-b"} {
		store.jobs[m] = &domain.EvaluationJob{
			ID: m, DatasetVersion: "v1", ModelID: m, Status: domain.JobStatusQueued,
		}
	}
	trigger := NewTrigger(store, &fakePublisher{}, testRegistry(), nil)

	result := trigger.Run(context.Background(), TriggerRequest{DatasetVersion: "v1", RepoID: "org/docs"})

	if !result.Success {
		t.Errorf("result = %+v, want success when every model is legitimately active", result)
	}
	if len(result.JobIDs) != 0 {
		t.Errorf("job ids = %v, want none", result.JobIDs)
	}
}

func TestTriggerPublishFailureMarksJobFailed(t *testing.T) {
	store := newFakeJobStore()
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	trigger := NewTrigger(store, pub, testRegistry(), nil)

	result := trigger.Run(context.Background(), TriggerRequest{DatasetVersion: "v1", RepoID: "org/docs"})

	if result.Success {
		t.Error("result should not be success when no message was enqueued")
	}
	if len(result.JobIDs) != 0 {
		t.Errorf("job ids = %v, want none", result.JobIDs)
	}
	if len(result.Skipped) != 2 {
		t.Fatalf("skipped = %v, want both models", result.Skipped)
	}
	for _, job := range store.jobs {
		if job.Status != domain.JobStatusFailed {
			t.Errorf("job %s status = %s, want FAILED (never orphaned QUEUED)", job.ID, job.Status)
		}
		if !strings.Contains(job.ErrorMessage, "failed to enqueue") {
			t.Errorf("job %s errorMessage = %q", job.ID, job.ErrorMessage)
		}
	}
}

func TestTriggerValidation(t *testing.T) {
	trigger := NewTrigger(newFakeJobStore(), &fakePublisher{}, testRegistry(), nil)

	tests := []struct {
		name string
		req  TriggerRequest
	}{
		{"missing version", TriggerRequest{RepoID: "org/docs"}},
		{"missing repo", TriggerRequest{DatasetVersion: "v1"}},
		{"unknown model selection", TriggerRequest{DatasetVersion: "v1", RepoID: "org/docs", ModelIDs: []string{"nope"}}},
		{"disabled model selection", TriggerRequest{DatasetVersion: "v1", RepoID: "org/docs", ModelIDs: []string{"model-off"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := trigger.Run(context.Background(), tt.req)
			if result.Success || result.Error == "" {
				t.Errorf("result = %+v, want failure with error", result)
			}
		})
	}
}

func TestTriggerExplicitSelection(t *testing.T) {
	store := newFakeJobStore()
	pub := &fakePublisher{}
	trigger := NewTrigger(store, pub, testRegistry(), nil)

	result := trigger.Run(context.Background(), TriggerRequest{
		DatasetVersion: "v1",
		RepoID:         "org/docs",
		ModelIDs:       []string{"model-b"},
	})

	if !result.Success || len(result.JobIDs) != 1 {
		t.Fatalf("result = %+v, want exactly one job", result)
	}
	if pub.published[0].ModelID != "model-b" {
		t.Errorf("published model = %s, want model-b", pub.published[0].ModelID)
	}
	if pub.published[0].InferenceEndpointID != "endpoint-b" {
		t.Errorf("endpoint = %s, want endpoint-b", pub.published[0].InferenceEndpointID)
	}
}

func TestReconcileStale(t *testing.T) {
	store := newFakeJobStore()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-5 * time.Minute)
	store.jobs["stale"] = &domain.EvaluationJob{
		ID: "stale", DatasetVersion: "v1", ModelID: "model-a",
		Status: domain.JobStatusRunning, StartedAt: &old,
	}
	store.jobs["fresh"] = &domain.EvaluationJob{
		ID: "fresh", DatasetVersion: "v1", ModelID: "model-b",
		Status: domain.JobStatusRunning, StartedAt: &recent,
	}
	trigger := NewTrigger(store, &fakePublisher{}, testRegistry(), nil)

	n, err := trigger.ReconcileStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ReconcileStale: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want 1", n)
	}
	if got := store.get("stale").Status; got != domain.JobStatusFailed {
		t.Errorf("stale job status = %s, want FAILED", got)
	}
	if got := store.get("fresh").Status; got != domain.JobStatusRunning {
		t.Errorf("fresh job status = %s, want RUNNING", got)
	}
}
