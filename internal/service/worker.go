package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/timmy/docvqa/internal/domain"
	"github.com/timmy/docvqa/internal/logger"
	"github.com/timmy/docvqa/internal/queue"
	"github.com/timmy/docvqa/internal/repository"
	"github.com/timmy/docvqa/internal/scoring"
)

// Worker consumes evaluation messages, runs the model over every sample of
// the dataset version, and writes the scored outcome back to the job record.
type Worker struct {
	jobs      JobStore
	inference Inference
	samples   SampleSource
	tracker   Tracker
	threshold float64
	logStep   int
	logger    *logger.Logger
}

// NewWorker creates an evaluation worker. A nil tracker disables experiment
// tracking; scoring falls back to scoring.DefaultThreshold when threshold
// is not positive.
func NewWorker(jobs JobStore, inf Inference, samples SampleSource, tracker Tracker, threshold float64, log *logger.Logger) *Worker {
	if tracker == nil {
		tracker = NoopTracker{}
	}
	if threshold <= 0 {
		threshold = scoring.DefaultThreshold
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Worker{
		jobs:      jobs,
		inference: inf,
		samples:   samples,
		tracker:   tracker,
		threshold: threshold,
		logStep:   10,
		logger:    log,
	}
}

// HandleBatch processes one fetched batch and reports per-message outcomes
// so the queue gateway can settle each message individually. A panic while
// handling one message fails only that message.
func (w *Worker) HandleBatch(ctx context.Context, msgs []queue.Message) (succeeded, failed []string) {
	for _, msg := range msgs {
		err := w.handleSafe(ctx, msg)
		if err != nil {
			w.logger.WithField(logger.FieldJobID, msg.JobID).WithError(err).Error("Evaluation message failed")
			failed = append(failed, msg.JobID)
			continue
		}
		succeeded = append(succeeded, msg.JobID)
	}
	return succeeded, failed
}

func (w *Worker) handleSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while evaluating job %s: %v", msg.JobID, r)
		}
	}()
	return w.Handle(ctx, msg)
}

// Handle runs one evaluation job end to end. A returned error means the
// message should be redelivered; terminal job failures are recorded on the
// job and return nil so the message is acked.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	ctx = logger.SetJobID(ctx, msg.JobID)
	log := w.logger.WithFields(logger.Fields{
		logger.FieldJobID:   msg.JobID,
		logger.FieldModelID: msg.ModelID,
		logger.FieldVersion: msg.DatasetVersion,
	})

	job, err := w.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Orphaned message; nothing to run against.
			log.Warn("Job record not found, dropping message")
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.IsTerminal() {
		// Redelivery of an already-settled job. Processing is idempotent
		// at the job level, so the duplicate is just acked.
		log.WithField(logger.FieldStatus, string(job.Status)).Info("Job already terminal, skipping redelivery")
		return nil
	}

	started := time.Now()
	if err := w.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusRunning, repository.JobUpdate{
		StartedAt: &started,
	}); err != nil {
		return fmt.Errorf("failed to mark job RUNNING: %w", err)
	}

	run := w.startRun(ctx, job)

	sumSimilarity, sumOverlap, scored, execErr := w.evaluate(ctx, msg, run, log)
	elapsed := time.Since(started)
	EvalJobDuration.Observe(elapsed.Seconds())

	if execErr != nil {
		w.failJob(ctx, job.ID, run, execErr, log)
		// The failure is recorded on the job; consuming the message again
		// would just repeat it.
		return nil
	}

	avgSimilarity, avgOverlap := 0.0, 0.0
	if scored > 0 {
		avgSimilarity = sumSimilarity / float64(scored)
		avgOverlap = sumOverlap / float64(scored)
	}

	completed := time.Now()
	upd := repository.JobUpdate{
		AvgSimilarity: &avgSimilarity,
		AvgOverlap:    &avgOverlap,
		TotalSamples:  &scored,
		CompletedAt:   &completed,
	}
	if run != nil {
		upd.TrackingRunURL = &run.URL
	}
	if err := w.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted, upd); err != nil {
		return fmt.Errorf("failed to mark job COMPLETED: %w", err)
	}
	EvalJobsTotal.WithLabelValues(string(domain.JobStatusCompleted)).Inc()

	if run != nil {
		if err := w.tracker.EndRun(ctx, run, RunStatusFinished, map[string]float64{
			"avg_similarity": avgSimilarity,
			"avg_overlap":    avgOverlap,
			"total_samples":  float64(scored),
		}); err != nil {
			log.WithError(err).Warn("Failed to finish tracking run")
		}
	}

	log.WithFields(logger.Fields{
		"avg_similarity":     avgSimilarity,
		"avg_overlap":        avgOverlap,
		"total_samples":      scored,
		logger.FieldDurationMs: elapsed.Milliseconds(),
	}).Info("Evaluation job completed")
	return nil
}

// evaluate streams every sample of the dataset version through the model.
// A sample that fails inference is skipped; only a stream-level error aborts
// the job.
func (w *Worker) evaluate(ctx context.Context, msg queue.Message, run *TrackingRun, log *logger.Logger) (sumSimilarity, sumOverlap float64, scored int, err error) {
	stream, err := w.samples.StreamSamples(ctx, msg.RepoID, msg.DatasetVersion)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to open sample stream: %w", err)
	}
	defer stream.Close()

	seen := 0
	for {
		sample, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, 0, 0, fmt.Errorf("failed to read sample: %w", err)
		}
		seen++

		pred, err := w.inference.Ask(ctx, msg.InferenceEndpointID, sample.ImageData, sample.Format, sample.Question)
		if err != nil {
			log.WithField("sample_id", sample.ID).WithError(err).Warn("Inference failed for sample, skipping")
			EvalSamplesTotal.WithLabelValues("skipped").Inc()
			continue
		}

		similarity := scoring.TextSimilarity(pred.Answer, sample.Answers, w.threshold)
		overlap := 0.0
		if pred.Box != nil {
			overlap = scoring.OverlapRatio(*pred.Box, sample.Box)
		}

		sumSimilarity += similarity
		sumOverlap += overlap
		scored++
		EvalSamplesTotal.WithLabelValues("scored").Inc()

		if run != nil && scored%w.logStep == 0 {
			if err := w.tracker.LogMetrics(ctx, run, scored, map[string]float64{
				"running_avg_similarity": sumSimilarity / float64(scored),
				"running_avg_overlap":    sumOverlap / float64(scored),
			}); err != nil {
				log.WithError(err).Debug("Failed to log running metrics")
			}
		}
	}

	log.WithFields(logger.Fields{"samples_seen": seen, "samples_scored": scored}).Info("Sample stream drained")
	return sumSimilarity, sumOverlap, scored, nil
}

// startRun opens an experiment-tracking run. Tracking is best effort: a
// failure here never affects the evaluation.
func (w *Worker) startRun(ctx context.Context, job *domain.EvaluationJob) *TrackingRun {
	run, err := w.tracker.StartRun(ctx, fmt.Sprintf("eval-%s-%s", job.ModelID, job.DatasetVersion), map[string]string{
		"job_id":          job.ID,
		"model_id":        job.ModelID,
		"dataset_version": job.DatasetVersion,
	})
	if err != nil {
		w.logger.WithField(logger.FieldJobID, job.ID).WithError(err).Warn("Failed to start tracking run")
		return nil
	}
	return run
}

func (w *Worker) failJob(ctx context.Context, jobID string, run *TrackingRun, execErr error, log *logger.Logger) {
	errMsg := execErr.Error()
	now := time.Now()
	if err := w.jobs.UpdateStatus(ctx, jobID, domain.JobStatusFailed, repository.JobUpdate{
		ErrorMessage: &errMsg,
		CompletedAt:  &now,
	}); err != nil {
		log.WithError(err).Error("Failed to mark job FAILED")
	}
	EvalJobsTotal.WithLabelValues(string(domain.JobStatusFailed)).Inc()

	if run != nil {
		if err := w.tracker.EndRun(ctx, run, RunStatusFailed, nil); err != nil {
			log.WithError(err).Warn("Failed to close tracking run")
		}
	}
	log.WithError(execErr).Error("Evaluation job failed")
}
