package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EvalJobsTotal counts evaluation jobs by terminal status.
	EvalJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docvqa",
		Subsystem: "worker",
		Name:      "eval_jobs_total",
		Help:      "Evaluation jobs processed, by terminal status.",
	}, []string{"status"})

	// EvalSamplesTotal counts evaluated samples by outcome.
	EvalSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docvqa",
		Subsystem: "worker",
		Name:      "eval_samples_total",
		Help:      "Samples evaluated, by outcome (scored, skipped).",
	}, []string{"outcome"})

	// EvalJobDuration observes per-job wall time in seconds.
	EvalJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "docvqa",
		Subsystem: "worker",
		Name:      "eval_job_duration_seconds",
		Help:      "Wall time of one model evaluation job.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// ExportRowsTotal counts dataset rows built by the export pipeline.
	ExportRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docvqa",
		Subsystem: "export",
		Name:      "rows_total",
		Help:      "Dataset rows built by the export pipeline.",
	})
)
