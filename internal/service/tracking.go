package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Tracking run terminal statuses.
const (
	RunStatusFinished = "FINISHED"
	RunStatusFailed   = "FAILED"
)

// TrackingRun identifies one run on the experiment tracking service.
type TrackingRun struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Tracker is the experiment tracking boundary. Every call is best-effort:
// callers log failures and keep going, tracking must never block an
// evaluation.
type Tracker interface {
	StartRun(ctx context.Context, name string, params map[string]string) (*TrackingRun, error)
	LogMetrics(ctx context.Context, run *TrackingRun, step int, metrics map[string]float64) error
	EndRun(ctx context.Context, run *TrackingRun, status string, summary map[string]float64) error
}

// NoopTracker discards all tracking calls. Used when tracking is disabled
// and in tests.
type NoopTracker struct{}

func (NoopTracker) StartRun(context.Context, string, map[string]string) (*TrackingRun, error) {
	return nil, nil
}

func (NoopTracker) LogMetrics(context.Context, *TrackingRun, int, map[string]float64) error {
	return nil
}

func (NoopTracker) EndRun(context.Context, *TrackingRun, string, map[string]float64) error {
	return nil
}

// TrackingConfig holds configuration for the tracking service client.
type TrackingConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPTracker talks to the experiment tracking service over HTTP.
type HTTPTracker struct {
	client  *resty.Client
	baseURL string
}

// NewHTTPTracker creates a tracking service client.
func NewHTTPTracker(cfg *TrackingConfig) *HTTPTracker {
	client := resty.New()
	if cfg.Token != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.Token)
	}
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client.SetTimeout(timeout)

	return &HTTPTracker{client: client, baseURL: cfg.BaseURL}
}

type startRunRequest struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
	URL   string `json:"url"`
}

// StartRun creates a tracking run and returns its id and browsable URL.
func (t *HTTPTracker) StartRun(ctx context.Context, name string, params map[string]string) (*TrackingRun, error) {
	var out startRunResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(startRunRequest{Name: name, Params: params}).
		SetResult(&out).
		Post(t.baseURL + "/api/runs")
	if err != nil {
		return nil, fmt.Errorf("failed to create tracking run: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tracking service returned HTTP %d", resp.StatusCode())
	}
	return &TrackingRun{ID: out.RunID, URL: out.URL}, nil
}

type logMetricsRequest struct {
	Step    int                `json:"step"`
	Metrics map[string]float64 `json:"metrics"`
}

// LogMetrics appends metrics at a step to a run.
func (t *HTTPTracker) LogMetrics(ctx context.Context, run *TrackingRun, step int, metrics map[string]float64) error {
	if run == nil {
		return nil
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(logMetricsRequest{Step: step, Metrics: metrics}).
		Post(fmt.Sprintf("%s/api/runs/%s/metrics", t.baseURL, run.ID))
	if err != nil {
		return fmt.Errorf("failed to log metrics: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("tracking service returned HTTP %d", resp.StatusCode())
	}
	return nil
}

type endRunRequest struct {
	Status  string             `json:"status"`
	Summary map[string]float64 `json:"summary,omitempty"`
}

// EndRun finalizes a run with a terminal status and summary metrics.
func (t *HTTPTracker) EndRun(ctx context.Context, run *TrackingRun, status string, summary map[string]float64) error {
	if run == nil {
		return nil
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(endRunRequest{Status: status, Summary: summary}).
		Post(fmt.Sprintf("%s/api/runs/%s/finish", t.baseURL, run.ID))
	if err != nil {
		return fmt.Errorf("failed to finalize tracking run: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("tracking service returned HTTP %d", resp.StatusCode())
	}
	return nil
}
