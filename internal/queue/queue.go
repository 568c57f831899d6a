// Package queue is the gateway to the evaluation job queue. It hides the
// JetStream specifics behind a publish interface and a batch-handler
// consumer loop with dead-letter handling.
package queue

import "context"

// Message is one evaluation job on the wire. JobID doubles as the
// deduplication key: a retried trigger invocation publishing the same job
// again is suppressed by the stream's duplicate window.
type Message struct {
	JobID               string `json:"job_id"`
	DatasetVersion      string `json:"dataset_version"`
	ModelID             string `json:"model_id"`
	InferenceEndpointID string `json:"inference_endpoint_id"`
	RepoID              string `json:"repo_id"`
}

// Publisher enqueues evaluation jobs. The trigger depends on this interface
// only, so tests can substitute a fake.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// BatchHandler processes one fetched batch and reports per-message results
// by job id. Messages in neither list are treated as failed.
type BatchHandler func(ctx context.Context, msgs []Message) (succeeded []string, failed []string)
