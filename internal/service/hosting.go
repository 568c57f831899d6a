package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/docvqa/internal/domain"
)

// SampleStream is a lazy, restartable sequence of evaluation samples.
// Next returns io.EOF after the last sample.
type SampleStream interface {
	Next(ctx context.Context) (*domain.Sample, error)
	Close() error
}

// SampleSource opens the sample stream for a hosted dataset version.
type SampleSource interface {
	StreamSamples(ctx context.Context, repoID, version string) (SampleStream, error)
}

// DatasetUploader is the write side of the hosting service used by the
// export pipeline.
type DatasetUploader interface {
	EnsureRepo(ctx context.Context, repoID string) error
	UploadFile(ctx context.Context, repoID, path string, data []byte, commitMessage string) error
	RepoURL(repoID string) string
}

// HostingConfig holds configuration for the dataset hosting client.
type HostingConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HostingService talks to the external dataset hosting platform: repository
// management, file upload with commit messages, and streaming download.
type HostingService struct {
	client  *resty.Client
	baseURL string
	token   string
}

// NewHostingService creates a dataset hosting client.
func NewHostingService(cfg *HostingConfig) *HostingService {
	client := resty.New()
	if cfg.Token != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.Token)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	client.SetTimeout(timeout)

	return &HostingService{
		client:  client,
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
	}
}

// EnsureRepo creates the dataset repository if it does not exist. Creating
// an existing repository is not an error.
func (h *HostingService) EnsureRepo(ctx context.Context, repoID string) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"id": repoID, "type": "dataset"}).
		Post(h.baseURL + "/api/repos")
	if err != nil {
		return fmt.Errorf("failed to create repository %s: %w", repoID, err)
	}
	// Repository creation is idempotent: already-exists is fine.
	if resp.IsError() && resp.StatusCode() != http.StatusConflict {
		return fmt.Errorf("hosting service returned HTTP %d creating %s", resp.StatusCode(), repoID)
	}
	return nil
}

// UploadFile uploads a named file with a commit message.
func (h *HostingService) UploadFile(ctx context.Context, repoID, path string, data []byte, commitMessage string) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetQueryParam("commit_message", commitMessage).
		SetBody(data).
		Put(fmt.Sprintf("%s/api/repos/%s/files/%s", h.baseURL, repoID, path))
	if err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", path, repoID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("hosting service returned HTTP %d uploading %s", resp.StatusCode(), path)
	}
	return nil
}

// ListFiles lists the file paths in a repository.
func (h *HostingService) ListFiles(ctx context.Context, repoID string) ([]string, error) {
	var out struct {
		Files []string `json:"files"`
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("%s/api/repos/%s/files", h.baseURL, repoID))
	if err != nil {
		return nil, fmt.Errorf("failed to list files in %s: %w", repoID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hosting service returned HTTP %d listing %s", resp.StatusCode(), repoID)
	}
	return out.Files, nil
}

// RepoURL returns the browsable URL of a repository.
func (h *HostingService) RepoURL(repoID string) string {
	return fmt.Sprintf("%s/datasets/%s", h.baseURL, repoID)
}

// downloadFile opens a streaming download of one repository file. The
// caller owns the returned reader.
func (h *HostingService) downloadFile(ctx context.Context, repoID, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/repos/%s/files/%s", h.baseURL, repoID, path), nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	// resty buffers bodies; use the underlying http.Client for streaming.
	resp, err := h.client.GetClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s from %s: %w", path, repoID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("hosting service returned HTTP %d downloading %s", resp.StatusCode, path)
	}
	return resp.Body, nil
}

// StreamSamples opens a lazy JSONL decode over the version's data file.
func (h *HostingService) StreamSamples(ctx context.Context, repoID, version string) (SampleStream, error) {
	body, err := h.downloadFile(ctx, repoID, dataFilePath(version))
	if err != nil {
		return nil, fmt.Errorf("failed to open sample stream for %s@%s: %w", repoID, version, err)
	}
	return newJSONLStream(body), nil
}

// dataFilePath is the canonical location of a version's rows in the
// repository.
func dataFilePath(version string) string {
	return fmt.Sprintf("data/%s.jsonl", version)
}

// jsonlStream decodes one Sample per line. Lines carry base64 image
// payloads, so the scanner buffer allows large lines.
type jsonlStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

const maxSampleLine = 64 * 1024 * 1024

func newJSONLStream(body io.ReadCloser) *jsonlStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSampleLine)
	return &jsonlStream{body: body, scanner: scanner}
}

func (s *jsonlStream) Next(ctx context.Context) (*domain.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sample domain.Sample
		if err := json.Unmarshal(line, &sample); err != nil {
			return nil, fmt.Errorf("failed to decode sample row: %w", err)
		}
		return &sample, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *jsonlStream) Close() error {
	return s.body.Close()
}
