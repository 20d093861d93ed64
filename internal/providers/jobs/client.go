// Package jobs is the HTTP client for the job-record endpoint.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"studio/internal/domain"
	"studio/internal/infra"
)

const maxResponseBytes = 16 << 20

// Options configures the job-record client.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client reads job snapshots and submits new edit jobs.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *infra.Logger
}

// envelope is the wire shape of every job-record response.
type envelope struct {
	OK    bool     `json:"ok"`
	Job   *wireJob `json:"job,omitempty"`
	Error string   `json:"error,omitempty"`
}

type wireJob struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("jobs: invalid base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
	}, nil
}

// FetchStatus implements poller.StatusFetcher. A 404 wraps domain.ErrNotFound;
// network failures and 5xx responses wrap domain.ErrTransport.
func (c *Client) FetchStatus(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("jobs: %w: job id is required", domain.ErrInvalidRequest)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("jobs: build request: %w", err)
	}
	env, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("jobs: job %s: %w", jobID, domain.ErrNotFound)
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return nil, fmt.Errorf("jobs: %w: status %d", domain.ErrTransport, status)
	case status >= http.StatusBadRequest:
		return nil, fmt.Errorf("jobs: status %d: %s", status, env.Error)
	}
	return toRecord(jobID, env)
}

func toRecord(jobID string, env *envelope) (*domain.JobRecord, error) {
	if env.Job == nil {
		if !env.OK && strings.TrimSpace(env.Error) != "" {
			return &domain.JobRecord{ID: jobID, Status: domain.JobStatusFailed, Error: env.Error}, nil
		}
		return nil, fmt.Errorf("jobs: %w: response carries no job", domain.ErrTransport)
	}
	status, ok := domain.ParseJobStatus(env.Job.Status)
	if !ok {
		return nil, fmt.Errorf("jobs: %w: unknown status %q", domain.ErrTransport, env.Job.Status)
	}
	rec := &domain.JobRecord{
		ID:       firstNonEmpty(env.Job.ID, jobID),
		Status:   status,
		Progress: domain.ClampProgress(env.Job.Progress),
		Result:   env.Job.Result,
		Error:    env.Job.Error,
	}
	if rec.Status == domain.JobStatusFailed && rec.Error == "" {
		rec.Error = env.Error
	}
	return rec, nil
}

// Submit creates a job for req and returns its id.
func (c *Client) Submit(ctx context.Context, req domain.EditRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("jobs: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("jobs: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	env, status, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	if status >= http.StatusBadRequest || !env.OK || env.Job == nil || env.Job.ID == "" {
		msg := strings.TrimSpace(env.Error)
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		if status >= http.StatusInternalServerError {
			return "", fmt.Errorf("jobs: %w: submit: %s", domain.ErrTransport, msg)
		}
		return "", &domain.UpstreamError{Message: msg}
	}
	c.logger.Debug().Str("job_id", env.Job.ID).Str("type", string(req.Type)).Msg("jobs: submitted")
	return env.Job.ID, nil
}

func (c *Client) do(req *http.Request) (*envelope, int, error) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, 0, fmt.Errorf("jobs: %w: %w", domain.ErrCancelled, ctxErr)
		}
		return nil, 0, fmt.Errorf("jobs: %w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("jobs: %w: read response: %v", domain.ErrTransport, err)
	}
	env := &envelope{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, env); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				env.Error = strings.TrimSpace(string(raw))
				return env, resp.StatusCode, nil
			}
			return nil, resp.StatusCode, fmt.Errorf("jobs: %w: decode response: %v", domain.ErrTransport, err)
		}
	}
	return env, resp.StatusCode, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
