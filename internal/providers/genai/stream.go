package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/stream"
)

// StreamOptions configures the streaming generator client.
type StreamOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// StreamClient posts a generation request and decodes the SSE response.
type StreamClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *infra.Logger
}

type streamRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	Index       int    `json:"index"`
	Mode        string `json:"mode"`
	Prompt      string `json:"prompt,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Locale      string `json:"locale,omitempty"`
	Stream      bool   `json:"stream"`
}

// NewStreamClient validates the base URL; the generator lives at
// {base}/generate.
func NewStreamClient(opts StreamOptions) (*StreamClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("genai: invalid stream base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// no client timeout: streams stay open for as long as generation runs
		httpClient = &http.Client{}
	}
	return &StreamClient{
		endpoint:   base + "/generate",
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
	}, nil
}

// Generate starts a generation and returns its decoded event sequence. The
// returned channel closes when the stream ends or ctx is cancelled. Errors
// before the first byte (connection failures, non-2xx) are returned directly.
func (c *StreamClient) Generate(ctx context.Context, req domain.EditRequest) (<-chan stream.Event, error) {
	body, err := json.Marshal(streamRequest{
		SessionID:   req.SessionID,
		Index:       req.Index,
		Mode:        string(req.Type),
		Prompt:      req.Prompt,
		SourceURL:   req.SourceURL,
		AspectRatio: req.AspectRatio,
		Locale:      req.Locale,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: encode stream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("genai: build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("genai: %w: %w", domain.ErrCancelled, ctxErr)
		}
		return nil, fmt.Errorf("genai: %w: open stream: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, statusError(resp.StatusCode, data)
	}

	c.logger.Debug().
		Str("session_id", req.SessionID).
		Int("index", req.Index).
		Str("content_type", resp.Header.Get("Content-Type")).
		Msg("genai: stream opened")
	return stream.Decode(ctx, resp.Body), nil
}
