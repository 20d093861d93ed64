// Package qwen is the DashScope image-edit client used for recut edits.
package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/normalize"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("qwen: api key is required")

const defaultRecutPrompt = "Cut out the product and place it on a plain white background. Keep the product unchanged."

// Options configures the DashScope client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	NegativePrompt string
	Watermark      bool
	HTTPClient     *http.Client
	Logger         *infra.Logger
	Normalizer     *normalize.Normalizer
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the DashScope multimodal generation API.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	negativePrompt string
	watermark      bool
	httpClient     *http.Client
	normalizer     *normalize.Normalizer
	logger         *infra.Logger
}

// EditRequest captures one recut of a source image.
type EditRequest struct {
	Prompt    string
	Source    domain.ImageArtifact
	Seed      int
	RequestID string
}

type generationRequest struct {
	Model      string           `json:"model"`
	Input      generationInput  `json:"input"`
	Parameters generationParams `json:"parameters"`
}

type generationInput struct {
	Messages []generationMessage `json:"messages"`
}

type generationMessage struct {
	Role    string              `json:"role"`
	Content []generationContent `json:"content"`
}

type generationContent struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

type generationParams struct {
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Watermark      *bool  `json:"watermark,omitempty"`
	Seed           *int   `json:"seed,omitempty"`
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "qwen-image-edit"
	}
	logger := infra.OrDiscard(opts.Logger)
	norm := opts.Normalizer
	if norm == nil {
		norm = normalize.New(normalize.Options{HTTPClient: httpClient, Logger: logger})
	}
	return &Client{
		apiKey:         strings.TrimSpace(opts.APIKey),
		baseURL:        baseURL,
		model:          model,
		negativePrompt: strings.TrimSpace(opts.NegativePrompt),
		watermark:      opts.Watermark,
		httpClient:     httpClient,
		normalizer:     norm,
		logger:         logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Edit sends the source image with the prompt and normalizes whatever the
// model returns into artifacts.
func (c *Client) Edit(ctx context.Context, req EditRequest) ([]domain.ImageArtifact, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	image := imageContent(req.Source)
	if image == "" {
		return nil, fmt.Errorf("qwen: %w: source image is required", domain.ErrInvalidRequest)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = defaultRecutPrompt
	}

	watermark := c.watermark
	payload := generationRequest{
		Model: c.model,
		Input: generationInput{Messages: []generationMessage{{
			Role:    "user",
			Content: []generationContent{{Image: image}, {Text: prompt}},
		}}},
		Parameters: generationParams{NegativePrompt: c.negativePrompt, Watermark: &watermark},
	}
	if req.Seed > 0 {
		payload.Parameters.Seed = &req.Seed
	}

	raw, err := c.post(ctx, "/services/aigc/multimodal-generation/generation", payload)
	if err != nil {
		return nil, err
	}
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Code != "" {
		return nil, &domain.UpstreamError{Message: fmt.Sprintf("%s (%s)", detail.Message, detail.Code)}
	}
	artifacts, err := c.normalizer.Extract(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("qwen: %w", err)
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("request_id", req.RequestID).
		Str("dashscope_request_id", detail.RequestID).
		Int("artifacts", len(artifacts)).
		Msg("qwen: edited image")
	return artifacts, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("qwen: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("qwen: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("qwen: %w: %w", domain.ErrCancelled, ctxErr)
		}
		return nil, fmt.Errorf("qwen: %w: http request: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("qwen: %w: read response: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			msg = fmt.Sprintf("%s (%s)", detail.Message, detail.Code)
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("qwen: %w: status %d: %s", domain.ErrTransport, resp.StatusCode, msg)
		}
		return nil, &domain.UpstreamError{Message: msg}
	}
	return raw, nil
}

// imageContent renders the source as DashScope expects it: a public URL, or
// a data URL for inline bytes.
func imageContent(src domain.ImageArtifact) string {
	payload := strings.TrimSpace(src.Payload)
	if payload == "" {
		return ""
	}
	if src.Encoding == domain.EncodingURL {
		return payload
	}
	return "data:" + domain.NormalizeMimeType(src.MimeType) + ";base64," + payload
}
