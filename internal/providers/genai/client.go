// Package genai talks to the generation backends used for regenerate edits:
// the Gemini generateContent API and the SSE streaming generator.
package genai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/normalize"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash-image"
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
	// Normalizer turns the raw candidates payload into artifacts. A default
	// one sharing HTTPClient is built when nil.
	Normalizer *normalize.Normalizer
}

// Client edits product photos through Gemini. Without an API key it renders
// deterministic synthetic images so local and CI environments stay usable.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	normalizer *normalize.Normalizer
	logger     *infra.Logger
}

// ImageRequest is one regenerate edit.
type ImageRequest struct {
	Prompt      string
	Source      *domain.ImageArtifact
	AspectRatio string
	Locale      string
	RequestID   string
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("genai: invalid base url %q", opts.BaseURL)
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	logger := infra.OrDiscard(opts.Logger)
	norm := opts.Normalizer
	if norm == nil {
		norm = normalize.New(normalize.Options{HTTPClient: httpClient, Logger: logger})
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		normalizer: norm,
		logger:     logger,
	}, nil
}

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string {
	return c.model
}

// Synthetic reports whether the client renders placeholders instead of
// calling Gemini.
func (c *Client) Synthetic() bool {
	return c.apiKey == ""
}

// Generate runs one edit and returns the resulting artifacts in candidate
// order.
func (c *Client) Generate(ctx context.Context, req ImageRequest) ([]domain.ImageArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("genai: %w: %w", domain.ErrCancelled, err)
	}
	if c.Synthetic() {
		return c.syntheticImages(req)
	}

	raw, err := c.invokeGemini(ctx, "/models/"+url.PathEscape(c.model)+":generateContent", c.buildPayload(req))
	if err != nil {
		return nil, err
	}
	artifacts, err := c.normalizer.Extract(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("genai: %w", err)
	}
	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.model).
		Int("artifacts", len(artifacts)).
		Msg("genai: generated remote images")
	return artifacts, nil
}

func (c *Client) buildPayload(req ImageRequest) geminiGenerateContentRequest {
	parts := []geminiPart{{Text: buildImagePrompt(req)}}
	if src := req.Source; src != nil {
		switch src.Encoding {
		case domain.EncodingBase64:
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: src.MimeType, Data: src.Payload}})
		case domain.EncodingURL:
			parts = append(parts, geminiPart{FileData: &geminiFileData{MimeType: src.MimeType, FileURI: src.Payload}})
		}
	}
	return geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			CandidateCount:     1,
		},
	}
}

// invokeGemini returns the raw response body so that the normalizer sees the
// payload exactly as the vendor produced it.
func (c *Client) invokeGemini(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("genai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("genai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("genai: %w: %w", domain.ErrCancelled, ctxErr)
		}
		return nil, fmt.Errorf("genai: %w: invoke gemini: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("genai: %w: read response: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr geminiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("genai: %w: status %d: %s", domain.ErrTransport, status, msg)
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	return &domain.UpstreamError{Message: msg}
}

func buildImagePrompt(req ImageRequest) string {
	var b strings.Builder
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		b.WriteString(prompt)
	} else {
		b.WriteString("Regenerate this product photo with a clean studio background")
	}
	if aspect := strings.TrimSpace(req.AspectRatio); aspect != "" {
		b.WriteString("\nAspect ratio: ")
		b.WriteString(aspect)
	}
	if locale := strings.TrimSpace(req.Locale); locale != "" {
		b.WriteString("\nLocale: ")
		b.WriteString(locale)
	}
	return b.String()
}

func (c *Client) syntheticImages(req ImageRequest) ([]domain.ImageArtifact, error) {
	width, height := normalizeAspect(req.AspectRatio)
	source := ""
	if req.Source != nil {
		source = req.Source.Payload
	}
	seed := deterministicSeed(req.RequestID, req.Prompt, req.Locale, source)
	data := renderSyntheticImage(width, height, seed)
	if data == nil {
		return nil, errors.New("genai: render synthetic image")
	}
	artifact, _ := domain.NewBase64Artifact(base64.StdEncoding.EncodeToString(data), "image/png")

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.model).
		Str("seed", seed).
		Msg("genai: generated synthetic image")
	return []domain.ImageArtifact{artifact}, nil
}

func renderSyntheticImage(width, height int, seed string) []byte {
	if width <= 0 {
		width = 512
	}
	if height <= 0 {
		height = 512
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{colorFromSeed(seed, 0)}, image.Point{}, draw.Src)

	accent := colorFromSeed(seed, 1)
	stripe := max(8, height/12)
	for y := 0; y < height; y += stripe * 2 {
		draw.Draw(img, image.Rect(0, y, width, min(height, y+stripe)), &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	diagonal := colorFromSeed(seed, 2)
	step := max(8, width/32)
	for x := 0; x < width; x += step {
		for y := 0; y < height && x+y < width; y++ {
			img.Set(x+y, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if len(seed) < 6 {
		seed = "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{R: hexByte(segment[0:2]), G: hexByte(segment[2:4]), B: hexByte(segment[4:6]), A: 255}
}

func hexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func deterministicSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(hasher, "%v|", part)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

// normalizeAspect maps an aspect ratio onto placeholder dimensions. Sizes are
// kept small; synthetic images only stand in for the real thing.
func normalizeAspect(aspect string) (int, int) {
	switch strings.ToLower(strings.TrimSpace(aspect)) {
	case "16:9":
		return 640, 360
	case "9:16":
		return 360, 640
	case "4:5":
		return 512, 640
	case "3:2":
		return 600, 400
	case "1:1", "square", "":
		return 512, 512
	}
	parts := strings.Split(aspect, ":")
	if len(parts) == 2 {
		a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
		b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
		if errA == nil && errB == nil && a > 0 && b > 0 {
			return 512, max(1, 512*b/a)
		}
	}
	return 512, 512
}
