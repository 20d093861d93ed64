package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"studio/internal/domain"
)

const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
	lastReq   *http.Request
}

type responseStub struct {
	status int
	header http.Header
	body   []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.lastReq = req
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
	}
	if stub, ok := c.responses[req.URL.Path]; ok {
		return stub.toResponse(), nil
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) set(path string, status int, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: status,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (s responseStub) toResponse() *http.Response {
	return &http.Response{
		StatusCode: s.status,
		Header:     s.header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}

const generatePath = "/v1beta/models/gemini-2.5-flash-image:generateContent"

func newTestClient(t *testing.T, transport *captureTransport) *Client {
	t.Helper()
	client, err := NewClient(Options{
		APIKey:     "AIza-test",
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestGenerateExtractsInlineCandidate(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.set(generatePath, http.StatusOK, map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"parts": []any{
				map[string]any{"text": "Here is your photo"},
				map[string]any{"inlineData": map[string]any{"mimeType": "image/png", "data": tinyPNG}},
			}},
		}},
	})
	client := newTestClient(t, transport)

	source := domain.ImageArtifact{Encoding: domain.EncodingURL, Payload: "https://cdn.example.com/p.jpg", MimeType: "image/jpeg"}
	artifacts, err := client.Generate(context.Background(), ImageRequest{Prompt: "white background", Source: &source})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Payload != tinyPNG || artifacts[0].MimeType != "image/png" {
		t.Fatalf("unexpected artifacts %+v", artifacts)
	}
	if got := transport.lastReq.Header.Get("x-goog-api-key"); got != "AIza-test" {
		t.Fatalf("api key header = %q", got)
	}

	var payload geminiGenerateContentRequest
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	parts := payload.Contents[0].Parts
	if len(parts) != 2 || parts[0].Text != "white background" {
		t.Fatalf("unexpected parts %+v", parts)
	}
	if parts[1].FileData == nil || parts[1].FileData.FileURI != source.Payload {
		t.Fatalf("source image not forwarded: %+v", parts[1])
	}
}

func TestGenerateWithoutImageFails(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.set(generatePath, http.StatusOK, map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"parts": []any{map[string]any{"text": "I cannot edit this image"}}},
		}},
	})
	_, err := newTestClient(t, transport).Generate(context.Background(), ImageRequest{Prompt: "x"})
	if !errors.Is(err, domain.ErrNoImageFound) {
		t.Fatalf("expected ErrNoImageFound, got %v", err)
	}
}

func TestGenerateStatusErrors(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.set(generatePath, http.StatusBadRequest, map[string]any{
		"error": map[string]any{"code": 400, "message": "Image is not supported", "status": "INVALID_ARGUMENT"},
	})
	_, err := newTestClient(t, transport).Generate(context.Background(), ImageRequest{Prompt: "x"})
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) || upstream.Message != "Image is not supported" {
		t.Fatalf("expected upstream error, got %v", err)
	}

	transport.set(generatePath, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"message": "overloaded"}})
	_, err = newTestClient(t, transport).Generate(context.Background(), ImageRequest{Prompt: "x"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestSyntheticImagesAreDeterministic(t *testing.T) {
	client, err := NewClient(Options{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if !client.Synthetic() {
		t.Fatalf("client without key should be synthetic")
	}
	req := ImageRequest{Prompt: "batik pattern", AspectRatio: "16:9", RequestID: "job-1"}
	first, err := client.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, _ := client.Generate(context.Background(), req)
	if len(first) != 1 || first[0].Payload != second[0].Payload {
		t.Fatalf("synthetic output not deterministic")
	}
	data, err := base64.StdEncoding.DecodeString(first[0].Payload)
	if err != nil {
		t.Fatalf("payload not base64: %v", err)
	}
	if w, h := domain.DecodeImageDimensions(data); w != 640 || h != 360 {
		t.Fatalf("dimensions = %dx%d, want 640x360", w, h)
	}
}

func TestGenerateHonoursCancellation(t *testing.T) {
	client, _ := NewClient(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Generate(ctx, ImageRequest{}); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestNormalizeAspect(t *testing.T) {
	cases := map[string][2]int{
		"":      {512, 512},
		"9:16":  {360, 640},
		"2:1":   {512, 256},
		"weird": {512, 512},
	}
	for in, want := range cases {
		w, h := normalizeAspect(in)
		if w != want[0] || h != want[1] {
			t.Fatalf("normalizeAspect(%q) = %dx%d, want %dx%d", in, w, h, want[0], want[1])
		}
	}
}
