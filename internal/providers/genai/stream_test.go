package genai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"studio/internal/domain"
	"studio/internal/stream"
)

func TestStreamClientDecodesEvents(t *testing.T) {
	var got streamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("accept = %q", accept)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-stream" {
			t.Errorf("authorization = %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(": keep-alive\n\ndata: {\"content\":\"Hel"))
		flusher.Flush()
		_, _ = w.Write([]byte("lo\"}\n\ndata: {\"image_url\":\"https://cdn.example.com/o.png\"}\n\ndata: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	client, err := NewStreamClient(StreamOptions{BaseURL: srv.URL, APIKey: "sk-stream"})
	if err != nil {
		t.Fatalf("new stream client: %v", err)
	}
	events, err := client.Generate(context.Background(), domain.EditRequest{SessionID: "s", Index: 1, Type: domain.JobTypeRegenerate, Prompt: "p", AspectRatio: "1:1", Locale: "id"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	res, err := stream.Collect(context.Background(), events)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.Text != "Hello" {
		t.Fatalf("text = %q", res.Text)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].URL != "https://cdn.example.com/o.png" {
		t.Fatalf("artifacts = %+v", res.Artifacts)
	}
	if !got.Stream || got.Mode != "regenerate" || got.Index != 1 || got.AspectRatio != "1:1" || got.Locale != "id" {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestStreamClientReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"content\":\"working\"}\n\ndata: {\"error\":{\"message\":\"quota exceeded\"}}\n\n"))
	}))
	defer srv.Close()

	client, err := NewStreamClient(StreamOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new stream client: %v", err)
	}
	events, err := client.Generate(context.Background(), domain.EditRequest{Index: 0, Type: domain.JobTypeRegenerate})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, err = stream.Collect(context.Background(), events)
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) || upstream.Message != "quota exceeded" {
		t.Fatalf("collect err = %v, want upstream quota exceeded", err)
	}
}

func TestStreamClientStatusErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnprocessableEntity)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":{"message":"prompt rejected"}}`))
	}))
	defer srv.Close()

	client, _ := NewStreamClient(StreamOptions{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), domain.EditRequest{})
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) || upstream.Message != "prompt rejected" {
		t.Fatalf("expected upstream error, got %v", err)
	}

	status.Store(http.StatusBadGateway)
	_, err = client.Generate(context.Background(), domain.EditRequest{})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestStreamClientConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	client, _ := NewStreamClient(StreamOptions{BaseURL: base})
	if _, err := client.Generate(context.Background(), domain.EditRequest{}); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if _, err := NewStreamClient(StreamOptions{BaseURL: ""}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
