package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"studio/internal/adapter/repo"
	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/normalize"
	"studio/internal/providers/genai"
	"studio/internal/providers/qwen"
	"studio/internal/session"
	"studio/internal/storage"
	"studio/internal/stream"
)

const (
	progressStarted   = 20
	progressGenerated = 90

	recutFallbackPrompt = "Cut out the main product and place it on a clean, evenly lit white background. Keep the product unchanged."
)

type jobQueue interface {
	ClaimNext(ctx context.Context) (*domain.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	MarkSucceeded(ctx context.Context, jobID string, result []byte) error
	MarkFailed(ctx context.Context, jobID, message string) error
}

type imageEditor interface {
	Edit(ctx context.Context, req qwen.EditRequest) ([]domain.ImageArtifact, error)
}

type imageGenerator interface {
	Generate(ctx context.Context, req genai.ImageRequest) ([]domain.ImageArtifact, error)
}

// jobWorker drains the edit_jobs table. Recuts go to the image editor when
// one is configured; regenerations stream when a stream generator is
// configured. Everything else falls back to the image generator.
type jobWorker struct {
	jobs       jobQueue
	editor     imageEditor
	generator  imageGenerator
	streamer   session.StreamGenerator
	norm       *normalize.Normalizer
	store      *storage.FileStore
	storeMode  domain.StoreMode
	publicBase string
	idle       time.Duration
	logger     infra.Logger
}

type resultItem struct {
	URL      string `json:"url,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	B64JSON  string `json:"b64_json,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

func (w *jobWorker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker: started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := w.jobs.ClaimNext(ctx)
		if err != nil {
			if !errors.Is(err, repo.ErrNoJobAvailable) && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("worker: failed to claim job")
			}
			if !sleep(ctx, w.idle) {
				return ctx.Err()
			}
			continue
		}
		w.handleJob(ctx, job)
	}
}

func (w *jobWorker) handleJob(ctx context.Context, job *domain.Job) {
	log := w.logger.With().Str("job_id", job.ID).Str("type", string(job.Type)).Logger()
	log.Info().Msg("worker: picked job")
	start := time.Now()

	result, err := w.process(ctx, job)

	// Terminal writes must land even while shutting down.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("worker: job failed")
		if markErr := w.jobs.MarkFailed(writeCtx, job.ID, failureMessage(err, jobLocale(job))); markErr != nil {
			log.Error().Err(markErr).Msg("worker: mark failed")
		}
		return
	}
	if err := w.jobs.MarkSucceeded(writeCtx, job.ID, result); err != nil {
		log.Error().Err(err).Msg("worker: mark succeeded")
		return
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("worker: job succeeded")
}

func (w *jobWorker) process(ctx context.Context, job *domain.Job) ([]byte, error) {
	var req domain.EditRequest
	if err := json.Unmarshal(job.PromptJSON, &req); err != nil {
		return nil, fmt.Errorf("worker: %w: decode request: %v", domain.ErrInvalidRequest, err)
	}
	req.Type = job.Type
	if req.SessionID == "" {
		req.SessionID = job.SessionID
	}
	source, ok := domain.ParseSource(req.SourceURL)
	if !ok {
		return nil, fmt.Errorf("worker: %w: source image is missing", domain.ErrInvalidRequest)
	}
	w.progress(ctx, job.ID, progressStarted)

	var (
		artifacts []domain.ImageArtifact
		err       error
	)
	switch {
	case req.Type == domain.JobTypeRecut && w.editor != nil:
		artifacts, err = w.editor.Edit(ctx, qwen.EditRequest{Prompt: req.Prompt, Source: source, RequestID: job.ID})
	case req.Type == domain.JobTypeRegenerate && w.streamer != nil:
		artifacts, err = w.runStream(ctx, job.ID, req)
	case req.Type == domain.JobTypeRecut || req.Type == domain.JobTypeRegenerate:
		prompt := req.Prompt
		if prompt == "" && req.Type == domain.JobTypeRecut {
			prompt = recutFallbackPrompt
		}
		artifacts, err = w.generator.Generate(ctx, genai.ImageRequest{
			Prompt:      prompt,
			Source:      &source,
			AspectRatio: req.AspectRatio,
			Locale:      req.Locale,
			RequestID:   job.ID,
		})
	default:
		return nil, fmt.Errorf("worker: %w: unsupported job type %q", domain.ErrInvalidRequest, req.Type)
	}
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("worker: %w", domain.ErrNoImageFound)
	}
	w.progress(ctx, job.ID, progressGenerated)
	return w.buildResult(ctx, job.ID, artifacts)
}

// runStream consumes a generation stream, raising the job progress as deltas
// arrive.
func (w *jobWorker) runStream(ctx context.Context, jobID string, req domain.EditRequest) ([]domain.ImageArtifact, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := w.streamer.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	tee := make(chan stream.Event)
	go func() {
		defer close(tee)
		seen := 0
		for ev := range events {
			if ev.Kind == stream.KindDelta || ev.Kind == stream.KindArtifact {
				seen++
				if p := progressStarted + seen*5; p < progressGenerated {
					w.progress(ctx, jobID, p)
				}
			}
			select {
			case tee <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	res, err := stream.Collect(ctx, tee)
	if err != nil {
		return nil, err
	}
	if len(res.Malformed) > 0 {
		w.logger.Warn().Str("job_id", jobID).Int("malformed", len(res.Malformed)).Msg("worker: skipped malformed stream lines")
	}
	artifact, err := w.norm.FromStream(ctx, res)
	if err != nil {
		return nil, err
	}
	return []domain.ImageArtifact{artifact}, nil
}

// buildResult renders the job result in the OpenAI images shape. In URL mode
// inline payloads are written to the file store and referenced by URL.
func (w *jobWorker) buildResult(ctx context.Context, jobID string, artifacts []domain.ImageArtifact) ([]byte, error) {
	items := make([]resultItem, 0, len(artifacts))
	for i, a := range artifacts {
		if a.Encoding == domain.EncodingURL {
			items = append(items, resultItem{URL: a.Payload})
			continue
		}
		if w.store == nil || w.storeMode == domain.StoreBase64 {
			items = append(items, resultItem{B64JSON: a.Payload, MimeType: a.MimeType})
			continue
		}
		data, err := a.Bytes()
		if err != nil {
			return nil, fmt.Errorf("worker: decode artifact: %w", err)
		}
		key, err := w.store.Write(ctx, storage.ArtifactKey(jobID, a.MimeType, i), data)
		if err != nil {
			return nil, fmt.Errorf("worker: persist artifact: %w", err)
		}
		width, height := domain.DecodeImageDimensions(data)
		items = append(items, resultItem{
			URL:    strings.TrimRight(w.publicBase, "/") + "/files/" + key,
			Width:  width,
			Height: height,
		})
	}
	return json.Marshal(map[string]any{"data": items})
}

func (w *jobWorker) progress(ctx context.Context, jobID string, p int) {
	if err := w.jobs.UpdateProgress(ctx, jobID, p); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("worker: update progress")
	}
}

// failureMessage is what the job record reports. Internal details stay in the
// log; an empty message lets the reader pick its localized generic text.
func failureMessage(err error, locale string) string {
	var upstream *domain.UpstreamError
	switch {
	case errors.As(err, &upstream):
		return strings.TrimSpace(upstream.Message)
	case errors.Is(err, domain.ErrNoImageFound), errors.Is(err, domain.ErrInvalidRequest):
		return domain.UserMessage(err, locale)
	default:
		return ""
	}
}

// jobLocale reads the locale recorded with the edit; payloads that do not
// decode fall back to English.
func jobLocale(job *domain.Job) string {
	var req struct {
		Locale string `json:"locale"`
	}
	if err := json.Unmarshal(job.PromptJSON, &req); err != nil || req.Locale == "" {
		return "en"
	}
	return req.Locale
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
