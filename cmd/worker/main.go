package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"studio/internal/adapter/repo"
	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/infra/credentials"
	"studio/internal/normalize"
	"studio/internal/providers/genai"
	"studio/internal/providers/qwen"
	"studio/internal/storage"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.HasDatabase() {
		logger.Fatal().Msg("worker: DATABASE_URL is required")
	}
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	if err := infra.EnsureSchema(ctx, runner); err != nil {
		logger.Fatal().Err(err).Msg("worker: ensure schema failed")
	}
	creds := credentials.NewStore(runner)
	resolve := func(provider, configured string) string {
		key, err := creds.Resolve(ctx, provider, configured)
		if err != nil {
			logger.Warn().Err(err).Str("provider", provider).Msg("worker: failed to load api key from store")
		}
		return key
	}

	normalizer := normalize.New(normalize.Options{
		HTTPClient:  &http.Client{Timeout: cfg.FetchTimeout},
		Logger:      &logger,
		RetryDelay:  cfg.FetchRetryDelay,
		Concurrency: cfg.NormalizeConcurrency,
	})

	geminiKey := resolve(credentials.ProviderGemini, cfg.GeminiAPIKey)
	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:     geminiKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: &http.Client{Timeout: 90 * time.Second},
		Logger:     &logger,
		Normalizer: normalizer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure gemini client")
	}
	if geminiClient.Synthetic() {
		logger.Warn().Str("model", geminiClient.Model()).Msg("worker: gemini api key missing, using synthetic image generation")
	}

	w := &jobWorker{
		jobs:       repo.NewJobRepository(runner),
		generator:  geminiClient,
		norm:       normalizer,
		storeMode:  cfg.StoreMode(),
		publicBase: cfg.PublicBaseURL,
		idle:       cfg.WorkerIdleInterval,
		logger:     logger,
	}

	if qwenKey := resolve(credentials.ProviderQwen, cfg.QwenAPIKey); qwenKey != "" {
		qwenClient, err := qwen.NewClient(qwen.Options{
			APIKey:     qwenKey,
			BaseURL:    cfg.QwenBaseURL,
			Model:      cfg.QwenModel,
			Logger:     &logger,
			Normalizer: normalizer,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: failed to configure qwen client")
		}
		w.editor = qwenClient
	} else {
		logger.Warn().Msg("worker: dashscope api key missing, recuts use gemini")
	}

	if cfg.StreamBaseURL != "" {
		streamClient, err := genai.NewStreamClient(genai.StreamOptions{
			BaseURL: cfg.StreamBaseURL,
			APIKey:  resolve(credentials.ProviderStream, cfg.StreamAPIKey),
			Logger:  &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: failed to configure stream client")
		}
		w.streamer = streamClient
	}

	if w.storeMode == domain.StoreURL {
		storagePath := cfg.StoragePath
		if !filepath.IsAbs(storagePath) {
			if abs, err := filepath.Abs(storagePath); err == nil {
				storagePath = abs
			}
		}
		fileStore, err := storage.NewFileStore(storagePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: failed to configure storage")
		}
		w.store = fileStore
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
