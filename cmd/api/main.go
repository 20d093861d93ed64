package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"studio/internal/adapter/repo"
	"studio/internal/http/handlers"
	httpapi "studio/internal/http/httpapi"
	"studio/internal/infra"
	"studio/internal/infra/credentials"
	"studio/internal/infra/geoip"
	"studio/internal/middleware"
	"studio/internal/normalize"
	"studio/internal/poller"
	"studio/internal/providers/genai"
	"studio/internal/providers/jobs"
	"studio/internal/session"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// The job store is optional: without it the API only serves sessions
	// against a remote job endpoint.
	var jobStore handlers.JobStore
	streamKey := cfg.StreamAPIKey
	if cfg.HasDatabase() {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()

		runner := infra.NewSQLRunner(dbpool, logger)
		if err := infra.EnsureSchema(ctx, runner); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure schema")
		}
		jobStore = repo.NewJobRepository(runner)

		if streamKey, err = credentials.NewStore(runner).Resolve(ctx, credentials.ProviderStream, streamKey); err != nil {
			logger.Warn().Err(err).Msg("failed to load stream token from store")
		}
	} else if strings.HasPrefix(cfg.JobsBaseURL, cfg.PublicBaseURL) {
		logger.Warn().Msg("DATABASE_URL is empty and JOBS_BASE_URL points at this API; job edits will fail")
	}

	jobsClient, err := jobs.NewClient(jobs.Options{
		BaseURL: cfg.JobsBaseURL,
		APIKey:  cfg.JobsAPIKey,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure job client")
	}

	normalizer := normalize.New(normalize.Options{
		HTTPClient:  &http.Client{Timeout: cfg.FetchTimeout},
		Logger:      &logger,
		RetryDelay:  cfg.FetchRetryDelay,
		Concurrency: cfg.NormalizeConcurrency,
	})

	var streamer session.StreamGenerator
	if cfg.StreamBaseURL != "" {
		streamClient, err := genai.NewStreamClient(genai.StreamOptions{
			BaseURL: cfg.StreamBaseURL,
			APIKey:  streamKey,
			Logger:  &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure stream client")
		}
		streamer = streamClient
	}

	relay := handlers.NewEventRelay(&logger)
	manager := session.NewManager(session.ManagerOptions{
		Submitter:     jobsClient,
		StatusFetcher: jobsClient,
		Streamer:      streamer,
		Normalizer:    normalizer,
		Publisher:     relay,
		PollOptions: poller.Options{
			Interval:          cfg.PollInterval,
			NotFoundTolerance: cfg.PollNotFoundTolerance,
			MaxAttempts:       cfg.PollMaxAttempts,
			MaxDuration:       cfg.PollMaxDuration,
			Logger:            &logger,
		},
		StoreMode: cfg.StoreMode(),
		Logger:    &logger,
		IdleTTL:   cfg.SessionIdleTTL,
	})
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go manager.Run(sweepCtx, time.Minute)

	app := handlers.NewApp(cfg, &logger, jobStore, manager, relay)

	// A nil *geoip.Resolver must not become a non-nil interface.
	var countries middleware.CountryResolver
	if resolver, err := geoip.Open(cfg.GeoIPDBPath); err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	} else if resolver != nil {
		defer resolver.Close()
		countries = resolver
	}
	router := httpapi.NewRouter(app, cfg, logger, countries)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Bool("database", jobStore != nil).Bool("streaming", streamer != nil).Msg("API listening")
		if err := server.Start(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Event streams never end on their own; close them before draining.
	relay.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := manager.CloseAll(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("sessions did not drain")
	}
	logger.Info().Msg("server stopped")
}
