package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"studio/internal/http/handlers"
	"studio/internal/infra"
	"studio/internal/middleware"
)

// NewRouter wires the API routes. countries may be nil.
func NewRouter(app *handlers.App, cfg *infra.Config, logger infra.Logger, countries middleware.CountryResolver) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS(cfg.CORSAllowedOrigins),
		middleware.Locale(cfg.DefaultLocale, countries),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	r.Get("/v1/metrics", app.Metrics)
	r.Get("/v1/stats/jobs", app.JobStats)

	if cfg.StoragePath != "" {
		r.Handle("/files/*", http.StripPrefix("/files/", noListing(http.FileServer(http.Dir(cfg.StoragePath)))))
	}

	// Job-record endpoint, polled by sessions and external callers.
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", app.CreateJob)
		r.Get("/{id}", app.GetJob)
	})

	editLimit := middleware.RateLimit(cfg.EditRateLimit, time.Minute, func(r *http.Request) string {
		return chi.URLParam(r, "id")
	})
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", app.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.GetSession)
			r.Delete("/", app.DeleteSession)
			r.With(editLimit).Post("/edits", app.SubmitEdit)
			r.Get("/jobs", app.ListSessionJobs)
			r.Get("/events", app.SessionEvents)
			r.Get("/archive", app.SessionArchive)
		})
	})

	return r
}

// noListing hides directory indexes of the artifact store.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
