package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"studio/internal/domain"
	"studio/internal/middleware"
)

type jobEnvelope struct {
	OK  bool              `json:"ok"`
	Job *domain.JobRecord `json:"job,omitempty"`
}

type createJobRequest struct {
	SessionID   string `json:"session_id"`
	Index       int    `json:"index"`
	Type        string `json:"type"`
	Prompt      string `json:"prompt"`
	SourceURL   string `json:"source_url"`
	AspectRatio string `json:"aspect_ratio"`
}

// GetJob serves the job-record endpoint polled by sessions and by external
// callers.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	if a.Jobs == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "job store not configured")
		return
	}
	job, err := a.Jobs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Msg("jobs: load failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	rec := job.Record()
	a.json(w, http.StatusOK, jobEnvelope{OK: true, Job: &rec})
}

// CreateJob queues an edit for the worker.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	if a.Jobs == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "job store not configured")
		return
	}
	var body createJobRequest
	if !a.decode(w, r, &body) {
		return
	}
	kind, ok := domain.ParseJobType(body.Type)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "type must be recut or regenerate")
		return
	}
	if body.Index < 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "index must not be negative")
		return
	}
	if err := a.checkSource(body.SourceURL); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req := domain.EditRequest{
		SessionID:   strings.TrimSpace(body.SessionID),
		Index:       body.Index,
		Type:        kind,
		Prompt:      strings.TrimSpace(body.Prompt),
		SourceURL:   strings.TrimSpace(body.SourceURL),
		AspectRatio: strings.TrimSpace(body.AspectRatio),
		Locale:      middleware.LocaleFromContext(r.Context()),
	}
	payload, _ := json.Marshal(req)
	job := &domain.Job{SessionID: req.SessionID, Type: kind, PromptJSON: payload}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("jobs: create failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}
	a.Logger.Info().Str("job_id", job.ID).Str("type", string(kind)).Msg("jobs: queued")
	rec := job.Record()
	a.json(w, http.StatusAccepted, jobEnvelope{OK: true, Job: &rec})
}

// ListSessionJobs returns the latest jobs submitted for one session.
func (a *App) ListSessionJobs(w http.ResponseWriter, r *http.Request) {
	if a.Jobs == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "job store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := a.Jobs.ListBySession(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("jobs: list failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	out := make([]domain.JobRecord, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobs[i].Record())
	}
	a.json(w, http.StatusOK, map[string]any{"ok": true, "jobs": out})
}
