package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"studio/internal/adapter/repo"
	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/session"
)

// maxBodyBytes caps request bodies; source images may arrive as data URLs.
const maxBodyBytes = 16 << 20

// JobStore is the persistence the job-record endpoint needs.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.Job, error)
	Summary(ctx context.Context) (repo.StatusSummary, error)
}

// App carries the dependencies shared by every handler. Jobs is nil when the
// API runs without a database.
type App struct {
	Config   *infra.Config
	Logger   *infra.Logger
	Jobs     JobStore
	Sessions *session.Manager
	Events   *EventRelay
}

func NewApp(cfg *infra.Config, logger *infra.Logger, jobs JobStore, sessions *session.Manager, events *EventRelay) *App {
	return &App{
		Config:   cfg,
		Logger:   infra.OrDiscard(logger),
		Jobs:     jobs,
		Sessions: sessions,
		Events:   events,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"ok":    false,
		"code":  code,
		"error": message,
	})
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}

var errSourceNotAllowed = errors.New("source host is not allowed")

// checkSource accepts data URLs and http(s) URLs on an allowlisted host.
func (a *App) checkSource(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("source is empty")
	}
	if strings.HasPrefix(raw, "data:") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return errors.New("source must be an http(s) or data URL")
	}
	if a.Config != nil && !a.Config.AllowsImageHost(u.Hostname()) {
		return errSourceNotAllowed
	}
	return nil
}
