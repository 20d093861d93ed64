package handlers

import (
	"net/http"
)

func (a *App) JobStats(w http.ResponseWriter, r *http.Request) {
	if a.Jobs == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "job store not configured")
		return
	}
	summary, err := a.Jobs.Summary(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("stats: summary failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load stats")
		return
	}
	a.json(w, http.StatusOK, summary)
}
