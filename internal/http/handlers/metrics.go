package handlers

import (
	"net/http"
)

// Metrics reports in-process gauges of the editing surface.
func (a *App) Metrics(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"sessions_open": a.Sessions.Len(),
	})
}
