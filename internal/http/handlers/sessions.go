package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"studio/internal/domain"
	"studio/internal/middleware"
	"studio/internal/session"
	"studio/internal/storage"
	"studio/pkg/zip"
)

type createSessionRequest struct {
	Images []string `json:"images"`
}

type editRequest struct {
	Index       int    `json:"index"`
	Mode        string `json:"mode"`
	Prompt      string `json:"prompt"`
	SourceURL   string `json:"source_url"`
	AspectRatio string `json:"aspect_ratio"`
}

// maxSessionImages bounds the number of result slots per session.
const maxSessionImages = 8

func (a *App) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if !a.decode(w, r, &body) {
		return
	}
	if len(body.Images) == 0 || len(body.Images) > maxSessionImages {
		a.error(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("between 1 and %d images are required", maxSessionImages))
		return
	}
	for i, src := range body.Images {
		if err := a.checkSource(src); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("images[%d]: %v", i, err))
			return
		}
	}
	s, err := a.Sessions.Create(middleware.LocaleFromContext(r.Context()), body.Images)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		a.Logger.Error().Err(err).Msg("sessions: create failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to open session")
		return
	}
	a.json(w, http.StatusCreated, map[string]any{"ok": true, "session": s.Snapshot()})
}

func (a *App) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, map[string]any{"ok": true, "session": s.Snapshot()})
}

// DeleteSession closes the session after its running edit finishes.
func (a *App) DeleteSession(w http.ResponseWriter, r *http.Request) {
	err := a.Sessions.Close(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		a.error(w, http.StatusNotFound, "not_found", "session not found")
	case err != nil:
		a.Logger.Warn().Err(err).Msg("sessions: close interrupted")
		a.json(w, http.StatusOK, map[string]any{"ok": true, "interrupted": true})
	default:
		a.json(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// SubmitEdit queues a recut or regenerate edit on one slot. The result
// arrives on the session's event stream.
func (a *App) SubmitEdit(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	var body editRequest
	if !a.decode(w, r, &body) {
		return
	}
	mode, ok := domain.ParseJobType(body.Mode)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "mode must be recut or regenerate")
		return
	}
	if strings.TrimSpace(body.SourceURL) != "" {
		if err := a.checkSource(body.SourceURL); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	edit := session.Edit{Prompt: body.Prompt, SourceURL: body.SourceURL, AspectRatio: body.AspectRatio}
	var err error
	if mode == domain.JobTypeRecut {
		err = s.Recut(body.Index, edit)
	} else {
		err = s.Regenerate(body.Index, edit)
	}
	switch {
	case errors.Is(err, session.ErrSlotOutOfRange):
		a.error(w, http.StatusUnprocessableEntity, "out_of_range", "index has no result slot")
		return
	case err != nil:
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue edit")
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{
		"ok":         true,
		"session_id": s.ID(),
		"index":      body.Index,
		"mode":       mode,
		"pending":    s.Snapshot().Pending,
	})
}

// SessionArchive downloads every slot that holds image bytes as one zip.
// Slots still pointing at a remote URL are skipped.
func (a *App) SessionArchive(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	var assets []zip.Asset
	for i := range s.Snapshot().Slots {
		artifact, ok := s.Slot(i)
		if !ok || artifact.Encoding != domain.EncodingBase64 {
			continue
		}
		data, err := artifact.Bytes()
		if err != nil {
			a.Logger.Warn().Err(err).Int("index", i).Msg("sessions: slot payload unreadable")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("slot-%02d%s", i+1, storage.Extension(artifact.MimeType)),
			Data:     data,
		})
	}
	if len(assets) == 0 {
		a.error(w, http.StatusNotFound, "empty", "no edited images to download")
		return
	}
	archive, err := zip.ArchiveAssets(assets, time.Now())
	if err != nil {
		a.Logger.Error().Err(err).Msg("sessions: archive failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="session-%s.zip"`, s.ID()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (a *App) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := a.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "session not found")
		return nil, false
	}
	return s, true
}
