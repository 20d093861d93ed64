package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/r3labs/sse/v2"

	"studio/internal/infra"
	"studio/internal/session"
)

// snapshotEvent names the catch-up frame every subscriber receives first.
const snapshotEvent = "snapshot"

// EventRelay fans session events out to server-sent-event subscribers. Every
// open session owns one stream. Streams keep no history: a subscriber that
// connects late starts from a snapshot of the session instead.
type EventRelay struct {
	server *sse.Server
	logger *infra.Logger
}

var _ session.Publisher = (*EventRelay)(nil)

func NewEventRelay(logger *infra.Logger) *EventRelay {
	server := sse.New()
	server.AutoStream = false
	server.AutoReplay = false
	server.Headers = map[string]string{"X-Accel-Buffering": "no"}
	return &EventRelay{server: server, logger: infra.OrDiscard(logger)}
}

func (e *EventRelay) Open(sessionID string) {
	e.server.CreateStream(sessionID)
}

func (e *EventRelay) Publish(sessionID string, ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("events: encode failed")
		return
	}
	e.server.Publish(sessionID, &sse.Event{Event: []byte(ev.Type), Data: data})
}

// Close ends the session's stream and disconnects its subscribers.
func (e *EventRelay) Close(sessionID string) {
	e.server.RemoveStream(sessionID)
}

// Shutdown closes every stream.
func (e *EventRelay) Shutdown() {
	e.server.Close()
}

func (e *EventRelay) serve(w http.ResponseWriter, r *http.Request, sessionID string, snapshot func() session.Snapshot) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	req := r.Clone(r.Context())
	q := req.URL.Query()
	q.Set("stream", sessionID)
	req.URL.RawQuery = q.Encode()
	e.server.ServeHTTP(&catchUpWriter{
		ResponseWriter: w,
		flusher:        flusher,
		frame: func() []byte {
			data, err := json.Marshal(snapshot())
			if err != nil {
				e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("events: encode snapshot failed")
				return nil
			}
			return append(append([]byte("event: "+snapshotEvent+"\ndata: "), data...), '\n', '\n')
		},
	}, req)
}

// catchUpWriter writes the snapshot frame on the first flush. The stream
// library flushes the headers only after the subscriber is registered, so
// nothing published afterwards is missed. Events racing the snapshot may
// arrive twice.
type catchUpWriter struct {
	http.ResponseWriter
	flusher http.Flusher
	frame   func() []byte
	once    sync.Once
}

func (c *catchUpWriter) Flush() {
	c.once.Do(func() {
		if frame := c.frame(); len(frame) > 0 {
			_, _ = c.ResponseWriter.Write(frame)
		}
	})
	c.flusher.Flush()
}

func (c *catchUpWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

// SessionEvents streams progress, slot updates, failures and the executing
// flag of one session.
func (a *App) SessionEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	if a.Events == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	a.Events.serve(w, r, s.ID(), s.Snapshot)
}
