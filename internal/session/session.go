// Package session owns the per-merchant editing sessions: one mutation queue
// per session, result slots, and the two ways an edit can be carried out
// (a polled job or a generation stream).
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/mutation"
	"studio/internal/normalize"
	"studio/internal/poller"
	"studio/internal/stream"
)

// ErrSlotOutOfRange is returned for edits aimed at a slot that does not exist.
var ErrSlotOutOfRange = errors.New("session: slot index out of range")

// Submitter creates a server-owned job for an edit and returns its id.
type Submitter interface {
	Submit(ctx context.Context, req domain.EditRequest) (string, error)
}

// StreamGenerator starts a streamed generation for an edit.
type StreamGenerator interface {
	Generate(ctx context.Context, req domain.EditRequest) (<-chan stream.Event, error)
}

// Publisher relays session events to whoever is watching the session.
type Publisher interface {
	Open(sessionID string)
	Publish(sessionID string, ev Event)
	Close(sessionID string)
}

// EventType tags an Event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventSlot      EventType = "slot"
	EventError     EventType = "error"
	EventExecuting EventType = "executing"
)

// Event is one observable change of a session.
type Event struct {
	Type      EventType              `json:"type"`
	Index     int                    `json:"index"`
	JobID     string                 `json:"job_id,omitempty"`
	Progress  int                    `json:"progress,omitempty"`
	Artifact  *domain.StoredArtifact `json:"artifact,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Executing bool                   `json:"executing"`
}

// Edit is the caller-supplied part of an edit request.
type Edit struct {
	Prompt string
	// SourceURL overrides the image currently held by the slot.
	SourceURL   string
	AspectRatio string
}

// Options wires a Session to its collaborators. Submitter and StatusFetcher
// are required; Streamer is optional and only used for regenerate edits.
type Options struct {
	ID            string
	Locale        string
	Sources       []string
	Submitter     Submitter
	StatusFetcher poller.StatusFetcher
	Streamer      StreamGenerator
	Normalizer    *normalize.Normalizer
	Publisher     Publisher
	PollOptions   poller.Options
	StoreMode     domain.StoreMode
	Logger        *infra.Logger
}

// Session is one editing session. Edits run one at a time in submission order.
type Session struct {
	id        string
	locale    string
	submitter Submitter
	fetcher   poller.StatusFetcher
	streamer  StreamGenerator
	norm      *normalize.Normalizer
	publisher Publisher
	pollOpts  poller.Options
	storeMode domain.StoreMode
	logger    *infra.Logger

	queue *mutation.Queue

	mu    sync.RWMutex
	slots []*domain.ImageArtifact

	// unix nanos of the last request, enqueue or finished run
	lastActive atomic.Int64
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID        string                   `json:"id"`
	Locale    string                   `json:"locale"`
	Executing bool                     `json:"executing"`
	Pending   int                      `json:"pending"`
	Slots     []*domain.StoredArtifact `json:"slots"`
}

// New builds a session whose slots start with the given source images.
func New(opts Options) (*Session, error) {
	if opts.Submitter == nil || opts.StatusFetcher == nil {
		return nil, errors.New("session: submitter and status fetcher are required")
	}
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("session: %w: at least one source image is required", domain.ErrInvalidRequest)
	}
	s := &Session{
		id:        opts.ID,
		locale:    opts.Locale,
		submitter: opts.Submitter,
		fetcher:   opts.StatusFetcher,
		streamer:  opts.Streamer,
		norm:      opts.Normalizer,
		publisher: opts.Publisher,
		pollOpts:  opts.PollOptions,
		storeMode: opts.StoreMode,
		logger:    infra.OrDiscard(opts.Logger),
		slots:     make([]*domain.ImageArtifact, len(opts.Sources)),
	}
	if s.norm == nil {
		s.norm = normalize.New(normalize.Options{Logger: s.logger})
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	for i, src := range opts.Sources {
		artifact, ok := domain.ParseSource(src)
		if !ok {
			return nil, fmt.Errorf("session: %w: source %d is empty", domain.ErrInvalidRequest, i)
		}
		s.slots[i] = &artifact
	}
	s.queue = mutation.New(mutation.Options{
		Logger:            s.logger,
		ErrorSink:         s.reportFailure,
		OnExecutingChange: s.publishExecuting,
	})
	s.publisher.Open(s.id)
	s.touch()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// Idle reports whether nothing is queued or running and the session has not
// been used since now-ttl.
func (s *Session) Idle(now time.Time, ttl time.Duration) bool {
	if s.queue.Executing() || s.queue.Pending() > 0 {
		return false
	}
	return now.Sub(time.Unix(0, s.lastActive.Load())) >= ttl
}

// Executing reports whether an edit is running right now.
func (s *Session) Executing() bool { return s.queue.Executing() }

// Snapshot returns the current slots in the configured store mode.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	slots := make([]*domain.StoredArtifact, len(s.slots))
	for i, a := range s.slots {
		if a != nil {
			stored := a.Stored(s.storeMode)
			slots[i] = &stored
		}
	}
	s.mu.RUnlock()
	return Snapshot{
		ID:        s.id,
		Locale:    s.locale,
		Executing: s.queue.Executing(),
		Pending:   s.queue.Pending(),
		Slots:     slots,
	}
}

// Slot returns the artifact currently held by index.
func (s *Session) Slot(index int) (domain.ImageArtifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.slots) || s.slots[index] == nil {
		return domain.ImageArtifact{}, false
	}
	return *s.slots[index], true
}

// Recut queues a cut-out edit of one slot through the job path.
func (s *Session) Recut(index int, edit Edit) error {
	return s.enqueue(domain.JobTypeRecut, index, edit, s.runJob)
}

// Regenerate queues a regeneration of one slot. It streams when a stream
// generator is configured and falls back to the job path otherwise.
func (s *Session) Regenerate(index int, edit Edit) error {
	run := s.runJob
	if s.streamer != nil {
		run = s.runStream
	}
	return s.enqueue(domain.JobTypeRegenerate, index, edit, run)
}

func (s *Session) enqueue(kind domain.JobType, index int, edit Edit, run func(context.Context, domain.EditRequest) error) error {
	if !s.inRange(index) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	s.touch()
	s.queue.Enqueue(mutation.Task{
		Type:     string(kind),
		OrderKey: index,
		Execute: func(ctx context.Context) error {
			req, err := s.request(kind, index, edit)
			if err != nil {
				return err
			}
			return run(ctx, req)
		},
	})
	return nil
}

// request resolves the source image when the task starts, so an edit sees
// the result of every edit queued before it.
func (s *Session) request(kind domain.JobType, index int, edit Edit) (domain.EditRequest, error) {
	source := strings.TrimSpace(edit.SourceURL)
	if source == "" {
		current, ok := s.Slot(index)
		if !ok {
			return domain.EditRequest{}, fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
		}
		source = current.Stored(domain.StoreURL).URL
	}
	return domain.EditRequest{
		SessionID:   s.id,
		Index:       index,
		Type:        kind,
		Prompt:      strings.TrimSpace(edit.Prompt),
		SourceURL:   source,
		AspectRatio: strings.TrimSpace(edit.AspectRatio),
		Locale:      s.locale,
	}, nil
}

func (s *Session) runJob(ctx context.Context, req domain.EditRequest) error {
	jobID, err := s.submitter.Submit(ctx, req)
	if err != nil {
		return err
	}
	opts := s.pollOpts
	opts.Logger = s.logger
	// Pollers report every cycle; only changes reach subscribers.
	last := -1
	opts.OnProgress = func(progress int) {
		if progress == last {
			return
		}
		last = progress
		s.publisher.Publish(s.id, Event{Type: EventProgress, Index: req.Index, JobID: jobID, Progress: progress, Executing: true})
	}
	rec, err := poller.New(s.fetcher, opts).Poll(ctx, jobID)
	if err != nil {
		return err
	}
	artifacts, err := s.norm.Extract(ctx, rec.Result)
	if err != nil {
		return err
	}
	s.setSlot(req.Index, artifacts[0])
	return nil
}

func (s *Session) runStream(ctx context.Context, req domain.EditRequest) error {
	events, err := s.streamer.Generate(ctx, req)
	if err != nil {
		return err
	}
	res, err := stream.Collect(ctx, events)
	if err != nil {
		return err
	}
	if len(res.Malformed) > 0 {
		s.logger.Warn().
			Str("session_id", s.id).
			Int("malformed", len(res.Malformed)).
			Msg("session: skipped malformed stream lines")
	}
	artifact, err := s.norm.FromStream(ctx, res)
	if err != nil {
		return err
	}
	s.setSlot(req.Index, artifact)
	return nil
}

func (s *Session) setSlot(index int, artifact domain.ImageArtifact) {
	s.mu.Lock()
	if index < 0 || index >= len(s.slots) {
		s.mu.Unlock()
		return
	}
	s.slots[index] = &artifact
	s.mu.Unlock()

	stored := artifact.Stored(s.storeMode)
	s.publisher.Publish(s.id, Event{Type: EventSlot, Index: index, Artifact: &stored, Executing: true})
}

func (s *Session) reportFailure(task mutation.Task, err error) {
	if errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) {
		s.logger.Debug().Str("session_id", s.id).Str("type", task.Type).Msg("session: edit cancelled")
		return
	}
	s.logger.Warn().
		Err(err).
		Str("session_id", s.id).
		Str("type", task.Type).
		Int("index", task.OrderKey).
		Msg("session: edit failed")
	s.publisher.Publish(s.id, Event{
		Type:      EventError,
		Index:     task.OrderKey,
		Message:   domain.UserMessage(err, s.locale),
		Executing: s.queue.Executing(),
	})
}

func (s *Session) publishExecuting(executing bool) {
	s.touch()
	s.publisher.Publish(s.id, Event{Type: EventExecuting, Index: -1, Executing: executing})
}

// Wait blocks until every queued edit has finished.
func (s *Session) Wait(ctx context.Context) error {
	return s.queue.Wait(ctx)
}

// Close stops accepting edits, waits for the running ones and closes the
// event stream.
func (s *Session) Close(ctx context.Context) error {
	err := s.queue.Close(ctx)
	s.publisher.Close(s.id)
	return err
}

func (s *Session) inRange(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return index >= 0 && index < len(s.slots)
}

type nopPublisher struct{}

func (nopPublisher) Open(string) {}

func (nopPublisher) Publish(string, Event) {}

func (nopPublisher) Close(string) {}
