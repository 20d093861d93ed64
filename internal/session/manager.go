package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/normalize"
	"studio/internal/poller"
)

// ErrSessionNotFound is returned for unknown or closed session ids.
var ErrSessionNotFound = errors.New("session: not found")

// ManagerOptions holds the collaborators shared by every session.
type ManagerOptions struct {
	Submitter     Submitter
	StatusFetcher poller.StatusFetcher
	Streamer      StreamGenerator
	Normalizer    *normalize.Normalizer
	Publisher     Publisher
	PollOptions   poller.Options
	StoreMode     domain.StoreMode
	Logger        *infra.Logger

	// IdleTTL closes sessions nobody has used for this long; zero keeps
	// them until they are closed explicitly.
	IdleTTL time.Duration
}

// Manager is the in-memory registry of open sessions.
type Manager struct {
	opts   ManagerOptions
	logger *infra.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(opts ManagerOptions) *Manager {
	opts.Logger = infra.OrDiscard(opts.Logger)
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.New(normalize.Options{Logger: opts.Logger})
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session over the given source images.
func (m *Manager) Create(locale string, sources []string) (*Session, error) {
	id := uuid.NewString()
	logger := m.logger.With().Str("session_id", id).Logger()
	s, err := New(Options{
		ID:            id,
		Locale:        locale,
		Sources:       sources,
		Submitter:     m.opts.Submitter,
		StatusFetcher: m.opts.StatusFetcher,
		Streamer:      m.opts.Streamer,
		Normalizer:    m.opts.Normalizer,
		Publisher:     m.opts.Publisher,
		PollOptions:   m.opts.PollOptions,
		StoreMode:     m.opts.StoreMode,
		Logger:        &logger,
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.logger.Info().Str("session_id", id).Int("slots", len(sources)).Msg("session: opened")
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch()
	return s, nil
}

// Close removes the session and waits for its running edit.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.logger.Info().Str("session_id", id).Msg("session: closed")
	return s.Close(ctx)
}

// CloseAll closes every open session; used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes the sessions that were idle for IdleTTL at now and returns how
// many it closed.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	if m.opts.IdleTTL <= 0 {
		return 0
	}
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.Idle(now, m.opts.IdleTTL) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("session: idle close failed")
			continue
		}
		m.logger.Info().Str("session_id", s.ID()).Msg("session: expired")
	}
	return len(idle)
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.opts.IdleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(ctx, now)
		}
	}
}
