// Package poller drives a server-owned job to a terminal outcome by
// repeatedly reading its status record.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/domain"
)

const (
	DefaultInterval          = 2 * time.Second
	DefaultNotFoundTolerance = 20
	DefaultMaxAttempts       = 150
)

// StatusFetcher reads one snapshot of a job record. Implementations return an
// error wrapping domain.ErrNotFound when the job is not (yet) visible.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*domain.JobRecord, error)
}

// StatusFetcherFunc adapts a function to StatusFetcher.
type StatusFetcherFunc func(ctx context.Context, jobID string) (*domain.JobRecord, error)

func (f StatusFetcherFunc) FetchStatus(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return f(ctx, jobID)
}

// Options tunes a Poller. Zero values take the package defaults.
type Options struct {
	Interval          time.Duration
	NotFoundTolerance int
	MaxAttempts       int
	// MaxDuration bounds the wall time of one Poll; zero disables it.
	MaxDuration   time.Duration
	MaxRetryDelay time.Duration
	Logger        *zerolog.Logger

	OnProgress func(progress int)
	OnSuccess  func(rec *domain.JobRecord)
	OnError    func(err error)
}

// Poller is reusable; every Poll call keeps its own counters.
type Poller struct {
	fetcher StatusFetcher
	opts    Options
	logger  zerolog.Logger
}

func New(fetcher StatusFetcher, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NotFoundTolerance <= 0 {
		opts.NotFoundTolerance = DefaultNotFoundTolerance
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 4 * opts.Interval
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Poller{fetcher: fetcher, opts: opts, logger: logger}
}

// session is the per-Poll state.
type session struct {
	jobID           string
	attempts        int
	notFoundStreak  int
	transientStreak int
	lastErr         error
	started         time.Time
}

// Poll blocks until the job reaches a terminal status, the attempt or time
// budget runs out, or ctx is cancelled. Exactly one of OnSuccess/OnError fires
// unless the poll is cancelled, in which case neither does and the returned
// error wraps domain.ErrCancelled.
func (p *Poller) Poll(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	s := &session{jobID: jobID, started: time.Now()}
	log := p.logger.With().Str("job_id", jobID).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}
		s.attempts++
		rec, err := p.fetcher.FetchStatus(ctx, jobID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		if err == nil && rec == nil {
			err = fmt.Errorf("%w: empty status record", domain.ErrTransport)
		}

		wait := p.opts.Interval
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.notFoundStreak++
			s.transientStreak = 0
			s.lastErr = err
			if s.notFoundStreak > p.opts.NotFoundTolerance {
				log.Warn().Int("not_found_streak", s.notFoundStreak).Msg("poller: job not visible, giving up")
				return nil, p.fail(fmt.Errorf("poller: job %s: %w after %d not-found responses", jobID, domain.ErrExhausted, s.notFoundStreak))
			}
			log.Debug().Int("not_found_streak", s.notFoundStreak).Msg("poller: job not visible yet")
		case err != nil:
			s.transientStreak++
			s.notFoundStreak = 0
			s.lastErr = err
			wait = p.retryDelay(s.transientStreak)
			log.Debug().Err(err).Int("attempt", s.attempts).Dur("wait", wait).Msg("poller: status fetch failed")
		default:
			s.notFoundStreak = 0
			s.transientStreak = 0
			s.lastErr = nil
			if p.opts.OnProgress != nil {
				p.opts.OnProgress(domain.ClampProgress(rec.Progress))
			}
			switch rec.Status {
			case domain.JobStatusSucceeded:
				log.Debug().Int("attempts", s.attempts).Msg("poller: job succeeded")
				if p.opts.OnSuccess != nil {
					p.opts.OnSuccess(rec)
				}
				return rec, nil
			case domain.JobStatusFailed:
				upstream := &domain.UpstreamError{JobID: jobID, Message: rec.Error}
				log.Info().Str("error", rec.Error).Msg("poller: job failed upstream")
				return rec, p.fail(upstream)
			}
		}

		if s.attempts >= p.opts.MaxAttempts {
			return nil, p.fail(s.timeout("attempts"))
		}
		if p.opts.MaxDuration > 0 && time.Since(s.started)+wait > p.opts.MaxDuration {
			return nil, p.fail(s.timeout("duration"))
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, cancelled(err)
		}
	}
}

func (p *Poller) fail(err error) error {
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
	return err
}

// retryDelay grows mildly with consecutive transient failures.
func (p *Poller) retryDelay(streak int) time.Duration {
	d := p.opts.Interval + p.opts.Interval*time.Duration(streak)/2
	if d > p.opts.MaxRetryDelay {
		return p.opts.MaxRetryDelay
	}
	return d
}

func (s *session) timeout(budget string) error {
	if s.lastErr == nil {
		return fmt.Errorf("poller: job %s: %w (%s budget, %d attempts)", s.jobID, domain.ErrTimeout, budget, s.attempts)
	}
	return fmt.Errorf("poller: job %s: %w (%s budget, %d attempts): %w", s.jobID, domain.ErrTimeout, budget, s.attempts, s.lastErr)
}

func cancelled(cause error) error {
	return fmt.Errorf("poller: %w: %w", domain.ErrCancelled, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle controls a poll running in the background.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	rec    *domain.JobRecord
	err    error
}

// Start runs Poll on its own goroutine.
func (p *Poller) Start(ctx context.Context, jobID string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.rec, h.err = p.Poll(ctx, jobID)
	}()
	return h
}

// Cancel stops the poll at its next check point. No callback fires afterwards.
func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the poll stops and returns its outcome.
func (h *Handle) Wait() (*domain.JobRecord, error) {
	<-h.done
	return h.rec, h.err
}
