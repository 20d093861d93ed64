// Package mutation serializes destructive edits made within one editing
// session: at most one task runs at a time, strictly in submission order.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is reported for tasks enqueued after Close.
	ErrClosed = errors.New("mutation: queue closed")
	// ErrPanic wraps a panic recovered from a task executor.
	ErrPanic = errors.New("mutation: task panicked")
)

// Task is one unit of work. OrderKey is informational (for example the image
// index being edited) and never affects ordering.
type Task struct {
	Type     string
	OrderKey int
	Execute  func(ctx context.Context) error
}

// ErrorSink receives task failures. It runs on the drain goroutine.
type ErrorSink func(task Task, err error)

type Options struct {
	Logger            *zerolog.Logger
	ErrorSink         ErrorSink
	OnExecutingChange func(executing bool)
}

// Queue is a FIFO of tasks drained by a single goroutine.
type Queue struct {
	mu        sync.Mutex
	pending   []Task
	executing bool
	closed    bool
	idle      chan struct{}

	notifyMu     sync.Mutex
	lastNotified bool

	ctx    context.Context
	cancel context.CancelFunc

	logger   zerolog.Logger
	sink     ErrorSink
	onChange func(bool)
}

func New(opts Options) *Queue {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		idle:     idle,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		sink:     opts.ErrorSink,
		onChange: opts.OnExecutingChange,
	}
}

// Enqueue appends task and returns immediately. Draining starts if the queue
// is idle. It is safe to call from inside a running task.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.report(task, ErrClosed)
		return
	}
	q.pending = append(q.pending, task)
	if q.executing {
		q.mu.Unlock()
		return
	}
	q.executing = true
	q.idle = make(chan struct{})
	q.mu.Unlock()

	q.notify()
	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.executing = false
			idle := q.idle
			q.mu.Unlock()
			q.notify()
			close(idle)
			return
		}
		task := q.pending[0]
		q.pending[0] = Task{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.run(task); err != nil {
			q.report(task, err)
		}
	}
}

func (q *Queue) run(task Task) (err error) {
	if task.Execute == nil {
		return fmt.Errorf("mutation: task %q has no executor", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	q.logger.Debug().Str("task", task.Type).Int("order_key", task.OrderKey).Msg("mutation: task started")
	return task.Execute(q.ctx)
}

func (q *Queue) report(task Task, err error) {
	q.logger.Warn().Err(err).Str("task", task.Type).Int("order_key", task.OrderKey).Msg("mutation: task failed")
	if q.sink != nil {
		q.sink(task, err)
	}
}

// notify publishes the current executing flag, coalescing repeats so that
// observers never see a stale value last.
func (q *Queue) notify() {
	if q.onChange == nil {
		return
	}
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	current := q.Executing()
	if current == q.lastNotified {
		return
	}
	q.lastNotified = current
	q.onChange(current)
}

// Executing reports whether a task is running or about to run.
func (q *Queue) Executing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executing
}

// Pending returns the number of tasks waiting behind the current one.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the queue is idle. Calling it from inside a task
// deadlocks until ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, lets already queued tasks finish and then
// cancels the context handed to executors. If ctx expires first the running
// task's context is cancelled immediately.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	err := q.Wait(ctx)
	q.cancel()
	return err
}
