package mutation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trace struct {
	mu    sync.Mutex
	order []string
}

func (tr *trace) add(name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.order = append(tr.order, name)
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.order...)
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestEnqueueFromInsideExecutorKeepsFIFO(t *testing.T) {
	q := New(Options{})
	tr := &trace{}

	task := func(name string, orderKey int) Task {
		return Task{Type: "edit", OrderKey: orderKey, Execute: func(context.Context) error {
			tr.add(name)
			return nil
		}}
	}
	q.Enqueue(Task{Type: "edit", OrderKey: 9, Execute: func(context.Context) error {
		tr.add("A")
		assert.True(t, q.Executing())
		q.Enqueue(task("B", 2))
		q.Enqueue(task("C", 1))
		assert.Equal(t, 2, q.Pending())
		return nil
	}})

	waitIdle(t, q)
	assert.Equal(t, []string{"A", "B", "C"}, tr.get())
	assert.False(t, q.Executing())
	assert.Zero(t, q.Pending())
}

func TestFailingTaskDoesNotBlockSuccessors(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []string
	)
	q := New(Options{ErrorSink: func(task Task, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, task.Type+": "+err.Error())
	}})
	tr := &trace{}

	q.Enqueue(Task{Type: "A", Execute: func(context.Context) error { tr.add("A"); return nil }})
	q.Enqueue(Task{Type: "B", Execute: func(context.Context) error { tr.add("B"); return errors.New("boom") }})
	q.Enqueue(Task{Type: "P", Execute: func(context.Context) error { tr.add("P"); panic("kaboom") }})
	q.Enqueue(Task{Type: "C", Execute: func(context.Context) error { tr.add("C"); return nil }})

	waitIdle(t, q)
	assert.Equal(t, []string{"A", "B", "P", "C"}, tr.get())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 2)
	assert.Equal(t, "B: boom", failed[0])
	assert.Contains(t, failed[1], "kaboom")
}

func TestPanicIsReportedAsErrPanic(t *testing.T) {
	errs := make(chan error, 1)
	q := New(Options{ErrorSink: func(_ Task, err error) { errs <- err }})
	q.Enqueue(Task{Type: "p", Execute: func(context.Context) error { panic("bad") }})
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrPanic)
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestNeverRunsTwoTasksConcurrently(t *testing.T) {
	q := New(Options{})
	var running, maxRunning, done atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				q.Enqueue(Task{Type: "edit", OrderKey: j, Execute: func(context.Context) error {
					n := running.Add(1)
					for {
						m := maxRunning.Load()
						if n <= m || maxRunning.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(100 * time.Microsecond)
					running.Add(-1)
					done.Add(1)
					return nil
				}})
			}
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return done.Load() == 80 }, 5*time.Second, time.Millisecond)
	assert.EqualValues(t, 1, maxRunning.Load())
}

func TestEnqueueReturnsImmediately(t *testing.T) {
	q := New(Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	q.Enqueue(Task{Type: "slow", Execute: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	q.Enqueue(Task{Type: "next", Execute: func(context.Context) error { return nil }})
	assert.True(t, q.Executing())
	assert.Equal(t, 1, q.Pending())

	close(release)
	waitIdle(t, q)
	assert.False(t, q.Executing())
}

func TestExecutingChangeNotifications(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []bool
	)
	q := New(Options{OnExecutingChange: func(executing bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, executing)
	}})
	q.Enqueue(Task{Type: "a", Execute: func(context.Context) error { return nil }})
	q.Enqueue(Task{Type: "b", Execute: func(context.Context) error { return nil }})
	waitIdle(t, q)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) > 0 && !changes[len(changes)-1]
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, changes[0])
	for i := 1; i < len(changes); i++ {
		assert.NotEqual(t, changes[i-1], changes[i])
	}
}

func TestCloseDrainsThenRejects(t *testing.T) {
	rejected := make(chan error, 1)
	q := New(Options{ErrorSink: func(_ Task, err error) { rejected <- err }})

	var ran atomic.Bool
	var taskCtx context.Context
	q.Enqueue(Task{Type: "last", Execute: func(ctx context.Context) error {
		taskCtx = ctx
		time.Sleep(5 * time.Millisecond)
		ran.Store(true)
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
	assert.True(t, ran.Load())
	require.NotNil(t, taskCtx)
	assert.Error(t, taskCtx.Err())

	q.Enqueue(Task{Type: "late", Execute: func(context.Context) error {
		t.Error("late task must not run")
		return nil
	}})
	assert.ErrorIs(t, <-rejected, ErrClosed)
}

func TestNilExecutorIsReported(t *testing.T) {
	errs := make(chan error, 1)
	q := New(Options{ErrorSink: func(_ Task, err error) { errs <- err }})
	q.Enqueue(Task{Type: "empty"})
	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "no executor")
	case <-time.After(2 * time.Second):
		t.Fatal("nil executor not reported")
	}
}
