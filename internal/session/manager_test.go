package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio/internal/domain"
	"studio/internal/poller"
)

func TestManagerLifecycle(t *testing.T) {
	jobs := &fakeJobs{script: succeedWith(tinyPNG)}
	pub := &recordingPublisher{}
	m := NewManager(ManagerOptions{
		Submitter:     jobs,
		StatusFetcher: jobs,
		Publisher:     pub,
		PollOptions:   poller.Options{Interval: time.Millisecond},
	})

	s, err := m.Create("en", []string{sourceURL})
	require.NoError(t, err)
	_, err = uuid.Parse(s.ID())
	require.NoError(t, err)

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, got.Recut(0, Edit{}))
	require.NoError(t, m.Close(context.Background(), s.ID()))
	slot, _ := s.Slot(0)
	assert.Equal(t, domain.EncodingBase64, slot.Encoding, "close waits for the running edit")

	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Close(context.Background(), s.ID()), ErrSessionNotFound)
	assert.Equal(t, []string{s.ID()}, pub.closed)
}

func TestManagerCreateRejectsEmptySources(t *testing.T) {
	jobs := &fakeJobs{script: succeedWith(tinyPNG)}
	m := NewManager(ManagerOptions{Submitter: jobs, StatusFetcher: jobs})
	_, err := m.Create("en", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Zero(t, m.Len())
}

func TestManagerCloseAll(t *testing.T) {
	jobs := &fakeJobs{script: succeedWith(tinyPNG)}
	m := NewManager(ManagerOptions{Submitter: jobs, StatusFetcher: jobs})
	for range 3 {
		_, err := m.Create("id", []string{sourceURL})
		require.NoError(t, err)
	}
	require.NoError(t, m.CloseAll(context.Background()))
	assert.Zero(t, m.Len())
}

func TestManagerSweepClosesIdleSessions(t *testing.T) {
	jobs := &fakeJobs{script: succeedWith(tinyPNG)}
	pub := &recordingPublisher{}
	m := NewManager(ManagerOptions{
		Submitter:     jobs,
		StatusFetcher: jobs,
		Publisher:     pub,
		IdleTTL:       time.Minute,
	})
	stale, err := m.Create("en", []string{sourceURL})
	require.NoError(t, err)
	fresh, err := m.Create("en", []string{sourceURL})
	require.NoError(t, err)

	now := time.Now()
	stale.lastActive.Store(now.Add(-2 * time.Minute).UnixNano())

	assert.Equal(t, 1, m.Sweep(context.Background(), now))
	_, err = m.Get(stale.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(fresh.ID())
	assert.NoError(t, err)
	assert.Equal(t, []string{stale.ID()}, pub.closed)
	require.NoError(t, stale.Recut(0, Edit{}))
	assert.Empty(t, jobs.requests(), "closed sessions run no edits")
}

func TestManagerGetKeepsSessionAlive(t *testing.T) {
	jobs := &fakeJobs{script: succeedWith(tinyPNG)}
	m := NewManager(ManagerOptions{Submitter: jobs, StatusFetcher: jobs, IdleTTL: time.Minute})
	s, err := m.Create("en", []string{sourceURL})
	require.NoError(t, err)

	s.lastActive.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	_, err = m.Get(s.ID())
	require.NoError(t, err)

	assert.Zero(t, m.Sweep(context.Background(), time.Now()))
	assert.Equal(t, 1, m.Len())
}

func TestManagerSweepSkipsBusySessions(t *testing.T) {
	release := make(chan struct{})
	jobs := &fakeJobs{script: func(int) []domain.JobRecord {
		<-release
		return succeedWith(tinyPNG)(0)
	}}
	m := NewManager(ManagerOptions{
		Submitter:     jobs,
		StatusFetcher: jobs,
		IdleTTL:       time.Minute,
		PollOptions:   poller.Options{Interval: time.Millisecond},
	})
	s, err := m.Create("en", []string{sourceURL})
	require.NoError(t, err)
	require.NoError(t, s.Recut(0, Edit{}))
	require.Eventually(t, s.Executing, time.Second, time.Millisecond)

	assert.Zero(t, m.Sweep(context.Background(), time.Now().Add(time.Hour)))
	close(release)
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, 1, m.Sweep(context.Background(), time.Now().Add(time.Hour)))
	assert.Zero(t, m.Len())
}

func TestManagerSweepDisabledWithoutTTL(t *testing.T) {
	jobs := &fakeJobs{script: succeedWith(tinyPNG)}
	m := NewManager(ManagerOptions{Submitter: jobs, StatusFetcher: jobs})
	_, err := m.Create("en", []string{sourceURL})
	require.NoError(t, err)
	assert.Zero(t, m.Sweep(context.Background(), time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, m.Len())
}
