package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type execCall struct {
	query string
	args  []any
}

type stubExecutor struct {
	rows  map[string]stubRow
	execs []execCall
}

func (s *stubExecutor) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	if _, _, err := infra.SplitMarker(query); err != nil {
		return pgconn.CommandTag{}, err
	}
	s.execs = append(s.execs, execCall{query: query, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (s *stubExecutor) QueryRow(_ context.Context, query string, _ ...any) pgx.Row {
	if _, _, err := infra.SplitMarker(query); err != nil {
		return stubRow{scan: func(...any) error { return err }}
	}
	return s.rows[query]
}

func (s *stubExecutor) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func jobRow(id, status string) stubRow {
	return stubRow{scan: func(dest ...any) error {
		if len(dest) != 10 {
			return fmt.Errorf("expected 10 scan targets, got %d", len(dest))
		}
		*dest[0].(*string) = id
		*dest[1].(*string) = "sess-1"
		*dest[2].(*string) = "recut"
		*dest[3].(*string) = status
		*dest[4].(*int) = 40
		*dest[5].(*[]byte) = []byte(`{"index":0}`)
		*dest[6].(*[]byte) = nil
		*dest[7].(*string) = ""
		*dest[8].(*time.Time) = time.Unix(100, 0)
		*dest[9].(*time.Time) = time.Unix(200, 0)
		return nil
	}}
}

func TestCreateAssignsIDAndQueuedStatus(t *testing.T) {
	exec := &stubExecutor{rows: map[string]stubRow{
		sqlinline.QInsertJob: {scan: func(dest ...any) error {
			*dest[0].(*time.Time) = time.Unix(1, 0)
			*dest[1].(*time.Time) = time.Unix(1, 0)
			return nil
		}},
	}}
	job := &domain.Job{SessionID: "sess-1", Type: domain.JobTypeRecut}
	require.NoError(t, NewJobRepository(exec).Create(context.Background(), job))
	_, err := uuid.Parse(job.ID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestGetByID(t *testing.T) {
	id := uuid.NewString()
	exec := &stubExecutor{rows: map[string]stubRow{sqlinline.QSelectJob: jobRow(id, "running")}}
	job, err := NewJobRepository(exec).GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, domain.JobTypeRecut, job.Type)
	assert.Equal(t, 40, job.Record().Progress)
}

func TestGetByIDNotFound(t *testing.T) {
	repo := NewJobRepository(&stubExecutor{rows: map[string]stubRow{}})

	_, err := repo.GetByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.GetByID(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimNext(t *testing.T) {
	repo := NewJobRepository(&stubExecutor{rows: map[string]stubRow{}})
	_, err := repo.ClaimNext(context.Background())
	assert.ErrorIs(t, err, ErrNoJobAvailable)

	id := uuid.NewString()
	repo = NewJobRepository(&stubExecutor{rows: map[string]stubRow{sqlinline.QWorkerClaimJob: jobRow(id, "running")}})
	job, err := repo.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
}

func TestClaimNextRejectsUnknownStatus(t *testing.T) {
	repo := NewJobRepository(&stubExecutor{rows: map[string]stubRow{sqlinline.QWorkerClaimJob: jobRow(uuid.NewString(), "paused")}})
	_, err := repo.ClaimNext(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoJobAvailable)
}

func TestWorkerTransitions(t *testing.T) {
	exec := &stubExecutor{}
	repo := NewJobRepository(exec)
	ctx := context.Background()

	require.NoError(t, repo.UpdateProgress(ctx, "j1", 250))
	require.NoError(t, repo.MarkFailed(ctx, "j1", "  quota exceeded "))
	require.Error(t, repo.MarkSucceeded(ctx, "j1", nil))
	require.NoError(t, repo.MarkSucceeded(ctx, "j1", []byte(`{"data":[]}`)))

	require.Len(t, exec.execs, 3)
	assert.Equal(t, sqlinline.QWorkerUpdateProgress, exec.execs[0].query)
	assert.Equal(t, 100, exec.execs[0].args[1])
	assert.Equal(t, "quota exceeded", exec.execs[1].args[1])
	assert.Equal(t, sqlinline.QWorkerMarkSucceeded, exec.execs[2].query)
}

func TestSummary(t *testing.T) {
	exec := &stubExecutor{rows: map[string]stubRow{
		sqlinline.QJobStatusSummary: {scan: func(dest ...any) error {
			for i, v := range []int64{3, 1, 7, 2, 9} {
				*dest[i].(*int64) = v
			}
			return nil
		}},
	}}
	got, err := NewJobRepository(exec).Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSummary{Queued: 3, Running: 1, Succeeded: 7, Failed: 2, Last24h: 9}, got)

	_, err = NewJobRepository(&stubExecutor{rows: map[string]stubRow{}}).Summary(context.Background())
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestAllStatementsCarryMarkers(t *testing.T) {
	for name, q := range map[string]string{
		"QEnsureJobSchema":        sqlinline.QEnsureJobSchema,
		"QInsertJob":              sqlinline.QInsertJob,
		"QSelectJob":              sqlinline.QSelectJob,
		"QListSessionJobs":        sqlinline.QListSessionJobs,
		"QWorkerClaimJob":         sqlinline.QWorkerClaimJob,
		"QWorkerUpdateProgress":   sqlinline.QWorkerUpdateProgress,
		"QWorkerMarkSucceeded":    sqlinline.QWorkerMarkSucceeded,
		"QWorkerMarkFailed":       sqlinline.QWorkerMarkFailed,
		"QJobStatusSummary":       sqlinline.QJobStatusSummary,
		"QSelectIntegrationToken": sqlinline.QSelectIntegrationToken,
		"QUpsertIntegrationToken": sqlinline.QUpsertIntegrationToken,
	} {
		_, body, err := infra.SplitMarker(q)
		assert.NoError(t, err, name)
		assert.NotEmpty(t, body, name)
	}
}
