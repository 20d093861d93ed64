package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// ErrNoJobAvailable is returned by ClaimNext when nothing is queued.
var ErrNoJobAvailable = errors.New("repo: no job available")

// JobRepositoryPG persists server-owned edit jobs in PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a job repository on top of a marker-checked executor.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a queued job. An empty ID is filled with a new UUID.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("repo: job is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	prompt := job.PromptJSON
	if len(prompt) == 0 {
		prompt = []byte("{}")
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob, job.ID, job.SessionID, string(job.Type), prompt)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("repo: insert job: %w", err)
	}
	job.Status = domain.JobStatusQueued
	job.Progress = 0
	return nil
}

// GetByID fetches a job. Unknown and malformed ids both yield domain.ErrNotFound.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(strings.TrimSpace(jobID)); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJob, strings.TrimSpace(jobID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: get job: %w", err)
	}
	return job, nil
}

// ListBySession returns the most recent jobs of one editing session.
func (r *JobRepositoryPG) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListSessionJobs, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("repo: list jobs: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("repo: scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ClaimNext atomically moves the oldest queued job to running.
func (r *JobRepositoryPG) ClaimNext(ctx context.Context) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QWorkerClaimJob))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobAvailable
		}
		return nil, fmt.Errorf("repo: claim job: %w", err)
	}
	return job, nil
}

// UpdateProgress raises the progress of a running job; it never moves backwards.
func (r *JobRepositoryPG) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	_, err := r.sql.Exec(ctx, sqlinline.QWorkerUpdateProgress, jobID, domain.ClampProgress(progress))
	return err
}

// MarkSucceeded stores the result payload and finishes the job.
func (r *JobRepositoryPG) MarkSucceeded(ctx context.Context, jobID string, result []byte) error {
	if len(result) == 0 {
		return fmt.Errorf("repo: result payload is required")
	}
	_, err := r.sql.Exec(ctx, sqlinline.QWorkerMarkSucceeded, jobID, result)
	return err
}

// MarkFailed stores the failure message surfaced to the merchant.
func (r *JobRepositoryPG) MarkFailed(ctx context.Context, jobID, message string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QWorkerMarkFailed, jobID, strings.TrimSpace(message))
	return err
}

// StatusSummary is a point-in-time count of jobs per state.
type StatusSummary struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Last24h   int64 `json:"updated_last_24h"`
}

func (r *JobRepositoryPG) Summary(ctx context.Context) (StatusSummary, error) {
	var s StatusSummary
	row := r.sql.QueryRow(ctx, sqlinline.QJobStatusSummary)
	if err := row.Scan(&s.Queued, &s.Running, &s.Succeeded, &s.Failed, &s.Last24h); err != nil {
		return StatusSummary{}, fmt.Errorf("repo: job summary: %w", err)
	}
	return s, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job            domain.Job
		jobType, state string
	)
	if err := row.Scan(
		&job.ID,
		&job.SessionID,
		&jobType,
		&state,
		&job.Progress,
		&job.PromptJSON,
		&job.ResultJSON,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	status, ok := domain.ParseJobStatus(state)
	if !ok {
		return nil, fmt.Errorf("unknown job status %q", state)
	}
	job.Status = status
	return &job, nil
}
