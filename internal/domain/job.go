package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// JobType enumerates supported edit job categories.
type JobType string

const (
	JobTypeRecut      JobType = "recut"
	JobTypeRegenerate JobType = "regenerate"
)

// ParseJobType maps free-form input onto a supported edit type.
func ParseJobType(v string) (JobType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(JobTypeRecut), "re-cut", "cutout":
		return JobTypeRecut, true
	case string(JobTypeRegenerate), "re-generate", "generate":
		return JobTypeRegenerate, true
	default:
		return "", false
	}
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// ParseJobStatus normalizes upstream spellings ("SUCCEEDED", "completed",
// "error", ...) onto the four lifecycle states.
func ParseJobStatus(v string) (JobStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "queued", "pending", "waiting", "submitted":
		return JobStatusQueued, true
	case "running", "processing", "in_progress":
		return JobStatusRunning, true
	case "succeeded", "success", "completed", "done", "ready":
		return JobStatusSucceeded, true
	case "failed", "failure", "error", "cancelled", "canceled":
		return JobStatusFailed, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transition can occur.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// JobRecord is a read-only snapshot of a server-owned job.
type JobRecord struct {
	ID       string          `json:"id"`
	Status   JobStatus       `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ClampProgress keeps progress inside 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Job is the persisted form of a job record owned by this service.
type Job struct {
	ID           string
	SessionID    string
	Type         JobType
	Status       JobStatus
	Progress     int
	PromptJSON   []byte
	ResultJSON   []byte
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Record projects the persisted job onto the wire snapshot.
func (j *Job) Record() JobRecord {
	rec := JobRecord{
		ID:       j.ID,
		Status:   j.Status,
		Progress: ClampProgress(j.Progress),
		Error:    j.ErrorMessage,
	}
	if len(j.ResultJSON) > 0 {
		rec.Result = append(json.RawMessage(nil), j.ResultJSON...)
	}
	return rec
}

// EditRequest is the body submitted for one destructive edit of a result slot.
type EditRequest struct {
	SessionID string  `json:"session_id,omitempty"`
	Index     int     `json:"index"`
	Type      JobType `json:"type"`
	Prompt    string  `json:"prompt,omitempty"`
	SourceURL string  `json:"source_url,omitempty"`
	// AspectRatio is "W:H"; empty keeps the model's default framing.
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Locale      string `json:"locale,omitempty"`
}
