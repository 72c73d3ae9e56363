// Package job defines the persisted extraction job record and its states.
package job

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// MaxAttempts is the attempt budget of every job, manual retries included.
const MaxAttempts = 3

// Active reports whether the status takes part in per-topic uniqueness.
func (s Status) Active() bool { return s == StatusQueued || s == StatusProcessing }

// Terminal reports whether the status is final for the current attempt.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusFailed }

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Error is the structured failure stored on a job.
type Error struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

type Job struct {
	ID        string
	Topic     string
	Requester string
	Priority  int
	Status    Status

	AttemptCount int
	MaxAttempts  int
	Progress     int
	ResultCount  int
	Err          *Error
	Duration     time.Duration

	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           time.Time
	CompletedAt         time.Time
	EstimatedCompletion time.Time
	LastRetryAt         time.Time
}

// Priority bounds.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

var ErrInvalidPriority = errors.New("priority must be between 1 and 10")

func ValidPriority(p int) bool { return p >= MinPriority && p <= MaxPriority }

// View is the caller-facing projection returned by status queries.
type View struct {
	ID                  string     `json:"job_id"`
	Topic               string     `json:"topic"`
	Status              Status     `json:"status"`
	Priority            int        `json:"priority"`
	ResultCount         int        `json:"result_count"`
	Progress            int        `json:"progress"`
	AttemptCount        int        `json:"attempt_count"`
	MaxAttempts         int        `json:"max_attempts"`
	Error               *Error     `json:"error,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	DurationSeconds     float64    `json:"duration_seconds,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// View projects the job for callers. The estimated completion is only
// reported while the job is processing.
func (j Job) View() View {
	v := View{
		ID:           j.ID,
		Topic:        j.Topic,
		Status:       j.Status,
		Priority:     j.Priority,
		ResultCount:  j.ResultCount,
		Progress:     j.Progress,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		Error:        j.Err,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    timePtr(j.StartedAt),
		CompletedAt:  timePtr(j.CompletedAt),
	}
	if j.Status == StatusProcessing {
		v.EstimatedCompletion = timePtr(j.EstimatedCompletion)
	}
	if j.Status == StatusComplete && j.Duration > 0 {
		v.DurationSeconds = j.Duration.Seconds()
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
