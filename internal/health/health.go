// Package health aggregates read-only queue statistics from the job store.
package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"extractd/internal/job"
	"extractd/internal/store"
)

// Store is the read side of the job store the reporter aggregates.
type Store interface {
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
	RecentFailures(ctx context.Context, limit int) ([]store.Failure, error)
	AvgCompletion(ctx context.Context, since time.Time) (time.Duration, bool, error)
	CompletedSince(ctx context.Context, since time.Time) (int, error)
}

// Workers reports live pool state.
type Workers interface {
	Active() int
	Busy() int
}

// Depth reports the in-memory queue length.
type Depth interface {
	Len() int
}

type Report struct {
	WorkersActive int `json:"workers_active"`
	WorkersBusy   int `json:"workers_busy"`
	QueueSize     int `json:"queue_size"`
	QueueDepth    int `json:"queue_depth"`

	ProcessingCount int `json:"processing_count"`
	CompleteCount   int `json:"complete_count"`
	FailedCount     int `json:"failed_count"`

	RecentFailures       []store.Failure `json:"recent_failures"`
	// AvgCompletionMinutes is nil when no job completed in the window.
	AvgCompletionMinutes *float64        `json:"avg_completion_minutes"`
	CompletedToday       int             `json:"completed_today"`
	GeneratedAt          time.Time       `json:"generated_at"`
}

type Config struct {
	RecentFailures int
	AvgWindow      time.Duration
	Location       *time.Location
}

type Reporter struct {
	cfg     Config
	store   Store
	workers Workers
	depth   Depth
	now     func() time.Time
}

func New(cfg Config, st Store, workers Workers, depth Depth) *Reporter {
	if cfg.RecentFailures <= 0 {
		cfg.RecentFailures = 5
	}
	if cfg.AvgWindow <= 0 {
		cfg.AvgWindow = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Reporter{cfg: cfg, store: st, workers: workers, depth: depth, now: time.Now}
}

// Report reads the current health. Counts come from the store, so
// queue_size and processing_count always agree with persisted state.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	now := r.now()
	rep := Report{GeneratedAt: now}
	if r.workers != nil {
		rep.WorkersActive = r.workers.Active()
		rep.WorkersBusy = r.workers.Busy()
	}
	if r.depth != nil {
		rep.QueueDepth = r.depth.Len()
	}

	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return rep, fmt.Errorf("count jobs: %w", err)
	}
	rep.QueueSize = counts[job.StatusQueued]
	rep.ProcessingCount = counts[job.StatusProcessing]
	rep.CompleteCount = counts[job.StatusComplete]
	rep.FailedCount = counts[job.StatusFailed]

	rep.RecentFailures, err = r.store.RecentFailures(ctx, r.cfg.RecentFailures)
	if err != nil {
		return rep, fmt.Errorf("recent failures: %w", err)
	}
	if rep.RecentFailures == nil {
		rep.RecentFailures = []store.Failure{}
	}

	avg, ok, err := r.store.AvgCompletion(ctx, now.Add(-r.cfg.AvgWindow))
	if err != nil {
		return rep, fmt.Errorf("average completion: %w", err)
	}
	if ok {
		m := math.Round(avg.Minutes()*100) / 100
		rep.AvgCompletionMinutes = &m
	}

	rep.CompletedToday, err = r.store.CompletedSince(ctx, midnight(now, r.cfg.Location))
	if err != nil {
		return rep, fmt.Errorf("completed today: %w", err)
	}
	return rep, nil
}

func midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
