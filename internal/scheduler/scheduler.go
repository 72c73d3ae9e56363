// Package scheduler composes the job store, the priority queue, the worker
// pool, recovery and health reporting into the extraction job scheduler.
//
// A Scheduler is built once with New and handed to whatever serves callers
// (HTTP API, CLI, periodic refresh).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"extractd/internal/eventbus"
	"extractd/internal/extractor"
	"extractd/internal/health"
	"extractd/internal/job"
	"extractd/internal/queue"
	"extractd/internal/recovery"
	rtsup "extractd/internal/runtime/supervisor"
	"extractd/internal/store"
	"extractd/internal/worker"
	logx "extractd/pkg/logx"
)

const MaxTopicLen = 200

var (
	ErrInvalidTopic    = errors.New("topic must be 1 to 200 characters")
	ErrInvalidPriority = job.ErrInvalidPriority
	ErrAlreadyActive   = store.ErrAlreadyActive
	ErrNotFound        = store.ErrNotFound
)

// Retry refusal reasons.
const (
	ReasonMaxRetries    = "max_retries_reached"
	ReasonNoFailedJob   = "no_failed_job"
	ReasonAlreadyActive = "already_active"
)

type Config struct {
	Worker worker.Config
	// StaleAfter is the age after which a Processing job is treated as
	// orphaned. It must exceed Worker.Deadline.
	StaleAfter time.Duration
	// SweepEvery re-runs recovery periodically; 0 disables.
	SweepEvery time.Duration
	Health     health.Config
}

type EnqueueResult struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type RetryResult struct {
	OK            bool   `json:"ok"`
	AttemptNumber int    `json:"attempt_number,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type Scheduler struct {
	cfg    Config
	store  *store.Store
	q      *queue.Queue
	pool   *worker.Pool
	rec    *recovery.Manager
	health *health.Reporter
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	started bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, st *store.Store, ext extractor.Extractor, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := queue.New()
	pool := worker.New(cfg.Worker, st, q, ext, log, bus)
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		q:      q,
		pool:   pool,
		rec:    recovery.New(st, q, cfg.StaleAfter, pool, log, bus),
		health: health.New(cfg.Health, st, pool, q),
		log:    log.With(logx.String("comp", "scheduler")),
		bus:    bus,
	}
}

// Start runs recovery and then starts the workers.
func (s *Scheduler) Start(ctx context.Context) (recovery.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return recovery.Report{}, nil
	}

	rep, err := s.rec.Run(ctx)
	if err != nil {
		return rep, fmt.Errorf("recovery: %w", err)
	}
	if err := s.pool.Start(ctx); err != nil {
		return rep, err
	}
	s.started = true

	if s.cfg.SweepEvery > 0 {
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
		s.sup.Go0("recovery.sweep", func(c context.Context) { s.rec.Sweep(c, s.cfg.SweepEvery) })
	}
	s.log.Info("scheduler started", logx.Int("recovered", rep.Recovered), logx.Int("loaded", rep.Loaded))
	return rep, nil
}

// Stop stops the recovery sweep and the worker pool.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("recovery sweep stop", logx.Err(err))
		}
	}
	return s.pool.Stop(ctx)
}

// NormalizeTopic trims the topic and checks its length.
func NormalizeTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" || utf8.RuneCountInString(topic) > MaxTopicLen {
		return "", ErrInvalidTopic
	}
	return topic, nil
}

// Enqueue accepts a new job for topic. When the topic already has a queued
// or processing job, the result is not accepted and err is ErrAlreadyActive.
func (s *Scheduler) Enqueue(ctx context.Context, topic, requester string, priority int) (EnqueueResult, error) {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return EnqueueResult{}, err
	}
	if !job.ValidPriority(priority) {
		return EnqueueResult{}, ErrInvalidPriority
	}
	requester = strings.TrimSpace(requester)
	if requester == "" {
		requester = "anonymous"
	}

	j, err := s.store.Enqueue(ctx, topic, requester, priority)
	if errors.Is(err, store.ErrAlreadyActive) {
		s.log.Debug("enqueue rejected: topic active", logx.String("topic", topic), logx.String("requester", requester))
		return EnqueueResult{Accepted: false, Reason: ReasonAlreadyActive}, ErrAlreadyActive
	}
	if err != nil {
		return EnqueueResult{}, err
	}

	// A closed queue leaves the record Queued for the next start.
	s.q.Push(j)
	s.log.Info("job.queued", logx.Job(j.ID, topic), logx.String("requester", requester), logx.Int("priority", priority))
	eventbus.PublishJob(s.bus, eventbus.JobQueued, eventbus.JobEvent{
		JobID: j.ID, Topic: topic, Requester: requester, Priority: priority, Attempt: j.AttemptCount,
	})
	return EnqueueResult{Accepted: true, JobID: j.ID}, nil
}

// Status returns the latest job for topic.
func (s *Scheduler) Status(ctx context.Context, topic string) (job.View, error) {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return job.View{}, err
	}
	j, err := s.store.Latest(ctx, topic)
	if err != nil {
		return job.View{}, err
	}
	return j.View(), nil
}

// Retry re-queues the latest job for topic if it failed and still has
// attempts left. Refusals are reported in the result, not as errors.
func (s *Scheduler) Retry(ctx context.Context, topic string) (RetryResult, error) {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return RetryResult{}, err
	}
	j, err := s.store.Latest(ctx, topic)
	if errors.Is(err, store.ErrNotFound) {
		return RetryResult{Reason: ReasonNoFailedJob}, nil
	}
	if err != nil {
		return RetryResult{}, err
	}

	attempt, err := s.store.RetryFailed(ctx, j.ID)
	switch {
	case errors.Is(err, store.ErrMaxRetries):
		return RetryResult{Reason: ReasonMaxRetries}, nil
	case errors.Is(err, store.ErrNotFailed), errors.Is(err, store.ErrAlreadyActive), errors.Is(err, store.ErrNotFound):
		return RetryResult{Reason: ReasonNoFailedJob}, nil
	case err != nil:
		return RetryResult{}, err
	}

	s.q.Push(j)
	s.log.Info("job.queued (manual retry)", logx.Job(j.ID, topic), logx.Int("attempt", attempt))
	eventbus.PublishJob(s.bus, eventbus.JobQueued, eventbus.JobEvent{
		JobID: j.ID, Topic: topic, Requester: j.Requester, Priority: j.Priority, Attempt: attempt,
	})
	return RetryResult{OK: true, AttemptNumber: attempt}, nil
}

func (s *Scheduler) Health(ctx context.Context) (health.Report, error) {
	return s.health.Report(ctx)
}

// Recover runs recovery on demand.
func (s *Scheduler) Recover(ctx context.Context) (recovery.Report, error) {
	return s.rec.Run(ctx)
}

func (s *Scheduler) Store() *store.Store { return s.store }
