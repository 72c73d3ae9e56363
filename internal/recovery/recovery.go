// Package recovery rebuilds the in-memory queue from the job store.
package recovery

import (
	"context"
	"fmt"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/job"
	"extractd/internal/queue"
	logx "extractd/pkg/logx"
)

// Store is the part of the job store recovery needs.
type Store interface {
	ResetStale(ctx context.Context, olderThan time.Time, skip ...string) ([]job.Job, error)
	ListByStatus(ctx context.Context, status job.Status) ([]job.Job, error)
}

// Holder reports the job ids a live worker pool still owns.
type Holder interface {
	Held() []string
}

// Report summarizes one recovery run.
type Report struct {
	// Recovered is the number of stale Processing jobs reset to Queued.
	Recovered int `json:"recovered"`
	// Loaded is the number of Queued jobs admitted to the queue.
	Loaded int `json:"loaded"`
}

type Manager struct {
	store      Store
	q          *queue.Queue
	staleAfter time.Duration
	log        logx.Logger
	bus        eventbus.Bus
	holder     Holder
	now        func() time.Time
}

// New builds a Manager. holder may be nil when no pool runs in this process.
func New(st Store, q *queue.Queue, staleAfter time.Duration, holder Holder, log logx.Logger, bus eventbus.Bus) *Manager {
	if staleAfter <= 0 {
		staleAfter = 20 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:      st,
		q:          q,
		staleAfter: staleAfter,
		log:        log.With(logx.String("comp", "recovery")),
		bus:        bus,
		holder:     holder,
		now:        time.Now,
	}
}

// Run resets orphaned Processing jobs and loads every Queued job into the
// queue in (priority desc, created_at asc) order. It is safe to call
// repeatedly: fresh Processing and terminal jobs are never touched and the
// queue ignores ids it already holds. Jobs the pool holds are skipped both
// ways: a slow attempt keeps its job, and a job waiting out a retry delay is
// not re-admitted early.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	var rep Report

	stale, err := m.store.ResetStale(ctx, m.now().Add(-m.staleAfter), m.held()...)
	if err != nil {
		return rep, fmt.Errorf("reset stale jobs: %w", err)
	}
	rep.Recovered = len(stale)
	for _, j := range stale {
		m.log.Warn("recovered stale job", logx.Job(j.ID, j.Topic), logx.Int("attempt", j.AttemptCount))
		eventbus.PublishJob(m.bus, eventbus.JobRecovered, eventbus.JobEvent{
			JobID: j.ID, Topic: j.Topic, Requester: j.Requester, Priority: j.Priority, Attempt: j.AttemptCount,
		})
	}

	queued, err := m.store.ListByStatus(ctx, job.StatusQueued)
	if err != nil {
		return rep, fmt.Errorf("list queued jobs: %w", err)
	}
	// Taken after listing: a job requeued for a delayed retry is already held
	// by the time its row reads Queued.
	skip := map[string]bool{}
	for _, id := range m.held() {
		skip[id] = true
	}
	for _, j := range queued {
		if skip[j.ID] {
			continue
		}
		if m.q.Push(j) {
			rep.Loaded++
		}
	}

	if rep.Recovered > 0 || rep.Loaded > 0 {
		m.log.Info("recovery finished", logx.Int("recovered", rep.Recovered), logx.Int("loaded", rep.Loaded))
	}
	return rep, nil
}

func (m *Manager) held() []string {
	if m.holder == nil {
		return nil
	}
	return m.holder.Held()
}

// Sweep runs recovery every interval until ctx is done. It catches jobs left
// Processing by a previous run that were still fresh at startup.
func (m *Manager) Sweep(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Run(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("recovery sweep failed", logx.Err(err))
			}
		}
	}
}
