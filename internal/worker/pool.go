// Package worker runs extraction jobs on a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/extractor"
	"extractd/internal/job"
	"extractd/internal/queue"
	rtsup "extractd/internal/runtime/supervisor"
	logx "extractd/pkg/logx"
)

var (
	ErrStopped = errors.New("worker pool stopped")
	ErrRunning = errors.New("worker pool already running")
)

// Store is the part of the job store the pool writes through.
type Store interface {
	Get(ctx context.Context, id string) (job.Job, error)
	MarkProcessing(ctx context.Context, id string, estimatedCompletion time.Time) (time.Time, bool, error)
	RecordProgress(ctx context.Context, id string, started time.Time, n int) error
	MarkComplete(ctx context.Context, id string, started time.Time, resultCount, progress int, took time.Duration) (bool, error)
	MarkFailed(ctx context.Context, id string, started time.Time, jobErr job.Error) (bool, error)
	IncrementRetry(ctx context.Context, id string, started time.Time) (bool, error)
	Requeue(ctx context.Context, id string, started time.Time, jobErr job.Error) (bool, error)
}

type Config struct {
	Workers int
	// Deadline is the per-attempt extraction timeout.
	Deadline time.Duration
	// GracePeriod is how long Stop lets in-flight extractions finish before
	// canceling them.
	GracePeriod time.Duration

	ProgressEvery    int
	ProgressInterval time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// StoreTimeout bounds each store write. Writes use their own context so
	// a shutdown never aborts a state transition halfway.
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Deadline <= 0 {
		c.Deadline = 15 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 5
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}

type Pool struct {
	cfg   Config
	store Store
	q     *queue.Queue
	ext   extractor.Extractor
	log   logx.Logger
	bus   eventbus.Bus

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	stopped bool

	live atomic.Int32
	busy atomic.Int32

	// held counts ids a worker is running or a requeue timer is waiting on.
	heldMu sync.Mutex
	held   map[string]int

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, st Store, q *queue.Queue, ext extractor.Extractor, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:   cfg.withDefaults(),
		store: st,
		q:     q,
		ext:   ext,
		log:   log.With(logx.String("comp", "worker")),
		bus:   bus,
		held:  map[string]int{},
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Pool) Config() Config { return p.cfg }

// Active is the number of live worker goroutines.
func (p *Pool) Active() int { return int(p.live.Load()) }

// Busy is the number of workers currently running an extraction.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Start launches the workers. In-flight extractions are not tied to ctx
// cancellation; Stop decides when to cancel them.
func (p *Pool) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.sup != nil {
		return ErrRunning
	}

	p.stopCh = make(chan struct{})
	p.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh := p.stopCh
	for i := 0; i < p.cfg.Workers; i++ {
		idx := i
		p.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.worker(c, stopCh, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("workers", p.cfg.Workers), logx.Duration("deadline", p.cfg.Deadline))
	return nil
}

// Stop closes the queue, lets running extractions finish within the grace
// period, then cancels them. Jobs cut short stay Processing in the store and
// are picked up by recovery. Stop returns when workers exited or ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	sup := p.sup
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.q.Close()
	if sup == nil {
		return nil
	}

	graceCtx, cancel := context.WithTimeout(ctx, p.cfg.GracePeriod)
	err := sup.Wait(graceCtx)
	cancel()
	sup.Cancel()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		p.log.Warn("grace period elapsed, canceling in-flight extractions", logx.Int("busy", p.Busy()))
		if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
			p.log.Warn("worker pool stop timed out", logx.Err(err))
			return ctx.Err()
		}
	}
	p.log.Info("worker pool stopped")
	return nil
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	p.live.Add(1)
	defer p.live.Add(-1)
	log := p.log.With(logx.Int("worker", idx))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		it, err := p.q.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				log.Warn("dequeue failed", logx.Err(err))
			}
			return
		}

		p.busy.Add(1)
		p.run(ctx, stopCh, log, it)
		p.busy.Add(-1)
	}
}

// Held lists the job ids this pool owns right now: running on a worker or
// waiting out a retry delay. Recovery leaves these alone.
func (p *Pool) Held() []string {
	p.heldMu.Lock()
	defer p.heldMu.Unlock()
	out := make([]string, 0, len(p.held))
	for id := range p.held {
		out = append(out, id)
	}
	return out
}

func (p *Pool) hold(id string) {
	p.heldMu.Lock()
	p.held[id]++
	p.heldMu.Unlock()
}

func (p *Pool) release(id string) {
	p.heldMu.Lock()
	if p.held[id] <= 1 {
		delete(p.held, id)
	} else {
		p.held[id]--
	}
	p.heldMu.Unlock()
}

func (p *Pool) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.cfg.StoreTimeout)
}
