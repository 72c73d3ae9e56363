package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/extractor"
	"extractd/internal/job"
	"extractd/internal/queue"
	"extractd/internal/store"
	logx "extractd/pkg/logx"

	"golang.org/x/time/rate"
)

// run drives one attempt of a dequeued job to its next state. Every write
// after MarkProcessing carries the attempt's lease; a refused write means
// the job was taken away and this attempt stops touching it.
func (p *Pool) run(ctx context.Context, stopCh <-chan struct{}, log logx.Logger, it queue.Item) {
	log = log.With(logx.Job(it.JobID, it.Topic))
	p.hold(it.JobID)
	defer p.release(it.JobID)

	start := time.Now()
	deadline := start.Add(p.cfg.Deadline)

	sctx, cancel := p.storeCtx()
	lease, ok, err := p.store.MarkProcessing(sctx, it.JobID, deadline)
	cancel()
	if err != nil {
		log.Error("mark processing failed", logx.Err(err))
		// The record is still Queued; try again later.
		p.pushLater(stopCh, it, p.cfg.RetryBase)
		return
	}
	if !ok {
		log.Debug("job no longer queued, skipping")
		return
	}

	att := attempt{lease: lease, ev: eventbus.JobEvent{JobID: it.JobID, Topic: it.Topic, Priority: it.Priority}}
	ev := &att.ev
	sctx, cancel = p.storeCtx()
	if j, err := p.store.Get(sctx, it.JobID); err == nil {
		ev.Requester = j.Requester
		ev.Attempt = j.AttemptCount
	}
	cancel()

	log.Debug("job.started", logx.Int("attempt", ev.Attempt), logx.Time("deadline", deadline))
	eventbus.PublishJob(p.bus, eventbus.JobStarted, *ev)

	var last atomic.Int64
	xctx, xcancel := context.WithDeadline(ctx, deadline)
	res, xerr := p.extract(xctx, it.Topic, p.progressFunc(it, att, &last))
	xcancel()
	took := time.Since(start)

	deadlinePassed := time.Now().After(deadline) || errors.Is(xctx.Err(), context.DeadlineExceeded)
	if xerr == nil && !deadlinePassed {
		p.complete(log, att, res, int(last.Load()), took)
		return
	}
	if ctx.Err() != nil && !deadlinePassed {
		// Shutdown canceled the attempt; recovery re-queues it next start.
		log.Warn("extraction interrupted by shutdown", logx.Duration("dur", took))
		return
	}

	jerr := extractor.Classify(xerr, deadlinePassed)
	ev.ErrorKind, ev.Error, ev.Retryable = jerr.Kind, jerr.Message, jerr.Retryable
	ev.Duration = took
	if !jerr.Retryable {
		p.fail(log, att, jerr)
		return
	}

	sctx, cancel = p.storeCtx()
	allowed, err := p.store.IncrementRetry(sctx, it.JobID, lease)
	cancel()
	switch {
	case errors.Is(err, store.ErrNotOwner):
		log.Warn("job taken over, attempt dropped", logx.String("kind", jerr.Kind))
		return
	case err != nil:
		// Leave the job Processing; stale recovery re-queues it.
		log.Error("increment retry failed", logx.Err(err))
		return
	case !allowed:
		p.fail(log, att, jerr)
		return
	}

	sctx, cancel = p.storeCtx()
	requeued, err := p.store.Requeue(sctx, it.JobID, lease, jerr)
	cancel()
	if err != nil {
		log.Error("requeue failed", logx.Err(err))
		return
	}
	if !requeued {
		log.Warn("job taken over, attempt dropped", logx.String("kind", jerr.Kind))
		return
	}
	ev.Attempt++
	delay := p.retryDelay(ev.Attempt-1, xerr)
	log.Info("job.retrying", logx.String("kind", jerr.Kind), logx.Int("attempt", ev.Attempt), logx.Duration("delay", delay), logx.String("err", jerr.Message))
	eventbus.PublishJob(p.bus, eventbus.JobRetrying, *ev)
	p.pushLater(stopCh, it, delay)
}

// attempt is one run of a job: the lease MarkProcessing handed out and the
// event fields published along the way.
type attempt struct {
	lease time.Time
	ev    eventbus.JobEvent
}

func (p *Pool) complete(log logx.Logger, att attempt, res extractor.Result, lastProgress int, took time.Duration) {
	ev := att.ev
	progress := max(res.Sources, lastProgress)
	sctx, cancel := p.storeCtx()
	ok, err := p.store.MarkComplete(sctx, ev.JobID, att.lease, res.Items, progress, took)
	cancel()
	if err != nil {
		log.Error("mark complete failed", logx.Err(err))
		return
	}
	if !ok {
		log.Warn("job taken over, result dropped", logx.Int("items", res.Items))
		return
	}
	ev.ResultCount, ev.Progress, ev.Duration = res.Items, progress, took
	log.Info("job.completed", logx.Int("items", res.Items), logx.Int("sources", progress), logx.Duration("dur", took))
	eventbus.PublishJob(p.bus, eventbus.JobCompleted, ev)
}

func (p *Pool) fail(log logx.Logger, att attempt, jerr job.Error) {
	ev := att.ev
	sctx, cancel := p.storeCtx()
	ok, err := p.store.MarkFailed(sctx, ev.JobID, att.lease, jerr)
	cancel()
	if err != nil {
		log.Error("mark failed failed", logx.Err(err))
		return
	}
	if !ok {
		log.Warn("job taken over, failure dropped", logx.String("kind", jerr.Kind))
		return
	}
	log.Warn("job.failed", logx.String("kind", jerr.Kind), logx.Bool("retryable", jerr.Retryable), logx.Int("attempt", ev.Attempt), logx.String("err", jerr.Message))
	eventbus.PublishJob(p.bus, eventbus.JobFailed, ev)
}

// extract calls the extractor, converting a panic into a permanent error.
func (p *Pool) extract(ctx context.Context, topic string, progress func(int)) (res extractor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("extractor panicked", logx.String("topic", topic), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = extractor.Permanent(extractor.KindUnknown, fmt.Errorf("panic: %v", r))
		}
	}()
	return p.ext.Extract(ctx, topic, progress)
}

// progressFunc persists progress on the first report, then every
// ProgressEvery reports or ProgressInterval, whichever comes first.
func (p *Pool) progressFunc(it queue.Item, att attempt, last *atomic.Int64) func(int) {
	ev := att.ev
	s := &rate.Sometimes{First: 1, Every: p.cfg.ProgressEvery, Interval: p.cfg.ProgressInterval}
	return func(n int) {
		if n < 0 {
			return
		}
		last.Store(int64(n))
		s.Do(func() {
			sctx, cancel := p.storeCtx()
			err := p.store.RecordProgress(sctx, it.JobID, att.lease, n)
			cancel()
			if err != nil {
				p.log.Warn("record progress failed", logx.String("job", it.JobID), logx.Err(err))
				return
			}
			ev.Progress = n
			eventbus.PublishJob(p.bus, eventbus.JobProgress, ev)
		})
	}
}

// pushLater re-admits a job after delay unless the pool is stopping.
func (p *Pool) pushLater(stopCh <-chan struct{}, it queue.Item, delay time.Duration) {
	j := job.Job{ID: it.JobID, Topic: it.Topic, Priority: it.Priority}
	if delay <= 0 {
		p.q.Push(j)
		return
	}
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	// Held until pushed so recovery does not re-admit it early.
	p.hold(it.JobID)
	sup.Go0("requeue."+it.JobID, func(ctx context.Context) {
		defer p.release(it.JobID)
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-stopCh:
		case <-t.C:
			p.q.Push(j)
		}
	})
}

// retryDelay is exponential from RetryBase with jitter. An explicit hint on
// the error wins, bounded by RetryMaxDelay.
func (p *Pool) retryDelay(retry int, err error) time.Duration {
	d := p.cfg.RetryBase
	if hint, ok := extractor.RetryAfter(err); ok {
		d = hint
	} else {
		for i := 1; i < retry; i++ {
			d *= 2
			if d > p.cfg.RetryMaxDelay {
				break
			}
		}
	}
	if j := p.cfg.RetryJitter; j > 0 && d > 0 {
		p.rngMu.Lock()
		r := (p.rng.Float64()*2 - 1) * j
		p.rngMu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), p.cfg.RetryMaxDelay)
}
