package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/extractor"
	"extractd/internal/job"
	"extractd/internal/store"
	"extractd/internal/worker"
	"extractd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func testConfig(workers int) Config {
	return Config{
		Worker: worker.Config{
			Workers:     workers,
			Deadline:    2 * time.Second,
			GracePeriod: 50 * time.Millisecond,
			RetryBase:   time.Millisecond,
			RetryJitter: 0.01,
		},
		StaleAfter: time.Minute,
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newScheduler(t *testing.T, cfg Config, st *store.Store, ext extractor.Extractor) *Scheduler {
	t.Helper()
	s := New(cfg, st, ext, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitStatus(t *testing.T, s *Scheduler, topic string, want job.Status) job.View {
	t.Helper()
	var v job.View
	require.Eventually(t, func() bool {
		got, err := s.Status(context.Background(), topic)
		if err != nil {
			return false
		}
		v = got
		return got.Status == want
	}, waitFor, 5*time.Millisecond, "topic %q never reached %s", topic, want)
	return v
}

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) add(topic string) {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, testConfig(1), openStore(t), extractor.Func(nil))
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "   ", "r", 5)
	require.ErrorIs(t, err, ErrInvalidTopic)
	_, err = s.Enqueue(ctx, strings.Repeat("x", MaxTopicLen+1), "r", 5)
	require.ErrorIs(t, err, ErrInvalidTopic)
	_, err = s.Enqueue(ctx, "ok", "r", 0)
	require.ErrorIs(t, err, ErrInvalidPriority)
	_, err = s.Enqueue(ctx, "ok", "r", 11)
	require.ErrorIs(t, err, ErrInvalidPriority)

	res, err := s.Enqueue(ctx, "  padded  ", "r", 10)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	v, err := s.Status(ctx, "padded")
	require.NoError(t, err)
	assert.Equal(t, res.JobID, v.ID)

	_, err = s.Status(ctx, "never")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueue_Uniqueness(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, testConfig(1), openStore(t), extractor.Func(nil))
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "golang", "alice", 5)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := s.Enqueue(ctx, "golang", "bob", 10)
	require.ErrorIs(t, err, ErrAlreadyActive)
	assert.False(t, second.Accepted)
	assert.Equal(t, ReasonAlreadyActive, second.Reason)

	v, err := s.Status(ctx, "golang")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, v.ID)
	assert.Equal(t, job.StatusQueued, v.Status)
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		rec.add(topic)
		return extractor.Result{Items: 1}, nil
	})
	s := newScheduler(t, testConfig(1), openStore(t), ext)
	ctx := context.Background()

	for _, tc := range []struct {
		topic string
		prio  int
	}{{"A", 10}, {"B", 10}, {"C", 1}} {
		_, err := s.Enqueue(ctx, tc.topic, "r", tc.prio)
		require.NoError(t, err)
	}
	_, err := s.Start(ctx)
	require.NoError(t, err)

	waitStatus(t, s, "C", job.StatusComplete)
	assert.Equal(t, []string{"A", "B", "C"}, rec.list())
}

func TestRetryBudget_AlwaysTransient(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		calls.Add(1)
		return extractor.Result{}, extractor.Transient(extractor.KindNetwork, errors.New("connection reset"))
	})
	s := newScheduler(t, testConfig(1), openStore(t), ext)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "flaky", "r", 5)
	require.NoError(t, err)

	v := waitStatus(t, s, "flaky", job.StatusFailed)
	assert.Equal(t, int32(job.MaxAttempts), calls.Load())
	assert.Equal(t, job.MaxAttempts, v.AttemptCount)
	require.NotNil(t, v.Error)
	assert.Equal(t, extractor.KindNetwork, v.Error.Kind)
	assert.True(t, v.Error.Retryable)

	res, err := s.Retry(ctx, "flaky")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonMaxRetries, res.Reason)
}

func TestTimeout_RetriedThenFailed(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return extractor.Result{}, ctx.Err()
	})
	cfg := testConfig(1)
	cfg.Worker.Deadline = 30 * time.Millisecond
	s := newScheduler(t, cfg, openStore(t), ext)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "slow", "r", 5)
	require.NoError(t, err)

	v := waitStatus(t, s, "slow", job.StatusFailed)
	require.NotNil(t, v.Error)
	assert.Equal(t, extractor.KindTimeout, v.Error.Kind)
	assert.True(t, v.Error.Retryable)
	assert.Equal(t, int32(job.MaxAttempts), calls.Load())
}

func TestTimeout_ResultAfterDeadlineIsTimeout(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		// Ignores ctx and returns late.
		if calls.Add(1) == 1 {
			time.Sleep(80 * time.Millisecond)
		}
		return extractor.Result{Items: 3}, nil
	})
	cfg := testConfig(1)
	cfg.Worker.Deadline = 20 * time.Millisecond
	s := newScheduler(t, cfg, openStore(t), ext)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "late", "r", 5)
	require.NoError(t, err)

	v := waitStatus(t, s, "late", job.StatusComplete)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, v.AttemptCount)
	assert.Equal(t, 3, v.ResultCount)
}

func TestPermanentFailure_ManualRetry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		if calls.Add(1) == 1 {
			return extractor.Result{}, extractor.ErrNoResults
		}
		progress(1)
		progress(2)
		return extractor.Result{Items: 9, Sources: 2}, nil
	})
	s := newScheduler(t, testConfig(1), openStore(t), ext)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	first, err := s.Enqueue(ctx, "rare", "r", 4)
	require.NoError(t, err)

	v := waitStatus(t, s, "rare", job.StatusFailed)
	assert.Equal(t, 1, v.AttemptCount)
	assert.Equal(t, extractor.KindNoResults, v.Error.Kind)
	assert.False(t, v.Error.Retryable)

	res, err := s.Retry(ctx, "rare")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 2, res.AttemptNumber)

	v = waitStatus(t, s, "rare", job.StatusComplete)
	assert.Equal(t, first.JobID, v.ID)
	assert.Equal(t, 9, v.ResultCount)
	assert.Equal(t, 2, v.Progress)
	assert.Nil(t, v.Error)
	assert.Equal(t, 4, v.Priority)

	res, err = s.Retry(ctx, "rare")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoFailedJob, res.Reason)

	res, err = s.Retry(ctx, "unknown-topic")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoFailedJob, res.Reason)
}

func TestExtractorPanic_IsPermanentUnknown(t *testing.T) {
	t.Parallel()
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		panic("extractor bug")
	})
	s := newScheduler(t, testConfig(1), openStore(t), ext)
	ctx := context.Background()
	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "boom", "r", 5)
	require.NoError(t, err)

	v := waitStatus(t, s, "boom", job.StatusFailed)
	assert.Equal(t, extractor.KindUnknown, v.Error.Kind)
	assert.False(t, v.Error.Retryable)
	assert.Equal(t, 1, v.AttemptCount)
}

func TestCrashRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	// A previous process died while the job was Processing.
	past := time.Now().Add(-time.Hour)
	st.SetClock(func() time.Time { return past })
	orphan, err := st.Enqueue(ctx, "orphan", "r", 6)
	require.NoError(t, err)
	_, ok, err := st.MarkProcessing(ctx, orphan.ID, past.Add(15*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	st.SetClock(time.Now)

	release := make(chan struct{})
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		<-release
		return extractor.Result{Items: 1}, nil
	})
	cfg := testConfig(1)
	cfg.StaleAfter = 20 * time.Minute
	s := newScheduler(t, cfg, st, ext)

	rep, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recovered)
	assert.Equal(t, 1, rep.Loaded)

	v, err := s.Status(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, v.Status)
	assert.Equal(t, 1, v.AttemptCount)

	_, err = s.Start(ctx)
	require.NoError(t, err)
	waitStatus(t, s, "orphan", job.StatusProcessing)
	close(release)
	v = waitStatus(t, s, "orphan", job.StatusComplete)
	assert.Equal(t, orphan.ID, v.ID)
}

func TestSweep_SlowAttemptKeepsItsJob(t *testing.T) {
	t.Parallel()
	var calls, running, peak atomic.Int32
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if calls.Add(1) == 1 {
			// Overruns the deadline and stale age without reporting progress.
			time.Sleep(400 * time.Millisecond)
		}
		return extractor.Result{Items: 5}, nil
	})
	cfg := testConfig(2)
	cfg.Worker.Deadline = 50 * time.Millisecond
	cfg.StaleAfter = 100 * time.Millisecond
	cfg.SweepEvery = 20 * time.Millisecond
	s := newScheduler(t, cfg, openStore(t), ext)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "slow", "r", 5)
	require.NoError(t, err)

	v := waitStatus(t, s, "slow", job.StatusComplete)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, v.AttemptCount)
	assert.Equal(t, 5, v.ResultCount)
	assert.Nil(t, v.Error)
}

func TestSweep_KeepsRetryDelay(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		calls []time.Time
	)
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		n := len(calls)
		mu.Unlock()
		if n == 1 {
			return extractor.Result{}, extractor.Transient(extractor.KindNetwork, errors.New("connection reset"))
		}
		return extractor.Result{Items: 1}, nil
	})
	cfg := testConfig(1)
	cfg.Worker.RetryBase = 300 * time.Millisecond
	cfg.SweepEvery = 10 * time.Millisecond
	s := newScheduler(t, cfg, openStore(t), ext)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "backoff", "r", 5)
	require.NoError(t, err)

	waitStatus(t, s, "backoff", job.StatusComplete)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 250*time.Millisecond)
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	release := map[string]chan struct{}{
		"P1": make(chan struct{}),
		"P2": make(chan struct{}),
		"P3": make(chan struct{}),
	}
	var running, peak atomic.Int32
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		<-release[topic]
		return extractor.Result{Items: 1}, nil
	})
	s := newScheduler(t, testConfig(2), openStore(t), ext)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	for _, topic := range []string{"P1", "P2", "P3"} {
		_, err := s.Enqueue(ctx, topic, "r", 5)
		require.NoError(t, err)
	}

	waitStatus(t, s, "P1", job.StatusProcessing)
	waitStatus(t, s, "P2", job.StatusProcessing)
	v, err := s.Status(ctx, "P3")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, v.Status)

	require.Eventually(t, func() bool {
		h, err := s.Health(ctx)
		return err == nil && h.WorkersBusy == 2
	}, waitFor, 5*time.Millisecond)
	h, err := s.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.WorkersActive)
	assert.Equal(t, 1, h.QueueSize)
	assert.Equal(t, 2, h.ProcessingCount)

	close(release["P1"])
	waitStatus(t, s, "P3", job.StatusProcessing)
	close(release["P2"])
	close(release["P3"])
	waitStatus(t, s, "P3", job.StatusComplete)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestHealthConsistency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		if strings.HasPrefix(topic, "bad") {
			return extractor.Result{}, extractor.Permanent(extractor.KindInvalidInput, errors.New("rejected"))
		}
		return extractor.Result{Items: 2}, nil
	})
	s := newScheduler(t, testConfig(2), st, ext)
	_, err := s.Start(ctx)
	require.NoError(t, err)

	for _, topic := range []string{"good-1", "good-2", "bad-1"} {
		_, err := s.Enqueue(ctx, topic, "r", 5)
		require.NoError(t, err)
	}
	waitStatus(t, s, "good-1", job.StatusComplete)
	waitStatus(t, s, "good-2", job.StatusComplete)
	waitStatus(t, s, "bad-1", job.StatusFailed)

	h, err := s.Health(ctx)
	require.NoError(t, err)
	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, counts[job.StatusQueued], h.QueueSize)
	assert.Equal(t, counts[job.StatusProcessing], h.ProcessingCount)
	assert.Equal(t, 2, h.CompletedToday)
	require.Len(t, h.RecentFailures, 1)
	assert.Equal(t, "bad-1", h.RecentFailures[0].Topic)
	require.NotNil(t, h.AvgCompletionMinutes)
}

func TestShutdownLeavesJobProcessing(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	ext := extractor.Func(func(ctx context.Context, topic string, progress func(int)) (extractor.Result, error) {
		close(started)
		<-ctx.Done()
		return extractor.Result{}, ctx.Err()
	})
	cfg := testConfig(1)
	cfg.Worker.Deadline = time.Minute
	st := openStore(t)
	s := New(cfg, st, ext, logx.Nop(), nil)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "interrupted", "r", 5)
	require.NoError(t, err)
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	v, err := s.Status(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, v.Status)
	assert.Nil(t, v.Error)
}
