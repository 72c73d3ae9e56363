package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"extractd/internal/eventbus"
	logx "extractd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	got      []string
	failLeft int
	block    chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLeft > 0 {
		f.failLeft--
		return errors.New("telegram: bad gateway")
	}
	f.got = append(f.got, text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyDeliversJobEvents(t *testing.T) {
	bus := eventbus.New()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, logx.Nop())
	s.Start(context.Background(), bus)
	defer stop(t, s)

	eventbus.PublishJob(bus, eventbus.JobQueued, eventbus.JobEvent{Topic: "ignored"})
	eventbus.PublishJob(bus, eventbus.JobCompleted, eventbus.JobEvent{Topic: "golang", ResultCount: 12, Progress: 4, Duration: 3 * time.Second})
	eventbus.PublishJob(bus, eventbus.JobFailed, eventbus.JobEvent{Topic: "rust", Attempt: 3, ErrorKind: "network", Error: "connection reset"})

	require.Eventually(t, func() bool { return len(snd.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := snd.messages()
	assert.Contains(t, msgs[0], `"golang" complete: 12 results from 4 sources`)
	assert.Contains(t, msgs[1], `"rust" failed after attempt 3 (network): connection reset`)
	assert.Equal(t, uint64(2), s.Stats().Sent)
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	snd := &fakeSender{failLeft: 2}
	s := New(fastConfig(), snd, logx.Nop())
	s.Start(context.Background(), nil)
	defer stop(t, s)

	require.NoError(t, s.Notify(context.Background(), "hello"))
	require.Eventually(t, func() bool { return len(snd.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), s.Stats().Failed)
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	snd := &fakeSender{failLeft: 10}
	s := New(fastConfig(), snd, logx.Nop())
	s.Start(context.Background(), nil)
	defer stop(t, s)

	require.NoError(t, s.Notify(context.Background(), "hello"))
	require.Eventually(t, func() bool { return s.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	h := s.History()
	require.Len(t, h, 1)
	assert.NotEmpty(t, h[0].Error)
}

func TestNotifyDedup(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	snd := &fakeSender{}
	s := New(cfg, snd, logx.Nop())
	s.Start(context.Background(), nil)
	defer stop(t, s)

	require.NoError(t, s.Notify(context.Background(), "same"))
	require.NoError(t, s.Notify(context.Background(), "same"))
	require.NoError(t, s.Notify(context.Background(), "other"))
	require.Eventually(t, func() bool { return len(snd.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().Deduped)
}

func TestNotifyQueueFullDrops(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueSize = 1
	snd := &fakeSender{block: make(chan struct{})}
	s := New(cfg, snd, logx.Nop())
	s.Start(context.Background(), nil)

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, "one"))
	// Wait for the worker to pick up "one" and block in Send.
	require.Eventually(t, func() bool { return len(s.queueChan()) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Notify(ctx, "two"))
	assert.ErrorIs(t, s.Notify(ctx, "three"), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Stats().Dropped)

	close(snd.block)
	stop(t, s)
	assert.Equal(t, []string{"one", "two"}, snd.messages())
	assert.ErrorIs(t, s.Notify(ctx, "late"), ErrStopped)
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop())
	s.Start(context.Background(), nil)
	assert.ErrorIs(t, s.Notify(context.Background(), "x"), ErrDisabled)
}

func TestApplyNormalizesEvents(t *testing.T) {
	s := New(Config{Events: []string{"retrying", "job.failed"}}, nil, logx.Nop())
	assert.True(t, s.events[eventbus.JobRetrying])
	assert.True(t, s.events[eventbus.JobFailed])
	assert.False(t, s.events[eventbus.JobCompleted])
}

func (s *Service) queueChan() chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}
