package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"extractd/internal/eventbus"
	rtsup "extractd/internal/runtime/supervisor"
	logx "extractd/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// DefaultEvents are the job events notified on when Config.Events is empty.
var DefaultEvents = []string{eventbus.JobCompleted, eventbus.JobFailed}

const historyLimit = 100

type Service struct {
	log    logx.Logger
	sender Sender

	mu        sync.Mutex
	cfg       Config
	events    map[string]bool
	limiter   *rate.Limiter
	accepting bool
	queue     chan string
	sup       *rtsup.Supervisor
	unsub     func()
	sendWG    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, dropped, deduped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		dedup:  map[uint64]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents
	}
	s.events = make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		e = strings.TrimSpace(e)
		if !strings.HasPrefix(e, "job.") {
			e = "job." + e
		}
		s.events[e] = true
	}
	s.cfg = cfg
	burst := max(1, int(cfg.RatePerSec))
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Start launches the delivery worker and, when bus is non-nil, follows job
// events on it. Start is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Notification failures never take the scheduler down.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		s.workerLoop(c, q)
		return nil
	}, rtsup.WithPublishFirstError(true))

	if bus != nil {
		events, unsub := bus.Subscribe(64)
		s.unsub = unsub
		s.sup.Go0("notifier.events", func(c context.Context) { s.followEvents(c, events) })
	}
	s.log.Info("notifier started", logx.Int("queue_size", s.cfg.QueueSize), logx.Float64("rate_per_sec", s.cfg.RatePerSec))
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop timed out; pending messages dropped", logx.Int("pending", len(q)))
	}
}

// Notify queues text for delivery. Identical text within the dedup window
// is suppressed.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && !s.dedupAllow(text, window) {
		s.deduped.Add(1)
		return nil
	}

	select {
	case q <- text:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load(), Deduped: s.deduped.Load()}
}

// History returns the most recent delivery attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	it := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

func (s *Service) followEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.mu.Lock()
			want := s.events[e.Type]
			s.mu.Unlock()
			if !want {
				continue
			}
			ev, ok := e.Data.(eventbus.JobEvent)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, FormatJobEvent(e.Type, ev)); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Debug("job notification not queued", logx.String("type", e.Type), logx.String("job", ev.JobID), logx.Err(err))
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(text, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if hint, ok := retryAfter(err); ok {
			delay = hint
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	s.failed.Add(1)
	s.appendHistory(text, lastErr)
	s.log.Warn("notification dropped after retries", logx.Err(lastErr), logx.Int("attempts", attempts))
}

func (s *Service) dedupAllow(text string, window time.Duration) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

// FormatJobEvent renders a job event as a short operator message.
func FormatJobEvent(typ string, ev eventbus.JobEvent) string {
	switch typ {
	case eventbus.JobCompleted:
		return fmt.Sprintf("✅ %q complete: %d results from %d sources in %s",
			ev.Topic, ev.ResultCount, ev.Progress, ev.Duration.Round(time.Second))
	case eventbus.JobFailed:
		msg := ev.Error
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("❌ %q failed after attempt %d (%s): %s", ev.Topic, ev.Attempt, ev.ErrorKind, msg)
	case eventbus.JobRetrying:
		return fmt.Sprintf("🔁 %q retrying, attempt %d (%s)", ev.Topic, ev.Attempt, ev.ErrorKind)
	case eventbus.JobRecovered:
		return fmt.Sprintf("♻️ %q recovered after restart", ev.Topic)
	default:
		return fmt.Sprintf("%s %q", typ, ev.Topic)
	}
}
