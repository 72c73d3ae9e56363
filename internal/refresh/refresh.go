// Package refresh periodically re-queues extraction jobs for a set of topics
// so their results stay fresh.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"extractd/internal/config"
	"extractd/internal/job"
	"extractd/internal/scheduler"
	logx "extractd/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Requester recorded on jobs queued by refresh runs.
const Requester = "system"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
	Source   string // "static" | "history"
	Topics   []string
	Lookback time.Duration
	Limit    int
	Priority int
}

// ConfigFrom converts the file config; nil means disabled.
func ConfigFrom(c *config.RefreshConfig) (Config, error) {
	if c == nil {
		return Config{}, nil
	}
	lookback, err := config.ParseDurationField("refresh.lookback", c.Lookback)
	if err != nil {
		return Config{}, err
	}
	out := Config{
		Enabled:  c.Enabled,
		Schedule: strings.TrimSpace(c.Schedule),
		Timezone: strings.TrimSpace(c.Timezone),
		Source:   strings.ToLower(strings.TrimSpace(c.Source)),
		Topics:   c.Topics,
		Lookback: lookback,
		Limit:    c.Limit,
		Priority: c.Priority,
	}
	if out.Priority == 0 {
		out.Priority = job.MaxPriority
	}
	if out.Enabled {
		if _, err := ParseSchedule(out.Schedule); err != nil {
			return Config{}, fmt.Errorf("refresh.schedule: %w", err)
		}
	}
	return out, nil
}

// Enqueuer is the scheduler surface refresh needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic, requester string, priority int) (scheduler.EnqueueResult, error)
}

// Report summarizes one refresh run.
type Report struct {
	Queued  []string  `json:"queued"`
	Skipped []string  `json:"skipped"`
	Failed  []string  `json:"failed"`
	DryRun  bool      `json:"dry_run,omitempty"`
	Started time.Time `json:"started"`
	Took    string    `json:"took"`
}

type Service struct {
	enq  Enqueuer
	hist HistoryStore
	log  logx.Logger

	parser cron.Parser

	mu    sync.Mutex
	cfg   Config
	base  context.Context
	c     *cron.Cron
	entry cron.EntryID

	runMu sync.Mutex
	last  *Report
}

func New(cfg Config, enq Enqueuer, hist HistoryStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		enq:  enq,
		hist: hist,
		log:  log.With(logx.String("comp", "refresh")),
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start begins scheduled runs. Runs use ctx as their parent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.base = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if !s.cfg.Enabled {
		s.log.Debug("refresh disabled")
		return nil
	}
	spec, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc, err := config.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}

	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	base := s.base
	id, err := c.AddFunc(spec.CronSpec(), func() {
		if _, err := s.Run(base); err != nil {
			s.log.Warn("scheduled refresh failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("refresh schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c, s.entry = c, id
	s.log.Info("refresh scheduled",
		logx.String("schedule", spec.CronSpec()),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

// Apply swaps the config; a running schedule is rebuilt.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	s.cfg = cfg
	old := s.c
	s.c, s.entry = nil, 0
	s.mu.Unlock()

	// Stopping waits for an in-flight run, which needs s.mu.
	if old != nil {
		stopCron(ctx, old)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil || s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.entry = nil, 0
	s.base = nil
	s.mu.Unlock()
	if c != nil {
		stopCron(ctx, c)
	}
}

func stopCron(ctx context.Context, c *cron.Cron) {
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Next reports the next scheduled run, zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Last returns the report of the most recent run, if any.
func (s *Service) Last() (Report, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

func (s *Service) source(cfg Config) (TopicSource, error) {
	switch cfg.Source {
	case "", "static":
		return Static(cfg.Topics), nil
	case "history":
		if s.hist == nil {
			return nil, errors.New("history source needs a job store")
		}
		return History{Store: s.hist, Lookback: cfg.Lookback, Limit: cfg.Limit}, nil
	default:
		return nil, fmt.Errorf("unknown refresh source %q", cfg.Source)
	}
}

// plan resolves the configured source into normalized, deduplicated topics.
// Topics that fail validation are returned separately.
func (s *Service) plan(ctx context.Context, cfg Config) (topics, invalid []string, err error) {
	src, err := s.source(cfg)
	if err != nil {
		return nil, nil, err
	}
	raw, err := src.Topics(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh topics: %w", err)
	}
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		topic, err := scheduler.NormalizeTopic(r)
		if err != nil {
			invalid = append(invalid, r)
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
		if cfg.Limit > 0 && len(topics) == cfg.Limit {
			break
		}
	}
	return topics, invalid, nil
}

// Plan reports what Run would enqueue without enqueuing anything.
func (s *Service) Plan(ctx context.Context) (Report, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	rep := Report{Started: time.Now(), DryRun: true}
	topics, invalid, err := s.plan(ctx, cfg)
	if err != nil {
		return rep, err
	}
	rep.Queued, rep.Failed = topics, invalid
	rep.Took = time.Since(rep.Started).Round(time.Millisecond).String()
	return rep, nil
}

// Run enqueues every topic from the configured source once. Topics that
// already have an active job are skipped. Runs never overlap.
func (s *Service) Run(ctx context.Context) (Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	rep := Report{Started: time.Now()}
	topics, invalid, err := s.plan(ctx, cfg)
	if err != nil {
		return rep, err
	}
	rep.Failed = invalid
	priority := cfg.Priority
	if priority == 0 {
		priority = job.MaxPriority
	}

	for _, topic := range topics {
		if ctx.Err() != nil {
			break
		}
		_, err = s.enq.Enqueue(ctx, topic, Requester, priority)
		switch {
		case err == nil:
			rep.Queued = append(rep.Queued, topic)
		case errors.Is(err, scheduler.ErrAlreadyActive):
			rep.Skipped = append(rep.Skipped, topic)
		default:
			s.log.Warn("refresh enqueue failed", logx.String("topic", topic), logx.Err(err))
			rep.Failed = append(rep.Failed, topic)
		}
	}
	rep.Took = time.Since(rep.Started).Round(time.Millisecond).String()
	s.last = &rep

	s.log.Info("refresh run",
		logx.Int("queued", len(rep.Queued)),
		logx.Int("skipped", len(rep.Skipped)),
		logx.Int("failed", len(rep.Failed)),
		logx.String("took", rep.Took),
	)
	return rep, ctx.Err()
}

// cronLogger routes robfig/cron logs into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
