package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "extractd/pkg/logx"
)

// Runtime is the validated, typed view of Config with defaults applied.
type Runtime struct {
	Logging logx.Config

	StorePath        string
	StoreBusyTimeout time.Duration
	StoreReadConns   int

	Workers          int
	Deadline         time.Duration
	GracePeriod      time.Duration
	ProgressEvery    int
	ProgressInterval time.Duration
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration

	StaleAfter time.Duration
	SweepEvery time.Duration

	RecentFailures int
	AvgWindow      time.Duration
	Location       *time.Location

	ExtractorCommand   string
	ExtractorArgs      []string
	ExtractorEnv       []string
	ExtractorWaitDelay time.Duration

	HTTPAddr              string
	HTTPToken             string
	HTTPPprof             bool
	HTTPReadHeaderTimeout time.Duration
	HTTPShutdownTimeout   time.Duration
}

// Resolve applies defaults and validates cross-field constraints. Optional
// sections (refresh, notifier) are validated but resolved by their owners.
func (c *Config) Resolve() (Runtime, error) {
	if c == nil {
		return Runtime{}, errors.New("config is nil")
	}
	var (
		rt   Runtime
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	if _, ok := logx.ParseLevel(c.Logging.Level); !ok {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !logx.ValidFormat(c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format: must be %q or %q", logx.FormatConsole, logx.FormatJSON))
	}
	rt.Logging = logx.Config{
		Level:   c.Logging.Level,
		Format:  c.Logging.Format,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}

	rt.StorePath = strings.TrimSpace(c.Storage.Path)
	if rt.StorePath == "" {
		rt.StorePath = "./data/extractd.db"
	}
	rt.StoreBusyTimeout = dur("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	rt.StoreReadConns = c.Storage.ReadConns
	if rt.StoreReadConns < 0 {
		errs = append(errs, errors.New("storage.read_conns must be >= 0"))
	}

	rt.Workers = c.Workers.Count
	if rt.Workers == 0 {
		rt.Workers = 2
	}
	if rt.Workers < 0 {
		errs = append(errs, errors.New("workers.count must be >= 1"))
	}
	rt.Deadline = dur("workers.deadline", c.Workers.Deadline, 15*time.Minute)
	rt.GracePeriod = dur("workers.grace_period", c.Workers.GracePeriod, 10*time.Second)
	rt.ProgressEvery = c.Workers.ProgressEvery
	if rt.ProgressEvery <= 0 {
		rt.ProgressEvery = 5
	}
	rt.ProgressInterval = dur("workers.progress_interval", c.Workers.ProgressInterval, 5*time.Second)
	rt.RetryBase = dur("workers.retry_base", c.Workers.RetryBase, 2*time.Second)
	rt.RetryMaxDelay = dur("workers.retry_max_delay", c.Workers.RetryMaxDelay, time.Minute)

	rt.StaleAfter = dur("recovery.stale_after", c.Recovery.StaleAfter, 20*time.Minute)
	if rt.StaleAfter <= rt.Deadline {
		errs = append(errs, fmt.Errorf("recovery.stale_after (%s) must be greater than workers.deadline (%s)", rt.StaleAfter, rt.Deadline))
	}
	rt.SweepEvery = 5 * time.Minute
	if raw := strings.TrimSpace(c.Recovery.SweepEvery); raw != "" {
		d, err := ParseDurationField("recovery.sweep_every", raw)
		if err != nil {
			errs = append(errs, err)
		}
		rt.SweepEvery = d
	}

	rt.RecentFailures = c.Health.RecentFailures
	if rt.RecentFailures <= 0 {
		rt.RecentFailures = 5
	}
	rt.AvgWindow = dur("health.avg_window", c.Health.AvgWindow, 24*time.Hour)
	loc, err := LoadLocation(c.Health.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("health.timezone: %w", err))
	}
	rt.Location = loc

	rt.ExtractorCommand = strings.TrimSpace(c.Extractor.Command)
	rt.ExtractorArgs = c.Extractor.Args
	rt.ExtractorEnv = c.Extractor.Env
	rt.ExtractorWaitDelay = dur("extractor.wait_delay", c.Extractor.WaitDelay, 5*time.Second)

	rt.HTTPAddr = strings.TrimSpace(c.HTTP.Addr)
	if rt.HTTPAddr == "" {
		rt.HTTPAddr = "127.0.0.1:8080"
	}
	rt.HTTPToken = strings.TrimSpace(c.HTTP.Token)
	rt.HTTPPprof = c.HTTP.Pprof
	if rt.HTTPToken == "" && !IsLoopbackAddr(rt.HTTPAddr) {
		errs = append(errs, fmt.Errorf("http.token is required when http.addr (%s) is not loopback", rt.HTTPAddr))
	}
	rt.HTTPReadHeaderTimeout = dur("http.read_header_timeout", c.HTTP.ReadHeaderTimeout, 5*time.Second)
	rt.HTTPShutdownTimeout = dur("http.shutdown_timeout", c.HTTP.ShutdownTimeout, 10*time.Second)

	if r := c.Refresh; r != nil && r.Enabled {
		if strings.TrimSpace(r.Schedule) == "" {
			errs = append(errs, errors.New("refresh.schedule is required when refresh is enabled"))
		}
		switch strings.ToLower(strings.TrimSpace(r.Source)) {
		case "", "static", "history":
		default:
			errs = append(errs, fmt.Errorf("refresh.source: unknown source %q", r.Source))
		}
		if r.Priority < 0 || r.Priority > 10 {
			errs = append(errs, errors.New("refresh.priority must be between 1 and 10"))
		}
		if _, err := ParseDurationField("refresh.lookback", r.Lookback); err != nil {
			errs = append(errs, err)
		}
		if _, err := LoadLocation(r.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("refresh.timezone: %w", err))
		}
	}
	if n := c.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			errs = append(errs, errors.New("notifier.token is required when notifier is enabled"))
		}
		if n.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id is required when notifier is enabled"))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

// LoadLocation resolves a timezone name; empty means the local zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// IsLoopbackAddr reports whether host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
