package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "15m") or whole days ("7d").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Workers   WorkersConfig   `json:"workers"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Health    HealthConfig    `json:"health"`
	Extractor ExtractorConfig `json:"extractor"`
	HTTP      HTTPConfig      `json:"http"`

	// Refresh and Notifier are optional; omitted means disabled.
	Refresh  *RefreshConfig  `json:"refresh,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json" for stdout.
	Format  string      `json:"format"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig configures the SQLite job store.
//
// Example:
//
//	"storage": { "path": "./data/extractd.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	ReadConns   int    `json:"read_conns,omitempty"`
}

// WorkersConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - count: 2
//   - deadline: "15m"
//   - grace_period: "10s"
//   - progress_every: 5
//   - progress_interval: "5s"
//   - retry_base: "2s"
//   - retry_max_delay: "1m"
type WorkersConfig struct {
	Count            int    `json:"count,omitempty"`
	Deadline         string `json:"deadline,omitempty"`
	GracePeriod      string `json:"grace_period,omitempty"`
	ProgressEvery    int    `json:"progress_every,omitempty"`
	ProgressInterval string `json:"progress_interval,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
}

// RecoveryConfig controls stale job recovery.
//
// stale_after must be longer than workers.deadline so a live worker's job is
// never taken for an orphan. sweep_every re-runs recovery while serving;
// "0s" disables the sweep.
type RecoveryConfig struct {
	StaleAfter string `json:"stale_after,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`
}

type HealthConfig struct {
	RecentFailures int    `json:"recent_failures,omitempty"`
	AvgWindow      string `json:"avg_window,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// ExtractorConfig configures the command the workers run per topic.
type ExtractorConfig struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Env       []string `json:"env,omitempty"`
	WaitDelay string   `json:"wait_delay,omitempty"`
}

// HTTPConfig configures the control API.
//
// A non-loopback addr requires token. pprof mounts /debug/pprof behind the
// same token.
type HTTPConfig struct {
	Addr              string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Token             string `json:"token,omitempty"`
	Pprof             bool   `json:"pprof,omitempty"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
}

// RefreshConfig re-queues topics on a schedule.
//
// schedule accepts a cron expression ("0 3 * * *", optional seconds field,
// descriptors like "@daily"), a Go duration ("6h"), or an HH:MM interval ("01:30").
// Prefixes "cron:", "interval:" and "every:" force the interpretation.
//
// source is "static" (topics list) or "history" (topics completed within
// lookback).
type RefreshConfig struct {
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule"`
	Timezone string   `json:"timezone,omitempty"`
	Source   string   `json:"source,omitempty"`
	Topics   []string `json:"topics,omitempty"`
	Lookback string   `json:"lookback,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

// NotifierConfig controls Telegram notifications on job completion/failure.
//
// The token should come from the environment: "token": "${EXTRACTD_TG_TOKEN}".
type NotifierConfig struct {
	Enabled    bool     `json:"enabled"`
	Token      string   `json:"token"`
	ChatID     int64    `json:"chat_id"`
	ThreadID   int      `json:"thread_id,omitempty"`
	Events     []string `json:"events,omitempty"` // default: completed, failed
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
	QueueSize  int      `json:"queue_size,omitempty"`
}
