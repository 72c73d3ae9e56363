package notifier

import (
	"context"
	"time"

	"extractd/internal/config"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled       bool
	Events        []string // event bus types to notify on
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}

// Stats are best-effort counters.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
}

// ConfigFrom converts the file config; nil means disabled.
func ConfigFrom(c *config.NotifierConfig) Config {
	if c == nil {
		return Config{}
	}
	return Config{
		Enabled:     c.Enabled,
		Events:      c.Events,
		QueueSize:   c.QueueSize,
		RatePerSec:  c.RatePerSec,
		RetryMax:    2,
		DedupWindow: time.Minute,
	}
}
