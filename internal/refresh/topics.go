package refresh

import (
	"context"
	"time"
)

// TopicSource yields the topics a refresh run should re-queue.
type TopicSource interface {
	Topics(ctx context.Context) ([]string, error)
}

// Static is a fixed topic list.
type Static []string

func (s Static) Topics(context.Context) ([]string, error) { return append([]string(nil), s...), nil }

// HistoryStore is the part of the job store History reads.
type HistoryStore interface {
	RecentTopics(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// History re-queues topics that completed within Lookback, newest first.
type History struct {
	Store    HistoryStore
	Lookback time.Duration
	Limit    int
	Now      func() time.Time
}

func (h History) Topics(ctx context.Context) ([]string, error) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	lookback := h.Lookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	limit := h.Limit
	if limit <= 0 {
		limit = 50
	}
	return h.Store.RecentTopics(ctx, now().Add(-lookback), limit)
}
