package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"extractd/internal/job"
	"extractd/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	counts   map[job.Status]int
	failures []store.Failure
	avg      time.Duration
	hasAvg   bool
	since    time.Time
	limit    int
	countErr error
}

func (f *fakeStore) CountByStatus(context.Context) (map[job.Status]int, error) {
	return f.counts, f.countErr
}

func (f *fakeStore) RecentFailures(_ context.Context, limit int) ([]store.Failure, error) {
	f.limit = limit
	return f.failures, nil
}

func (f *fakeStore) AvgCompletion(context.Context, time.Time) (time.Duration, bool, error) {
	return f.avg, f.hasAvg, nil
}

func (f *fakeStore) CompletedSince(_ context.Context, since time.Time) (int, error) {
	f.since = since
	return 4, nil
}

type fakeWorkers struct{ active, busy int }

func (w fakeWorkers) Active() int { return w.active }
func (w fakeWorkers) Busy() int   { return w.busy }

type fakeDepth int

func (d fakeDepth) Len() int { return int(d) }

func TestReport(t *testing.T) {
	utc := time.UTC
	st := &fakeStore{
		counts: map[job.Status]int{job.StatusQueued: 3, job.StatusProcessing: 2, job.StatusFailed: 1},
		avg:    90 * time.Second,
		hasAvg: true,
	}
	r := New(Config{RecentFailures: 7, Location: utc}, st, fakeWorkers{active: 4, busy: 2}, fakeDepth(3))
	r.now = func() time.Time { return time.Date(2026, 3, 9, 15, 4, 5, 0, utc) }

	rep, err := r.Report(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.WorkersActive)
	assert.Equal(t, 2, rep.WorkersBusy)
	assert.Equal(t, 3, rep.QueueSize)
	assert.Equal(t, 3, rep.QueueDepth)
	assert.Equal(t, 2, rep.ProcessingCount)
	assert.Equal(t, 0, rep.CompleteCount)
	assert.Equal(t, 1, rep.FailedCount)
	assert.Equal(t, 7, st.limit)
	assert.NotNil(t, rep.RecentFailures)
	require.NotNil(t, rep.AvgCompletionMinutes)
	assert.InDelta(t, 1.5, *rep.AvgCompletionMinutes, 0.001)
	assert.Equal(t, 4, rep.CompletedToday)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, utc), st.since)
}

func TestReportWithoutCompletions(t *testing.T) {
	r := New(Config{}, &fakeStore{}, nil, nil)
	rep, err := r.Report(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rep.AvgCompletionMinutes)
	assert.Zero(t, rep.WorkersActive)
	assert.Empty(t, rep.RecentFailures)
}

func TestReportStoreError(t *testing.T) {
	r := New(Config{}, &fakeStore{countErr: errors.New("db closed")}, nil, nil)
	_, err := r.Report(context.Background())
	assert.ErrorContains(t, err, "count jobs")
}

func TestMidnightUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 20:00 UTC is already the next day at UTC+9.
	got := midnight(time.Date(2026, 3, 9, 20, 0, 0, 0, time.UTC), loc)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, loc), got)
}
