package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"extractd/internal/health"
	"extractd/internal/job"
	"extractd/internal/refresh"
	"extractd/internal/scheduler"
	logx "extractd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSched struct {
	mu       sync.Mutex
	active   map[string]bool
	priority map[string]int
	failed   map[string]bool
}

func newFakeSched() *fakeSched {
	return &fakeSched{active: map[string]bool{}, priority: map[string]int{}, failed: map[string]bool{}}
}

func (f *fakeSched) Enqueue(_ context.Context, topic, _ string, priority int) (scheduler.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	topic, err := scheduler.NormalizeTopic(topic)
	if err != nil {
		return scheduler.EnqueueResult{}, err
	}
	if !job.ValidPriority(priority) {
		return scheduler.EnqueueResult{}, scheduler.ErrInvalidPriority
	}
	if f.active[topic] {
		return scheduler.EnqueueResult{Reason: scheduler.ReasonAlreadyActive}, scheduler.ErrAlreadyActive
	}
	f.active[topic] = true
	f.priority[topic] = priority
	return scheduler.EnqueueResult{Accepted: true, JobID: "job-" + topic}, nil
}

func (f *fakeSched) Status(_ context.Context, topic string) (job.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[topic] && !f.failed[topic] {
		return job.View{}, scheduler.ErrNotFound
	}
	v := job.View{ID: "job-" + topic, Topic: topic, Status: job.StatusQueued, Priority: f.priority[topic], AttemptCount: 1, MaxAttempts: job.MaxAttempts}
	if f.failed[topic] {
		v.Status = job.StatusFailed
		v.Error = &job.Error{Kind: "network", Message: "connection reset", Retryable: true}
	}
	return v, nil
}

func (f *fakeSched) Retry(_ context.Context, topic string) (scheduler.RetryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failed[topic] {
		return scheduler.RetryResult{Reason: scheduler.ReasonNoFailedJob}, nil
	}
	f.failed[topic] = false
	f.active[topic] = true
	return scheduler.RetryResult{OK: true, AttemptNumber: 2}, nil
}

func (f *fakeSched) Health(context.Context) (health.Report, error) {
	return health.Report{WorkersActive: 2, QueueSize: 1}, nil
}

type fakeRefresh struct{}

func (fakeRefresh) Run(context.Context) (refresh.Report, error) {
	return refresh.Report{Queued: []string{"golang"}}, nil
}

func (fakeRefresh) Plan(context.Context) (refresh.Report, error) {
	return refresh.Report{Queued: []string{"golang", "rust"}, DryRun: true}, nil
}

func newTestServer(t *testing.T, f *fakeSched, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(f, fakeRefresh{}, token, false, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientEnqueueStatusRetry(t *testing.T) {
	f := newFakeSched()
	srv := newTestServer(t, f, "")
	c := NewClient(srv.URL, "")
	ctx := context.Background()

	res, err := c.Enqueue(ctx, "golang", "alice", 8)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "job-golang", res.JobID)

	res, err = c.Enqueue(ctx, "golang", "bob", 5)
	assert.ErrorIs(t, err, scheduler.ErrAlreadyActive)
	assert.False(t, res.Accepted)
	assert.Equal(t, scheduler.ReasonAlreadyActive, res.Reason)

	v, err := c.Status(ctx, "golang")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, v.Status)
	assert.Equal(t, 8, v.Priority)

	_, err = c.Status(ctx, "missing")
	assert.ErrorIs(t, err, scheduler.ErrNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	rr, err := c.Retry(ctx, "golang")
	require.NoError(t, err)
	assert.False(t, rr.OK)
	assert.Equal(t, scheduler.ReasonNoFailedJob, rr.Reason)

	f.mu.Lock()
	f.failed["rust"] = true
	f.mu.Unlock()
	rr, err = c.Retry(ctx, "rust")
	require.NoError(t, err)
	assert.True(t, rr.OK)
	assert.Equal(t, 2, rr.AttemptNumber)

	rep, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.WorkersActive)

	ref, err := c.Refresh(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"golang"}, ref.Queued)

	ref, err = c.Refresh(ctx, true)
	require.NoError(t, err)
	assert.True(t, ref.DryRun)
	assert.Len(t, ref.Queued, 2)
}

func TestStatusWireNames(t *testing.T) {
	f := newFakeSched()
	f.failed["rust"] = true
	srv := newTestServer(t, f, "")

	resp, err := http.Get(srv.URL + "/v1/jobs?topic=rust")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	for _, k := range []string{"job_id", "status", "progress", "attempt_count", "max_attempts", "result_count"} {
		assert.Contains(t, body, k)
	}
	for _, k := range []string{"retry_count", "sources_processed", "max_retries"} {
		assert.NotContains(t, body, k)
	}
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "failed job carries an error object")
	assert.Equal(t, "network", errBody["kind"])
	assert.Equal(t, true, errBody["retryable"])
	assert.NotContains(t, errBody, "type")
}

func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t, newFakeSched(), "")
	c := NewClient(srv.URL, "")
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "  ", "", 5)
	assert.ErrorIs(t, err, scheduler.ErrInvalidTopic)

	_, err = c.Enqueue(ctx, "golang", "", 11)
	assert.ErrorIs(t, err, scheduler.ErrInvalidPriority)

	resp, err := http.Post(srv.URL+"/v1/jobs", "application/json", strings.NewReader(`{"topic":"x","extra":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDefaultPriority(t *testing.T) {
	f := newFakeSched()
	srv := newTestServer(t, f, "")

	resp, err := http.Post(srv.URL+"/v1/jobs", "application/json", strings.NewReader(`{"topic":"golang"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, job.DefaultPriority, f.priority["golang"])
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer(t, newFakeSched(), "s3cret")
	ctx := context.Background()

	_, err := NewClient(srv.URL, "wrong").Health(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	// Same length, different bytes; and a prefix of the real token.
	for _, tok := range []string{"s3creT", "s3c"} {
		_, err = NewClient(srv.URL, tok).Health(ctx)
		require.True(t, errors.As(err, &apiErr), tok)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status, tok)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing Bearer prefix")

	_, err = NewClient(srv.URL, "s3cret").Health(ctx)
	assert.NoError(t, err)

	// Liveness stays open.
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRefreshNotConfigured(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newFakeSched(), nil, "", false, logx.Nop()))
	defer srv.Close()
	_, err := NewClient(srv.URL, "").Refresh(context.Background(), false)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"}, NewRouter(newFakeSched(), nil, "", true, logx.Nop()), logx.Nop())
	require.NoError(t, s.Start(context.Background()))

	addr := s.Addr()
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}
