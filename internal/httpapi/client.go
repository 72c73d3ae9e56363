package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"extractd/internal/health"
	"extractd/internal/job"
	"extractd/internal/refresh"
	"extractd/internal/scheduler"
)

// APIError is a non-2xx response the client could not map to a result.
type APIError struct {
	Status  int
	Code    string
	Message string

	// sentinel is the scheduler error the code maps to, if any.
	sentinel error
}

func (e *APIError) Unwrap() error { return e.sentinel }

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// Client talks to a running daemon.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(baseURL, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: token, http: &http.Client{Timeout: 30 * time.Second}}
}

// Enqueue returns ErrAlreadyActive (with the refusal result) on conflict.
func (c *Client) Enqueue(ctx context.Context, topic, requester string, priority int) (scheduler.EnqueueResult, error) {
	var res scheduler.EnqueueResult
	status, err := c.do(ctx, http.MethodPost, "/v1/jobs", EnqueueRequest{Topic: topic, Requester: requester, Priority: &priority}, &res, http.StatusConflict)
	if err != nil {
		return res, err
	}
	if status == http.StatusConflict {
		return res, scheduler.ErrAlreadyActive
	}
	return res, nil
}

func (c *Client) Status(ctx context.Context, topic string) (job.View, error) {
	var v job.View
	_, err := c.do(ctx, http.MethodGet, "/v1/jobs?topic="+url.QueryEscape(topic), nil, &v)
	return v, err
}

func (c *Client) Retry(ctx context.Context, topic string) (scheduler.RetryResult, error) {
	var res scheduler.RetryResult
	_, err := c.do(ctx, http.MethodPost, "/v1/jobs/retry", TopicRequest{Topic: topic}, &res, http.StatusConflict)
	return res, err
}

func (c *Client) Health(ctx context.Context) (health.Report, error) {
	var rep health.Report
	_, err := c.do(ctx, http.MethodGet, "/v1/health", nil, &rep)
	return rep, err
}

// Refresh runs a refresh pass; with dryRun it only reports the plan.
func (c *Client) Refresh(ctx context.Context, dryRun bool) (refresh.Report, error) {
	path := "/v1/refresh"
	if dryRun {
		path += "?dry_run=1"
	}
	var rep refresh.Report
	_, err := c.do(ctx, http.MethodPost, path, struct{}{}, &rep)
	return rep, err
}

// do sends the request and decodes 2xx (and any status in accept) into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any, accept ...int) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	ok := resp.StatusCode/100 == 2
	for _, s := range accept {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		return resp.StatusCode, decodeAPIError(resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func decodeAPIError(status int, raw []byte) error {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
		if eb.Error == "" {
			eb.Error = http.StatusText(status)
		}
	}
	apiErr := &APIError{Status: status, Code: eb.Code, Message: eb.Error}
	switch eb.Code {
	case "invalid_topic":
		apiErr.sentinel = scheduler.ErrInvalidTopic
	case "invalid_priority":
		apiErr.sentinel = scheduler.ErrInvalidPriority
	case "not_found":
		apiErr.sentinel = scheduler.ErrNotFound
	}
	return apiErr
}
