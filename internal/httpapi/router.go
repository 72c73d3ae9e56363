// Package httpapi serves the scheduler's control API over HTTP and provides
// the matching client used by the CLI.
//
// Routes (JSON in and out):
//
//	POST /v1/jobs          enqueue {topic, requester, priority}
//	GET  /v1/jobs?topic=   latest job status for topic
//	POST /v1/jobs/retry    manual retry {topic}
//	GET  /v1/health        scheduler health report
//	POST /v1/refresh       run a refresh pass now (?dry_run=1 only plans)
//	GET  /healthz          liveness, never authenticated
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"extractd/internal/health"
	"extractd/internal/job"
	"extractd/internal/refresh"
	"extractd/internal/scheduler"
	logx "extractd/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBody = 64 << 10

// Scheduler is the surface the API drives.
type Scheduler interface {
	Enqueue(ctx context.Context, topic, requester string, priority int) (scheduler.EnqueueResult, error)
	Status(ctx context.Context, topic string) (job.View, error)
	Retry(ctx context.Context, topic string) (scheduler.RetryResult, error)
	Health(ctx context.Context) (health.Report, error)
}

// Refresher runs an on-demand refresh; optional.
type Refresher interface {
	Run(ctx context.Context) (refresh.Report, error)
	Plan(ctx context.Context) (refresh.Report, error)
}

type EnqueueRequest struct {
	Topic     string `json:"topic"`
	Requester string `json:"requester,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
}

type TopicRequest struct {
	Topic string `json:"topic"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type handlers struct {
	sched   Scheduler
	refresh Refresher
	log     logx.Logger
}

// NewRouter builds the API handler. An empty token disables auth.
func NewRouter(sched Scheduler, ref Refresher, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{sched: sched, refresh: ref, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBody))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Route("/v1", func(r chi.Router) {
			r.Post("/jobs", h.enqueue)
			r.Get("/jobs", h.status)
			r.Post("/jobs/retry", h.retry)
			r.Get("/health", h.health)
			r.Post("/refresh", h.runRefresh)
		})
		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	priority := job.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	res, err := h.sched.Enqueue(r.Context(), req.Topic, req.Requester, priority)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyActive):
		writeJSON(w, http.StatusConflict, res)
	case err != nil:
		h.writeErr(w, err)
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	v, err := h.sched.Status(r.Context(), r.URL.Query().Get("topic"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	var req TopicRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.sched.Retry(r.Context(), req.Topic)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	code := http.StatusOK
	if !res.OK {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	rep, err := h.sched.Health(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) runRefresh(w http.ResponseWriter, r *http.Request) {
	if h.refresh == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "refresh is not configured", Code: "refresh_disabled"})
		return
	}
	run := h.refresh.Run
	if dry, _ := strconv.ParseBool(r.URL.Query().Get("dry_run")); dry {
		run = h.refresh.Plan
	}
	rep, err := run(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalidTopic):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_topic"})
	case errors.Is(err, scheduler.ErrInvalidPriority):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_priority"})
	case errors.Is(err, scheduler.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no job for topic", Code: "not_found"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Code: "canceled"})
	default:
		h.log.Error("api request failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body required"
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(tok) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			got := []byte(strings.TrimSpace(strings.TrimPrefix(ah, p)))
			if strings.HasPrefix(ah, p) && subtle.ConstantTimeCompare(got, tok) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("dur", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
