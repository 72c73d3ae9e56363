package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	rtsup "extractd/internal/runtime/supervisor"
	logx "extractd/pkg/logx"
)

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server runs the API under a supervisor so a crashed listener restarts.
type Server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(cfg Config, handler http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, handler: handler, log: log.With(logx.String("comp", "http"))}
}

// Start binds the listener synchronously so bind errors surface to the
// caller, then serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.ln = ln
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	first := ln
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var err error
			if l, err = net.Listen("tcp", s.addr); err != nil {
				return err
			}
			s.mu.Lock()
			s.ln = l
			s.mu.Unlock()
		}
		return s.serve(c, l)
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("http api listening", logx.String("addr", s.addr))
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Addr is the bound address, useful with ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop drains in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv, ln := s.sup, s.srv, s.ln
	s.sup, s.srv, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// Covers a listener the serve loop never reached.
	_ = ln.Close()
	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
		s.log.Warn("http serve loop ended with error", logx.Err(werr))
	}
	s.log.Info("http api stopped")
	return err
}
