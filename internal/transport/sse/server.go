// Package sse is the observer-facing HTTP surface: server-sent event
// streams for topics plus a small admin API over the broker, processes and
// stacks.
package sse

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"stackcast/internal/process"
	"stackcast/internal/pubsub"
	rtsup "stackcast/internal/runtime/supervisor"
	"stackcast/internal/stacks"
	"stackcast/internal/storage"
	"stackcast/pkg/logx"

	"golang.org/x/time/rate"
)

const DefaultAddr = "127.0.0.1:5101"

// Config controls the HTTP server.
//
// Binding to a non-loopback address requires Token unless AllowInsecure is
// set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	ClientQueue   int
	Heartbeat     time.Duration
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

// Deps are the components the API exposes.
type Deps struct {
	Publisher *pubsub.Publisher
	Processes *process.Manager
	Stacks    *stacks.Directory
	// Runs is optional; without it /api/runs answers 404.
	Runs storage.Store
	// Supervisor and Monitor are optional and only used for /api/stats.
	Supervisor func() rtsup.Snapshot
	Monitor    func() MonitorState
}

// MonitorState reports the docker event stream.
type MonitorState struct {
	Enabled  bool `json:"enabled"`
	Running  bool `json:"running"`
	Attempts int  `json:"attempts"`
}

type Server struct {
	deps Deps

	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	addr     string

	drops *rate.Limiter
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:   cfg,
		deps:  deps,
		log:   log.With(logx.String("comp", "sse")),
		drops: newDropLimiter(),
	}
}

func (s *Server) newClient() *Client {
	return newClient(s.cfg.ClientQueue, s.log, s.drops)
}

// Addr returns the bound address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start launches the listener under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the server down gracefully, bounded by ctx. Open streams end
// when their request contexts are cancelled.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.stopDone, s.addr = nil, nil, nil, ""
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("refusing to serve: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errors.New("sse: insecure bind refused")
		}
		s.log.Warn("serving without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer ln.Close()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		IdleTimeout:       cur.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("sse: server exited unexpectedly")
	}
	return err
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// EventSource cannot set headers, so streams may pass ?token=.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && strings.TrimSpace(got) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
