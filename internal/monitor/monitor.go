package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"stackcast/internal/clock"
	"stackcast/internal/eventbus"
	"stackcast/pkg/logx"
)

// ErrUnavailable is returned by a Source that cannot serve events at all.
// The monitor gives up without retrying.
var ErrUnavailable = errors.New("monitor: event source unavailable")

const (
	DefaultMaxAttempts = 10

	baseDelay = 2 * time.Second
	maxDelay  = 5 * time.Minute

	composeProjectLabel = "com.docker.compose.project"
	readBufferSize      = 32 << 10
)

// Source opens a newline-delimited JSON event stream.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Sink receives project keys. *Coordinator implements it.
type Sink interface {
	Schedule(key string)
	Close()
}

type Monitor struct {
	src         Source
	sink        Sink
	clock       clock.Clock
	bus         eventbus.Bus
	log         logx.Logger
	maxAttempts int

	mu        sync.Mutex
	ctx       context.Context
	stream    io.ReadCloser
	starting  bool
	attempts  int
	reconnect clock.Timer
	gen       uint64
}

type Option func(*Monitor)

func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = c } }
func WithBus(b eventbus.Bus) Option  { return func(m *Monitor) { m.bus = b } }
func WithLogger(l logx.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithMaxAttempts bounds consecutive reconnects. Values < 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(m *Monitor) {
		if n >= 1 {
			m.maxAttempts = n
		}
	}
}

func New(src Source, sink Sink, opts ...Option) *Monitor {
	m := &Monitor{src: src, sink: sink, maxAttempts: DefaultMaxAttempts}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.bus == nil {
		m.bus = eventbus.Nop()
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "monitor"))
	return m
}

// Start opens the stream. It returns true if a stream is (now) open and
// false while another start is in flight, when the source is unavailable,
// or when opening failed and a reconnect was scheduled.
func (m *Monitor) Start(ctx context.Context) bool {
	m.mu.Lock()
	if m.stream != nil {
		m.mu.Unlock()
		return true
	}
	if m.starting {
		m.mu.Unlock()
		return false
	}
	m.starting = true
	m.ctx = ctx
	gen := m.gen
	m.mu.Unlock()

	rc, err := m.src.Open(ctx)

	m.mu.Lock()
	m.starting = false
	if m.gen != gen {
		// Closed while opening.
		m.mu.Unlock()
		if rc != nil {
			rc.Close()
		}
		return false
	}
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			m.mu.Unlock()
			m.log.Warn("event monitoring disabled, API not available", logx.Err(err))
			return false
		}
		m.log.Error("failed to start event monitor", logx.Err(err))
		m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		return false
	}
	m.stream = rc
	m.mu.Unlock()

	go m.read(rc)
	m.log.Info("event monitor started")
	return true
}

func (m *Monitor) read(rc io.ReadCloser) {
	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()

			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				m.handleLine(pending[:i])
				pending = pending[i+1:]
			}
			pending = append([]byte(nil), pending...)
		}
		if err != nil {
			m.streamEnded(rc, err)
			return
		}
	}
}

type dockerEvent struct {
	Type  string `json:"Type"`
	Actor struct {
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
}

func (m *Monitor) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var ev dockerEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.Type != "container" {
		return
	}
	if project := ev.Actor.Attributes[composeProjectLabel]; project != "" {
		m.sink.Schedule(project)
	}
}

// streamEnded reconnects unless rc was closed on purpose or replaced.
func (m *Monitor) streamEnded(rc io.ReadCloser, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != rc {
		m.log.Debug("event stream closed")
		return
	}
	if errors.Is(err, io.EOF) {
		m.log.Warn("event stream ended unexpectedly")
	} else {
		m.log.Error("event stream error", logx.Err(err))
	}
	m.scheduleReconnectLocked(err)
}

func (m *Monitor) scheduleReconnectLocked(cause error) {
	if m.reconnect != nil {
		return
	}
	if m.stream != nil {
		rc := m.stream
		m.stream = nil
		_ = rc.Close()
	}
	if m.ctx != nil && m.ctx.Err() != nil {
		return
	}
	if m.attempts >= m.maxAttempts {
		m.log.Error("max reconnect attempts reached, event monitoring disabled", logx.Int("attempts", m.attempts))
		m.log.Info("stack status will still be updated via periodic polling")
		d := eventbus.MonitorDegraded{Attempts: m.attempts}
		if cause != nil {
			d.LastErr = cause.Error()
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorDegraded, Data: d})
		return
	}

	m.attempts++
	delay := backoffDelay(m.attempts)
	m.log.Info("reconnecting to event stream",
		logx.Duration("in", delay),
		logx.Int("attempt", m.attempts),
		logx.Int("max", m.maxAttempts),
	)
	gen := m.gen
	m.reconnect = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.reconnect = nil
		ctx := m.ctx
		m.mu.Unlock()
		m.Start(ctx)
	})
}

// backoffDelay returns the wait before reconnect attempt n (1-based).
func backoffDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := baseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Attempts returns the current consecutive reconnect count.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Running reports whether a stream is open.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Close stops the stream, any pending reconnect and any pending sync. It
// is safe to call more than once; Start may be called again afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.gen++
	rc := m.stream
	m.stream = nil
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.attempts = 0
	m.mu.Unlock()

	if rc != nil {
		_ = rc.Close()
	}
	m.sink.Close()
}
