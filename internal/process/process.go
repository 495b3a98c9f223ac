package process

import (
	"errors"
	"os"
	"sync"
	"time"

	"stackcast/internal/clock"
	"stackcast/internal/eventbus"
	"stackcast/internal/pubsub"
	"stackcast/pkg/logx"
)

var (
	ErrBusy           = errors.New("another operation is already running, please try again later")
	ErrNotInteractive = errors.New("process: not interactive")
	ErrNotRunning     = errors.New("process: not running")
)

// interruptInput is Ctrl+C as typed on a terminal.
var interruptInput = []byte{0x03}

// Spec describes a named command. Zero Rows/Cols use the manager defaults.
type Spec struct {
	Name string
	File string
	Args []string
	Dir  string
	Env  []string
	Rows int
	Cols int

	// KeepAlive closes the process once no observer has been connected for
	// a full keep-alive interval.
	KeepAlive bool
	// Interactive allows Write.
	Interactive bool
}

// Topic returns the pubsub topic a process publishes on.
func Topic(name string) string { return "terminal:" + name }

// ExitPayload is the data of a terminalExit event.
type ExitPayload struct {
	Name      string `json:"name"`
	ExitCode  int    `json:"exitCode"`
	Timestamp int64  `json:"timestamp"`
}

// Info is a snapshot of one process.
type Info struct {
	Name        string `json:"name"`
	Active      bool   `json:"isActive"`
	Subscribers int    `json:"subscriberCount"`
	Rows        int    `json:"rows"`
	Cols        int    `json:"cols"`
	KeepAlive   bool   `json:"enableKeepAlive"`
	Interactive bool   `json:"interactive"`
	Running     bool   `json:"running"`
}

type Process struct {
	m     *Manager
	spec  Spec
	topic string
	log   logx.Logger

	mu           sync.Mutex
	ring         *ring
	handle       Handle
	started      bool
	exited       bool
	startedAt    time.Time
	rows, cols   int
	onExit       func(code int)
	streamActive bool

	// One handle per periodic check; gen invalidates stale callbacks.
	keepAlive   clock.Timer
	streamCheck clock.Timer
	gen         uint64
}

func (p *Process) Name() string  { return p.spec.Name }
func (p *Process) Topic() string { return p.topic }

// Start spawns the command. Calling it on a started process does nothing.
// A spawn failure is reported through the normal exit path.
func (p *Process) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.startedAt = p.m.clock.Now()
	p.gen++
	p.armStreamCheckLocked(p.gen)
	if p.spec.KeepAlive {
		p.armKeepAliveLocked(p.gen)
		p.log.Debug("keep-alive enabled")
	}
	opts := SpawnOptions{
		Name:   p.spec.Name,
		File:   p.spec.File,
		Args:   append([]string(nil), p.spec.Args...),
		Dir:    p.spec.Dir,
		Env:    p.spec.Env,
		Cols:   p.cols,
		Rows:   p.rows,
		OnData: p.handleData,
		OnExit: p.handleExit,
	}
	p.mu.Unlock()

	h, err := p.m.runner.Spawn(opts)
	if err != nil {
		p.log.Error("failed to start process", logx.Err(err), logx.String("file", p.spec.File))
		p.handleExit(spawnExitCode(err))
		return
	}

	p.mu.Lock()
	if !p.exited {
		p.handle = h
	}
	p.mu.Unlock()

	p.m.bus.Publish(eventbus.Event{Type: eventbus.TypeProcessStarted, Data: eventbus.ProcessStarted{
		Name:      p.spec.Name,
		File:      p.spec.File,
		Args:      opts.Args,
		StartedAt: p.startedAt,
	}})
	p.log.Debug("process started")
}

func spawnExitCode(err error) int {
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// handleData retains the chunk and forwards it only when someone is
// connected. Retain and publish happen under one lock so Attach sees a
// consistent cut of the stream.
func (p *Process) handleData(chunk []byte) {
	s := string(chunk)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.push(s)
	if p.m.pub.ActiveSubscriberCount(p.topic) > 0 {
		p.m.pub.Publish(p.topic, pubsub.Event{Kind: pubsub.KindTerminalWrite, Source: p.spec.Name, Data: s})
	}
}

func (p *Process) handleExit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.handle = nil
	p.stopTimersLocked()
	cb := p.onExit
	p.onExit = nil
	tail := p.ring.join()
	startedAt := p.startedAt
	p.mu.Unlock()

	now := p.m.clock.Now()
	p.m.pub.Publish(p.topic, pubsub.Event{
		Kind:   pubsub.KindTerminalExit,
		Source: p.spec.Name,
		Data:   ExitPayload{Name: p.spec.Name, ExitCode: code, Timestamp: now.UnixMilli()},
	})
	p.m.forget(p)
	p.log.Debug("process exited", logx.Int("code", code))

	p.m.bus.Publish(eventbus.Event{Type: eventbus.TypeProcessExited, Time: now, Data: eventbus.ProcessExited{
		Name:      p.spec.Name,
		File:      p.spec.File,
		Args:      append([]string(nil), p.spec.Args...),
		ExitCode:  code,
		StartedAt: startedAt,
		EndedAt:   now,
		Tail:      tail,
	}})

	if cb != nil {
		cb(code)
	}
}

// OnExit sets the one-shot exit callback, replacing any previous one.
func (p *Process) OnExit(fn func(code int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

func (p *Process) Subscribe(sub pubsub.Subscriber) error {
	if err := p.m.pub.Subscribe(p.topic, sub); err != nil {
		return err
	}
	p.log.Debug("subscribed", logx.String("sub", sub.ID()))
	return nil
}

func (p *Process) Unsubscribe(sub pubsub.Subscriber) {
	p.m.pub.Unsubscribe(p.topic, sub)
	p.log.Debug("unsubscribed", logx.String("sub", sub.ID()))
}

// Attach returns the replay buffer and subscribes sub in one step. Output
// produced after the returned buffer is delivered to sub; nothing is
// duplicated or skipped at the boundary.
func (p *Process) Attach(sub pubsub.Subscriber) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.ring.join()
	if err := p.m.pub.Subscribe(p.topic, sub); err != nil {
		return "", err
	}
	return buf, nil
}

// Buffer returns the retained output chunks joined in arrival order.
func (p *Process) Buffer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.join()
}

// Close asks the command to stop the way a user at the terminal would and
// cancels the periodic checks. The process is removed from the registry
// when it actually exits.
func (p *Process) Close() {
	p.mu.Lock()
	p.stopTimersLocked()
	h := p.handle
	p.mu.Unlock()
	if h == nil {
		return
	}
	if _, err := h.Write(interruptInput); err != nil {
		p.log.Debug("interrupt write failed, signalling", logx.Err(err))
		if err := h.Signal(os.Interrupt); err != nil {
			p.log.Warn("failed to interrupt process", logx.Err(err))
		}
	}
}

// Write sends input to an interactive process.
func (p *Process) Write(input string) error {
	if !p.spec.Interactive {
		return ErrNotInteractive
	}
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	if h == nil {
		return ErrNotRunning
	}
	_, err := h.Write([]byte(input))
	return err
}

// Resize records the new size and applies it if running. Resize failures
// are logged only.
func (p *Process) Resize(cols, rows int) {
	p.mu.Lock()
	if cols > 0 {
		p.cols = cols
	}
	if rows > 0 {
		p.rows = rows
	}
	h, c, r := p.handle, p.cols, p.rows
	p.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Resize(c, r); err != nil {
		p.log.Debug("resize failed", logx.Err(err))
	}
}

func (p *Process) SubscriberCount() int { return p.m.pub.SubscriberCount(p.topic) }

// Info returns a snapshot for stats.
func (p *Process) Info() Info {
	subs := p.SubscriberCount()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		Name:        p.spec.Name,
		Active:      p.streamActive,
		Subscribers: subs,
		Rows:        p.rows,
		Cols:        p.cols,
		KeepAlive:   p.spec.KeepAlive,
		Interactive: p.spec.Interactive,
		Running:     p.started && !p.exited,
	}
}

// ---- periodic checks ----

func (p *Process) armKeepAliveLocked(gen uint64) {
	p.keepAlive = p.m.clock.AfterFunc(p.m.cfg.KeepAliveInterval, func() { p.keepAliveTick(gen) })
}

func (p *Process) armStreamCheckLocked(gen uint64) {
	p.streamCheck = p.m.clock.AfterFunc(p.m.cfg.StreamCheckInterval, func() { p.streamCheckTick(gen) })
}

func (p *Process) keepAliveTick(gen uint64) {
	if !p.current(gen) {
		return
	}
	n := p.m.pub.ActiveSubscriberCount(p.topic)
	if n == 0 {
		p.log.Debug("no active subscribers, closing")
		p.Close()
		return
	}
	p.log.Debug("keep-alive", logx.Int("subscribers", n))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen && !p.exited && p.keepAlive != nil {
		p.armKeepAliveLocked(gen)
	}
}

// streamCheckTick only tracks whether output is currently flowing to
// anyone; publishing is gated inline in handleData.
func (p *Process) streamCheckTick(gen uint64) {
	if !p.current(gen) {
		return
	}
	active := p.m.pub.ActiveSubscriberCount(p.topic) > 0

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.exited || p.streamCheck == nil {
		return
	}
	if active != p.streamActive {
		p.streamActive = active
		if active {
			p.log.Debug("data stream activated")
		} else {
			p.log.Debug("data stream deactivated")
		}
	}
	p.armStreamCheckLocked(gen)
}

func (p *Process) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen && !p.exited
}

func (p *Process) stopTimersLocked() {
	if p.keepAlive != nil {
		p.keepAlive.Stop()
		p.keepAlive = nil
	}
	if p.streamCheck != nil {
		p.streamCheck.Stop()
		p.streamCheck = nil
	}
	p.gen++
}
