package process

import (
	"context"
	"sort"
	"sync"
	"time"

	"stackcast/internal/clock"
	"stackcast/internal/eventbus"
	"stackcast/internal/pubsub"
	"stackcast/pkg/logx"
)

// Publisher is the subset of *pubsub.Publisher a process needs.
type Publisher interface {
	Subscribe(topic string, sub pubsub.Subscriber) error
	Unsubscribe(topic string, sub pubsub.Subscriber)
	Publish(topic string, ev pubsub.Event)
	SubscriberCount(topic string) int
	ActiveSubscriberCount(topic string) int
}

type Config struct {
	BufferChunks        int
	KeepAliveInterval   time.Duration
	StreamCheckInterval time.Duration
	Rows                int
	Cols                int
	// ProgressRows is the height used for Exec operations.
	ProgressRows int
}

var DefaultConfig = Config{
	BufferChunks:        100,
	KeepAliveInterval:   60 * time.Second,
	StreamCheckInterval: 5 * time.Second,
	Rows:                10,
	Cols:                105,
	ProgressRows:        8,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.BufferChunks <= 0 {
		c.BufferChunks = d.BufferChunks
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.StreamCheckInterval <= 0 {
		c.StreamCheckInterval = d.StreamCheckInterval
	}
	if c.Rows <= 0 {
		c.Rows = d.Rows
	}
	if c.Cols <= 0 {
		c.Cols = d.Cols
	}
	if c.ProgressRows <= 0 {
		c.ProgressRows = d.ProgressRows
	}
	return c
}

// Manager is the process registry.
type Manager struct {
	cfg    Config
	pub    Publisher
	runner Runner
	clock  clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	mu    sync.Mutex
	procs map[string]*Process
}

type ManagerOption func(*Manager)

func WithClock(c clock.Clock) ManagerOption { return func(m *Manager) { m.clock = c } }
func WithBus(b eventbus.Bus) ManagerOption  { return func(m *Manager) { m.bus = b } }
func WithLogger(l logx.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

func NewManager(cfg Config, pub Publisher, runner Runner, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		pub:    pub,
		runner: runner,
		procs:  make(map[string]*Process),
	}
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
	m.log = m.log.With(logx.String("comp", "process"))
	return m
}

func (m *Manager) newLocked(spec Spec) *Process {
	rows, cols := spec.Rows, spec.Cols
	if rows <= 0 {
		rows = m.cfg.Rows
	}
	if cols <= 0 {
		cols = m.cfg.Cols
	}
	p := &Process{
		m:     m,
		spec:  spec,
		topic: Topic(spec.Name),
		log:   m.log.With(logx.String("process", spec.Name)),
		ring:  newRing(m.cfg.BufferChunks),
		rows:  rows,
		cols:  cols,
	}
	m.procs[spec.Name] = p
	return p
}

// GetOrCreate returns the registered process for spec.Name or registers a
// new, unstarted one.
func (m *Manager) GetOrCreate(spec Spec) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.procs[spec.Name]; p != nil {
		return p
	}
	return m.newLocked(spec)
}

func (m *Manager) Get(name string) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[name]
	return p, ok
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// forget removes p if it is still the registered process for its name.
func (m *Manager) forget(p *Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.procs[p.spec.Name] == p {
		delete(m.procs, p.spec.Name)
	}
}

// ExecSpec is a one-shot operation. Rows default to the progress height.
type ExecSpec struct {
	Name string
	File string
	Args []string
	Dir  string
	Env  []string
	Rows int
}

// Exec starts a one-shot operation and returns a channel that receives its
// exit code. It fails with ErrBusy while a process with the same name is
// registered. sub, if non-nil, is subscribed before the command starts.
func (m *Manager) Exec(spec ExecSpec, sub pubsub.Subscriber) (<-chan int, error) {
	rows := spec.Rows
	if rows <= 0 {
		rows = m.cfg.ProgressRows
	}
	m.mu.Lock()
	if _, busy := m.procs[spec.Name]; busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	p := m.newLocked(Spec{
		Name: spec.Name,
		File: spec.File,
		Args: spec.Args,
		Dir:  spec.Dir,
		Env:  spec.Env,
		Rows: rows,
	})
	m.mu.Unlock()

	if sub != nil {
		if err := p.Subscribe(sub); err != nil {
			m.forget(p)
			return nil, err
		}
	}
	done := make(chan int, 1)
	p.OnExit(func(code int) { done <- code })
	p.Start()
	return done, nil
}

// Run is Exec that waits for the exit code. Cancelling ctx interrupts the
// process and keeps waiting for it to exit.
func (m *Manager) Run(ctx context.Context, spec ExecSpec, sub pubsub.Subscriber) (int, error) {
	done, err := m.Exec(spec, sub)
	if err != nil {
		return 0, err
	}
	select {
	case code := <-done:
		return code, nil
	case <-ctx.Done():
	}
	if p, ok := m.Get(spec.Name); ok {
		p.Close()
	}
	return <-done, ctx.Err()
}

// Stats summarizes all registered processes.
type Stats struct {
	Total     int    `json:"totalTerminals"`
	Active    int    `json:"activeTerminals"`
	Processes []Info `json:"terminals"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	st := Stats{Total: len(procs), Processes: make([]Info, 0, len(procs))}
	for _, p := range procs {
		info := p.Info()
		if info.Active {
			st.Active++
		}
		st.Processes = append(st.Processes, info)
	}
	sort.Slice(st.Processes, func(i, j int) bool { return st.Processes[i].Name < st.Processes[j].Name })
	return st
}

// CloseAll interrupts every registered process and returns how many were
// asked to stop.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	for _, p := range procs {
		p.Close()
	}
	if len(procs) > 0 {
		m.log.Info("interrupted processes", logx.Int("count", len(procs)))
	}
	return len(procs)
}
