package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"stackcast/internal/clock"
	"stackcast/pkg/logx"
)

// DefaultDebounce is the window that collapses bursts of events.
const DefaultDebounce = time.Second

// Entity is something whose status can be re-read.
type Entity interface {
	// Refresh re-reads the status and reports whether it changed.
	Refresh(ctx context.Context) (bool, error)
}

// Directory resolves keys to entities and pushes the full list out.
type Directory interface {
	Lookup(key string) (Entity, bool)
	Broadcast(ctx context.Context) error
}

// Reloader is an optional Directory extension. A key that is not known is
// retried after one full reload per flush, so projects started outside the
// managed root are not dropped until the next poll.
type Reloader interface {
	Reload(ctx context.Context) (bool, error)
}

// Coordinator collects keys and syncs them in one batch per window. At most
// one flush runs at a time; keys arriving during a flush are picked up by a
// follow-up window.
type Coordinator struct {
	ctx    context.Context
	dir    Directory
	clock  clock.Clock
	log    logx.Logger
	window time.Duration

	mu       sync.Mutex
	pending  map[string]struct{}
	timer    clock.Timer
	gen      uint64
	inFlight bool
}

func NewCoordinator(ctx context.Context, dir Directory, clk clock.Clock, log logx.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		ctx:     ctx,
		dir:     dir,
		clock:   clk,
		log:     log.With(logx.String("comp", "sync")),
		window:  DefaultDebounce,
		pending: make(map[string]struct{}),
	}
}

// SetWindow changes the debounce window for windows armed after the call.
// Non-positive values are ignored.
func (c *Coordinator) SetWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.window = d
	c.mu.Unlock()
}

// Schedule marks key for the next sync.
func (c *Coordinator) Schedule(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = struct{}{}
	if c.timer == nil {
		c.armLocked()
	}
}

func (c *Coordinator) armLocked() {
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.window, func() { c.fire(gen) })
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.flush(c.ctx)
}

func (c *Coordinator) flush(ctx context.Context) {
	c.mu.Lock()
	if c.inFlight {
		if c.timer == nil {
			c.armLocked()
		}
		c.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	clear(c.pending)
	if len(keys) == 0 {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	sort.Strings(keys)
	changed := false
	reloaded := false
	for _, k := range keys {
		e, ok := c.dir.Lookup(k)
		if !ok && !reloaded {
			if r, can := c.dir.(Reloader); can {
				reloaded = true
				ch, err := r.Reload(ctx)
				if err != nil {
					c.log.Warn("directory reload failed", logx.String("stack", k), logx.Err(err))
				}
				changed = changed || ch
				e, ok = c.dir.Lookup(k)
			}
		}
		if !ok {
			continue
		}
		ch, err := e.Refresh(ctx)
		if err != nil {
			c.log.Warn("status sync failed", logx.String("stack", k), logx.Err(err))
			continue
		}
		changed = changed || ch
	}
	if !changed {
		return
	}
	c.log.Debug("stack status changed, broadcasting", logx.Int("keys", len(keys)))
	if err := c.dir.Broadcast(ctx); err != nil {
		c.log.Warn("broadcast failed", logx.Err(err))
	}
}

// Pending returns the number of keys waiting for the next window.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close drops pending keys and the window timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.pending)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
