package sse

import (
	"sync"
	"sync/atomic"

	"stackcast/internal/pubsub"
	"stackcast/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Client is one SSE connection. It implements pubsub.Subscriber.
//
// Emit only enqueues. When the queue is full the client marks itself
// disconnected and signals the connection handler, which tears the stream
// down and runs the disconnect hooks from its own goroutine.
type Client struct {
	id    string
	log   logx.Logger
	warns *rate.Limiter

	queue     chan pubsub.Message
	overflow  chan struct{}
	connected atomic.Bool

	overflowOnce sync.Once
	closeOnce    sync.Once
	mu           sync.Mutex
	hooks        []func()
}

// newDropLimiter bounds "observer too slow" warnings. One is shared by all
// clients of a Server so a burst of slow observers does not flood the log.
func newDropLimiter() *rate.Limiter { return rate.NewLimiter(rate.Limit(1), 3) }

// newClient creates a subscriber with a queue of queueSize messages. warns
// may be nil, in which case every drop is logged.
func newClient(queueSize int, log logx.Logger, warns *rate.Limiter) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	c := &Client{
		id:       uuid.NewString(),
		warns:    warns,
		queue:    make(chan pubsub.Message, queueSize),
		overflow: make(chan struct{}),
	}
	c.log = log.With(logx.String("client", c.id))
	c.connected.Store(true)
	return c
}

func (c *Client) ID() string      { return c.id }
func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Client) Emit(m pubsub.Message) {
	if !c.connected.Load() {
		return
	}
	select {
	case c.queue <- m:
	default:
		c.connected.Store(false)
		c.overflowOnce.Do(func() { close(c.overflow) })
		if c.warns == nil || c.warns.Allow() {
			c.log.Warn("observer too slow, dropping connection", logx.String("topic", m.Topic), logx.Int("queued", len(c.queue)))
		}
	}
}

// Disconnect marks the client gone and runs the hooks once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}
