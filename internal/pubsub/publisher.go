package pubsub

import (
	"fmt"
	"strings"
	"sync"

	"stackcast/internal/clock"
	"stackcast/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Publisher routes events to topic subscribers. A single instance is built
// by the app and injected into every producer.
type Publisher struct {
	log   logx.Logger
	clock clock.Clock

	mu     sync.Mutex
	cfg    BatchConfig
	topics map[string]*topicState
	subs   map[string]*subEntry
	sweep  *cron.Cron
}

// topicState exists exactly while the topic has at least one member.
type topicState struct {
	name    string
	members []string
	buf     []batchEntry

	timer    clock.Timer
	timerGen uint64
}

type subEntry struct {
	sub    Subscriber
	topics int
}

type batchEntry struct {
	ev Event
	at int64
}

// New returns a Publisher. Zero fields in cfg are filled from
// DefaultBatchConfig except Enabled, which is taken as given.
func New(cfg BatchConfig, log logx.Logger, clk clock.Clock) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = DefaultBatchConfig.MaxBatchSize
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = DefaultBatchConfig.BatchTimeout
	}
	return &Publisher{
		log:    log.With(logx.String("comp", "pubsub")),
		clock:  clk,
		cfg:    cfg,
		topics: make(map[string]*topicState),
		subs:   make(map[string]*subEntry),
	}
}

// Subscribe adds sub to topic. The disconnect hook is registered the first
// time the publisher sees a subscriber ID.
func (p *Publisher) Subscribe(topic string, sub Subscriber) error {
	if strings.TrimSpace(topic) == "" || sub == nil {
		return ErrInvalidTopic
	}
	id := sub.ID()

	p.mu.Lock()
	t := p.topics[topic]
	if t == nil {
		t = &topicState{name: topic}
		p.topics[topic] = t
	}
	if t.has(id) {
		p.mu.Unlock()
		return nil
	}
	t.members = append(t.members, id)

	e := p.subs[id]
	fresh := e == nil
	if fresh {
		e = &subEntry{sub: sub}
		p.subs[id] = e
	}
	e.topics++
	p.mu.Unlock()

	if fresh {
		sub.OnDisconnect(func() { p.dropSubscriber(id) })
	}
	p.log.Debug("subscribed", logx.String("topic", topic), logx.String("sub", id))
	return nil
}

// Unsubscribe removes sub from topic. Unknown pairs are ignored.
func (p *Publisher) Unsubscribe(topic string, sub Subscriber) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveLocked(topic, sub.ID())
}

// Publish routes ev to topic. With zero subscribers nothing is buffered and
// no timer is armed.
func (p *Publisher) Publish(topic string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.topics[topic]
	if t == nil || len(t.members) == 0 {
		return
	}
	now := p.clock.Now().UnixMilli()
	if p.cfg.Enabled && ev.Kind.Batchable() {
		p.enqueueLocked(t, batchEntry{ev: ev, at: now})
		return
	}

	data := ev.Data
	if ev.Kind == KindTerminalWrite {
		data = WriteEntry{Source: ev.Source, Data: asString(ev.Data), Timestamp: now}
	}
	p.sendLocked(t, Message{Topic: topic, Event: string(ev.Kind), Data: data})
}

// sendLocked emits msgs to every connected member of t and prunes the rest.
func (p *Publisher) sendLocked(t *topicState, msgs ...Message) {
	var dead []string
	for _, id := range t.members {
		e := p.subs[id]
		if e == nil || !e.sub.Connected() {
			dead = append(dead, id)
			continue
		}
		for _, m := range msgs {
			e.sub.Emit(m)
		}
	}
	for _, id := range dead {
		p.log.Debug("pruning disconnected subscriber", logx.String("topic", t.name), logx.String("sub", id))
		p.dropLocked(id)
	}
}

func (p *Publisher) dropSubscriber(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked(id)
}

// dropLocked removes id from every topic and forgets it.
func (p *Publisher) dropLocked(id string) {
	if _, ok := p.subs[id]; !ok {
		return
	}
	for name, t := range p.topics {
		if t.has(id) {
			p.leaveLocked(name, id)
		}
	}
	delete(p.subs, id)
}

func (p *Publisher) leaveLocked(topic, id string) {
	t := p.topics[topic]
	if t == nil || !t.remove(id) {
		return
	}
	if e := p.subs[id]; e != nil {
		e.topics--
		if e.topics <= 0 {
			delete(p.subs, id)
		}
	}
	if len(t.members) == 0 {
		p.resetBatchLocked(t)
		delete(p.topics, topic)
	}
}

// SubscriberCount returns the number of members of topic, connected or not.
func (p *Publisher) SubscriberCount(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.topics[topic]; t != nil {
		return len(t.members)
	}
	return 0
}

// ActiveSubscriberCount returns the number of connected members of topic.
func (p *Publisher) ActiveSubscriberCount(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked(p.topics[topic])
}

func (p *Publisher) HasActiveSubscribers(topic string) bool {
	return p.ActiveSubscriberCount(topic) > 0
}

func (p *Publisher) activeLocked(t *topicState) int {
	if t == nil {
		return 0
	}
	n := 0
	for _, id := range t.members {
		if e := p.subs[id]; e != nil && e.sub.Connected() {
			n++
		}
	}
	return n
}

func (t *topicState) has(id string) bool {
	for _, m := range t.members {
		if m == id {
			return true
		}
	}
	return false
}

func (t *topicState) remove(id string) bool {
	for i, m := range t.members {
		if m == id {
			t.members = append(t.members[:i], t.members[i+1:]...)
			return true
		}
	}
	return false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
