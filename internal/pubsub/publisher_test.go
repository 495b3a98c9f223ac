package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"stackcast/internal/clock"
	"stackcast/pkg/logx"
)

type fakeSub struct {
	id string

	mu        sync.Mutex
	connected bool
	hooks     []func()
	got       []Message
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id, connected: true} }

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSub) OnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *fakeSub) Emit(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
}

// drop marks the subscriber gone without running hooks.
func (s *fakeSub) drop() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *fakeSub) disconnect() {
	s.mu.Lock()
	s.connected = false
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *fakeSub) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.got...)
}

func newTestPublisher(t *testing.T, cfg BatchConfig) (*Publisher, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1700000000, 0))
	return New(cfg, logx.Nop(), clk), clk
}

func writeEv(data string) Event {
	return Event{Kind: KindTerminalWrite, Source: "p", Data: data}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	p, clk := newTestPublisher(t, DefaultBatchConfig)

	for i := 0; i < 10; i++ {
		p.Publish("terminal:p", writeEv("x"))
		p.Publish("terminal:p", Event{Kind: KindTerminalExit, Data: 0})
	}
	if clk.Pending() != 0 {
		t.Fatalf("timers armed: %d", clk.Pending())
	}
	st := p.Stats()
	if st.TotalTopics != 0 || st.BatchBufferSize != 0 || st.ActiveBatchTimers != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	p, _ := newTestPublisher(t, DefaultBatchConfig)
	if err := p.Subscribe("", newFakeSub("a")); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("empty topic: %v", err)
	}
	if err := p.Subscribe("t", nil); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("nil sub: %v", err)
	}
}

func TestSubscribeRegistersDisconnectHookOnce(t *testing.T) {
	p, _ := newTestPublisher(t, DefaultBatchConfig)
	s := newFakeSub("a")
	_ = p.Subscribe("t1", s)
	_ = p.Subscribe("t2", s)
	_ = p.Subscribe("t1", s)
	if len(s.hooks) != 1 {
		t.Fatalf("hooks=%d want 1", len(s.hooks))
	}
	if p.SubscriberCount("t1") != 1 {
		t.Fatalf("duplicate membership")
	}

	s.disconnect()
	if len(p.Topics()) != 0 {
		t.Fatalf("topics after disconnect: %v", p.Topics())
	}
	if len(p.subs) != 0 {
		t.Fatalf("subscriber not forgotten")
	}
}

func TestUnsubscribeLastMemberReleasesBatchState(t *testing.T) {
	p, clk := newTestPublisher(t, DefaultBatchConfig)
	s := newFakeSub("a")
	_ = p.Subscribe("terminal:p", s)

	p.Publish("terminal:p", writeEv("hello"))
	if clk.Pending() != 1 {
		t.Fatalf("expected armed timer, got %d", clk.Pending())
	}

	p.Unsubscribe("terminal:p", s)
	p.Unsubscribe("terminal:p", s)
	if clk.Pending() != 0 {
		t.Fatalf("timer left behind: %d", clk.Pending())
	}
	st := p.Stats()
	if st.TotalTopics != 0 || st.BatchBufferSize != 0 {
		t.Fatalf("batch state left behind: %+v", st)
	}

	clk.Advance(time.Second)
	if n := len(s.messages()); n != 0 {
		t.Fatalf("delivered after unsubscribe: %d", n)
	}
}

func TestBatchFlushesOnSizeAndTimeout(t *testing.T) {
	p, clk := newTestPublisher(t, BatchConfig{MaxBatchSize: 50, BatchTimeout: 100 * time.Millisecond, Enabled: true})
	s := newFakeSub("a")
	_ = p.Subscribe("terminal:p", s)

	for i := 0; i < 120; i++ {
		p.Publish("terminal:p", writeEv(fmt.Sprint(i)))
	}
	if got := len(s.messages()); got != 2 {
		t.Fatalf("size flushes=%d want 2", got)
	}

	clk.Advance(100 * time.Millisecond)
	msgs := s.messages()
	if len(msgs) != 3 {
		t.Fatalf("flushes=%d want 3", len(msgs))
	}

	sizes := []int{50, 50, 20}
	next := 0
	for i, m := range msgs {
		if m.Event != EventBatchWrite {
			t.Fatalf("msg %d event=%q", i, m.Event)
		}
		entries := m.Data.([]WriteEntry)
		if len(entries) != sizes[i] {
			t.Fatalf("msg %d size=%d want %d", i, len(entries), sizes[i])
		}
		for _, e := range entries {
			if e.Data != fmt.Sprint(next) {
				t.Fatalf("out of order: got %q want %d", e.Data, next)
			}
			next++
		}
	}
	if clk.Pending() != 0 {
		t.Fatalf("timer left after flush")
	}
}

func TestFlushSplitsWritesAndOtherEvents(t *testing.T) {
	p, clk := newTestPublisher(t, DefaultBatchConfig)
	s := newFakeSub("a")
	_ = p.Subscribe("t", s)

	p.Publish("t", writeEv("one"))
	p.Publish("t", Event{Kind: KindTerminalData, Source: "p", Data: map[string]int{"n": 1}})
	p.Publish("t", writeEv("two"))
	clk.Advance(DefaultBatchConfig.BatchTimeout)

	msgs := s.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages=%d want 2", len(msgs))
	}
	if msgs[0].Event != EventBatchWrite || len(msgs[0].Data.([]WriteEntry)) != 2 {
		t.Fatalf("first envelope: %+v", msgs[0])
	}
	others := msgs[1].Data.([]EventEntry)
	if msgs[1].Event != EventBatchEvents || len(others) != 1 || others[0].Kind != KindTerminalData {
		t.Fatalf("second envelope: %+v", msgs[1])
	}
}

func TestNonBatchableKindIsImmediate(t *testing.T) {
	p, clk := newTestPublisher(t, DefaultBatchConfig)
	s := newFakeSub("a")
	_ = p.Subscribe("t", s)

	p.Publish("t", Event{Kind: KindTerminalExit, Data: 3})
	msgs := s.messages()
	if len(msgs) != 1 || msgs[0].Event != string(KindTerminalExit) || msgs[0].Data != 3 {
		t.Fatalf("unexpected: %+v", msgs)
	}
	if clk.Pending() != 0 {
		t.Fatalf("timer armed for immediate event")
	}
}

func TestDisabledBatchingDeliversWritesImmediately(t *testing.T) {
	p, _ := newTestPublisher(t, BatchConfig{Enabled: false})
	s := newFakeSub("a")
	_ = p.Subscribe("t", s)

	p.Publish("t", writeEv("hi"))
	msgs := s.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages=%d", len(msgs))
	}
	w, ok := msgs[0].Data.(WriteEntry)
	if !ok || w.Data != "hi" || w.Source != "p" || msgs[0].Event != string(KindTerminalWrite) {
		t.Fatalf("unexpected: %+v", msgs[0])
	}
}

func TestNonPositiveBatchSizeFlushesEveryEntry(t *testing.T) {
	p, clk := newTestPublisher(t, DefaultBatchConfig)
	p.cfg.MaxBatchSize = 0
	s := newFakeSub("a")
	_ = p.Subscribe("t", s)

	p.Publish("t", writeEv("a"))
	p.Publish("t", writeEv("b"))
	if n := len(s.messages()); n != 2 {
		t.Fatalf("messages=%d want 2", n)
	}
	if clk.Pending() != 0 {
		t.Fatalf("timer armed")
	}
}

func TestSendPrunesDisconnectedSubscriber(t *testing.T) {
	p, _ := newTestPublisher(t, BatchConfig{Enabled: false})
	s1 := newFakeSub("s1")
	s2 := newFakeSub("s2")
	_ = p.Subscribe("t", s1)
	_ = p.Subscribe("other", s1)
	_ = p.Subscribe("t", s2)

	s1.drop()
	p.Publish("t", writeEv("x"))

	if len(s1.messages()) != 0 {
		t.Fatalf("disconnected subscriber received data")
	}
	if len(s2.messages()) != 1 {
		t.Fatalf("s2 got %d messages", len(s2.messages()))
	}
	if p.SubscriberCount("t") != 1 {
		t.Fatalf("s1 still member of t")
	}
	if p.SubscriberCount("other") != 0 {
		t.Fatalf("s1 still member of other")
	}
	if _, ok := p.subs["s1"]; ok {
		t.Fatalf("s1 still in directory")
	}
}

func TestTimerFlushWithAllSubscribersGoneClearsBuffer(t *testing.T) {
	p, clk := newTestPublisher(t, DefaultBatchConfig)
	s := newFakeSub("a")
	_ = p.Subscribe("t", s)
	p.Publish("t", writeEv("x"))
	s.drop()

	clk.Advance(time.Second)
	st := p.Stats()
	if st.TotalTopics != 0 || st.BatchBufferSize != 0 || st.ActiveBatchTimers != 0 {
		t.Fatalf("state left: %+v", st)
	}
}

func TestUpdateBatchConfig(t *testing.T) {
	p, _ := newTestPublisher(t, DefaultBatchConfig)

	zero := 0
	if err := p.UpdateBatchConfig(BatchPatch{MaxBatchSize: &zero}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}
	neg := -time.Second
	size := 10
	if err := p.UpdateBatchConfig(BatchPatch{MaxBatchSize: &size, BatchTimeout: &neg}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}
	if got := p.BatchConfig(); got != DefaultBatchConfig {
		t.Fatalf("rejected patch applied: %+v", got)
	}

	off := false
	if err := p.UpdateBatchConfig(BatchPatch{MaxBatchSize: &size, Enabled: &off}); err != nil {
		t.Fatalf("UpdateBatchConfig: %v", err)
	}
	got := p.BatchConfig()
	if got.MaxBatchSize != 10 || got.Enabled || got.BatchTimeout != DefaultBatchConfig.BatchTimeout {
		t.Fatalf("unexpected config: %+v", got)
	}
}

func TestFlushAllAndCleanup(t *testing.T) {
	p, clk := newTestPublisher(t, DefaultBatchConfig)
	a := newFakeSub("a")
	b := newFakeSub("b")
	_ = p.Subscribe("t1", a)
	_ = p.Subscribe("t2", b)
	p.Publish("t1", writeEv("1"))
	p.Publish("t2", writeEv("2"))

	if n := p.FlushAll(); n != 2 {
		t.Fatalf("FlushAll=%d want 2", n)
	}
	if clk.Pending() != 0 {
		t.Fatalf("timers left after FlushAll")
	}
	if p.FlushAll() != 0 {
		t.Fatalf("second FlushAll flushed something")
	}

	b.drop()
	if p.ActiveSubscriberCount("t2") != 0 || p.SubscriberCount("t2") != 1 {
		t.Fatalf("counts before cleanup")
	}
	if n := p.CleanupInactive(); n != 1 {
		t.Fatalf("CleanupInactive=%d want 1", n)
	}
	if got := p.Topics(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("topics=%v", got)
	}
	if !p.HasActiveSubscribers("t1") {
		t.Fatalf("t1 lost its subscriber")
	}
}

func TestStatsPerTopic(t *testing.T) {
	p, _ := newTestPublisher(t, DefaultBatchConfig)
	a := newFakeSub("a")
	b := newFakeSub("b")
	_ = p.Subscribe("t", a)
	_ = p.Subscribe("t", b)
	b.drop()
	p.Publish("t", Event{Kind: KindTerminalData, Data: 1})

	st := p.Stats()
	if st.TotalTopics != 1 || st.TotalSubscribers != 2 || st.ActiveSubscribers != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if st.BatchBufferSize != 1 || st.ActiveBatchTimers != 1 {
		t.Fatalf("batch stats: %+v", st)
	}
	ts := st.Topics[0]
	if ts.Topic != "t" || ts.ActiveSubscribers != 1 || !ts.HasBatchBuffer || ts.Buffered != 1 {
		t.Fatalf("topic stats: %+v", ts)
	}
}

func TestStartSweepRejectsBadSpec(t *testing.T) {
	p, _ := newTestPublisher(t, DefaultBatchConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.StartSweep(ctx, "not a spec"); err == nil {
		t.Fatalf("expected error")
	}
	if err := p.StartSweep(ctx, ""); err != nil {
		t.Fatalf("StartSweep: %v", err)
	}
}
