package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeProcessExited, Data: ProcessExited{Name: "x", ExitCode: 2}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeProcessExited || e.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", e)
			}
			if d := e.Data.(ProcessExited); d.ExitCode != 2 {
				t.Fatalf("payload: %+v", d)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	unsub()

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d", b.Dropped())
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "c"})
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4, TypeMonitorDegraded)
	b.Publish(Event{Type: TypeProcessStarted})
	b.Publish(Event{Type: TypeMonitorDegraded, Data: MonitorDegraded{Attempts: 3}})
	unsub()

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	if len(got) != 1 || got[0] != TypeMonitorDegraded {
		t.Fatalf("got %v", got)
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events counted as dropped: %d", b.Dropped())
	}
}

func TestNopBus(t *testing.T) {
	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(4)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("nop channel should be closed")
	}
}
