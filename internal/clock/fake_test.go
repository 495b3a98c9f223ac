package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	var order []int
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })

	c.Advance(1500 * time.Millisecond)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("after 1.5s fired %v", order)
	}
	c.Advance(time.Second)
	if len(order) != 2 || order[1] != 2 {
		t.Fatalf("after 2.5s fired %v", order)
	}
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if tm.Stop() {
		t.Fatal("second Stop returned true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

func TestFakeCallbackCanRearm(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticks := 0
	var arm func()
	arm = func() {
		c.AfterFunc(time.Second, func() {
			ticks++
			arm()
		})
	}
	arm()
	c.Advance(3 * time.Second)
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}
	if d, ok := c.NextDeadline(); !ok || d != time.Second {
		t.Fatalf("next deadline = %v %v", d, ok)
	}
}
