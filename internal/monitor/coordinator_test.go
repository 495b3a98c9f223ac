package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stackcast/internal/clock"
	"stackcast/pkg/logx"
)

type fakeEntity struct {
	dir     *fakeDirectory
	key     string
	changed bool
	err     error
	hook    func()
}

func (e *fakeEntity) Refresh(context.Context) (bool, error) {
	e.dir.mu.Lock()
	e.dir.refreshed = append(e.dir.refreshed, e.key)
	e.dir.mu.Unlock()
	if e.hook != nil {
		e.hook()
	}
	return e.changed, e.err
}

type fakeDirectory struct {
	mu         sync.Mutex
	entities   map[string]*fakeEntity
	refreshed  []string
	broadcasts int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entities: map[string]*fakeEntity{}}
}

func (d *fakeDirectory) add(key string, changed bool) *fakeEntity {
	e := &fakeEntity{dir: d, key: key, changed: changed}
	d.entities[key] = e
	return e
}

func (d *fakeDirectory) Lookup(key string) (Entity, bool) {
	e, ok := d.entities[key]
	if !ok {
		return nil, false
	}
	return e, true
}

func (d *fakeDirectory) Broadcast(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcasts++
	return nil
}

func (d *fakeDirectory) snapshot() ([]string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.refreshed...), d.broadcasts
}

func newTestCoordinator(dir Directory) (*Coordinator, *clock.FakeClock) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	return NewCoordinator(context.Background(), dir, clk, logx.Nop()), clk
}

func TestCoordinatorCollapsesBurst(t *testing.T) {
	dir := newFakeDirectory()
	dir.add("a", true)
	dir.add("b", true)
	c, clk := newTestCoordinator(dir)

	c.Schedule("a")
	c.Schedule("a")
	c.Schedule("b")
	c.Schedule("missing")
	if clk.Pending() != 1 {
		t.Fatalf("timers=%d want 1", clk.Pending())
	}

	clk.Advance(999 * time.Millisecond)
	if got, _ := dir.snapshot(); len(got) != 0 {
		t.Fatalf("flushed early: %v", got)
	}
	clk.Advance(time.Millisecond)

	refreshed, broadcasts := dir.snapshot()
	if len(refreshed) != 2 || refreshed[0] != "a" || refreshed[1] != "b" {
		t.Fatalf("refreshed=%v", refreshed)
	}
	if broadcasts != 1 {
		t.Fatalf("broadcasts=%d want 1", broadcasts)
	}
	if c.Pending() != 0 || clk.Pending() != 0 {
		t.Fatalf("state left after flush")
	}
}

func TestCoordinatorSkipsBroadcastWithoutChange(t *testing.T) {
	dir := newFakeDirectory()
	dir.add("a", false)
	failing := dir.add("b", true)
	failing.err = errors.New("compose ls failed")
	c, clk := newTestCoordinator(dir)

	c.Schedule("a")
	c.Schedule("b")
	clk.Advance(time.Second)

	if _, broadcasts := dir.snapshot(); broadcasts != 0 {
		t.Fatalf("broadcasts=%d want 0", broadcasts)
	}
}

func TestCoordinatorDefersWhileFlushInFlight(t *testing.T) {
	dir := newFakeDirectory()
	a := dir.add("a", true)
	dir.add("b", true)
	c, clk := newTestCoordinator(dir)

	a.hook = func() {
		// Simulate an overlapping window firing mid-flush.
		c.mu.Lock()
		c.pending["b"] = struct{}{}
		c.mu.Unlock()
		c.flush(context.Background())
	}
	c.Schedule("a")
	clk.Advance(time.Second)

	refreshed, broadcasts := dir.snapshot()
	if len(refreshed) != 1 || broadcasts != 1 {
		t.Fatalf("first flush: refreshed=%v broadcasts=%d", refreshed, broadcasts)
	}
	if c.Pending() != 1 || clk.Pending() != 1 {
		t.Fatalf("follow-up not armed: pending=%d timers=%d", c.Pending(), clk.Pending())
	}

	a.hook = nil
	clk.Advance(time.Second)
	refreshed, broadcasts = dir.snapshot()
	if len(refreshed) != 2 || refreshed[1] != "b" || broadcasts != 2 {
		t.Fatalf("follow-up flush: refreshed=%v broadcasts=%d", refreshed, broadcasts)
	}
}

func TestCoordinatorClose(t *testing.T) {
	dir := newFakeDirectory()
	dir.add("a", true)
	c, clk := newTestCoordinator(dir)

	c.Schedule("a")
	c.Close()
	c.Close()
	if c.Pending() != 0 || clk.Pending() != 0 {
		t.Fatalf("state left after close")
	}
	clk.Advance(time.Minute)
	if refreshed, _ := dir.snapshot(); len(refreshed) != 0 {
		t.Fatalf("flushed after close")
	}
}

// reloadingDirectory learns about "outside" only when reloaded.
type reloadingDirectory struct {
	*fakeDirectory
	reloads int
}

func (d *reloadingDirectory) Reload(context.Context) (bool, error) {
	d.reloads++
	if _, ok := d.entities["outside"]; ok {
		return false, nil
	}
	d.add("outside", false)
	return true, nil
}

func TestCoordinatorReloadsOnUnknownKey(t *testing.T) {
	dir := &reloadingDirectory{fakeDirectory: newFakeDirectory()}
	c, clk := newTestCoordinator(dir)

	c.Schedule("outside")
	c.Schedule("ghost")
	clk.Advance(time.Second)

	refreshed, broadcasts := dir.snapshot()
	if dir.reloads != 1 {
		t.Fatalf("reloads=%d want 1 per flush", dir.reloads)
	}
	if len(refreshed) != 1 || refreshed[0] != "outside" {
		t.Fatalf("refreshed=%v", refreshed)
	}
	if broadcasts != 1 {
		t.Fatalf("broadcasts=%d want 1", broadcasts)
	}

	// known now: no reload needed
	c.Schedule("outside")
	clk.Advance(time.Second)
	if dir.reloads != 1 {
		t.Fatalf("reloads=%d after known key", dir.reloads)
	}
}
