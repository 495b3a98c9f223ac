package process

import (
	"fmt"
	"strings"
	"testing"
)

func TestRingKeepsMostRecentChunks(t *testing.T) {
	r := newRing(3)
	if r.join() != "" {
		t.Fatalf("empty ring not empty")
	}
	for i := 0; i < 5; i++ {
		r.push(fmt.Sprint(i))
	}
	if r.len() != 3 {
		t.Fatalf("len=%d", r.len())
	}
	if got := r.join(); got != "234" {
		t.Fatalf("join=%q", got)
	}
}

func TestRingPartialFill(t *testing.T) {
	r := newRing(100)
	r.push("a")
	r.push("b")
	if got := r.join(); got != "ab" {
		t.Fatalf("join=%q", got)
	}
	for i := 0; i < 150; i++ {
		r.push("x")
	}
	if got := r.join(); got != strings.Repeat("x", 100) {
		t.Fatalf("unexpected length %d", len(got))
	}
}
