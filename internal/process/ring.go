package process

import "strings"

// ring holds the last n output chunks.
type ring struct {
	items []string
	start int
	size  int
}

func newRing(n int) *ring {
	if n <= 0 {
		n = 1
	}
	return &ring{items: make([]string, n)}
}

func (r *ring) push(s string) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = s
		r.size++
		return
	}
	r.items[r.start] = s
	r.start = (r.start + 1) % len(r.items)
}

func (r *ring) len() int { return r.size }

// join returns the retained chunks concatenated in arrival order.
func (r *ring) join() string {
	if r.size == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < r.size; i++ {
		b.WriteString(r.items[(r.start+i)%len(r.items)])
	}
	return b.String()
}
