package process

import (
	"errors"
	"os"
	"sync"

	"stackcast/internal/pubsub"
)

type fakeRunner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (r *fakeRunner) Spawn(opts SpawnOptions) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	h := &fakeHandle{opts: opts}
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRunner) last() *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) == 0 {
		return nil
	}
	return r.handles[len(r.handles)-1]
}

type fakeHandle struct {
	opts SpawnOptions

	mu       sync.Mutex
	writes   []string
	signals  []os.Signal
	resizes  [][2]int
	writeErr error
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return 0, h.writeErr
	}
	h.writes = append(h.writes, string(p))
	return len(p), nil
}

func (h *fakeHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resizes = append(h.resizes, [2]int{cols, rows})
	return nil
}

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return nil
}

func (h *fakeHandle) emit(s string) { h.opts.OnData([]byte(s)) }
func (h *fakeHandle) exit(code int) { h.opts.OnExit(code) }

func (h *fakeHandle) written() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.writes...)
}

type exitError struct{ code int }

func (e exitError) Error() string { return "exit status" }
func (e exitError) ExitCode() int { return e.code }

var errSpawn = errors.New("spawn: no such file")

type recSub struct {
	id string

	mu        sync.Mutex
	connected bool
	hooks     []func()
	got       []pubsub.Message
}

func newRecSub(id string) *recSub { return &recSub{id: id, connected: true} }

func (s *recSub) ID() string { return s.id }
func (s *recSub) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
func (s *recSub) OnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}
func (s *recSub) Emit(m pubsub.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
}

func (s *recSub) disconnect() {
	s.mu.Lock()
	s.connected = false
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *recSub) messages() []pubsub.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pubsub.Message(nil), s.got...)
}
