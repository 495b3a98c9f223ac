package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stackcast/internal/clock"
	"stackcast/internal/docker"
	"stackcast/internal/process"
	"stackcast/internal/pubsub"
	"stackcast/internal/stacks"
	"stackcast/internal/storage"
	"stackcast/pkg/logx"
)

type fakeHandle struct {
	opts process.SpawnOptions

	mu      sync.Mutex
	writes  []string
	resizes [][2]int
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, string(p))
	return len(p), nil
}

func (h *fakeHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resizes = append(h.resizes, [2]int{cols, rows})
	return nil
}

func (h *fakeHandle) Signal(os.Signal) error { return nil }

type fakeRunner struct {
	mu     sync.Mutex
	byName map[string]*fakeHandle
}

func (r *fakeRunner) Spawn(opts process.SpawnOptions) (process.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName == nil {
		r.byName = make(map[string]*fakeHandle)
	}
	h := &fakeHandle{opts: opts}
	r.byName[opts.Name] = h
	return h, nil
}

func (r *fakeRunner) get(name string) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

type fakeCompose struct{}

func (fakeCompose) ComposeLs(context.Context) ([]docker.Project, error) { return nil, nil }

type fixture struct {
	root   string
	runner *fakeRunner
	pub    *pubsub.Publisher
	procs  *process.Manager
	dir    *stacks.Directory
	srv    *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.Fake(time.Unix(1700000000, 0))
	f := &fixture{root: t.TempDir(), runner: &fakeRunner{}}
	f.pub = pubsub.New(pubsub.BatchConfig{Enabled: false}, logx.Nop(), clk)
	f.procs = process.NewManager(process.Config{}, f.pub, f.runner, process.WithClock(clk))
	f.dir = stacks.NewDirectory(stacks.Config{Root: f.root}, fakeCompose{}, f.pub, f.procs, logx.Nop())
	f.srv = New(cfg, Deps{Publisher: f.pub, Processes: f.procs, Stacks: f.dir}, logx.Nop())
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) mkstack(t *testing.T, name, body string) {
	t.Helper()
	dir := filepath.Join(f.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "compose.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

type frame struct {
	event string
	data  string
}

// streamReader parses SSE frames, skipping comments.
type streamReader struct {
	resp *http.Response
	sc   *bufio.Scanner
}

func openStream(t *testing.T, f *fixture, path string) *streamReader {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	return &streamReader{resp: resp, sc: bufio.NewScanner(resp.Body)}
}

func (s *streamReader) next(t *testing.T) frame {
	t.Helper()
	var fr frame
	for s.sc.Scan() {
		line := s.sc.Text()
		switch {
		case line == "":
			if fr.event != "" {
				return fr
			}
		case strings.HasPrefix(line, "event: "):
			fr.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fr.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", s.sc.Err())
	return fr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{Token: "secret"})
	resp, err := http.Get(f.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{Token: "secret"})

	if resp, _ := f.do(t, http.MethodGet, "/api/topics", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/topics?token=nope", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/topics?token=secret", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("query token: status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/api/topics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer: status %d", resp.StatusCode)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5101": true,
		"localhost:80":   true,
		"[::1]:9":        true,
		"0.0.0.0:5101":   false,
		":5101":          false,
		"10.0.0.2:5101":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.procs.GetOrCreate(process.Spec{Name: "job", File: "true"})
	p.Start()
	h := f.runner.get("job")
	h.opts.OnData([]byte("hello "))

	s := openStream(t, f, "/api/subscribe?topic=terminal:job")
	fr := s.next(t)
	if fr.event != "replay" {
		t.Fatalf("first event %q", fr.event)
	}
	var rep replayFrame
	if err := json.Unmarshal([]byte(fr.data), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Buffer != "hello " || rep.Process != "job" {
		t.Fatalf("replay = %+v", rep)
	}

	h.opts.OnData([]byte("world"))
	fr = s.next(t)
	if fr.event != string(pubsub.KindTerminalWrite) {
		t.Fatalf("live event %q", fr.event)
	}
	var we pubsub.WriteEntry
	if err := json.Unmarshal([]byte(fr.data), &we); err != nil {
		t.Fatal(err)
	}
	if we.Data != "world" || we.Source != "job" {
		t.Fatalf("write entry = %+v", we)
	}

	h.opts.OnExit(3)
	fr = s.next(t)
	if fr.event != string(pubsub.KindTerminalExit) || !strings.Contains(fr.data, `"exitCode":3`) {
		t.Fatalf("exit frame = %+v", fr)
	}
}

func TestSubscribeRequiresTopic(t *testing.T) {
	f := newFixture(t, Config{})
	if resp, _ := f.do(t, http.MethodGet, "/api/subscribe", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	f := newFixture(t, Config{})
	s := openStream(t, f, "/api/subscribe?topic=news")
	s.next(t)
	if n := f.pub.SubscriberCount("news"); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}
	s.resp.Body.Close()
	waitFor(t, "unsubscribe", func() bool { return f.pub.SubscriberCount("news") == 0 })
}

func TestStacksTopicSendsCurrentList(t *testing.T) {
	f := newFixture(t, Config{})
	f.mkstack(t, "web", "services:\n  app:\n    image: nginx\n")
	if _, err := f.dir.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := openStream(t, f, "/api/subscribe?topic="+stacks.Topic)
	s.next(t)
	fr := s.next(t)
	if fr.event != string(pubsub.KindStackList) || !strings.Contains(fr.data, `"name":"web"`) {
		t.Fatalf("frame = %+v", fr)
	}
}

func TestBatchConfigEndpoint(t *testing.T) {
	f := newFixture(t, Config{})

	resp, out := f.do(t, http.MethodPost, "/api/batch-config", `{"maxBatchSize":10,"batchTimeout":"250ms","enableOptimization":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, out)
	}
	cfg := f.pub.BatchConfig()
	if cfg.MaxBatchSize != 10 || cfg.BatchTimeout != 250*time.Millisecond || !cfg.Enabled {
		t.Fatalf("config = %+v", cfg)
	}
	if out["batchTimeout"] != float64(250) {
		t.Fatalf("response = %v", out)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/batch-config", `{"batchTimeout":40}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("numeric timeout: status %d", resp.StatusCode)
	}
	if got := f.pub.BatchConfig().BatchTimeout; got != 40*time.Millisecond {
		t.Fatalf("timeout = %s", got)
	}

	for _, body := range []string{
		`{"maxBatchSize":"ten"}`,
		`{"maxBatchSize":0}`,
		`{"batchTimeout":-5}`,
		`{"batchTimeout":"soon"}`,
		`{"enableBatch":"yes"}`,
		`not json`,
		``,
	} {
		if resp, _ := f.do(t, http.MethodPost, "/api/batch-config", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", body, resp.StatusCode)
		}
	}
	if got := f.pub.BatchConfig().MaxBatchSize; got != 10 {
		t.Fatalf("rejected patch changed config: %d", got)
	}
}

func TestFlushCleanupTopicsStats(t *testing.T) {
	f := newFixture(t, Config{})
	s := openStream(t, f, "/api/subscribe?topic=news")
	s.next(t)

	_, out := f.do(t, http.MethodGet, "/api/topics", "")
	if topics, _ := out["topics"].([]any); len(topics) != 1 || topics[0] != "news" {
		t.Fatalf("topics = %v", out)
	}
	_, out = f.do(t, http.MethodPost, "/api/flush", "")
	if out["flushedCount"] != float64(0) {
		t.Fatalf("flush = %v", out)
	}
	_, out = f.do(t, http.MethodPost, "/api/cleanup", "")
	if out["cleanedCount"] != float64(0) {
		t.Fatalf("cleanup = %v", out)
	}
	_, out = f.do(t, http.MethodGet, "/api/stats", "")
	pub, _ := out["publisher"].(map[string]any)
	if pub["totalTopics"] != float64(1) {
		t.Fatalf("stats = %v", out)
	}
}

func TestProcessInputAndResize(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.procs.GetOrCreate(process.Spec{Name: "shell", File: "sh", Interactive: true})
	p.Start()
	h := f.runner.get("shell")

	if resp, _ := f.do(t, http.MethodPost, "/api/processes/shell/input", `{"data":"ls\n"}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("input: status %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/processes/shell/resize", `{"cols":120,"rows":40}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resize: status %d", resp.StatusCode)
	}
	h.mu.Lock()
	writes, resizes := h.writes, h.resizes
	h.mu.Unlock()
	if len(writes) != 1 || writes[0] != "ls\n" {
		t.Fatalf("writes = %q", writes)
	}
	if len(resizes) != 1 || resizes[0] != [2]int{120, 40} {
		t.Fatalf("resizes = %v", resizes)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/processes/missing/input", `{"data":"x"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing: status %d", resp.StatusCode)
	}

	f.procs.GetOrCreate(process.Spec{Name: "logs", File: "tail"}).Start()
	if resp, _ := f.do(t, http.MethodPost, "/api/processes/logs/input", `{"data":"x"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-interactive: status %d", resp.StatusCode)
	}
}

func TestStackEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	f.mkstack(t, "web", "services:\n  db:\n    image: postgres\n  app:\n    image: nginx\n")

	_, out := f.do(t, http.MethodGet, "/api/stacks/web", "")
	svcs, _ := out["services"].([]any)
	if out["name"] != "web" || len(svcs) != 2 || svcs[0] != "app" {
		t.Fatalf("stack = %v", out)
	}
	if _, ok := out["serviceStatus"].(map[string]any); !ok {
		t.Fatalf("serviceStatus missing: %v", out)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/stacks/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing stack: status %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/stacks/Bad.Name", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad name: status %d", resp.StatusCode)
	}

	_, out = f.do(t, http.MethodGet, "/api/stacks", "")
	if list, _ := out["stacks"].([]any); len(list) != 1 {
		t.Fatalf("list = %v", out)
	}
}

func TestStackAction(t *testing.T) {
	f := newFixture(t, Config{})
	f.mkstack(t, "web", "services: {}\n")

	resp, out := f.do(t, http.MethodPost, "/api/stacks/web/up", "")
	if resp.StatusCode != http.StatusAccepted || out["process"] != "compose-web" || out["topic"] != "terminal:compose-web" {
		t.Fatalf("up: %d %v", resp.StatusCode, out)
	}
	h := f.runner.get("compose-web")
	if got := strings.Join(h.opts.Args, " "); !strings.HasPrefix(got, "compose up") {
		t.Fatalf("args = %q", got)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/stacks/web/stop", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy: status %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/stacks/web/explode", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown action: status %d", resp.StatusCode)
	}

	h.opts.OnExit(0)
	waitFor(t, "process exit", func() bool { _, ok := f.procs.Get("compose-web"); return !ok })

	done := make(chan map[string]any, 1)
	go func() {
		_, out := f.do(t, http.MethodPost, "/api/stacks/web/down?wait=1", "")
		done <- out
	}()
	waitFor(t, "down spawn", func() bool {
		h := f.runner.get("compose-web")
		return h != nil && h.opts.Args[1] == "down"
	})
	f.runner.get("compose-web").opts.OnExit(2)
	select {
	case out := <-done:
		if out["exitCode"] != float64(2) {
			t.Fatalf("wait response = %v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait=1 did not return")
	}
}

func TestStackLogsStream(t *testing.T) {
	f := newFixture(t, Config{})
	f.mkstack(t, "web", "services: {}\n")

	s := openStream(t, f, "/api/stacks/web/logs")
	fr := s.next(t)
	if !strings.Contains(fr.data, `"process":"combined-web"`) {
		t.Fatalf("replay = %+v", fr)
	}
	h := f.runner.get("combined-web")
	if got := strings.Join(h.opts.Args, " "); got != "compose logs -f --tail 100" {
		t.Fatalf("args = %q", got)
	}
	h.opts.OnData([]byte("app-1 | ready"))
	fr = s.next(t)
	if !strings.Contains(fr.data, "app-1 | ready") {
		t.Fatalf("frame = %+v", fr)
	}

	s.resp.Body.Close()
	waitFor(t, "logs detach", func() bool { return f.pub.SubscriberCount(process.Topic("combined-web")) == 0 })
}

func TestStackExecStream(t *testing.T) {
	f := newFixture(t, Config{})
	f.mkstack(t, "web", "services: {}\n")

	s := openStream(t, f, "/api/stacks/web/services/app/exec?shell=bash&index=1")
	fr := s.next(t)
	if !strings.Contains(fr.data, `"process":"container-exec-web-app-1"`) {
		t.Fatalf("replay = %+v", fr)
	}
	h := f.runner.get("container-exec-web-app-1")
	if got := strings.Join(h.opts.Args, " "); got != "compose exec app bash" {
		t.Fatalf("args = %q", got)
	}

	if resp, _ := f.do(t, http.MethodGet, "/api/stacks/web/services/app/exec?index=-1", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad index: status %d", resp.StatusCode)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	c := newClient(2, logx.Nop(), nil)
	hooks := 0
	c.OnDisconnect(func() { hooks++ })

	for i := 0; i < 3; i++ {
		c.Emit(pubsub.Message{Topic: "t", Event: "e"})
	}
	if c.Connected() {
		t.Fatal("client still connected after overflow")
	}
	select {
	case <-c.overflow:
	default:
		t.Fatal("overflow not signalled")
	}
	c.Disconnect()
	c.Disconnect()
	if hooks != 1 {
		t.Fatalf("hooks ran %d times", hooks)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.srv.Start(ctx)
	waitFor(t, "listener", func() bool { return f.srv.Addr() != "" })
	resp, err := http.Get("http://" + f.srv.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	f.srv.Stop(sctx)
	if f.srv.Addr() != "" {
		t.Fatal("address kept after stop")
	}
}

type fakeRuns struct {
	mu       sync.Mutex
	gotName  string
	gotLimit int
}

func (f *fakeRuns) AppendRun(context.Context, storage.RunRecord) error { return nil }
func (f *fakeRuns) Close() error                                     { return nil }
func (f *fakeRuns) RecentRuns(_ context.Context, name string, limit int) ([]storage.RunRecord, error) {
	f.mu.Lock()
	f.gotName, f.gotLimit = name, limit
	f.mu.Unlock()
	return []storage.RunRecord{{ID: "r1", Name: name, ExitCode: 1}}, nil
}

func TestRunsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	if resp, _ := f.do(t, http.MethodGet, "/api/runs", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("without store: status %d", resp.StatusCode)
	}

	runs := &fakeRuns{}
	withRuns := httptest.NewServer(New(Config{}, Deps{Publisher: f.pub, Runs: runs}, logx.Nop()).Handler())
	t.Cleanup(withRuns.Close)
	f.http = withRuns
	_, out := f.do(t, http.MethodGet, "/api/runs?process=compose-web&limit=5", "")
	list, _ := out["runs"].([]any)
	runs.mu.Lock()
	defer runs.mu.Unlock()
	if len(list) != 1 || runs.gotName != "compose-web" || runs.gotLimit != 5 {
		t.Fatalf("out = %v, store saw %q/%d", out, runs.gotName, runs.gotLimit)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/runs?limit=x", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", resp.StatusCode)
	}
}

func TestPprofMount(t *testing.T) {
	off := newFixture(t, Config{})
	if resp, _ := off.do(t, http.MethodGet, "/debug/pprof/", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof off: status %d", resp.StatusCode)
	}

	on := newFixture(t, Config{Pprof: true, Token: "s3cret"})
	if resp, _ := on.do(t, http.MethodGet, "/debug/pprof/", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pprof without token: status %d", resp.StatusCode)
	}
	if resp, _ := on.do(t, http.MethodGet, "/debug/pprof/goroutine?debug=1&token=s3cret", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof goroutine: status %d", resp.StatusCode)
	}
}

func TestStatsIncludesMonitor(t *testing.T) {
	f := newFixture(t, Config{})
	mon := httptest.NewServer(New(Config{}, Deps{
		Publisher: f.pub,
		Monitor:   func() MonitorState { return MonitorState{Enabled: true, Attempts: 2} },
	}, logx.Nop()).Handler())
	t.Cleanup(mon.Close)
	f.http = mon

	_, out := f.do(t, http.MethodGet, "/api/stats", "")
	m, _ := out["monitor"].(map[string]any)
	if m["enabled"] != true || m["running"] != false || m["attempts"] != float64(2) {
		t.Fatalf("monitor = %v", out["monitor"])
	}
}

func TestDropWarningsArePerServer(t *testing.T) {
	a := New(Config{ClientQueue: 1}, Deps{}, logx.Nop())
	b := New(Config{ClientQueue: 1}, Deps{}, logx.Nop())
	if a.drops == nil || a.drops == b.drops {
		t.Fatal("servers share a drop limiter")
	}

	// exhaust a's burst; b must be unaffected
	for a.drops.Allow() {
	}
	if !b.drops.Allow() {
		t.Fatal("limiter state leaked between servers")
	}
	c := a.newClient()
	if c.warns != a.drops || cap(c.queue) != 1 {
		t.Fatalf("client not built from server state: queue=%d", cap(c.queue))
	}
}
