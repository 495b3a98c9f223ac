// Package stacks tracks compose projects and their status, and pushes the
// stack list to observers on topic "stacks" whenever it changes.
package stacks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"stackcast/internal/docker"
	"stackcast/internal/monitor"
	"stackcast/internal/process"
	"stackcast/internal/pubsub"
	"stackcast/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Topic carries KindStackList events.
const Topic = "stacks"

// DefaultPollSpec is the status polling schedule used alongside (or instead
// of) the event stream.
const DefaultPollSpec = "@every 10s"

// Compose is the subset of *docker.Client the directory uses.
type Compose interface {
	ComposeLs(ctx context.Context) ([]docker.Project, error)
}

type Publisher interface {
	Publish(topic string, ev pubsub.Event)
}

type Config struct {
	Root         string
	Binary       string
	CombinedRows int
	CombinedCols int
	// Ignore lists project names never shown, e.g. the host's own stack.
	Ignore []string
}

type Directory struct {
	cfg     Config
	root    string
	binary  string
	compose Compose
	pub     Publisher
	procs   *process.Manager
	log     logx.Logger

	mu     sync.Mutex
	stacks map[string]*Stack
	poller *cron.Cron
}

func NewDirectory(cfg Config, compose Compose, pub Publisher, procs *process.Manager, log logx.Logger) *Directory {
	if cfg.Binary == "" {
		cfg.Binary = docker.DefaultBinary
	}
	if cfg.CombinedRows <= 0 {
		cfg.CombinedRows = 15
	}
	if cfg.CombinedCols <= 0 {
		cfg.CombinedCols = 105
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{
		cfg:     cfg,
		root:    cfg.Root,
		binary:  cfg.Binary,
		compose: compose,
		pub:     pub,
		procs:   procs,
		log:     log.With(logx.String("comp", "stacks")),
		stacks:  make(map[string]*Stack),
	}
}

func (d *Directory) fields(stack string, subs int) []logx.Field {
	return []logx.Field{logx.String("stack", stack), logx.Int("subscribers", subs)}
}

func (d *Directory) ignored(name string) bool {
	for _, n := range d.cfg.Ignore {
		if n == name {
			return true
		}
	}
	return false
}

// Reload rescans the stacks root and the daemon's project list. It reports
// whether any stack appeared, disappeared or changed status.
//
// When the daemon cannot be asked, known stacks keep their status and
// daemon-only stacks are kept; only stacks new on disk are added.
func (d *Directory) Reload(ctx context.Context) (bool, error) {
	onDisk := make(map[string]string)
	entries, err := os.ReadDir(d.root)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("stacks: read %s: %w", d.root, err)
	}
	for _, e := range entries {
		if !e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		if f, ok := findComposeFile(filepath.Join(d.root, e.Name())); ok {
			onDisk[e.Name()] = f
		}
	}

	projects, lsErr := d.compose.ComposeLs(ctx)
	if lsErr != nil {
		d.log.Warn("compose ls failed; keeping last known status", logx.Err(lsErr))
		return d.addNew(onDisk), lsErr
	}

	next := make(map[string]Status, len(onDisk)+len(projects))
	for name := range onDisk {
		next[name] = StatusCreatedFile
	}
	for _, p := range projects {
		if d.ignored(p.Name) {
			continue
		}
		next[p.Name] = StatusFromCompose(p.Status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	changed := false
	for name, st := range next {
		s := d.stacks[name]
		if s == nil {
			s = &Stack{d: d, name: name}
			d.stacks[name] = s
			changed = true
		}
		s.mu.Lock()
		s.composeFile = onDisk[name]
		s.mu.Unlock()
		if s.setStatus(st) {
			changed = true
		}
	}
	for name := range d.stacks {
		if _, ok := next[name]; !ok {
			delete(d.stacks, name)
			changed = true
		}
	}
	return changed, nil
}

// addNew registers stacks found on disk that are not known yet and
// leaves everything else alone.
func (d *Directory) addNew(onDisk map[string]string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	added := false
	for name, f := range onDisk {
		if d.stacks[name] != nil {
			continue
		}
		d.stacks[name] = &Stack{d: d, name: name, status: StatusCreatedFile, composeFile: f}
		added = true
	}
	return added
}

// Get returns a known stack. A managed stack created on disk since the last
// reload is picked up on demand.
func (d *Directory) Get(name string) (*Stack, bool) {
	if !ValidName(name) {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.stacks[name]; s != nil {
		return s, true
	}
	f, ok := findComposeFile(filepath.Join(d.root, name))
	if !ok {
		return nil, false
	}
	s := &Stack{d: d, name: name, status: StatusCreatedFile, composeFile: f}
	d.stacks[name] = s
	return s, true
}

var _ monitor.Reloader = (*Directory)(nil)

// Lookup implements monitor.Directory.
func (d *Directory) Lookup(key string) (monitor.Entity, bool) {
	s, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	return s, true
}

// List returns summaries sorted by name.
func (d *Directory) List() []Summary {
	d.mu.Lock()
	stacks := make([]*Stack, 0, len(d.stacks))
	for _, s := range d.stacks {
		stacks = append(stacks, s)
	}
	d.mu.Unlock()

	out := make([]Summary, 0, len(stacks))
	for _, s := range stacks {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Broadcast publishes the current list on Topic.
func (d *Directory) Broadcast(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.pub.Publish(Topic, pubsub.Event{Kind: pubsub.KindStackList, Data: d.List()})
	return nil
}

// Poll reloads and broadcasts if anything changed.
func (d *Directory) Poll(ctx context.Context) {
	changed, err := d.Reload(ctx)
	if err != nil {
		d.log.Debug("poll incomplete", logx.Err(err))
	}
	// on error only stacks new on disk can have changed the list
	if changed {
		d.log.Debug("stack list changed (poll)")
		_ = d.Broadcast(ctx)
	}
}

// StartPolling runs Poll on a cron schedule until ctx is done.
func (d *Directory) StartPolling(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultPollSpec
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { d.Poll(ctx) }); err != nil {
		return fmt.Errorf("stacks: poll schedule %q: %w", spec, err)
	}

	d.mu.Lock()
	if d.poller != nil {
		d.mu.Unlock()
		return fmt.Errorf("stacks: polling already started")
	}
	d.poller = c
	d.mu.Unlock()

	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		d.mu.Lock()
		d.poller = nil
		d.mu.Unlock()
	}()
	return nil
}
