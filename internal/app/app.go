// Package app wires the broker, process registry, stack directory, event
// monitor and HTTP transport together and owns their start/stop order.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"stackcast/internal/clock"
	"stackcast/internal/config"
	"stackcast/internal/docker"
	"stackcast/internal/eventbus"
	"stackcast/internal/monitor"
	"stackcast/internal/process"
	"stackcast/internal/process/pty"
	"stackcast/internal/pubsub"
	rtsup "stackcast/internal/runtime/supervisor"
	"stackcast/internal/stacks"
	"stackcast/internal/storage"
	"stackcast/internal/transport/sse"
	"stackcast/internal/transport/telegram"
	"stackcast/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Option replaces a collaborator. Production code passes none.
type Option func(*options)

type options struct {
	runner  process.Runner
	compose stacks.Compose
	events  monitor.Source
	clock   clock.Clock
}

func WithRunner(r process.Runner) Option      { return func(o *options) { o.runner = r } }
func WithCompose(c stacks.Compose) Option     { return func(o *options) { o.compose = c } }
func WithEventSource(s monitor.Source) Option { return func(o *options) { o.events = s } }
func WithClock(c clock.Clock) Option          { return func(o *options) { o.clock = c } }

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock

	pub    *pubsub.Publisher
	procs  *process.Manager
	events monitor.Source
	docker *docker.Client
	dir    *stacks.Directory
	coord  *monitor.Coordinator
	mon    *monitor.Monitor
	srv    *sse.Server
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// A nil *Notifier must not reach logx as a non-nil Sender.
	var sender logx.Sender
	if tc, ok := mapTelegram(cfg); ok {
		n, err := telegram.New(tc, logx.NewConsole("INFO"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = n
	}
	logSvc, log := logx.New(mapLogging(cfg), sender)
	cfgm.SetLogger(log)

	bus := eventbus.New()

	var store storage.Store
	if sc, ok := mapStorage(cfg); ok {
		store, err = storage.Open(sc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		log.Info("run history enabled", logx.String("driver", sc.Driver))
	}

	runner := o.runner
	if runner == nil {
		runner = pty.New(log)
	}
	dc := docker.New(mapDocker(cfg), log)
	compose := o.compose
	if compose == nil {
		compose = dc
	}
	events := o.events
	if events == nil {
		events = dc
	}

	pub := pubsub.New(mapBatch(cfg), log, o.clock)
	procs := process.NewManager(mapProcess(cfg), pub, runner,
		process.WithClock(o.clock),
		process.WithBus(bus),
		process.WithLogger(log),
	)
	dir := stacks.NewDirectory(mapStacks(cfg), compose, pub, procs, log)

	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    bus,
		store:  store,
		clock:  o.clock,
		pub:    pub,
		procs:  procs,
		events: events,
		docker: dc,
		dir:    dir,
	}
	a.srv = sse.New(mapServer(cfg), sse.Deps{
		Publisher:  pub,
		Processes:  procs,
		Stacks:     dir,
		Runs:       store,
		Supervisor: a.snapshot,
		Monitor:    a.monitorState,
	}, log)
	return a, nil
}

func (a *App) snapshot() rtsup.Snapshot { return a.sup.Snapshot() }

func (a *App) monitorState() sse.MonitorState {
	if a.mon == nil {
		return sse.MonitorState{}
	}
	return sse.MonitorState{Enabled: true, Running: a.mon.Running(), Attempts: a.mon.Attempts()}
}

// probeDocker logs the daemon version once. Failure is not fatal: compose
// commands and the event stream retry on their own.
func (a *App) probeDocker(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	v, err := a.docker.Version(ctx)
	if err != nil {
		a.log.Warn("docker daemon not reachable", logx.Err(err))
		return
	}
	a.log.Info("docker daemon", logx.String("version", v.Version), logx.String("api", v.APIVersion))
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()
	cfg := a.cfgm.Get()

	if _, err := a.dir.Reload(run); err != nil {
		a.log.Warn("initial stack scan incomplete", logx.Err(err))
	}
	if err := a.pub.StartSweep(run, sweepSpec(cfg)); err != nil {
		return err
	}
	if err := a.dir.StartPolling(run, pollSpec(cfg)); err != nil {
		return err
	}

	a.coord = monitor.NewCoordinator(run, a.dir, a.clock, a.log)
	a.coord.SetWindow(debounceWindow(cfg))
	if cfg.Docker.EventsEnabled() {
		a.mon = monitor.New(a.events, a.coord,
			monitor.WithClock(a.clock),
			monitor.WithBus(a.bus),
			monitor.WithLogger(a.log),
			monitor.WithMaxAttempts(maxReconnect(cfg)),
		)
		if !a.mon.Start(run) {
			a.log.Warn("docker event stream not open yet; polling covers the gap")
		}
	} else {
		a.log.Info("docker events disabled; polling only", logx.String("poll", pollSpec(cfg)))
	}

	a.srv.Start(run)

	events, unsub := a.bus.Subscribe(256,
		eventbus.TypeProcessStarted,
		eventbus.TypeProcessExited,
		eventbus.TypeMonitorDegraded,
		eventbus.TypeConfigReloaded,
	)
	lc := &lifecycle{store: a.store, log: a.log}
	a.sup.Go0("eventbus.lifecycle", func(c context.Context) {
		defer unsub()
		lc.run(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })
	a.sup.Go0("docker.probe", a.probeDocker)

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("stacks_dir", cfg.Docker.StacksRoot()),
		logx.Int("stacks", len(a.dir.List())),
	)
	return nil
}

// reloadLoop applies hot-reloadable sections. Bursts are coalesced to the
// newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.apply(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(newCfg))
	if err := a.pub.UpdateBatchConfig(batchPatch(newCfg)); err != nil {
		a.log.Warn("invalid publisher config; keeping previous", logx.Err(err))
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: a.clock.Now(), Data: eventbus.ConfigReloaded{Changed: sections}})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	step("monitor", time.Second, func(context.Context) error {
		if a.mon != nil {
			a.mon.Close()
		}
		if a.coord != nil {
			a.coord.Close()
		}
		return nil
	})
	step("processes", time.Second, func(context.Context) error {
		a.procs.CloseAll()
		return nil
	})
	// flush before the transport goes away so observers get the tail
	step("publisher.flush", time.Second, func(context.Context) error {
		if n := a.pub.FlushAll(); n > 0 {
			a.log.Debug("flushed pending batches", logx.Int("topics", n))
		}
		return nil
	})
	step("server", 3*time.Second, func(c context.Context) error { a.srv.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		a.sup.Cancel()
		return a.sup.Wait(c)
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Int("bus_dropped", int(a.bus.Dropped())))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
