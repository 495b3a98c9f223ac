package app

import (
	"context"
	"time"

	"stackcast/internal/eventbus"
	"stackcast/internal/storage"
	"stackcast/pkg/logx"
)

// lifecycle consumes the internal bus: finished processes become run
// records and a degraded event monitor raises an operator alert.
type lifecycle struct {
	store storage.Store
	log   logx.Logger
}

func (l *lifecycle) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			l.handle(ctx, e)
		}
	}
}

func (l *lifecycle) handle(ctx context.Context, e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.ProcessStarted:
		l.log.Debug("process started", logx.String("process", d.Name), logx.Strings("args", d.Args))
	case eventbus.ProcessExited:
		lvl := l.log.Debug
		if d.ExitCode != 0 {
			lvl = l.log.Info
		}
		lvl("process exited",
			logx.String("process", d.Name),
			logx.Int("code", d.ExitCode),
			logx.Duration("ran", d.EndedAt.Sub(d.StartedAt)),
		)
		l.record(ctx, d)
	case eventbus.MonitorDegraded:
		l.log.Error("docker event stream gave up; relying on polling",
			logx.Int("attempts", d.Attempts),
			logx.String("err", d.LastErr),
		)
	case eventbus.ConfigReloaded:
		l.log.Debug("event", logx.String("type", e.Type), logx.Strings("changed", d.Changed))
	default:
		l.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (l *lifecycle) record(ctx context.Context, d eventbus.ProcessExited) {
	if l.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := l.store.AppendRun(wctx, storage.RunRecord{
		Name:      d.Name,
		File:      d.File,
		Args:      d.Args,
		ExitCode:  d.ExitCode,
		StartedAt: d.StartedAt,
		EndedAt:   d.EndedAt,
		Tail:      d.Tail,
	})
	if err != nil {
		l.log.Warn("failed to record run", logx.String("process", d.Name), logx.Err(err))
	}
}
