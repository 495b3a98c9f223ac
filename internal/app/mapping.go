package app

import (
	"strings"
	"time"

	"stackcast/internal/config"
	"stackcast/internal/docker"
	"stackcast/internal/monitor"
	"stackcast/internal/process"
	"stackcast/internal/pubsub"
	"stackcast/internal/stacks"
	"stackcast/internal/storage"
	"stackcast/internal/transport/sse"
	"stackcast/internal/transport/telegram"
	"stackcast/pkg/logx"
)

// The mappers below assume cfg passed config.Validate.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, bool) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return telegram.Config{}, false
	}
	return telegram.Config{
		Token:    cfg.Telegram.Token,
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: cfg.Telegram.ThreadID,
	}, true
}

func mapServer(cfg *config.Config) sse.Config {
	s := cfg.Server
	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		addr = sse.DefaultAddr
	}
	return sse.Config{
		Addr:          addr,
		Token:         strings.TrimSpace(s.Token),
		AllowInsecure: s.AllowInsecure,
		ClientQueue:   config.IntOr(s.ClientQueue, 256),
		Heartbeat:     config.DurationOr(s.Heartbeat, 15*time.Second),
		ReadTimeout:   config.DurationOr(s.ReadTimeout, 0),
		IdleTimeout:   config.DurationOr(s.IdleTimeout, 120*time.Second),
		Pprof:         s.Pprof,
	}
}

func mapBatch(cfg *config.Config) pubsub.BatchConfig {
	p := cfg.Publisher
	return pubsub.BatchConfig{
		MaxBatchSize: config.IntOr(p.MaxBatchSize, pubsub.DefaultBatchConfig.MaxBatchSize),
		BatchTimeout: config.DurationOr(p.BatchTimeout, pubsub.DefaultBatchConfig.BatchTimeout),
		Enabled:      p.BatchEnabled(),
	}
}

// batchPatch turns a reloaded publisher section into a full patch.
func batchPatch(cfg *config.Config) pubsub.BatchPatch {
	b := mapBatch(cfg)
	return pubsub.BatchPatch{MaxBatchSize: &b.MaxBatchSize, BatchTimeout: &b.BatchTimeout, Enabled: &b.Enabled}
}

func sweepSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Publisher.Sweep); s != "" {
		return s
	}
	return pubsub.DefaultSweepSpec
}

func mapProcess(cfg *config.Config) process.Config {
	p := cfg.Process
	d := process.DefaultConfig
	return process.Config{
		BufferChunks:        config.IntOr(p.BufferChunks, d.BufferChunks),
		KeepAliveInterval:   config.DurationOr(p.KeepAliveInterval, d.KeepAliveInterval),
		StreamCheckInterval: config.DurationOr(p.ActiveCheckInterval, d.StreamCheckInterval),
		Rows:                config.IntOr(p.Rows, d.Rows),
		Cols:                config.IntOr(p.Cols, d.Cols),
		ProgressRows:        config.IntOr(p.ProgressRows, d.ProgressRows),
	}
}

func mapDocker(cfg *config.Config) docker.Config {
	bin := strings.TrimSpace(cfg.Docker.Binary)
	if bin == "" {
		bin = docker.DefaultBinary
	}
	return docker.Config{Socket: cfg.Docker.SocketPath(), Binary: bin}
}

func mapStacks(cfg *config.Config) stacks.Config {
	d := mapDocker(cfg)
	return stacks.Config{
		Root:   cfg.Docker.StacksRoot(),
		Binary: d.Binary,
		Ignore: cfg.Docker.Ignore,
	}
}

func pollSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Docker.Poll); s != "" {
		return s
	}
	return stacks.DefaultPollSpec
}

func maxReconnect(cfg *config.Config) int {
	return config.IntOr(cfg.Docker.MaxReconnect, monitor.DefaultMaxAttempts)
}

func debounceWindow(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Docker.Debounce, monitor.DefaultDebounce)
}

func mapStorage(cfg *config.Config) (storage.Config, bool) {
	if cfg.Storage == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, time.Second),
	}, true
}
