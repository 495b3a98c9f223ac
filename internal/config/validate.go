package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

const (
	DefaultStacksDir = "/opt/stacks"
	DefaultSocket    = "/var/run/docker.sock"
)

var validLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Validate reports every problem in cfg as one joined error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) { _, err := ParseDurationField(path, raw); add(err) }
	spec := func(path, raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		if _, err := cron.ParseStandard(raw); err != nil {
			add(fmt.Errorf("%s: invalid schedule %q: %w", path, raw, err))
		}
	}

	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !validLevels[strings.ToLower(cfg.Logging.Telegram.MinLevel)] {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("logging.telegram: requires telegram.token"))
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" && cfg.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id: required when a token is set"))
	}

	if cfg.Server.ClientQueue < 0 {
		add(errors.New("server.client_queue: must be >= 0"))
	}
	dur("server.heartbeat", cfg.Server.Heartbeat)
	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)

	if cfg.Publisher.MaxBatchSize < 0 {
		add(errors.New("publisher.max_batch_size: must be >= 0"))
	}
	dur("publisher.batch_timeout", cfg.Publisher.BatchTimeout)
	spec("publisher.sweep", cfg.Publisher.Sweep)

	for path, n := range map[string]int{
		"process.buffer_chunks": cfg.Process.BufferChunks,
		"process.rows":          cfg.Process.Rows,
		"process.cols":          cfg.Process.Cols,
		"process.progress_rows": cfg.Process.ProgressRows,
	} {
		if n < 0 {
			add(fmt.Errorf("%s: must be >= 0", path))
		}
	}
	dur("process.keep_alive_interval", cfg.Process.KeepAliveInterval)
	dur("process.active_check_interval", cfg.Process.ActiveCheckInterval)

	if cfg.Docker.MaxReconnect < 0 {
		add(errors.New("docker.max_reconnect: must be >= 0"))
	}
	spec("docker.poll", cfg.Docker.Poll)
	dur("docker.debounce", cfg.Docker.Debounce)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}
	return errors.Join(errs...)
}

// BatchEnabled reports the effective enable_batch value.
func (c PublisherConfig) BatchEnabled() bool {
	return c.EnableBatch == nil || *c.EnableBatch
}

// EventsEnabled reports the effective enable_events value.
func (c DockerConfig) EventsEnabled() bool {
	return c.EnableEvents == nil || *c.EnableEvents
}

func (c DockerConfig) StacksRoot() string {
	if s := strings.TrimSpace(c.StacksDir); s != "" {
		return s
	}
	return DefaultStacksDir
}

func (c DockerConfig) SocketPath() string {
	if s := strings.TrimSpace(c.Socket); s != "" {
		return s
	}
	return DefaultSocket
}
