package eventbus

import "time"

const (
	TypeProcessStarted  = "process.started"
	TypeProcessExited   = "process.exited"
	TypeMonitorDegraded = "monitor.degraded"
	TypeConfigReloaded  = "config.reloaded"
)

type ProcessStarted struct {
	Name      string
	File      string
	Args      []string
	StartedAt time.Time
}

// ProcessExited carries enough to persist a run record.
type ProcessExited struct {
	Name      string
	File      string
	Args      []string
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
	// Tail is the replay buffer at exit time.
	Tail string
}

type MonitorDegraded struct {
	Attempts int
	LastErr  string
}

// ConfigReloaded lists the sections that changed.
type ConfigReloaded struct {
	Changed []string
}
