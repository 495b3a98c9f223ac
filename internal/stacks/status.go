package stacks

import "strings"

// Status is the coarse state of a stack. Values match the numeric codes
// observers already understand.
type Status int

const (
	StatusUnknown      Status = 0
	StatusCreatedFile  Status = 1
	StatusCreatedStack Status = 2
	StatusRunning      Status = 3
	StatusExited       Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusCreatedFile:
		return "created_file"
	case StatusCreatedStack:
		return "created_stack"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// StatusFromCompose maps a `docker compose ls` status such as
// "running(2)" or "exited(1), running(1)". Any exited container marks the
// whole stack exited.
func StatusFromCompose(s string) Status {
	switch {
	case strings.HasPrefix(s, "created"):
		return StatusCreatedStack
	case strings.Contains(s, "exited"):
		return StatusExited
	case strings.HasPrefix(s, "running"):
		return StatusRunning
	default:
		return StatusUnknown
	}
}
