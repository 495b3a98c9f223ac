package process

import "os"

// SpawnOptions describes a command to start. OnData and OnExit are part of
// the options so no output can be produced before the sinks exist.
//
// OnData receives chunks in order from a single goroutine. OnExit is called
// exactly once, after the last OnData.
type SpawnOptions struct {
	Name string
	File string
	Args []string
	Dir  string
	Env  []string
	Cols int
	Rows int

	OnData func(chunk []byte)
	OnExit func(code int)
}

// Handle controls a spawned command.
type Handle interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Signal(sig os.Signal) error
}

// Runner starts commands. The production implementation lives in
// process/pty.
type Runner interface {
	Spawn(opts SpawnOptions) (Handle, error)
}
