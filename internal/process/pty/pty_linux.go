//go:build linux

package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"stackcast/internal/process"
	"stackcast/pkg/logx"

	"golang.org/x/sys/unix"
)

const readBufferSize = 4096

// Runner implements process.Runner.
type Runner struct {
	log logx.Logger
	// Term is exported to children as TERM.
	Term string
}

func New(log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{log: log.With(logx.String("comp", "pty")), Term: "xterm-256color"}
}

func (r *Runner) Spawn(opts process.SpawnOptions) (process.Handle, error) {
	if opts.OnData == nil || opts.OnExit == nil {
		return nil, errors.New("pty: OnData and OnExit are required")
	}
	path, err := exec.LookPath(opts.File)
	if err != nil {
		return nil, fmt.Errorf("pty: %w", err)
	}

	master, slavePath, err := openPTY()
	if err != nil {
		return nil, err
	}
	slave, err := os.OpenFile(slavePath, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("pty: open %s: %w", slavePath, err)
	}
	if opts.Cols > 0 && opts.Rows > 0 {
		if err := setWindowSize(int(master.Fd()), opts.Cols, opts.Rows); err != nil {
			r.log.Debug("initial window size failed", logx.Err(err))
		}
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM="+r.Term)
	cmd.Env = append(cmd.Env, opts.Env...)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("pty: start %s: %w", opts.File, err)
	}
	// The child holds its own copies on fd 0-2.
	slave.Close()

	h := &handle{master: master, cmd: cmd}
	go h.pump(opts.OnData, opts.OnExit)
	return h, nil
}

type handle struct {
	master *os.File
	cmd    *exec.Cmd

	mu     sync.Mutex
	closed bool
}

// pump forwards output until the slave side closes, then reaps the child.
// OnExit runs after the last OnData.
func (h *handle) pump(onData func([]byte), onExit func(int)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := h.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			// EIO once every slave fd is closed.
			break
		}
	}
	code := exitCode(h.cmd.Wait())

	h.mu.Lock()
	h.closed = true
	h.master.Close()
	h.mu.Unlock()

	onExit(code)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ee.ExitCode()
}

func (h *handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, os.ErrClosed
	}
	return h.master.Write(p)
}

func (h *handle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return os.ErrClosed
	}
	return setWindowSize(int(h.master.Fd()), cols, rows)
}

func (h *handle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return h.cmd.Process.Signal(sig)
}

// openPTY allocates a master/slave pair through /dev/ptmx and returns the
// master with the slave's path.
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}
	fd := int(master.Fd())

	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get PTY number (TIOCGPTN): %w", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}

func setWindowSize(fd, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return fmt.Errorf("pty: invalid size %dx%d", cols, rows)
	}
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Col: uint16(cols), Row: uint16(rows)})
}
