package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig routes lines at or above MinLevel (default WARN) to the
// Sender, at most RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sender delivers a formatted alert to an operator channel. It must honor
// ctx.
type Sender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile  = "./stackcast.log"
	alertQueueDepth = 256
)

// Service owns the sinks and swaps them on Apply. Loggers derived from it
// pick up the change on their next line.
type Service struct {
	mu   sync.Mutex
	root atomic.Pointer[zerolog.Logger]
	file *os.File
	path string

	alerts *alertSink
}

// New applies cfg and returns the service with its root logger. sender may
// be nil, in which case alert settings are ignored with a warning.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	if sender != nil {
		s.alerts = newAlertSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the writer chain. The log file is only reopened when its
// path changes; a file that fails to open leaves the previous one in use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if w := s.openFile(cfg.File.Path); w != nil {
			writers = append(writers, w)
		}
	} else {
		s.closeFile()
	}
	if cfg.Alert.Enabled {
		if s.alerts == nil {
			fmt.Fprintln(os.Stderr, "logx: alerts enabled but telegram is not configured")
		} else {
			s.alerts.configure(cfg.Alert)
			writers = append(writers, s.alerts)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := newRoot(zerolog.MultiLevelWriter(writers...), cfg.Level)
	s.root.Store(&zl)
}

func (s *Service) openFile(path string) io.Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.path == path {
		return zerolog.SyncWriter(s.file)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		if s.file != nil {
			return zerolog.SyncWriter(s.file)
		}
		return nil
	}
	s.closeFile()
	s.file, s.path = f, path
	return zerolog.SyncWriter(f)
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.path = nil, ""
	}
}

// Close stops the alert worker and closes the log file. Lines logged
// afterwards go to the console only.
func (s *Service) Close() error {
	s.mu.Lock()
	zl := newRoot(consoleWriter(os.Stdout), "")
	s.root.Store(&zl)
	s.closeFile()
	a := s.alerts
	s.mu.Unlock()

	if a != nil {
		a.stop()
	}
	return nil
}

func setGlobals() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
}

func newRoot(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// limiterFor is burst == rate, minimum 1/s.
func limiterFor(perSec int) *rate.Limiter {
	n := max(1, perSec)
	return rate.NewLimiter(rate.Limit(n), n)
}
