package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertMaxLen   = 3500
	alertValueLen = 600
	sendTimeout   = 10 * time.Second
)

// alertSink is a zerolog LevelWriter that forwards selected lines to a
// Sender from a single worker goroutine. Writes never block.
type alertSink struct {
	sender Sender
	queue  chan string

	mu       sync.Mutex
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newAlertSink(sender Sender) *alertSink {
	return &alertSink{
		sender:   sender,
		queue:    make(chan string, alertQueueDepth),
		minLevel: zerolog.WarnLevel,
		done:     make(chan struct{}),
	}
}

func (a *alertSink) configure(cfg AlertConfig) {
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = limiterFor(cfg.RatePerSec)
	a.mu.Unlock()

	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		go a.run(ctx)
	})
}

func (a *alertSink) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			_ = a.sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-a.done
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.NoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	lim, minLevel := a.limiter, a.minLevel
	a.mu.Unlock()

	if lim == nil || level < minLevel || level == zerolog.NoLevel || !lim.Allow() {
		return len(p), nil
	}
	if text := FormatAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// FormatAlert renders one JSON log line for a chat message:
//
//	[WARN] comp: message
//	- key=value
//
// Keys are sorted. The timestamp and caller are dropped. Non-JSON input is
// passed through trimmed.
func FormatAlert(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return clip(line, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString(comp)
		b.WriteString(": ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp", zerolog.CallerFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), alertValueLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
