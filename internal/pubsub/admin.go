package pubsub

import (
	"context"
	"fmt"
	"sort"

	"stackcast/pkg/logx"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec is the cron schedule for CleanupInactive.
const DefaultSweepSpec = "@every 5m"

// Topics returns the names of all topics with at least one member, sorted.
func (p *Publisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.topics))
	for name := range p.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Publisher) BatchConfig() BatchConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// UpdateBatchConfig applies a partial update. The patch is validated as a
// whole before anything changes.
func (p *Publisher) UpdateBatchConfig(patch BatchPatch) error {
	if patch.MaxBatchSize != nil && *patch.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: maxBatchSize must be positive, got %d", ErrInvalidConfig, *patch.MaxBatchSize)
	}
	if patch.BatchTimeout != nil && *patch.BatchTimeout <= 0 {
		return fmt.Errorf("%w: batchTimeout must be positive, got %s", ErrInvalidConfig, *patch.BatchTimeout)
	}

	p.mu.Lock()
	if patch.MaxBatchSize != nil {
		p.cfg.MaxBatchSize = *patch.MaxBatchSize
	}
	if patch.BatchTimeout != nil {
		p.cfg.BatchTimeout = *patch.BatchTimeout
	}
	if patch.Enabled != nil {
		p.cfg.Enabled = *patch.Enabled
	}
	cfg := p.cfg
	p.mu.Unlock()

	p.log.Info("batch config updated",
		logx.Int("max_batch_size", cfg.MaxBatchSize),
		logx.Duration("batch_timeout", cfg.BatchTimeout),
		logx.Bool("enabled", cfg.Enabled),
	)
	return nil
}

// FlushAll flushes every non-empty topic buffer and returns how many were
// flushed.
func (p *Publisher) FlushAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pending []*topicState
	for _, t := range p.topics {
		if len(t.buf) > 0 {
			pending = append(pending, t)
		}
	}
	for _, t := range pending {
		p.flushLocked(t)
	}
	return len(pending)
}

// CleanupInactive forgets every subscriber that reports itself disconnected
// and returns how many were removed.
func (p *Publisher) CleanupInactive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var dead []string
	for id, e := range p.subs {
		if !e.sub.Connected() {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		p.dropLocked(id)
	}
	if len(dead) > 0 {
		p.log.Info("inactive subscribers cleaned", logx.Int("count", len(dead)))
	}
	return len(dead)
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		TotalTopics:      len(p.topics),
		TotalSubscribers: len(p.subs),
		Topics:           make([]TopicStats, 0, len(p.topics)),
	}
	for _, e := range p.subs {
		if e.sub.Connected() {
			st.ActiveSubscribers++
		}
	}
	for name, t := range p.topics {
		if len(t.buf) > 0 {
			st.BatchBufferSize++
		}
		if t.timer != nil {
			st.ActiveBatchTimers++
		}
		st.Topics = append(st.Topics, TopicStats{
			Topic:             name,
			TotalSubscribers:  len(t.members),
			ActiveSubscribers: p.activeLocked(t),
			HasBatchBuffer:    len(t.buf) > 0,
			Buffered:          len(t.buf),
		})
	}
	sort.Slice(st.Topics, func(i, j int) bool { return st.Topics[i].Topic < st.Topics[j].Topic })
	return st
}

// StartSweep runs CleanupInactive on a cron schedule until ctx is done.
// An empty spec uses DefaultSweepSpec. Calling it again replaces the
// previous schedule.
func (p *Publisher) StartSweep(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { p.CleanupInactive() }); err != nil {
		return fmt.Errorf("pubsub: sweep schedule %q: %w", spec, err)
	}

	p.mu.Lock()
	prev := p.sweep
	p.sweep = c
	p.mu.Unlock()
	if prev != nil {
		<-prev.Stop().Done()
	}

	c.Start()
	p.log.Debug("sweep started", logx.String("spec", spec))

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		if p.sweep == c {
			p.sweep = nil
		}
		p.mu.Unlock()
		<-c.Stop().Done()
	}()
	return nil
}
