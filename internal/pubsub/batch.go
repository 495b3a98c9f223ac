package pubsub

// enqueueLocked appends e to the topic buffer and flushes on size, or arms
// the topic timer if none is pending. A non-positive MaxBatchSize flushes
// every entry immediately.
func (p *Publisher) enqueueLocked(t *topicState, e batchEntry) {
	t.buf = append(t.buf, e)
	if len(t.buf) >= p.cfg.MaxBatchSize {
		p.flushLocked(t)
		return
	}
	if t.timer != nil {
		return
	}
	t.timerGen++
	gen := t.timerGen
	t.timer = p.clock.AfterFunc(p.cfg.BatchTimeout, func() { p.onBatchTimer(t, gen) })
}

func (p *Publisher) onBatchTimer(t *topicState, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// The topic may have been emptied or flushed since the timer was armed.
	if p.topics[t.name] != t || t.timer == nil || t.timerGen != gen {
		return
	}
	t.timer = nil
	p.flushLocked(t)
}

// flushLocked delivers the buffer as at most two envelopes, write entries
// first, and always leaves the topic with an empty buffer and no timer.
func (p *Publisher) flushLocked(t *topicState) {
	buf := t.buf
	p.resetBatchLocked(t)
	if len(buf) == 0 {
		return
	}

	var writes []WriteEntry
	var others []EventEntry
	for _, e := range buf {
		if e.ev.Kind == KindTerminalWrite {
			writes = append(writes, WriteEntry{Source: e.ev.Source, Data: asString(e.ev.Data), Timestamp: e.at})
			continue
		}
		others = append(others, EventEntry{Kind: e.ev.Kind, Data: e.ev.Data, Timestamp: e.at})
	}

	msgs := make([]Message, 0, 2)
	if len(writes) > 0 {
		msgs = append(msgs, Message{Topic: t.name, Event: EventBatchWrite, Data: writes})
	}
	if len(others) > 0 {
		msgs = append(msgs, Message{Topic: t.name, Event: EventBatchEvents, Data: others})
	}
	p.sendLocked(t, msgs...)
}

func (p *Publisher) resetBatchLocked(t *topicState) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.buf = nil
}
