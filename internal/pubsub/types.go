package pubsub

import (
	"errors"
	"time"
)

var (
	ErrInvalidTopic  = errors.New("pubsub: invalid topic")
	ErrInvalidConfig = errors.New("pubsub: invalid batch config")
)

// Kind tags every published event. It decides whether the event may be
// batched and which envelope it lands in on flush.
type Kind string

const (
	KindTerminalWrite Kind = "terminalWrite"
	KindTerminalData  Kind = "terminalData"
	KindTerminalExit  Kind = "terminalExit"
	KindStackList     Kind = "stackList"
)

// Batchable reports whether events of this kind go through the batch buffer.
func (k Kind) Batchable() bool {
	return k == KindTerminalWrite || k == KindTerminalData
}

// Envelope event names emitted on flush.
const (
	EventBatchWrite  = "batchTerminalWrite"
	EventBatchEvents = "batchEvents"
)

// Event is the unit handed to Publish. Source names the producing process
// (empty for non-process events). For KindTerminalWrite Data is the raw
// output chunk as a string.
type Event struct {
	Kind   Kind
	Source string
	Data   any
}

// Message is what a Subscriber receives.
type Message struct {
	Topic string `json:"topic"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WriteEntry is one element of a batchTerminalWrite envelope. It is also the
// payload of an immediately delivered terminalWrite.
type WriteEntry struct {
	Source    string `json:"source"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// EventEntry is one element of a batchEvents envelope.
type EventEntry struct {
	Kind      Kind  `json:"kind"`
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// Subscriber is an observer connection owned by the transport.
//
// Emit must not block and must not call back into the Publisher; transports
// queue the message and mark themselves disconnected when they cannot.
// Disconnect hooks are invoked by the transport from its own goroutine.
type Subscriber interface {
	ID() string
	Connected() bool
	OnDisconnect(fn func())
	Emit(m Message)
}

// BatchConfig controls write coalescing. It is process-wide and mutable at
// runtime through UpdateBatchConfig.
type BatchConfig struct {
	MaxBatchSize int           `json:"maxBatchSize"`
	BatchTimeout time.Duration `json:"batchTimeout"`
	Enabled      bool          `json:"enableBatch"`
}

// DefaultBatchConfig is used for zero fields passed to New.
var DefaultBatchConfig = BatchConfig{
	MaxBatchSize: 50,
	BatchTimeout: 100 * time.Millisecond,
	Enabled:      true,
}

// BatchPatch is a partial BatchConfig update. Nil fields keep their value.
type BatchPatch struct {
	MaxBatchSize *int
	BatchTimeout *time.Duration
	Enabled      *bool
}

// Stats is a point-in-time view of the broker.
type Stats struct {
	TotalTopics       int          `json:"totalTopics"`
	TotalSubscribers  int          `json:"totalSubscribers"`
	ActiveSubscribers int          `json:"activeSubscribers"`
	BatchBufferSize   int          `json:"batchBufferSize"`
	ActiveBatchTimers int          `json:"activeBatchTimers"`
	Topics            []TopicStats `json:"topicStats"`
}

type TopicStats struct {
	Topic             string `json:"topic"`
	TotalSubscribers  int    `json:"totalSubscribers"`
	ActiveSubscribers int    `json:"activeSubscribers"`
	HasBatchBuffer    bool   `json:"hasBatchBuffer"`
	Buffered          int    `json:"buffered"`
}
