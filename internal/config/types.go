package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("100ms", "60s").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Server    ServerConfig    `json:"server"`
	Publisher PublisherConfig `json:"publisher"`
	Process   ProcessConfig   `json:"process"`
	Docker    DockerConfig    `json:"docker"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the alert destination. An empty token disables it.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// ServerConfig controls the HTTP/SSE server.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type ServerConfig struct {
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:5101"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ClientQueue   int    `json:"client_queue,omitempty"` // default: 256
	Heartbeat     string `json:"heartbeat,omitempty"`    // default: "15s"
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// PublisherConfig is the initial batch configuration. EnableBatch is a
// pointer so an omitted key keeps the default (true).
type PublisherConfig struct {
	MaxBatchSize int    `json:"max_batch_size,omitempty"`
	BatchTimeout string `json:"batch_timeout,omitempty"`
	EnableBatch  *bool  `json:"enable_batch,omitempty"`
	Sweep        string `json:"sweep,omitempty"` // cron spec, default "@every 5m"
}

type ProcessConfig struct {
	BufferChunks        int    `json:"buffer_chunks,omitempty"`
	KeepAliveInterval   string `json:"keep_alive_interval,omitempty"`
	ActiveCheckInterval string `json:"active_check_interval,omitempty"`
	Rows                int    `json:"rows,omitempty"`
	Cols                int    `json:"cols,omitempty"`
	ProgressRows        int    `json:"progress_rows,omitempty"`
}

type DockerConfig struct {
	Socket       string   `json:"socket,omitempty"`
	Binary       string   `json:"binary,omitempty"`
	StacksDir    string   `json:"stacks_dir"`
	Ignore       []string `json:"ignore,omitempty"`
	MaxReconnect int      `json:"max_reconnect,omitempty"`
	Poll         string   `json:"poll,omitempty"`
	// EnableEvents is a pointer so an omitted key keeps the default (true).
	EnableEvents *bool  `json:"enable_events,omitempty"`
	Debounce     string `json:"debounce,omitempty"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./stackcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
