package config

import "time"

type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	HTTP     HTTPConfig      `json:"http"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Inbound   InboundConfig   `json:"inbound"`
	Broadcast BroadcastConfig `json:"broadcast"`

	// Storage is the optional broadcast archive. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Schedules are recurring broadcasts fired on cron expressions.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the webhook/API listener.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
}

// TelegramConfig configures the telebot-backed sender. The section is
// optional: without it the daemon runs with a log-only sender.
type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// InboundConfig controls message aggregation.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - buffering: true
//   - buffer_time: "5s"
//   - max_batch_size: 100
//   - flush_on_max_size: true
type InboundConfig struct {
	// Buffering is a pointer so we can distinguish "omitted" (default true)
	// from an explicit false (handlers then always get single messages).
	Buffering *bool `json:"buffering,omitempty"`

	BufferTime   string `json:"buffer_time,omitempty"`
	MaxBatchSize int    `json:"max_batch_size,omitempty"`

	FlushOnMaxSize *bool `json:"flush_on_max_size,omitempty"`
}

// BroadcastConfig carries the outbound throughput budget.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 50
//   - concurrency_limit: 10
//   - messages_per_minute: 600
//   - messages_per_second: 10
//   - stop_on_error: false
type BroadcastConfig struct {
	BatchSize         int  `json:"batch_size,omitempty"`
	ConcurrencyLimit  int  `json:"concurrency_limit,omitempty"`
	MessagesPerMinute int  `json:"messages_per_minute,omitempty"`
	MessagesPerSecond int  `json:"messages_per_second,omitempty"`
	StopOnError       bool `json:"stop_on_error,omitempty"`
}

// StorageConfig controls the sqlite broadcast archive.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ScheduleConfig is one recurring broadcast.
type ScheduleConfig struct {
	Name       string   `json:"name"`
	Cron       string   `json:"cron"` // standard 5-field cron expression
	Recipients []string `json:"recipients"`
	Body       string   `json:"body"`
}

// BufferTimeDuration resolves the inbound debounce window.
func (c InboundConfig) BufferTimeDuration() (time.Duration, error) {
	return ParseDurationOrDefault("inbound.buffer_time", c.BufferTime, 5*time.Second)
}

// BufferingEnabled resolves the tri-state buffering flag.
func (c InboundConfig) BufferingEnabled() bool {
	return c.Buffering == nil || *c.Buffering
}
