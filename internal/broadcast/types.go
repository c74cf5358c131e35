package broadcast

import (
	"time"

	"chatflow/internal/domain"
)

const (
	defaultBatchSize         = 50
	defaultConcurrencyLimit  = 10
	defaultMessagesPerMinute = 600
	defaultMessagesPerSecond = 10
)

// Config carries the service-wide throughput budget and defaults. Per-call
// Options override everything here.
type Config struct {
	// MessagesPerMinute is the external budget DelayBetweenBatches is derived
	// from when a call does not set it explicitly.
	MessagesPerMinute int

	// MessagesPerSecond is the budget MinDelayBetweenMessages is derived from.
	MessagesPerSecond int

	BatchSize        int
	ConcurrencyLimit int
	StopOnError      bool
}

func (c Config) withDefaults() Config {
	if c.MessagesPerMinute <= 0 {
		c.MessagesPerMinute = defaultMessagesPerMinute
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = defaultConcurrencyLimit
	}
	return c
}

// Options tunes one dispatch call. Zero values fall back to the service
// Config (and from there to package defaults).
type Options struct {
	BatchSize        int
	ConcurrencyLimit int

	// DelayBetweenBatches is the pacing target per batch. When zero it is
	// derived as ceil(60000/MessagesPerMinute)*BatchSize milliseconds.
	DelayBetweenBatches time.Duration

	// MinDelayBetweenMessages spaces out individual send issuance. When zero
	// it is derived from the MessagesPerSecond budget.
	MinDelayBetweenMessages time.Duration

	// StopOnError aborts the job on the first failed send. Sends already
	// issued still complete; nothing further starts.
	StopOnError bool

	// OnProgress is invoked with a snapshot after every completed batch.
	OnProgress func(Progress)

	// OnMessageSent is invoked once per settled send, in settlement order.
	OnMessageSent func(domain.SendResult)
}

// options is the fully resolved form used by the run loop.
type options struct {
	batchSize     int
	concurrency   int
	batchDelay    time.Duration
	minDelay      time.Duration
	stopOnError   bool
	onProgress    func(Progress)
	onMessageSent func(domain.SendResult)
}

func resolveOptions(cfg Config, o Options) options {
	r := options{
		batchSize:     o.BatchSize,
		concurrency:   o.ConcurrencyLimit,
		batchDelay:    o.DelayBetweenBatches,
		minDelay:      o.MinDelayBetweenMessages,
		stopOnError:   o.StopOnError || cfg.StopOnError,
		onProgress:    o.OnProgress,
		onMessageSent: o.OnMessageSent,
	}
	if r.batchSize <= 0 {
		r.batchSize = cfg.BatchSize
	}
	if r.concurrency <= 0 {
		r.concurrency = cfg.ConcurrencyLimit
	}
	if r.minDelay <= 0 {
		r.minDelay = time.Second / time.Duration(cfg.MessagesPerSecond)
	}
	if r.batchDelay <= 0 {
		perMsgMs := (60_000 + cfg.MessagesPerMinute - 1) / cfg.MessagesPerMinute
		r.batchDelay = time.Duration(perMsgMs*r.batchSize) * time.Millisecond
	}
	return r
}

// Result is the final accounting of one dispatch call.
// Successful + Failed + Pending always equals Total; Pending is non-zero only
// for aborted jobs.
type Result struct {
	JobID      string
	Total      int
	Successful int
	Failed     int
	Pending    int
	Aborted    bool
	Results    []domain.SendResult
	StartedAt  time.Time
	EndedAt    time.Time
	Duration   time.Duration
}
