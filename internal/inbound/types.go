package inbound

import (
	"fmt"
	"time"

	"chatflow/internal/domain"
)

const (
	defaultBufferTime   = 5 * time.Second
	defaultMaxBatchSize = 100
)

// Config controls buffering behavior.
//
// All zero values fall back to defaults at construction time.
type Config struct {
	// BufferTime is the debounce window. Every message that does not trigger
	// an immediate flush restarts it.
	BufferTime time.Duration

	// MaxBatchSize forces a flush the moment a buffer reaches this length.
	MaxBatchSize int

	// FlushOnMaxSize disables the size trigger when explicitly set to false;
	// the timer then remains the only flush path and the overflow guard is
	// the load signal. Nil means enabled.
	FlushOnMaxSize *bool
}

func (c Config) withDefaults() Config {
	if c.BufferTime <= 0 {
		c.BufferTime = defaultBufferTime
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.FlushOnMaxSize == nil {
		t := true
		c.FlushOnMaxSize = &t
	}
	return c
}

// DispatchFunc receives one key's flushed batch, in arrival order.
type DispatchFunc func(key string, batch []domain.Message) error

// ErrorFunc receives failures that must not interrupt other keys: overflow
// signals and handler errors, together with the batch that caused them.
type ErrorFunc func(err error, batch []domain.Message)

// OverflowError signals that one key's buffer is growing faster than it is
// being flushed. It is a monitoring signal, not a rejection: the message that
// tripped it is still buffered and will still be flushed.
type OverflowError struct {
	Key      string
	Buffered int
	Limit    int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("inbound buffer overflow for %q: %d buffered, limit %d", e.Key, e.Buffered, e.Limit)
}
