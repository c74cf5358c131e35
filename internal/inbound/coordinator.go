package inbound

import (
	"fmt"
	"sync"
	"time"

	"chatflow/internal/domain"
	"chatflow/internal/eventbus"
	logx "chatflow/pkg/logx"
)

// buffer is the per-key state. The timer handle is owned exclusively by the
// buffer: it is cancelled and replaced on every append that does not trigger
// an immediate flush.
type buffer struct {
	key     string
	msgs    []domain.Message
	firstAt time.Time
	timer   *time.Timer
	gen     uint64
}

// Coordinator converts a stream of per-message events into a stream of
// per-key batches. It owns the buffer store and every pending timer.
type Coordinator struct {
	cfg      Config
	dispatch DispatchFunc
	onError  ErrorFunc
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.Mutex
	store   map[string]*buffer
	gen     uint64
	stopped bool
}

// New builds a Coordinator. dispatch must be non-nil; onError and bus may be
// nil (signals are then only logged).
func New(cfg Config, dispatch DispatchFunc, onError ErrorFunc, bus eventbus.Bus, log logx.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		dispatch: dispatch,
		onError:  onError,
		bus:      bus,
		log:      log,
		store:    map[string]*buffer{},
	}
}

// OnMessage buffers one message for key. It either creates a fresh buffer
// with a new debounce timer, extends an existing buffer's window, or flushes
// immediately once the buffer reaches MaxBatchSize (size beats time).
func (c *Coordinator) OnMessage(key string, msg domain.Message) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Warn("message after shutdown dropped", logx.String("key", key))
		return
	}

	b, ok := c.store[key]
	if !ok {
		// A size limit of one means every message is already a full batch;
		// it never buffers or waits on a timer.
		if *c.cfg.FlushOnMaxSize && c.cfg.MaxBatchSize == 1 {
			c.mu.Unlock()
			c.emit(key, []domain.Message{msg})
			return
		}
		c.gen++
		b = &buffer{key: key, msgs: []domain.Message{msg}, firstAt: time.Now(), gen: c.gen}
		c.store[key] = b
		c.armTimerLocked(b)
		c.mu.Unlock()
		return
	}

	b.msgs = append(b.msgs, msg)
	n := len(b.msgs)

	// Growth outpacing the flush cadence is reported but never drops the
	// message; dropping would silently break at-least-once delivery. The
	// signal fires as soon as the buffer reaches twice the batch limit.
	if n >= 2*c.cfg.MaxBatchSize {
		err := &OverflowError{Key: key, Buffered: n, Limit: 2 * c.cfg.MaxBatchSize}
		batch := append([]domain.Message(nil), b.msgs...)
		c.mu.Unlock()
		c.log.Warn("inbound buffer overflow", logx.String("key", key), logx.Int("buffered", n))
		c.report(err, batch)
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeInboundOverflow, Data: err})
		}
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		b, ok = c.store[key]
		if !ok {
			c.mu.Unlock()
			return
		}
	}

	if *c.cfg.FlushOnMaxSize && len(b.msgs) >= c.cfg.MaxBatchSize {
		batch := c.removeLocked(b)
		c.mu.Unlock()
		c.emit(key, batch)
		return
	}

	// Debounce: each new message extends the waiting window.
	c.rearmTimerLocked(b)
	c.mu.Unlock()
}

// Flush forces an immediate flush of key's buffer, if present.
func (c *Coordinator) Flush(key string) {
	c.mu.Lock()
	b, ok := c.store[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	batch := c.removeLocked(b)
	c.mu.Unlock()
	c.emit(key, batch)
}

// Pending reports the number of messages currently buffered for key.
func (c *Coordinator) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.store[key]; ok {
		return len(b.msgs)
	}
	return 0
}

// Shutdown cancels every outstanding timer across all keys. No flush for any
// key occurs automatically after it returns; still-buffered messages are
// reported through the error path so callers get a complete accounting.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	dropped := make([]*buffer, 0, len(c.store))
	for _, b := range c.store {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		dropped = append(dropped, b)
	}
	c.store = map[string]*buffer{}
	c.mu.Unlock()

	for _, b := range dropped {
		c.log.Warn("shutdown with unflushed buffer", logx.String("key", b.key), logx.Int("pending", len(b.msgs)))
		c.report(fmt.Errorf("coordinator shutdown with %d unflushed messages for %q", len(b.msgs), b.key), b.msgs)
	}
}

// armTimerLocked starts the debounce timer for a fresh buffer. The generation
// check in the callback guards against a stale fire acting on a newer buffer
// that reused the same key.
func (c *Coordinator) armTimerLocked(b *buffer) {
	key, gen := b.key, b.gen
	b.timer = time.AfterFunc(c.cfg.BufferTime, func() {
		c.flushExpired(key, gen)
	})
}

func (c *Coordinator) rearmTimerLocked(b *buffer) {
	if b.timer != nil {
		b.timer.Stop()
	}
	// Stop does not help against a callback that already fired and is waiting
	// on the mutex; a fresh generation makes that callback a no-op so the
	// extended window is not cut short.
	c.gen++
	b.gen = c.gen
	c.armTimerLocked(b)
}

// flushExpired is the timer path. The buffer may already be gone: a size
// trigger can race the same tick, so existence (and generation) is re-checked
// before acting.
func (c *Coordinator) flushExpired(key string, gen uint64) {
	c.mu.Lock()
	b, ok := c.store[key]
	if !ok || b.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	batch := c.removeLocked(b)
	c.mu.Unlock()
	c.emit(key, batch)
}

// removeLocked detaches the buffer from the store and stops its timer. The
// entry is gone before the batch is handed onward, so a re-entrant message
// for the same key starts a fresh buffer.
func (c *Coordinator) removeLocked(b *buffer) []domain.Message {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	delete(c.store, b.key)
	return b.msgs
}

// emit hands one batch to the dispatcher. Handler panics and errors are
// contained per flush: they reach the error path and never disturb another
// key's buffer or another in-flight flush.
func (c *Coordinator) emit(key string, batch []domain.Message) {
	if len(batch) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("flush handler panic", logx.String("key", key), logx.Any("panic", r))
			c.report(fmt.Errorf("flush handler panic for %q: %v", key, r), batch)
		}
	}()

	c.log.Debug("flushing buffer", logx.String("key", key), logx.Int("size", len(batch)))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeInboundFlush, Data: map[string]any{"key": key, "size": len(batch)}})
	}

	if err := c.dispatch(key, batch); err != nil {
		c.log.Error("flush dispatch failed", logx.String("key", key), logx.Int("size", len(batch)), logx.Err(err))
		c.report(err, batch)
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeHandlerError, Data: err})
		}
	}
}

func (c *Coordinator) report(err error, batch []domain.Message) {
	if c.onError == nil {
		return
	}
	func() {
		defer func() { _ = recover() }()
		c.onError(err, batch)
	}()
}
