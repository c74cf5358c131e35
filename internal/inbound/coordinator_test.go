package inbound

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"chatflow/internal/domain"
	logx "chatflow/pkg/logx"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]domain.Message
	keys    []string
	err     error
}

func (r *flushRecorder) dispatch(key string, batch []domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.batches = append(r.batches, append([]domain.Message(nil), batch...))
	return r.err
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *flushRecorder) batch(i int) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

type errRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errRecorder) record(err error, _ []domain.Message) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *errRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func msg(key, body string) domain.Message {
	return domain.NewMessage(key, domain.KindText, body)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestDebounceCollectsBurstIntoOneFlush(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	c := New(Config{BufferTime: 80 * time.Millisecond, MaxBatchSize: 100}, rec.dispatch, nil, nil, logx.Nop())
	defer c.Shutdown()

	c.OnMessage("k", msg("k", "m1"))
	time.Sleep(30 * time.Millisecond)
	c.OnMessage("k", msg("k", "m2"))
	time.Sleep(30 * time.Millisecond)
	c.OnMessage("k", msg("k", "m3"))

	// Each append extended the window, so nothing has flushed yet.
	if got := rec.count(); got != 0 {
		t.Fatalf("flushed early: %d flushes", got)
	}

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	batch := rec.batch(0)
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if batch[i].Body != want {
			t.Fatalf("batch[%d] = %q, want %q (arrival order must hold)", i, batch[i].Body, want)
		}
	}
	if rec.count() != 1 {
		t.Fatalf("flush count = %d, want exactly 1", rec.count())
	}
}

func TestSizeTriggerFlushesImmediately(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	c := New(Config{BufferTime: 50 * time.Millisecond, MaxBatchSize: 3}, rec.dispatch, nil, nil, logx.Nop())
	defer c.Shutdown()

	for i := 1; i <= 5; i++ {
		c.OnMessage("k", msg("k", fmt.Sprintf("m%d", i)))
	}

	// Size trigger beats the timer: first flush holds exactly messages 1-3.
	if rec.count() < 1 {
		t.Fatal("size trigger did not flush synchronously")
	}
	first := rec.batch(0)
	if len(first) != 3 {
		t.Fatalf("first batch size = %d, want 3", len(first))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if first[i].Body != want {
			t.Fatalf("first[%d] = %q, want %q", i, first[i].Body, want)
		}
	}

	// Messages 4-5 started a fresh buffer and drain on the timer.
	waitFor(t, time.Second, func() bool { return rec.count() == 2 })
	second := rec.batch(1)
	if len(second) != 2 || second[0].Body != "m4" || second[1].Body != "m5" {
		t.Fatalf("second batch = %v, want [m4 m5]", bodies(second))
	}
}

func TestMaxBatchSizeOneFlushesEveryMessageOnArrival(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	c := New(Config{BufferTime: time.Hour, MaxBatchSize: 1}, rec.dispatch, nil, nil, logx.Nop())
	defer c.Shutdown()

	c.OnMessage("k", msg("k", "m1"))
	if rec.count() != 1 {
		t.Fatalf("first message not flushed on arrival: %d flushes", rec.count())
	}
	c.OnMessage("k", msg("k", "m2"))
	if rec.count() != 2 {
		t.Fatalf("second message not flushed on arrival: %d flushes", rec.count())
	}
	for i := 0; i < 2; i++ {
		if got := rec.batch(i); len(got) != 1 {
			t.Fatalf("batch %d size = %d, want 1 (limit is never exceeded)", i, len(got))
		}
	}
	if got := c.Pending("k"); got != 0 {
		t.Fatalf("pending = %d, want nothing buffered", got)
	}
}

func TestRearmedWindowSurvivesStaleTimerFire(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	c := New(Config{BufferTime: time.Hour, MaxBatchSize: 100}, rec.dispatch, nil, nil, logx.Nop())
	defer c.Shutdown()

	c.OnMessage("k", msg("k", "m1"))
	c.mu.Lock()
	firstGen := c.store["k"].gen
	c.mu.Unlock()

	// The append extends the window and invalidates the first timer's
	// generation.
	c.OnMessage("k", msg("k", "m2"))

	// A first-window callback that fired before Stop and then waited on the
	// mutex arrives with the old generation; it must not flush early.
	c.flushExpired("k", firstGen)
	if rec.count() != 0 {
		t.Fatalf("stale timer flushed the extended window: %d flushes", rec.count())
	}
	if got := c.Pending("k"); got != 2 {
		t.Fatalf("pending = %d, want both messages still buffered", got)
	}
}

func TestOverflowFiresAtExactlyTwiceMaxBatchSize(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	errs := &errRecorder{}
	off := false
	c := New(Config{
		BufferTime:     time.Hour,
		MaxBatchSize:   2,
		FlushOnMaxSize: &off,
	}, rec.dispatch, errs.record, nil, logx.Nop())
	defer c.Shutdown()

	// A stream stopping at exactly twice the limit still signals.
	for i := 1; i <= 4; i++ {
		c.OnMessage("k", msg("k", fmt.Sprintf("m%d", i)))
	}

	if errs.count() == 0 {
		t.Fatal("no overflow signal at exactly twice the batch limit")
	}
	var ov *OverflowError
	errs.mu.Lock()
	ok := errors.As(errs.errs[0], &ov)
	errs.mu.Unlock()
	if !ok {
		t.Fatalf("expected *OverflowError, got %T", errs.errs[0])
	}
	if ov.Buffered != 4 || ov.Limit != 4 {
		t.Fatalf("overflow = buffered %d / limit %d, want 4/4", ov.Buffered, ov.Limit)
	}
	if got := c.Pending("k"); got != 4 {
		t.Fatalf("pending = %d, want all 4 kept", got)
	}
}

func TestOverflowSignalKeepsMessages(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	errs := &errRecorder{}
	off := false
	c := New(Config{
		BufferTime:     60 * time.Millisecond,
		MaxBatchSize:   2,
		FlushOnMaxSize: &off,
	}, rec.dispatch, errs.record, nil, logx.Nop())
	defer c.Shutdown()

	// With the size trigger off, 6 rapid messages blow past 2*MaxBatchSize.
	for i := 1; i <= 6; i++ {
		c.OnMessage("k", msg("k", fmt.Sprintf("m%d", i)))
	}

	if errs.count() == 0 {
		t.Fatal("expected at least one overflow signal")
	}
	var ov *OverflowError
	errs.mu.Lock()
	ok := errors.As(errs.errs[0], &ov)
	errs.mu.Unlock()
	if !ok {
		t.Fatalf("expected *OverflowError, got %T", errs.errs[0])
	}

	// The stream is not dropped: all 6 messages arrive in one timer flush.
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	if got := len(rec.batch(0)); got != 6 {
		t.Fatalf("flushed %d messages, want all 6", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	c := New(Config{BufferTime: 40 * time.Millisecond, MaxBatchSize: 100}, rec.dispatch, nil, nil, logx.Nop())
	defer c.Shutdown()

	c.OnMessage("a", msg("a", "a1"))
	c.OnMessage("b", msg("b", "b1"))
	c.OnMessage("a", msg("a", "a2"))

	waitFor(t, time.Second, func() bool { return rec.count() == 2 })

	sizes := map[string]int{}
	rec.mu.Lock()
	for i, k := range rec.keys {
		sizes[k] = len(rec.batches[i])
	}
	rec.mu.Unlock()
	if sizes["a"] != 2 || sizes["b"] != 1 {
		t.Fatalf("per-key batch sizes = %v, want a:2 b:1", sizes)
	}
}

func TestManualFlushBeatsTimer(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	c := New(Config{BufferTime: 40 * time.Millisecond, MaxBatchSize: 100}, rec.dispatch, nil, nil, logx.Nop())
	defer c.Shutdown()

	c.OnMessage("k", msg("k", "m1"))
	c.Flush("k")

	if rec.count() != 1 {
		t.Fatalf("manual flush count = %d, want 1", rec.count())
	}

	// The stale timer must find the buffer gone and no-op.
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("stale timer double-flushed: %d flushes", rec.count())
	}
}

func TestReentrantMessageStartsFreshBuffer(t *testing.T) {
	t.Parallel()
	var c *Coordinator
	rec := &flushRecorder{}
	reentered := make(chan struct{})
	dispatch := func(key string, batch []domain.Message) error {
		// A message arriving for the same key mid-flush lands in a new buffer.
		if len(batch) == 2 {
			c.OnMessage(key, msg(key, "late"))
			close(reentered)
		}
		return rec.dispatch(key, batch)
	}
	c = New(Config{BufferTime: 30 * time.Millisecond, MaxBatchSize: 2}, dispatch, nil, nil, logx.Nop())
	defer c.Shutdown()

	c.OnMessage("k", msg("k", "m1"))
	c.OnMessage("k", msg("k", "m2"))
	<-reentered

	waitFor(t, time.Second, func() bool { return rec.count() == 2 })
	if got := rec.batch(1); len(got) != 1 || got[0].Body != "late" {
		t.Fatalf("second batch = %v, want [late]", bodies(got))
	}
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	t.Parallel()
	errs := &errRecorder{}
	boom := errors.New("handler exploded")
	var mu sync.Mutex
	delivered := map[string]int{}
	dispatch := func(key string, batch []domain.Message) error {
		mu.Lock()
		delivered[key] += len(batch)
		mu.Unlock()
		if key == "bad" {
			return boom
		}
		return nil
	}
	c := New(Config{BufferTime: 30 * time.Millisecond, MaxBatchSize: 100}, dispatch, errs.record, nil, logx.Nop())
	defer c.Shutdown()

	c.OnMessage("bad", msg("bad", "x"))
	c.OnMessage("good", msg("good", "y"))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered["bad"] == 1 && delivered["good"] == 1
	})
	waitFor(t, time.Second, func() bool { return errs.count() == 1 })

	errs.mu.Lock()
	got := errs.errs[0]
	errs.mu.Unlock()
	if !errors.Is(got, boom) {
		t.Fatalf("error = %v, want wrapped %v", got, boom)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()
	errs := &errRecorder{}
	dispatch := func(string, []domain.Message) error { panic("kaboom") }
	c := New(Config{BufferTime: 20 * time.Millisecond, MaxBatchSize: 100}, dispatch, errs.record, nil, logx.Nop())
	defer c.Shutdown()

	c.OnMessage("k", msg("k", "m1"))
	waitFor(t, time.Second, func() bool { return errs.count() == 1 })
}

// TestMain verifies no timer or flush goroutine outlives the tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestShutdownCancelsAllTimers(t *testing.T) {
	rec := &flushRecorder{}
	errs := &errRecorder{}
	c := New(Config{BufferTime: 50 * time.Millisecond, MaxBatchSize: 100}, rec.dispatch, errs.record, nil, logx.Nop())

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		c.OnMessage(key, msg(key, "m"))
	}
	c.Shutdown()

	// Unflushed buffers are reported, not silently lost.
	if errs.count() != 10 {
		t.Fatalf("reported %d unflushed buffers, want 10", errs.count())
	}

	// No timer survives shutdown: nothing flushes afterwards.
	time.Sleep(120 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("flush after shutdown: %d batches", rec.count())
	}

	// Late messages are dropped, not buffered forever.
	c.OnMessage("k0", msg("k0", "late"))
	if got := c.Pending("k0"); got != 0 {
		t.Fatalf("pending after shutdown = %d, want 0", got)
	}
}

func bodies(ms []domain.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Body
	}
	return out
}
