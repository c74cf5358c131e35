package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatflow/internal/domain"
)

// target is one resolved recipient. vars is nil for uniform broadcasts; for
// personalized sends the template is rendered immediately before issuance.
type target struct {
	to   domain.Recipient
	vars map[string]string
}

// Job tracks one fan-out operation. Counters and the result list are owned by
// the dispatch call that created the job; readers only ever see snapshots.
type Job struct {
	ID    string
	Total int

	mu         sync.Mutex
	successful int
	failed     int
	results    []domain.SendResult
	startedAt  time.Time
	endedAt    time.Time
	running    bool

	// aborted is the cooperative cancellation token. abortCh unblocks pacing
	// waits; in-flight sends are never interrupted.
	aborted   atomic.Bool
	abortOnce sync.Once
	abortCh   chan struct{}
}

func newJob(total int) *Job {
	return &Job{
		ID:      uuid.NewString(),
		Total:   total,
		results: make([]domain.SendResult, 0, total),
		abortCh: make(chan struct{}),
	}
}

// Abort sets the cooperative flag. Idempotent; never retracts issued sends.
func (j *Job) Abort() {
	j.abortOnce.Do(func() {
		j.aborted.Store(true)
		close(j.abortCh)
	})
}

func (j *Job) Aborted() bool { return j.aborted.Load() }

func (j *Job) start(now time.Time) {
	j.mu.Lock()
	j.startedAt = now
	j.running = true
	j.mu.Unlock()
}

func (j *Job) finish(now time.Time) {
	j.mu.Lock()
	j.endedAt = now
	j.running = false
	j.mu.Unlock()
}

// Running reports whether the job is still progressing through its batches.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// record appends one settled send exactly once.
func (j *Job) record(res domain.SendResult) {
	j.mu.Lock()
	if res.Success {
		j.successful++
	} else {
		j.failed++
	}
	j.results = append(j.results, res)
	j.mu.Unlock()
}

// Progress derives a snapshot from the current counters.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return snapshotProgress(j.ID, j.Total, j.successful, j.failed, j.startedAt, time.Now())
}

// result builds the final accounting. Pending is whatever the abort left
// unissued; for completed jobs it is zero.
func (j *Job) result() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	sent := j.successful + j.failed
	return &Result{
		JobID:      j.ID,
		Total:      j.Total,
		Successful: j.successful,
		Failed:     j.failed,
		Pending:    j.Total - sent,
		Aborted:    j.aborted.Load(),
		Results:    append([]domain.SendResult(nil), j.results...),
		StartedAt:  j.startedAt,
		EndedAt:    j.endedAt,
		Duration:   j.endedAt.Sub(j.startedAt),
	}
}
