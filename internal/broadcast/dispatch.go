package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatflow/internal/domain"
	"chatflow/internal/eventbus"
	logx "chatflow/pkg/logx"
)

// run drives one job through its batches. It returns the final accounting and
// never an error: per-recipient failures are recorded, and abort just leaves
// Pending non-zero.
func (s *Service) run(ctx context.Context, job *Job, targets []target, tmpl domain.Template, payload domain.Payload, opts options) *Result {
	start := time.Now()
	job.start(start)
	defer s.finalize(ctx, job)

	s.log.Info("broadcast started",
		logx.String("job", job.ID),
		logx.Int("total", job.Total),
		logx.Int("batch_size", opts.batchSize),
		logx.Int("concurrency", opts.concurrency),
		logx.Duration("batch_delay", opts.batchDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastStarted, Data: map[string]any{"job": job.ID, "total": job.Total}})
	}

	// Even pacing: one permit per MinDelayBetweenMessages, no burst beyond 1,
	// so throughput stays level instead of bursty-then-idle.
	limiter := rate.NewLimiter(rate.Every(opts.minDelay), 1)

	// Per-job concurrency permits (bounded pool, not chunk-then-await-all:
	// a slow send holds one permit, not the whole round).
	sem := make(chan struct{}, opts.concurrency)

	batches := partition(targets, opts.batchSize)
	for bi, batch := range batches {
		if s.stopIssuing(ctx, job) {
			break
		}
		batchStart := time.Now()

		var wg sync.WaitGroup
		for _, t := range batch {
			if s.stopIssuing(ctx, job) {
				break
			}
			if !s.pace(ctx, job, limiter) {
				break
			}
			if !s.acquire(ctx, job, sem) {
				break
			}

			wg.Add(1)
			go func(t target) {
				defer wg.Done()
				defer func() { <-sem }()
				s.sendOne(ctx, job, t, tmpl, payload, opts)
			}(t)
		}
		wg.Wait()

		prog := job.Progress()
		s.emitProgress(prog, opts)

		if bi < len(batches)-1 && !job.Aborted() {
			// Suspend only for the portion of the batch delay the actual
			// working time did not already consume.
			s.sleepResidual(ctx, job, opts.batchDelay-time.Since(batchStart))
		}
	}

	return job.result()
}

// stopIssuing reports whether no further work may start: either the job's
// cooperative abort flag is set or the surrounding context is gone.
func (s *Service) stopIssuing(ctx context.Context, job *Job) bool {
	if job.Aborted() {
		return true
	}
	if ctx.Err() != nil {
		job.Abort()
		return true
	}
	return false
}

// acquire claims one concurrency permit, unblocking early on abort.
// In-flight sends keep their permits; abort only stops new issuance.
func (s *Service) acquire(ctx context.Context, job *Job, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
	case <-job.abortCh:
		return false
	case <-ctx.Done():
		return false
	}
	if s.stopIssuing(ctx, job) {
		<-sem
		return false
	}
	return true
}

// pace waits for the next send permit from the rate limiter, unblocking
// early on abort. Reports whether issuance may proceed.
func (s *Service) pace(ctx context.Context, job *Job, limiter *rate.Limiter) bool {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-job.abortCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	if err := limiter.Wait(waitCtx); err != nil {
		return false
	}
	return !job.Aborted()
}

func (s *Service) sleepResidual(ctx context.Context, job *Job, d time.Duration) {
	if d <= 0 {
		return
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-tmr.C:
	case <-job.abortCh:
	case <-ctx.Done():
	}
}

// sendOne issues a single send, records its result exactly once, and applies
// the stop-on-error policy. Sender panics become failed results so one bad
// recipient can never take down the job.
func (s *Service) sendOne(ctx context.Context, job *Job, t target, tmpl domain.Template, payload domain.Payload, opts options) {
	p := payload
	if len(t.vars) > 0 || tmpl.Body != "" || tmpl.Name != "" {
		// Substitution happens immediately before the send call.
		p = tmpl.Render(t.vars)
	}

	res := domain.SendResult{Recipient: t.to}
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Success = false
				res.Error = fmt.Sprintf("send panic: %v", r)
			}
		}()
		providerID, err := s.sender.Send(ctx, t.to, p)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
			res.ProviderID = providerID
		}
	}()
	res.CompletedAt = time.Now()

	job.record(res)

	if !res.Success {
		s.log.Debug("send failed", logx.String("job", job.ID), logx.String("to", string(t.to)), logx.String("err", res.Error))
		if opts.stopOnError {
			job.Abort()
		}
	}

	if opts.onMessageSent != nil {
		func() {
			defer func() { _ = recover() }()
			opts.onMessageSent(res)
		}()
	}
}

func (s *Service) emitProgress(p Progress, opts options) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastProgress, Data: p})
	}
	if opts.onProgress != nil {
		func() {
			defer func() { _ = recover() }()
			opts.onProgress(p)
		}()
	}
}

// finalize stamps the end time, emits the terminal event, and hands the
// result to the archive sink when one is installed.
func (s *Service) finalize(ctx context.Context, job *Job) {
	job.finish(time.Now())
	res := job.result()
	s.markFinished(job)

	evType := eventbus.TypeBroadcastFinished
	if res.Aborted {
		evType = eventbus.TypeBroadcastAborted
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: evType, Data: res})
	}

	fields := []logx.Field{
		logx.String("job", job.ID),
		logx.Int("total", res.Total),
		logx.Int("successful", res.Successful),
		logx.Int("failed", res.Failed),
		logx.Int("pending", res.Pending),
		logx.Duration("dur", res.Duration),
	}
	switch {
	case res.Aborted:
		s.log.Warn("broadcast aborted", fields...)
	case res.Failed > 0:
		s.log.Warn("broadcast finished with failures", fields...)
	default:
		s.log.Info("broadcast finished", fields...)
	}

	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		// Best-effort archive; a storage hiccup must not fail the job.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := sink.ArchiveJob(actx, res); err != nil {
			s.log.Error("archive job failed", logx.String("job", job.ID), logx.Err(err))
		}
	}
}
