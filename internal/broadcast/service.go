package broadcast

import (
	"context"
	"sync"

	"chatflow/internal/domain"
	"chatflow/internal/eventbus"
	logx "chatflow/pkg/logx"
)

// keep at most this many finished jobs in memory; older ones are pruned
// (the storage sink, when set, holds the durable archive).
const maxFinishedJobs = 200

// Sink archives finished jobs. Implemented by the storage layer; optional.
type Sink interface {
	ArchiveJob(ctx context.Context, res *Result) error
}

// Service orchestrates broadcast jobs against a single Sender.
type Service struct {
	cfg    Config
	sender domain.Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
	done []string // finished job ids, oldest first
	sink Sink
}

// New wires the service. sender must be non-nil; bus may be nil.
func New(cfg Config, sender domain.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		sender: sender,
		bus:    bus,
		log:    log,
		jobs:   map[string]*Job{},
	}
}

// SetSink installs the archive for finished jobs.
func (s *Service) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Dispatch delivers payload to every recipient and blocks until the job
// completes or is aborted. Individual send failures never surface as an
// error here; they are captured in the Result. Only programmer-error-class
// problems reject the call before any work starts.
func (s *Service) Dispatch(ctx context.Context, recipients []domain.Recipient, payload domain.Payload, opts Options) (*Result, error) {
	job, targets, ropts, err := s.prepare(recipients, payload, opts)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, job, targets, domain.Template{}, payload, ropts), nil
}

// DispatchPersonalized renders template with each recipient's variables
// immediately before that recipient's send is issued. Control flow is
// otherwise identical to Dispatch.
func (s *Service) DispatchPersonalized(ctx context.Context, recipients []domain.PersonalizedRecipient, tmpl domain.Template, opts Options) (*Result, error) {
	job, targets, ropts, err := s.preparePersonalized(recipients, tmpl, opts)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, job, targets, tmpl, domain.Payload{}, ropts), nil
}

// StartDispatch begins a broadcast in the background and returns its Job
// handle immediately. Progress and the final accounting are available
// through the job id.
func (s *Service) StartDispatch(ctx context.Context, recipients []domain.Recipient, payload domain.Payload, opts Options) (*Job, error) {
	job, targets, ropts, err := s.prepare(recipients, payload, opts)
	if err != nil {
		return nil, err
	}
	go s.run(ctx, job, targets, domain.Template{}, payload, ropts)
	return job, nil
}

// StartPersonalized is the background form of DispatchPersonalized.
func (s *Service) StartPersonalized(ctx context.Context, recipients []domain.PersonalizedRecipient, tmpl domain.Template, opts Options) (*Job, error) {
	job, targets, ropts, err := s.preparePersonalized(recipients, tmpl, opts)
	if err != nil {
		return nil, err
	}
	go s.run(ctx, job, targets, tmpl, domain.Payload{}, ropts)
	return job, nil
}

func (s *Service) prepare(recipients []domain.Recipient, payload domain.Payload, opts Options) (*Job, []target, options, error) {
	if len(recipients) == 0 {
		return nil, nil, options{}, domain.ErrNoRecipients
	}
	if payload.Body == "" {
		return nil, nil, options{}, domain.ErrEmptyPayload
	}
	targets := make([]target, 0, len(recipients))
	for _, r := range recipients {
		targets = append(targets, target{to: r})
	}
	job := newJob(len(targets))
	s.register(job)
	return job, targets, resolveOptions(s.cfg, opts), nil
}

func (s *Service) preparePersonalized(recipients []domain.PersonalizedRecipient, tmpl domain.Template, opts Options) (*Job, []target, options, error) {
	if len(recipients) == 0 {
		return nil, nil, options{}, domain.ErrNoRecipients
	}
	if tmpl.Name == "" && tmpl.Body == "" {
		return nil, nil, options{}, domain.ErrEmptyTemplate
	}
	targets := make([]target, 0, len(recipients))
	for _, r := range recipients {
		targets = append(targets, target{to: r.Recipient, vars: r.Variables})
	}
	job := newJob(len(targets))
	s.register(job)
	return job, targets, resolveOptions(s.cfg, opts), nil
}

func (s *Service) register(job *Job) {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
}

// markFinished moves the job to the pruned finished list.
func (s *Service) markFinished(job *Job) {
	s.mu.Lock()
	s.done = append(s.done, job.ID)
	for len(s.done) > maxFinishedJobs {
		oldest := s.done[0]
		s.done = s.done[1:]
		delete(s.jobs, oldest)
	}
	s.mu.Unlock()
}

// Job returns the live handle for a known job id.
func (s *Service) Job(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Abort cooperatively cancels a job. Reports whether the id was known.
func (s *Service) Abort(id string) bool {
	j, ok := s.Job(id)
	if !ok {
		return false
	}
	j.Abort()
	return true
}

// IsRunning reports whether the job is still progressing through batches.
func (s *Service) IsRunning(id string) bool {
	j, ok := s.Job(id)
	return ok && j.Running()
}

// Progress returns an on-demand snapshot for a known job.
func (s *Service) Progress(id string) (Progress, bool) {
	j, ok := s.Job(id)
	if !ok {
		return Progress{}, false
	}
	return j.Progress(), true
}

// Status returns the current accounting for a known job; for a running job
// it is a partial view, for a finished one the final result.
func (s *Service) Status(id string) (*Result, bool) {
	j, ok := s.Job(id)
	if !ok {
		return nil, false
	}
	return j.result(), true
}
