// Package schedule fires recurring broadcasts on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"chatflow/internal/broadcast"
	"chatflow/internal/config"
	"chatflow/internal/domain"
	logx "chatflow/pkg/logx"
)

// Dispatcher is the slice of the broadcast service the scheduler needs.
type Dispatcher interface {
	StartDispatch(ctx context.Context, recipients []domain.Recipient, payload domain.Payload, opts broadcast.Options) (*broadcast.Job, error)
}

type Service struct {
	disp Dispatcher
	log  logx.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

func New(disp Dispatcher, log logx.Logger) *Service {
	return &Service{disp: disp, log: log, cron: cron.New()}
}

// Apply replaces all registered schedules. Invalid entries are rejected as a
// whole so a bad reload never half-installs a schedule set.
func (s *Service) Apply(ctx context.Context, schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		if err := validate(sc); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Rebuild from scratch; robfig/cron has no entry replacement.
	wasStarted := s.started
	if wasStarted {
		<-s.cron.Stop().Done()
	}
	s.cron = cron.New()
	s.started = false

	for _, sc := range schedules {
		sc := sc
		recipients := make([]domain.Recipient, 0, len(sc.Recipients))
		for _, r := range sc.Recipients {
			recipients = append(recipients, domain.Recipient(r))
		}
		_, err := s.cron.AddFunc(sc.Cron, func() {
			job, err := s.disp.StartDispatch(ctx, recipients, domain.Payload{Body: sc.Body}, broadcast.Options{})
			if err != nil {
				s.log.Error("scheduled broadcast failed to start", logx.String("schedule", sc.Name), logx.Err(err))
				return
			}
			s.log.Info("scheduled broadcast started", logx.String("schedule", sc.Name), logx.String("job", job.ID), logx.Int("total", job.Total))
		})
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
	}

	if wasStarted {
		s.cron.Start()
		s.started = true
	}
	return nil
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts the cron loop and waits for in-flight triggers to return.
// Broadcasts already started keep running on their own goroutines.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
}

func validate(sc config.ScheduleConfig) error {
	if strings.TrimSpace(sc.Name) == "" {
		return fmt.Errorf("schedule with empty name")
	}
	if strings.TrimSpace(sc.Cron) == "" {
		return fmt.Errorf("schedule %q: empty cron expression", sc.Name)
	}
	if len(sc.Recipients) == 0 {
		return fmt.Errorf("schedule %q: no recipients", sc.Name)
	}
	if strings.TrimSpace(sc.Body) == "" {
		return fmt.Errorf("schedule %q: empty body", sc.Name)
	}
	if _, err := cron.ParseStandard(sc.Cron); err != nil {
		return fmt.Errorf("schedule %q: %w", sc.Name, err)
	}
	return nil
}
