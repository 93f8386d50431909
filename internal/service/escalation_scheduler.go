package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// Escalator is invoked when an armed deadline elapses.
type Escalator interface {
	EscalateStep(ctx context.Context, requestID string, stepOrder int, deadlineAt time.Time) error
}

// DeadlineSource lists the deadlines persisted with pending requests.
type DeadlineSource interface {
	ListArmedDeadlines(ctx context.Context) ([]repository.ArmedDeadline, error)
}

// SchedulerOptions tunes the EscalationScheduler.
type SchedulerOptions struct {
	// SweepSpec is a cron spec for re-arming persisted deadlines. Empty
	// disables the sweep.
	SweepSpec string
	Now       func() time.Time
}

// EscalationScheduler keeps one timer per pending request whose current step
// has a deadline. Deadlines live with the request in the store, so timers lost
// on restart are re-armed by Recover and by the periodic sweep.
type EscalationScheduler struct {
	source  DeadlineSource
	metrics *Metrics
	log     *logger.Logger
	now     func() time.Time
	spec    string

	mu        sync.Mutex
	timers    map[string]*armedTimer
	escalator Escalator
	ctx       context.Context
	cancel    context.CancelFunc
	cron      *cron.Cron
	wg        sync.WaitGroup
	stopped   bool
}

type armedTimer struct {
	stepOrder int
	deadline  time.Time
	timer     *time.Timer
}

// NewEscalationScheduler creates a scheduler. Timers armed before Start are
// kept and fire once an escalator is attached.
func NewEscalationScheduler(source DeadlineSource, metrics *Metrics, log *logger.Logger, opts SchedulerOptions) *EscalationScheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EscalationScheduler{
		source:  source,
		metrics: metrics,
		log:     log.Component("escalation_scheduler"),
		now:     now,
		spec:    opts.SweepSpec,
		timers:  make(map[string]*armedTimer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start attaches escalator, re-arms persisted deadlines and starts the sweep.
func (s *EscalationScheduler) Start(ctx context.Context, escalator Escalator) error {
	s.mu.Lock()
	s.escalator = escalator
	s.mu.Unlock()

	n, err := s.Recover(ctx)
	if err != nil {
		return err
	}
	s.log.Info().Int("armed", n).Msg("Escalation deadlines recovered")

	if s.spec == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.spec, s.sweep); err != nil {
		return err
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Stop cancels every timer and waits for in-flight escalations.
func (s *EscalationScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
	s.metrics.armedDeadlines.Set(0)
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
}

// Arm schedules escalation of stepOrder at deadline, replacing any timer the
// request already had.
func (s *EscalationScheduler) Arm(requestID string, stepOrder int, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	if existing, ok := s.timers[requestID]; ok {
		if existing.stepOrder == stepOrder && sameInstant(existing.deadline, deadline) {
			return nil
		}
		existing.timer.Stop()
	}

	delay := deadline.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	at := &armedTimer{stepOrder: stepOrder, deadline: deadline}
	at.timer = time.AfterFunc(delay, func() { s.fire(requestID, at) })
	s.timers[requestID] = at
	s.metrics.armedDeadlines.Set(float64(len(s.timers)))

	s.log.Debug().
		Str("request_id", requestID).
		Int("step_order", stepOrder).
		Time("deadline_at", deadline).
		Msg("Escalation armed")
	return nil
}

// Disarm cancels the request's timer, if any.
func (s *EscalationScheduler) Disarm(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[requestID]; ok {
		t.timer.Stop()
		delete(s.timers, requestID)
		s.metrics.armedDeadlines.Set(float64(len(s.timers)))
	}
	return nil
}

// Armed reports the step and deadline currently armed for a request.
func (s *EscalationScheduler) Armed(requestID string) (int, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[requestID]
	if !ok {
		return 0, time.Time{}, false
	}
	return t.stepOrder, t.deadline, true
}

// Recover arms a timer for every persisted deadline not already armed.
// Overdue deadlines fire immediately.
func (s *EscalationScheduler) Recover(ctx context.Context) (int, error) {
	deadlines, err := s.source.ListArmedDeadlines(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range deadlines {
		if err := s.Arm(d.RequestID, d.StepOrder, d.DeadlineAt); err != nil {
			return 0, err
		}
	}
	return len(deadlines), nil
}

func (s *EscalationScheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()
	if _, err := s.Recover(ctx); err != nil {
		s.log.Error().Err(err).Msg("Escalation sweep failed")
	}
}

func (s *EscalationScheduler) fire(requestID string, at *armedTimer) {
	s.mu.Lock()
	if s.timers[requestID] != at || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, requestID)
	s.metrics.armedDeadlines.Set(float64(len(s.timers)))
	escalator := s.escalator
	if escalator == nil {
		s.mu.Unlock()
		s.log.Warn().Str("request_id", requestID).Msg("Deadline elapsed before scheduler start; left for recovery")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := escalator.EscalateStep(s.ctx, requestID, at.stepOrder, at.deadline); err != nil {
		// The deadline is still persisted, so the next sweep retries.
		s.log.Error().Err(err).
			Str("request_id", requestID).
			Int("step_order", at.stepOrder).
			Msg("Escalation failed")
	}
}
