package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeScheduler records the armed deadline per request.
type fakeScheduler struct {
	mu       sync.Mutex
	armed    map[string]repository.ArmedDeadline
	disarms  int
	failNext int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[string]repository.ArmedDeadline)}
}

func (s *fakeScheduler) Arm(requestID string, stepOrder int, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errTimerUnavailable
	}
	s.armed[requestID] = repository.ArmedDeadline{RequestID: requestID, StepOrder: stepOrder, DeadlineAt: deadline}
	return nil
}

func (s *fakeScheduler) Disarm(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errTimerUnavailable
	}
	delete(s.armed, requestID)
	s.disarms++
	return nil
}

func (s *fakeScheduler) get(requestID string) (repository.ArmedDeadline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.armed[requestID]
	return d, ok
}

type timerError struct{}

func (timerError) Error() string { return "timer wheel unavailable" }

var errTimerUnavailable error = timerError{}

// recordingSink collects every delivered notification.
type recordingSink struct {
	mu  sync.Mutex
	got []Notification
}

func (s *recordingSink) Deliver(ctx context.Context, n []Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n...)
	return nil
}

func (s *recordingSink) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.got...)
}

type fixture struct {
	store  *repository.MemoryStore
	roles  *RoleCatalog
	flows  *FlowDefinitionStore
	audit  *AuditLog
	sched  *fakeScheduler
	sink   *recordingSink
	clock  *fakeClock
	engine *ApprovalEngine
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()
	store := repository.NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())

	f := &fixture{
		store: store,
		sched: newFakeScheduler(),
		sink:  &recordingSink{},
		clock: &fakeClock{now: epoch},
	}
	f.roles = NewRoleCatalog(store, store, log)
	f.flows = NewFlowDefinitionStore(store, f.roles, NewConditionEvaluator(), log)
	f.audit = NewAuditLog(store, log)
	f.audit.Subscribe(NewNotificationRouter(f.sink, metrics, log))

	ids := 0
	var idMu sync.Mutex
	f.engine = NewApprovalEngine(store, f.roles, f.flows, f.audit, f.sched, metrics, log, EngineOptions{
		DefaultEscalationHours: 24,
		Retry:                  RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsedTime: 50 * time.Millisecond},
		Now:                    f.clock.Now,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return "id-" + strconv.Itoa(ids)
		},
	})

	for _, r := range []*repository.Role{
		{ID: "employee", Rank: 1},
		{ID: "manager", Rank: 2},
		{ID: "director", Rank: 3},
		{ID: "hr-director", Rank: 4, CanOverride: true},
		{ID: "ceo", Rank: 5, CanOverride: true},
	} {
		require.NoError(t, f.roles.Create(ctx, r))
	}
	require.NoError(t, f.roles.Update(ctx, &repository.Role{ID: "director", Rank: 3, EscalationTarget: strPtr("hr-director")}))

	require.NoError(t, f.flows.Create(ctx, &repository.FlowDefinition{
		Category:               "vacation",
		RequiresApproval:       true,
		EscalationEnabled:      true,
		EscalationTimeoutHours: 24,
		OutcomeNotifyRoles:     []string{"ceo"},
		Steps: []repository.StepTemplate{
			{Order: 1, Role: "manager", Mandatory: true, TimeoutHours: 24},
			{Order: 2, Role: "director", Mandatory: true, TimeoutHours: 24},
			{Order: 3, Role: "hr-director", Mandatory: true, TimeoutHours: 24},
		},
	}))
	return f
}

func (f *fixture) create(t *testing.T, requesterRole string, payload map[string]any) *repository.ApprovalRequest {
	t.Helper()
	req, err := f.engine.Create(context.Background(), CreateInput{
		Category:      "vacation",
		RequesterID:   "u-" + requesterRole,
		RequesterRole: requesterRole,
		Payload:       payload,
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) history(t *testing.T, id string) []*repository.AuditEntry {
	t.Helper()
	entries, err := f.audit.History(context.Background(), id)
	require.NoError(t, err)
	return entries
}

func stepRoles(req *repository.ApprovalRequest) []string {
	roles := make([]string, len(req.Steps))
	for i, s := range req.Steps {
		roles[i] = s.Role
	}
	return roles
}
