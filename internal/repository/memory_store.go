package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
)

// MemoryStore is an in-process Store. It copies on every read and write so
// callers never share mutable state with it.
type MemoryStore struct {
	mu       sync.RWMutex
	roles    map[string]*Role
	flows    map[string]*FlowDefinition
	requests map[string]*ApprovalRequest
	audit    map[string][]*AuditEntry

	// failNext is drained one error per request write; see FailWrites.
	failNext []error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:    make(map[string]*Role),
		flows:    make(map[string]*FlowDefinition),
		requests: make(map[string]*ApprovalRequest),
		audit:    make(map[string][]*AuditEntry),
	}
}

// FailWrites queues errors returned by the next request writes, in order.
func (s *MemoryStore) FailWrites(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

func (s *MemoryStore) popFailure() error {
	if len(s.failNext) == 0 {
		return nil
	}
	err := s.failNext[0]
	s.failNext = s.failNext[1:]
	return err
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// ── roles ────────────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "role '%s' already exists", role.ID)
	}
	now := time.Now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	s.roles[role.ID] = cloneRole(role)
	return nil
}

func (s *MemoryStore) UpdateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.roles[role.ID]
	if !ok {
		return errors.NotFound("role", role.ID)
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = time.Now().UTC()
	s.roles[role.ID] = cloneRole(role)
	return nil
}

func (s *MemoryStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return errors.NotFound("role", id)
	}
	delete(s.roles, id)
	return nil
}

func (s *MemoryStore) GetRole(ctx context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, errors.NotFound("role", id)
	}
	return cloneRole(role), nil
}

func (s *MemoryStore) ListRoles(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, cloneRole(role))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ── flows ────────────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateFlow(ctx context.Context, flow *FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[flow.Category]; ok {
		return errors.Newf(errors.ErrCodeConflict, "flow '%s' already exists", flow.Category)
	}
	now := time.Now().UTC()
	flow.Version = 1
	flow.CreatedAt, flow.UpdatedAt = now, now
	s.flows[flow.Category] = cloneFlow(flow)
	return nil
}

func (s *MemoryStore) UpdateFlow(ctx context.Context, flow *FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.flows[flow.Category]
	if !ok {
		return errors.NotFound("flow_definition", flow.Category)
	}
	flow.Version = existing.Version + 1
	flow.CreatedAt = existing.CreatedAt
	flow.UpdatedAt = time.Now().UTC()
	s.flows[flow.Category] = cloneFlow(flow)
	return nil
}

func (s *MemoryStore) DeleteFlow(ctx context.Context, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[category]; !ok {
		return errors.NotFound("flow_definition", category)
	}
	delete(s.flows, category)
	return nil
}

func (s *MemoryStore) GetFlow(ctx context.Context, category string) (*FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[category]
	if !ok {
		return nil, errors.NotFound("flow_definition", category)
	}
	return cloneFlow(flow), nil
}

func (s *MemoryStore) ListFlows(ctx context.Context) ([]*FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FlowDefinition, 0, len(s.flows))
	for _, flow := range s.flows {
		out = append(out, cloneFlow(flow))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// ── requests ─────────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateRequest(ctx context.Context, req *ApprovalRequest, entries []*AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(); err != nil {
		return err
	}
	if _, ok := s.requests[req.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "approval request %s already exists", req.ID)
	}
	req.Version = 1
	s.requests[req.ID] = req.Clone()
	for _, e := range entries {
		c := *e
		s.audit[req.ID] = append(s.audit[req.ID], &c)
	}
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return req.Clone(), nil
}

func (s *MemoryStore) CommitTransition(ctx context.Context, req *ApprovalRequest, expectedVersion int, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(); err != nil {
		return err
	}
	existing, ok := s.requests[req.ID]
	if !ok {
		return errors.NotFound("approval_request", req.ID)
	}
	if existing.Version != expectedVersion {
		return errors.Newf(errors.ErrCodeConflict, "approval request %s was modified concurrently", req.ID)
	}
	req.Version = expectedVersion + 1
	s.requests[req.ID] = req.Clone()
	if entry != nil {
		c := *entry
		s.audit[req.ID] = append(s.audit[req.ID], &c)
	}
	return nil
}

func (s *MemoryStore) ListPendingByRole(ctx context.Context, role string) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ApprovalRequest
	for _, req := range s.requests {
		if step := req.CurrentStep(); step != nil && step.Role == role {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) ListArmedDeadlines(ctx context.Context) ([]ArmedDeadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ArmedDeadline
	for _, req := range s.requests {
		step := req.CurrentStep()
		if step == nil || step.DeadlineAt == nil {
			continue
		}
		out = append(out, ArmedDeadline{RequestID: req.ID, StepOrder: step.Order, DeadlineAt: *step.DeadlineAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	return out, nil
}

// ── audit ────────────────────────────────────────────────────────────────────

func (s *MemoryStore) ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[requestID]
	out := make([]*AuditEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func cloneRole(r *Role) *Role {
	c := *r
	if r.EscalationTarget != nil {
		t := *r.EscalationTarget
		c.EscalationTarget = &t
	}
	return &c
}

func cloneFlow(f *FlowDefinition) *FlowDefinition {
	c := *f
	c.Steps = append([]StepTemplate(nil), f.Steps...)
	c.OutcomeNotifyRoles = append([]string(nil), f.OutcomeNotifyRoles...)
	if f.DefaultEscalationRole != nil {
		r := *f.DefaultEscalationRole
		c.DefaultEscalationRole = &r
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
