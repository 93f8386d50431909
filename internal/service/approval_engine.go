package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// SystemActor is the actor id recorded for transitions the engine performs
// on its own, such as auto-approval and escalation.
const SystemActor = "system"

// conflictRetries bounds how often a transition is re-applied on top of a
// concurrent write from another process.
const conflictRetries = 3

// Scheduler is the deadline bookkeeping driven by the engine.
type Scheduler interface {
	Arm(requestID string, stepOrder int, deadline time.Time) error
	Disarm(requestID string) error
}

// EngineOptions tunes the ApprovalEngine.
type EngineOptions struct {
	// DefaultEscalationHours is the re-arm timeout after an escalation when
	// the flow does not set one.
	DefaultEscalationHours int
	Retry                  RetryPolicy
	Now                    func() time.Time
	NewID                  func() string
}

// ApprovalEngine owns the request lifecycle. All transitions on one request
// are serialized, and each commits its audit entry atomically with the new
// state before the scheduler and subscribers are told about it.
type ApprovalEngine struct {
	requests  repository.RequestRepository
	roles     *RoleCatalog
	flows     *FlowDefinitionStore
	audit     *AuditLog
	scheduler Scheduler
	metrics   *Metrics
	log       *logger.Logger

	locks        *requestLocks
	retry        RetryPolicy
	defaultHours int
	now          func() time.Time
	newID        func() string
}

// NewApprovalEngine creates an ApprovalEngine.
func NewApprovalEngine(
	requests repository.RequestRepository,
	roles *RoleCatalog,
	flows *FlowDefinitionStore,
	audit *AuditLog,
	scheduler Scheduler,
	metrics *Metrics,
	log *logger.Logger,
	opts EngineOptions,
) *ApprovalEngine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	return &ApprovalEngine{
		requests:     requests,
		roles:        roles,
		flows:        flows,
		audit:        audit,
		scheduler:    scheduler,
		metrics:      metrics,
		log:          log.Component("approval_engine"),
		locks:        newRequestLocks(),
		retry:        opts.Retry,
		defaultHours: opts.DefaultEscalationHours,
		now:          opts.Now,
		newID:        opts.NewID,
	}
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateInput is a new request submission.
type CreateInput struct {
	Category      string
	RequesterID   string
	RequesterRole string
	Payload       map[string]any
}

// Create materializes the category's chain for the requester and stores the
// request. A request whose chain ends up empty is approved immediately.
func (e *ApprovalEngine) Create(ctx context.Context, in CreateInput) (*repository.ApprovalRequest, error) {
	if strings.TrimSpace(in.Category) == "" {
		return nil, errors.InvalidInput("category", "category is required")
	}
	if strings.TrimSpace(in.RequesterID) == "" {
		return nil, errors.InvalidInput("requester_id", "requester id is required")
	}
	if strings.TrimSpace(in.RequesterRole) == "" {
		return nil, errors.InvalidInput("requester_role", "requester role is required")
	}

	flow, err := e.flows.Get(ctx, in.Category)
	if err != nil {
		return nil, err
	}
	steps, err := e.flows.Materialize(ctx, flow, Requester{ID: in.RequesterID, Role: in.RequesterRole}, in.Payload)
	if err != nil {
		return nil, err
	}

	now := e.now()
	req := &repository.ApprovalRequest{
		ID:            e.newID(),
		Category:      flow.Category,
		RequesterID:   in.RequesterID,
		RequesterRole: in.RequesterRole,
		SubmittedAt:   now,
		Payload:       in.Payload,
		Status:        repository.StatusPending,
		Steps:         steps,
		FlowVersion:   flow.Version,
		Policy:        e.policyFor(flow),
		UpdatedAt:     now,
	}

	submitted := e.newEntry(req, 0, in.RequesterID, in.RequesterRole, repository.ActionSubmitted, now)
	entries := []*repository.AuditEntry{submitted}
	if len(steps) == 0 {
		e.complete(req, repository.StatusApproved, now)
		approved := e.newEntry(req, 0, SystemActor, "", repository.ActionApproved, now)
		approved.Comment = "no approval required"
		approved.Terminal = true
		entries = append(entries, approved)
	} else {
		e.activate(req, 0, now)
		submitted.StepOrder = req.Steps[0].Order
	}

	err = retryTransient(ctx, e.retry, e.log, e.metrics, "create request", func() error {
		return e.requests.CreateRequest(ctx, req, entries)
	})
	if err != nil {
		return nil, err
	}
	if err := e.syncSchedule(ctx, req); err != nil {
		return nil, err
	}

	e.metrics.requestsCreated.WithLabelValues(req.Category, string(req.Status)).Inc()
	for _, entry := range entries {
		e.record(req, entry)
	}
	e.log.Info().
		Str("request_id", req.ID).
		Str("category", req.Category).
		Str("requester_id", req.RequesterID).
		Int("steps", len(req.Steps)).
		Str("status", string(req.Status)).
		Msg("Approval request created")

	e.audit.publish(ctx, req, entries...)
	return req, nil
}

func (e *ApprovalEngine) policyFor(flow *repository.FlowDefinition) repository.RequestPolicy {
	hours := flow.EscalationTimeoutHours
	if hours == 0 {
		hours = e.defaultHours
	}
	p := repository.RequestPolicy{
		EscalationEnabled:  flow.EscalationEnabled,
		EscalationHours:    hours,
		OutcomeNotifyRoles: append([]string(nil), flow.OutcomeNotifyRoles...),
	}
	if flow.DefaultEscalationRole != nil {
		r := *flow.DefaultEscalationRole
		p.DefaultEscalationRole = &r
	}
	return p
}

// ── Decide ────────────────────────────────────────────────────────────────────

// DecideInput is an approver's decision on a request's current step.
type DecideInput struct {
	RequestID string
	ActorID   string
	ActorRole string
	Decision  repository.Decision
	Comment   string
}

// Decide records a decision on the current step. The actor either holds the
// step's role (normal lane) or a role that can override (override lane, which
// requires a comment and completes the request).
func (e *ApprovalEngine) Decide(ctx context.Context, in DecideInput) (*repository.ApprovalRequest, error) {
	if in.Decision != repository.DecisionApproved && in.Decision != repository.DecisionRejected {
		return nil, errors.InvalidInput("decision", "decision must be approved or rejected")
	}
	if strings.TrimSpace(in.ActorID) == "" {
		return nil, errors.InvalidInput("actor_id", "actor id is required")
	}
	if strings.TrimSpace(in.ActorRole) == "" {
		return nil, errors.InvalidInput("actor_role", "actor role is required")
	}

	return e.transition(ctx, in.RequestID, "decide", func(req *repository.ApprovalRequest) (*repository.AuditEntry, error) {
		if req.Status != repository.StatusPending {
			return nil, errors.InvalidState(fmt.Sprintf("request %s is already %s", req.ID, req.Status))
		}
		step := req.CurrentStep()
		if step == nil {
			return nil, errors.InvalidState(fmt.Sprintf("request %s has no open step", req.ID))
		}

		lane, err := e.resolveLane(ctx, req, step, in.ActorRole)
		if err != nil {
			return nil, err
		}
		comment := strings.TrimSpace(in.Comment)
		if lane == repository.LaneManualOverride && comment == "" {
			return nil, errors.New(errors.ErrCodeCommentRequired,
				"a comment is required when deciding outside the normal chain")
		}

		now := e.now()
		decision, actor, stepLane := in.Decision, in.ActorID, lane
		step.Decision = &decision
		step.DecidedBy = &actor
		step.DecidedAt = &now
		step.Lane = &stepLane
		step.DeadlineAt = nil
		if comment != "" {
			step.Comment = &comment
		}

		action := repository.ActionApproved
		if in.Decision == repository.DecisionRejected {
			action = repository.ActionRejected
		}
		entry := e.newEntry(req, step.Order, in.ActorID, in.ActorRole, action, now)
		entry.Lane = lane
		entry.Comment = comment

		switch {
		case in.Decision == repository.DecisionRejected:
			e.complete(req, repository.StatusRejected, now)
			entry.Terminal = true
		case lane == repository.LaneManualOverride:
			for i := req.CurrentStepIndex + 1; i < len(req.Steps); i++ {
				if req.Steps[i].Open() {
					req.Steps[i].Skipped = true
					req.Steps[i].DeadlineAt = nil
				}
			}
			req.OverrideUsed = true
			e.complete(req, repository.StatusApproved, now)
			entry.Terminal = true
		default:
			next := nextOpenStep(req, req.CurrentStepIndex+1)
			if next < 0 {
				e.complete(req, repository.StatusApproved, now)
				entry.Terminal = true
			} else {
				e.activate(req, next, now)
			}
		}
		return entry, nil
	})
}

func (e *ApprovalEngine) resolveLane(ctx context.Context, req *repository.ApprovalRequest, step *repository.StepInstance, actorRole string) (repository.Lane, error) {
	if actorRole == step.Role {
		return repository.LaneNormal, nil
	}
	role, err := e.roles.Get(ctx, actorRole)
	if err != nil {
		return "", err
	}
	if role.CanOverride {
		return repository.LaneManualOverride, nil
	}
	if decidedByRole(req, actorRole) {
		// Lost a race with another approver of the same step.
		return "", errors.InvalidState(fmt.Sprintf("the step for role '%s' was already decided", actorRole))
	}
	return "", errors.Newf(errors.ErrCodeUnauthorized,
		"role '%s' cannot decide step %d, which requires '%s'", actorRole, step.Order, step.Role)
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// CancelInput is a requester withdrawing a pending request.
type CancelInput struct {
	RequestID string
	ActorID   string
	Reason    string
}

// Cancel withdraws a pending request. Only the requester may cancel.
func (e *ApprovalEngine) Cancel(ctx context.Context, in CancelInput) (*repository.ApprovalRequest, error) {
	return e.transition(ctx, in.RequestID, "cancel", func(req *repository.ApprovalRequest) (*repository.AuditEntry, error) {
		if in.ActorID != req.RequesterID {
			return nil, errors.New(errors.ErrCodeUnauthorized, "only the requester can cancel a request")
		}
		if req.Status != repository.StatusPending {
			return nil, errors.InvalidState(fmt.Sprintf("request %s is already %s", req.ID, req.Status))
		}

		now := e.now()
		order := 0
		if step := req.CurrentStep(); step != nil {
			order = step.Order
			step.DeadlineAt = nil
		}
		e.complete(req, repository.StatusCancelled, now)

		entry := e.newEntry(req, order, in.ActorID, req.RequesterRole, repository.ActionCancelled, now)
		entry.Comment = strings.TrimSpace(in.Reason)
		entry.Terminal = true
		return entry, nil
	})
}

// ── Escalate ──────────────────────────────────────────────────────────────────

// Escalate reassigns the current step of a pending request to its escalation
// target right away, regardless of its deadline. On a request that is no
// longer pending it does nothing and returns the request unchanged.
func (e *ApprovalEngine) Escalate(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return e.transition(ctx, requestID, "escalate", func(req *repository.ApprovalRequest) (*repository.AuditEntry, error) {
		step := req.CurrentStep()
		if step == nil {
			e.metrics.escalations.WithLabelValues("stale").Inc()
			return nil, nil
		}
		return e.escalate(ctx, req, step, "escalated manually")
	})
}

// EscalateStep escalates stepOrder of a request whose deadline elapsed. It is
// a no-op when the request was decided, cancelled, moved on, or re-armed with
// a different deadline in the meantime.
func (e *ApprovalEngine) EscalateStep(ctx context.Context, requestID string, stepOrder int, deadlineAt time.Time) error {
	_, err := e.transition(ctx, requestID, "escalate", func(req *repository.ApprovalRequest) (*repository.AuditEntry, error) {
		step := req.CurrentStep()
		if step == nil || step.Order != stepOrder || step.DeadlineAt == nil || !sameInstant(*step.DeadlineAt, deadlineAt) {
			e.metrics.escalations.WithLabelValues("stale").Inc()
			e.log.Debug().
				Str("request_id", requestID).
				Int("step_order", stepOrder).
				Msg("Escalation skipped, deadline no longer current")
			return nil, nil
		}
		return e.escalate(ctx, req, step, fmt.Sprintf("deadline of step %d elapsed", step.Order))
	})
	return err
}

func (e *ApprovalEngine) escalate(ctx context.Context, req *repository.ApprovalRequest, step *repository.StepInstance, reason string) (*repository.AuditEntry, error) {
	target, err := e.escalationTarget(ctx, req, step)
	if err != nil {
		return nil, err
	}

	now := e.now()
	entry := e.newEntry(req, step.Order, SystemActor, "", repository.ActionEscalated, now)
	entry.Comment = reason
	step.DeadlineAt = nil

	if target == "" {
		e.metrics.escalations.WithLabelValues("no_target").Inc()
		e.log.Warn().
			Str("request_id", req.ID).
			Str("role", step.Role).
			Msg("No escalation target, request stays pending")
		return entry, nil
	}

	entry.TargetRole = target
	step.Role = target
	step.EscalationCount++
	if req.Policy.EscalationEnabled && req.Policy.EscalationHours > 0 {
		d := now.Add(time.Duration(req.Policy.EscalationHours) * time.Hour)
		step.DeadlineAt = &d
	}
	e.metrics.escalations.WithLabelValues("reassigned").Inc()
	return entry, nil
}

// escalationTarget resolves the role's own target, then the flow default. A
// target equal to the current role, or one missing from the catalog, counts
// as none.
func (e *ApprovalEngine) escalationTarget(ctx context.Context, req *repository.ApprovalRequest, step *repository.StepInstance) (string, error) {
	target := ""
	role, err := e.roles.Get(ctx, step.Role)
	switch {
	case err == nil && role.EscalationTarget != nil:
		target = *role.EscalationTarget
	case err != nil && !errors.HasCode(err, errors.ErrCodeNotFound):
		return "", err
	}
	if target == "" && req.Policy.DefaultEscalationRole != nil {
		target = *req.Policy.DefaultEscalationRole
	}
	if target == "" || target == step.Role {
		return "", nil
	}
	if _, err := e.roles.Get(ctx, target); err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			e.log.Warn().Str("request_id", req.ID).Str("target", target).Msg("Escalation target no longer exists")
			return "", nil
		}
		return "", err
	}
	return target, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// RequestView is a request together with its audit history.
type RequestView struct {
	Request     *repository.ApprovalRequest
	CurrentStep *repository.StepInstance
	Audit       []*repository.AuditEntry
}

// Get returns the request and its full audit history.
func (e *ApprovalEngine) Get(ctx context.Context, id string) (*RequestView, error) {
	req, err := e.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := e.audit.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RequestView{Request: req, CurrentStep: req.CurrentStep(), Audit: history}, nil
}

// ListPending returns pending requests waiting on role.
func (e *ApprovalEngine) ListPending(ctx context.Context, role string) ([]*repository.ApprovalRequest, error) {
	if strings.TrimSpace(role) == "" {
		return nil, errors.InvalidInput("role", "role is required")
	}
	return e.requests.ListPendingByRole(ctx, role)
}

// ── transition plumbing ───────────────────────────────────────────────────────

// mutation applies a transition to a private copy of the request and returns
// the audit entry describing it. A nil entry with a nil error means nothing to
// do.
type mutation func(req *repository.ApprovalRequest) (*repository.AuditEntry, error)

func (e *ApprovalEngine) transition(ctx context.Context, requestID, what string, mutate mutation) (*repository.ApprovalRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	unlock := e.locks.lock(requestID)
	defer unlock()

	var (
		req   *repository.ApprovalRequest
		entry *repository.AuditEntry
		err   error
	)
	for attempt := 0; ; attempt++ {
		req, entry, err = e.apply(ctx, requestID, what, mutate)
		if !errors.HasCode(err, errors.ErrCodeConflict) || attempt >= conflictRetries {
			break
		}
		e.log.Debug().Str("request_id", requestID).Int("attempt", attempt+1).Msg("Concurrent write, re-applying transition")
	}
	if errors.HasCode(err, errors.ErrCodeConflict) {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidState, "request was modified concurrently")
	}
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return req, nil
	}

	if err := e.syncSchedule(ctx, req); err != nil {
		return nil, err
	}
	e.record(req, entry)
	e.log.Info().
		Str("request_id", req.ID).
		Str("action", string(entry.Action)).
		Str("lane", string(entry.Lane)).
		Str("actor_id", entry.ActorID).
		Str("status", string(req.Status)).
		Msg("Approval request transitioned")

	e.audit.publish(ctx, req, entry)
	return req, nil
}

func (e *ApprovalEngine) apply(ctx context.Context, requestID, what string, mutate mutation) (*repository.ApprovalRequest, *repository.AuditEntry, error) {
	var current *repository.ApprovalRequest
	err := retryTransient(ctx, e.retry, e.log, e.metrics, "load request", func() error {
		var err error
		current, err = e.requests.GetRequest(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	next := current.Clone()
	entry, err := mutate(next)
	if err != nil || entry == nil {
		return current, nil, err
	}
	next.UpdatedAt = entry.Timestamp

	err = retryTransient(ctx, e.retry, e.log, e.metrics, what, func() error {
		return e.requests.CommitTransition(ctx, next, current.Version, entry)
	})
	if err != nil {
		return nil, nil, err
	}
	return next, entry, nil
}

// syncSchedule makes the scheduler match the committed request: the current
// step's deadline is armed, anything else is disarmed.
func (e *ApprovalEngine) syncSchedule(ctx context.Context, req *repository.ApprovalRequest) error {
	return retryTransient(ctx, e.retry, e.log, e.metrics, "schedule", func() error {
		if step := req.CurrentStep(); step != nil && step.DeadlineAt != nil {
			return e.scheduler.Arm(req.ID, step.Order, *step.DeadlineAt)
		}
		return e.scheduler.Disarm(req.ID)
	})
}

func (e *ApprovalEngine) activate(req *repository.ApprovalRequest, idx int, now time.Time) {
	req.CurrentStepIndex = idx
	step := &req.Steps[idx]
	step.DeadlineAt = nil
	if req.Policy.EscalationEnabled && step.TimeoutHours > 0 {
		d := now.Add(time.Duration(step.TimeoutHours) * time.Hour)
		step.DeadlineAt = &d
	}
}

func (e *ApprovalEngine) complete(req *repository.ApprovalRequest, status repository.RequestStatus, now time.Time) {
	req.Status = status
	req.CompletedAt = &now
}

func (e *ApprovalEngine) newEntry(
	req *repository.ApprovalRequest,
	stepOrder int,
	actorID, actorRole string,
	action repository.AuditAction,
	now time.Time,
) *repository.AuditEntry {
	return &repository.AuditEntry{
		ID:        e.newID(),
		RequestID: req.ID,
		StepOrder: stepOrder,
		ActorID:   actorID,
		ActorRole: actorRole,
		Action:    action,
		Lane:      repository.LaneNormal,
		Timestamp: now,
	}
}

func (e *ApprovalEngine) record(req *repository.ApprovalRequest, entry *repository.AuditEntry) {
	e.metrics.transitions.WithLabelValues(string(entry.Action), string(entry.Lane)).Inc()
	if entry.Terminal && req.CompletedAt != nil {
		e.metrics.completionTimes.WithLabelValues(string(req.Status)).
			Observe(req.CompletedAt.Sub(req.SubmittedAt).Seconds())
	}
}

// sameInstant compares at the store's timestamp precision.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

func decidedByRole(req *repository.ApprovalRequest, role string) bool {
	for i := 0; i < req.CurrentStepIndex && i < len(req.Steps); i++ {
		if req.Steps[i].Role == role && req.Steps[i].Decision != nil {
			return true
		}
	}
	return false
}

func nextOpenStep(req *repository.ApprovalRequest, from int) int {
	for i := from; i < len(req.Steps); i++ {
		if req.Steps[i].Open() {
			return i
		}
	}
	return -1
}
