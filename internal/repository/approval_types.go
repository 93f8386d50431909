package repository

import "time"

// ── Domain types for the approval workflow ───────────────────────────────────

// RequestStatus is the lifecycle state of an ApprovalRequest.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Decision is an approver's verdict on a step.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Lane distinguishes normal chain approvals from privileged overrides.
type Lane string

const (
	LaneNormal         Lane = "normal"
	LaneManualOverride Lane = "manual_override"
)

// AuditAction is the kind of transition recorded in the audit log.
type AuditAction string

const (
	ActionSubmitted AuditAction = "submitted"
	ActionApproved  AuditAction = "approved"
	ActionRejected  AuditAction = "rejected"
	ActionEscalated AuditAction = "escalated"
	ActionCancelled AuditAction = "cancelled"
)

// Role is one entry of the role catalog.
type Role struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name,omitempty" yaml:"name"`
	Rank             int       `json:"rank" yaml:"rank"`
	CanOverride      bool      `json:"canOverride" yaml:"can_override"`
	EscalationTarget *string   `json:"escalationTarget,omitempty" yaml:"escalation_target"`
	CreatedAt        time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt        time.Time `json:"updatedAt" yaml:"-"`
}

// StepTemplate is one entry in a flow definition's steps JSONB array.
type StepTemplate struct {
	Order        int    `json:"order" yaml:"order"`
	Role         string `json:"role" yaml:"role"`
	Mandatory    bool   `json:"mandatory" yaml:"mandatory"`
	TimeoutHours int    `json:"timeoutHours" yaml:"timeout_hours"`
	// Condition is an optional boolean expression over payload/requester/category.
	Condition string `json:"condition,omitempty" yaml:"condition"`
}

// FlowDefinition is the configured approval chain for a request category.
type FlowDefinition struct {
	Category               string         `json:"category" yaml:"category"`
	Steps                  []StepTemplate `json:"steps" yaml:"steps"`
	RequiresApproval       bool           `json:"requiresApproval" yaml:"requires_approval"`
	EscalationEnabled      bool           `json:"escalationEnabled" yaml:"escalation_enabled"`
	DefaultEscalationRole  *string        `json:"defaultEscalationRole,omitempty" yaml:"default_escalation_role"`
	EscalationTimeoutHours int            `json:"escalationTimeoutHours" yaml:"escalation_timeout_hours"`
	OutcomeNotifyRoles     []string       `json:"outcomeNotifyRoles,omitempty" yaml:"outcome_notify_roles"`
	Version                int            `json:"version" yaml:"-"`
	CreatedAt              time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt              time.Time      `json:"updatedAt" yaml:"-"`
}

// StepInstance is a materialized copy of a StepTemplate on a request.
type StepInstance struct {
	Order           int        `json:"order"`
	Role            string     `json:"role"`
	OriginalRole    string     `json:"originalRole"`
	Mandatory       bool       `json:"mandatory"`
	TimeoutHours    int        `json:"timeoutHours"`
	Decision        *Decision  `json:"decision"`
	DecidedBy       *string    `json:"decidedBy,omitempty"`
	DecidedAt       *time.Time `json:"decidedAt,omitempty"`
	Comment         *string    `json:"comment,omitempty"`
	Lane            *Lane      `json:"lane,omitempty"`
	DeadlineAt      *time.Time `json:"deadlineAt,omitempty"`
	Skipped         bool       `json:"skipped"`
	EscalationCount int        `json:"escalationCount"`
}

// Open reports whether the step still awaits a decision.
func (s *StepInstance) Open() bool {
	return s.Decision == nil && !s.Skipped
}

// RequestPolicy is the escalation and notification configuration copied from
// the flow definition when the request is created.
type RequestPolicy struct {
	EscalationEnabled     bool     `json:"escalationEnabled"`
	EscalationHours       int      `json:"escalationHours"`
	DefaultEscalationRole *string  `json:"defaultEscalationRole,omitempty"`
	OutcomeNotifyRoles    []string `json:"outcomeNotifyRoles,omitempty"`
}

// ApprovalRequest is the aggregate owned by the approval engine.
type ApprovalRequest struct {
	ID               string         `json:"id"`
	Category         string         `json:"category"`
	RequesterID      string         `json:"requesterId"`
	RequesterRole    string         `json:"requesterRole"`
	SubmittedAt      time.Time      `json:"submittedAt"`
	Payload          map[string]any `json:"payload,omitempty"`
	Status           RequestStatus  `json:"status"`
	Steps            []StepInstance `json:"steps"`
	CurrentStepIndex int            `json:"currentStepIndex"`
	OverrideUsed     bool           `json:"overrideUsed"`
	FlowVersion      int            `json:"flowVersion"`
	Policy           RequestPolicy  `json:"policy"`
	Version          int            `json:"version"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// CurrentStep returns the step awaiting a decision, or nil when none is open.
func (r *ApprovalRequest) CurrentStep() *StepInstance {
	if r.Status != StatusPending {
		return nil
	}
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Steps) {
		return nil
	}
	step := &r.Steps[r.CurrentStepIndex]
	if !step.Open() {
		return nil
	}
	return step
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = make([]StepInstance, len(r.Steps))
	for i, s := range r.Steps {
		c.Steps[i] = s.clone()
	}
	if r.Payload != nil {
		c.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.Policy.OutcomeNotifyRoles = append([]string(nil), r.Policy.OutcomeNotifyRoles...)
	if r.Policy.DefaultEscalationRole != nil {
		role := *r.Policy.DefaultEscalationRole
		c.Policy.DefaultEscalationRole = &role
	}
	return &c
}

func (s StepInstance) clone() StepInstance {
	c := s
	if s.Decision != nil {
		d := *s.Decision
		c.Decision = &d
	}
	if s.DecidedBy != nil {
		v := *s.DecidedBy
		c.DecidedBy = &v
	}
	if s.Comment != nil {
		v := *s.Comment
		c.Comment = &v
	}
	if s.Lane != nil {
		l := *s.Lane
		c.Lane = &l
	}
	c.DecidedAt = cloneTime(s.DecidedAt)
	c.DeadlineAt = cloneTime(s.DeadlineAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID         string      `json:"id"`
	RequestID  string      `json:"requestId"`
	StepOrder  int         `json:"stepOrder"`
	ActorID    string      `json:"actorId"`
	ActorRole  string      `json:"actorRole"`
	Action     AuditAction `json:"action"`
	Lane       Lane        `json:"lane"`
	Comment    string      `json:"comment,omitempty"`
	TargetRole string      `json:"targetRole,omitempty"`
	Terminal   bool        `json:"terminal"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ArmedDeadline is a persisted escalation deadline of a pending request.
type ArmedDeadline struct {
	RequestID  string
	StepOrder  int
	DeadlineAt time.Time
}
