package repository

import "context"

// RoleRepository persists the role catalog.
type RoleRepository interface {
	CreateRole(ctx context.Context, role *Role) error
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id string) error
	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
}

// FlowRepository persists flow definitions keyed by category. Every write bumps
// the definition's version.
type FlowRepository interface {
	CreateFlow(ctx context.Context, flow *FlowDefinition) error
	UpdateFlow(ctx context.Context, flow *FlowDefinition) error
	DeleteFlow(ctx context.Context, category string) error
	GetFlow(ctx context.Context, category string) (*FlowDefinition, error)
	ListFlows(ctx context.Context) ([]*FlowDefinition, error)
}

// RequestRepository persists approval requests together with their steps.
// Every mutation writes its audit entries in the same transaction.
type RequestRepository interface {
	// CreateRequest inserts a new request, its steps and its initial audit entries.
	CreateRequest(ctx context.Context, req *ApprovalRequest, entries []*AuditEntry) error
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	// CommitTransition saves req if its stored version still equals
	// expectedVersion, appending entry atomically. On success req.Version is
	// expectedVersion+1. A stale version yields an ErrCodeConflict error.
	CommitTransition(ctx context.Context, req *ApprovalRequest, expectedVersion int, entry *AuditEntry) error
	// ListPendingByRole returns pending requests whose current step requires role.
	ListPendingByRole(ctx context.Context, role string) ([]*ApprovalRequest, error)
	// ListArmedDeadlines returns the deadline of every pending request's current step.
	ListArmedDeadlines(ctx context.Context) ([]ArmedDeadline, error)
}

// AuditRepository reads the append-only audit log.
type AuditRepository interface {
	ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error)
}

// Store bundles every repository the service needs.
type Store interface {
	RoleRepository
	FlowRepository
	RequestRepository
	AuditRepository
	Ping(ctx context.Context) error
}
