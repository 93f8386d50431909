package service

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// AuditSubscriber observes committed audit entries.
type AuditSubscriber interface {
	HandleAudit(ctx context.Context, req *repository.ApprovalRequest, entry *repository.AuditEntry)
}

// AuditSubscriberFunc adapts a function to AuditSubscriber.
type AuditSubscriberFunc func(ctx context.Context, req *repository.ApprovalRequest, entry *repository.AuditEntry)

func (f AuditSubscriberFunc) HandleAudit(ctx context.Context, req *repository.ApprovalRequest, entry *repository.AuditEntry) {
	f(ctx, req, entry)
}

// AuditLog reads the append-only history of a request and fans committed
// entries out to subscribers. Entries are written by the request repository in
// the same transaction as the state change they describe.
type AuditLog struct {
	repo repository.AuditRepository
	log  *logger.Logger

	mu   sync.RWMutex
	subs []AuditSubscriber
}

// NewAuditLog creates an AuditLog.
func NewAuditLog(repo repository.AuditRepository, log *logger.Logger) *AuditLog {
	return &AuditLog{repo: repo, log: log.Component("audit_log")}
}

// Subscribe registers sub for every entry committed from now on.
func (a *AuditLog) Subscribe(sub AuditSubscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, sub)
}

// History returns the entries of a request in append order.
func (a *AuditLog) History(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return a.repo.ListByRequest(ctx, requestID)
}

// publish delivers committed entries to subscribers in order. A panicking
// subscriber is logged and skipped.
func (a *AuditLog) publish(ctx context.Context, req *repository.ApprovalRequest, entries ...*repository.AuditEntry) {
	a.mu.RLock()
	subs := append([]AuditSubscriber(nil), a.subs...)
	a.mu.RUnlock()

	for _, entry := range entries {
		for _, sub := range subs {
			a.deliver(ctx, sub, req, entry)
		}
	}
}

func (a *AuditLog) deliver(ctx context.Context, sub AuditSubscriber, req *repository.ApprovalRequest, entry *repository.AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().
				Interface("panic", r).
				Str("request_id", entry.RequestID).
				Str("action", string(entry.Action)).
				Msg("Audit subscriber panicked")
		}
	}()
	sub.HandleAudit(ctx, req, entry)
}
