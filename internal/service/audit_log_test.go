package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

func TestAuditLog_SubscribersSeeCommittedEntriesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen []repository.AuditAction
	f.audit.Subscribe(AuditSubscriberFunc(func(ctx context.Context, req *repository.ApprovalRequest, e *repository.AuditEntry) {
		panic("subscriber bug")
	}))
	f.audit.Subscribe(AuditSubscriberFunc(func(ctx context.Context, req *repository.ApprovalRequest, e *repository.AuditEntry) {
		seen = append(seen, e.Action)
	}))

	req := f.create(t, "director", nil)
	_, err := f.engine.Decide(ctx, DecideInput{RequestID: req.ID, ActorID: "h1", ActorRole: "hr-director", Decision: repository.DecisionApproved})
	require.NoError(t, err)

	assert.Equal(t, []repository.AuditAction{repository.ActionSubmitted, repository.ActionApproved}, seen)

	history := f.history(t, req.ID)
	require.Len(t, history, 2)
	assert.Equal(t, history[0].RequestID, req.ID)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))
}
