package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
)

func strPtr(s string) *string { return &s }

func TestMemoryStore_RoleCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateRole(ctx, &Role{ID: "director", Rank: 3, EscalationTarget: strPtr("hr-director")}))
	require.NoError(t, s.CreateRole(ctx, &Role{ID: "manager", Rank: 2}))

	err := s.CreateRole(ctx, &Role{ID: "manager", Rank: 9})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	roles, err := s.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "manager", roles[0].ID, "ordered by rank")

	got, err := s.GetRole(ctx, "director")
	require.NoError(t, err)
	*got.EscalationTarget = "mutated"

	again, err := s.GetRole(ctx, "director")
	require.NoError(t, err)
	assert.Equal(t, "hr-director", *again.EscalationTarget, "reads are copies")

	require.NoError(t, s.DeleteRole(ctx, "manager"))
	_, err = s.GetRole(ctx, "manager")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestMemoryStore_FlowVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	flow := &FlowDefinition{Category: "vacation", RequiresApproval: true, Steps: []StepTemplate{{Order: 1, Role: "manager"}}}
	require.NoError(t, s.CreateFlow(ctx, flow))
	assert.Equal(t, 1, flow.Version)

	flow.Steps = append(flow.Steps, StepTemplate{Order: 2, Role: "director"})
	require.NoError(t, s.UpdateFlow(ctx, flow))
	assert.Equal(t, 2, flow.Version)

	got, err := s.GetFlow(ctx, "vacation")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)
	assert.Equal(t, 2, got.Version)

	err = s.UpdateFlow(ctx, &FlowDefinition{Category: "training"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestMemoryStore_CommitTransitionVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deadline := time.Now().Add(time.Hour)

	req := &ApprovalRequest{
		ID:       "r1",
		Category: "vacation",
		Status:   StatusPending,
		Steps: []StepInstance{
			{Order: 1, Role: "director", OriginalRole: "director", DeadlineAt: &deadline},
			{Order: 2, Role: "hr-director", OriginalRole: "hr-director"},
		},
	}
	require.NoError(t, s.CreateRequest(ctx, req, []*AuditEntry{{ID: "a1", RequestID: "r1", Action: ActionSubmitted}}))
	assert.Equal(t, 1, req.Version)

	deadlines, err := s.ListArmedDeadlines(ctx)
	require.NoError(t, err)
	require.Len(t, deadlines, 1)
	assert.Equal(t, 1, deadlines[0].StepOrder)

	pending, err := s.ListPendingByRole(ctx, "director")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	first, _ := s.GetRequest(ctx, "r1")
	second, _ := s.GetRequest(ctx, "r1")

	first.CurrentStepIndex = 1
	require.NoError(t, s.CommitTransition(ctx, first, 1, &AuditEntry{ID: "a2", RequestID: "r1", Action: ActionApproved}))
	assert.Equal(t, 2, first.Version)

	second.Status = StatusRejected
	err = s.CommitTransition(ctx, second, 1, &AuditEntry{ID: "a3", RequestID: "r1", Action: ActionRejected})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	entries, err := s.ListByRequest(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionApproved, entries[1].Action)
}

func TestMemoryStore_FailWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.FailWrites(errors.New(errors.ErrCodePersistence, "disk full"))

	err := s.CreateRequest(ctx, &ApprovalRequest{ID: "r1"}, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodePersistence))
	assert.NoError(t, s.CreateRequest(ctx, &ApprovalRequest{ID: "r1"}, nil))
}

func TestApprovalRequest_CurrentStep(t *testing.T) {
	approved := DecisionApproved
	req := &ApprovalRequest{
		Status: StatusPending,
		Steps: []StepInstance{
			{Order: 1, Role: "manager", Decision: &approved},
			{Order: 2, Role: "director"},
		},
		CurrentStepIndex: 1,
	}
	require.NotNil(t, req.CurrentStep())
	assert.Equal(t, "director", req.CurrentStep().Role)

	req.Status = StatusApproved
	assert.Nil(t, req.CurrentStep())

	clone := (&ApprovalRequest{Status: StatusPending, Steps: req.Steps}).Clone()
	*clone.Steps[0].Decision = DecisionRejected
	assert.Equal(t, DecisionApproved, *req.Steps[0].Decision, "clone is deep")
}
