package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

func TestFlowDefinitionStore_Validate(t *testing.T) {
	tests := []struct {
		name string
		flow repository.FlowDefinition
		code errors.Code
	}{
		{
			name: "missing category",
			flow: repository.FlowDefinition{RequiresApproval: true, Steps: []repository.StepTemplate{{Order: 1, Role: "manager"}}},
			code: errors.ErrCodeInvalidInput,
		},
		{
			name: "no steps but approval required",
			flow: repository.FlowDefinition{Category: "x", RequiresApproval: true},
			code: errors.ErrCodeConfiguration,
		},
		{
			name: "gap in step order",
			flow: repository.FlowDefinition{Category: "x", RequiresApproval: true, Steps: []repository.StepTemplate{
				{Order: 1, Role: "manager"}, {Order: 3, Role: "director"},
			}},
			code: errors.ErrCodeConfiguration,
		},
		{
			name: "order not starting at one",
			flow: repository.FlowDefinition{Category: "x", RequiresApproval: true, Steps: []repository.StepTemplate{{Order: 2, Role: "manager"}}},
			code: errors.ErrCodeConfiguration,
		},
		{
			name: "unknown role",
			flow: repository.FlowDefinition{Category: "x", RequiresApproval: true, Steps: []repository.StepTemplate{{Order: 1, Role: "intern"}}},
			code: errors.ErrCodeConfiguration,
		},
		{
			name: "rank not increasing",
			flow: repository.FlowDefinition{Category: "x", RequiresApproval: true, Steps: []repository.StepTemplate{
				{Order: 1, Role: "director"}, {Order: 2, Role: "manager"},
			}},
			code: errors.ErrCodeConfiguration,
		},
		{
			name: "bad condition",
			flow: repository.FlowDefinition{Category: "x", RequiresApproval: true, Steps: []repository.StepTemplate{
				{Order: 1, Role: "manager", Condition: "payload.days >"},
			}},
			code: errors.ErrCodeConfiguration,
		},
		{
			name: "unknown default escalation role",
			flow: repository.FlowDefinition{Category: "x", RequiresApproval: true, DefaultEscalationRole: strPtr("board"),
				Steps: []repository.StepTemplate{{Order: 1, Role: "manager"}}},
			code: errors.ErrCodeConfiguration,
		},
		{
			name: "unknown outcome role",
			flow: repository.FlowDefinition{Category: "x", RequiresApproval: true, OutcomeNotifyRoles: []string{"payroll"},
				Steps: []repository.StepTemplate{{Order: 1, Role: "manager"}}},
			code: errors.ErrCodeConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			flow := tt.flow
			err := f.flows.Create(context.Background(), &flow)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestFlowDefinitionStore_SortsStepsByOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := &repository.FlowDefinition{Category: "relocation", RequiresApproval: true, Steps: []repository.StepTemplate{
		{Order: 2, Role: "director"}, {Order: 1, Role: "manager"},
	}}
	require.NoError(t, f.flows.Create(ctx, flow))

	got, err := f.flows.Get(ctx, "relocation")
	require.NoError(t, err)
	assert.Equal(t, "manager", got.Steps[0].Role)
	assert.Equal(t, 1, got.Version)
}

func TestFlowDefinitionStore_Materialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow, err := f.flows.Get(ctx, "vacation")
	require.NoError(t, err)

	steps, err := f.flows.Materialize(ctx, flow, Requester{ID: "u1", Role: "manager"}, nil)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].Order)
	assert.Equal(t, "director", steps[0].OriginalRole)
	assert.Equal(t, 24, steps[0].TimeoutHours)
	assert.Nil(t, steps[0].DeadlineAt)

	steps, err = f.flows.Materialize(ctx, flow, Requester{ID: "u2", Role: "ceo"}, nil)
	require.NoError(t, err)
	assert.Empty(t, steps)
}
