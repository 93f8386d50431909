package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

const testSeed = `
roles:
  - {id: employee, rank: 1}
  - {id: manager, rank: 2, escalation_target: director}
  - {id: director, rank: 3}
  - {id: hr-director, rank: 4, can_override: true}
flows:
  - category: vacation
    requires_approval: true
    escalation_enabled: true
    escalation_timeout_hours: 24
    steps:
      - {order: 1, role: manager, mandatory: true, timeout_hours: 24}
      - {order: 2, role: director, mandatory: true, timeout_hours: 24, condition: "payload.days > 10"}
`

type noopScheduler struct{}

func (noopScheduler) Arm(string, int, time.Time) error { return nil }
func (noopScheduler) Disarm(string) error              { return nil }

type stack struct {
	store  *repository.MemoryStore
	roles  *service.RoleCatalog
	flows  *service.FlowDefinitionStore
	engine *service.ApprovalEngine
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := logger.Nop()
	store := repository.NewMemoryStore()
	metrics := service.NewMetrics(nil)

	roles := service.NewRoleCatalog(store, store, log)
	flows := service.NewFlowDefinitionStore(store, roles, service.NewConditionEvaluator(), log)
	audit := service.NewAuditLog(store, log)
	engine := service.NewApprovalEngine(store, roles, flows, audit, noopScheduler{}, metrics, log, service.EngineOptions{
		DefaultEscalationHours: 24,
	})

	seed, err := service.ParseSeed([]byte(testSeed))
	require.NoError(t, err)
	require.NoError(t, service.ApplySeed(context.Background(), roles, flows, seed, log))

	return &stack{store: store, roles: roles, flows: flows, engine: engine}
}
