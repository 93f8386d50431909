package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-hr-approvals/internal/handler"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

type noopScheduler struct{}

func (noopScheduler) Arm(string, int, time.Time) error { return nil }
func (noopScheduler) Disarm(string) error              { return nil }

func startServer(t *testing.T, auth *handler.ActorAuth) *bufconn.Listener {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()
	store := repository.NewMemoryStore()

	roles := service.NewRoleCatalog(store, store, log)
	flows := service.NewFlowDefinitionStore(store, roles, service.NewConditionEvaluator(), log)
	require.NoError(t, roles.Create(ctx, &repository.Role{ID: "employee", Rank: 1}))
	require.NoError(t, roles.Create(ctx, &repository.Role{ID: "manager", Rank: 2}))
	require.NoError(t, flows.Create(ctx, &repository.FlowDefinition{
		Category:         "remote-work",
		RequiresApproval: true,
		Steps:            []repository.StepTemplate{{Order: 1, Role: "manager", Mandatory: true}},
	}))

	engine := service.NewApprovalEngine(store, roles, flows, service.NewAuditLog(store, log), noopScheduler{},
		service.NewMetrics(nil), log, service.EngineOptions{})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	handler.RegisterApprovalServiceServer(srv, handler.NewGRPCHandler(engine, log.Logger))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis
}

func dial(t *testing.T, lis *bufconn.Listener, token string) *ApprovalsGRPCClient {
	t.Helper()
	c, err := NewApprovalsGRPCClient("passthrough:///bufnet", token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestApprovalsGRPCClient_SubmitDecideGet(t *testing.T) {
	lis := startServer(t, handler.NewActorAuth("", ""))
	c := dial(t, lis, "")
	ctx := context.Background()

	req, err := c.Submit(ctx, "remote-work", "u-1", "employee", map[string]any{"days": 2})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, req.Status)
	require.NotNil(t, req.CurrentStep)
	assert.Equal(t, "manager", req.CurrentStep.Role)

	req, err = c.Decide(ctx, req.ID, "m-1", "manager", repository.DecisionRejected, "not this quarter")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, req.Status)

	got, err := c.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, got.Audit, 2)
	assert.Equal(t, "not this quarter", got.Audit[1].Comment)

	_, err = c.Cancel(ctx, req.ID, "u-1", "")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestApprovalsGRPCClient_SendsBearerToken(t *testing.T) {
	auth := handler.NewActorAuth("client-secret", "")
	lis := startServer(t, auth)

	_, err := dial(t, lis, "").Get(context.Background(), "missing")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := auth.IssueToken(handler.Actor{ID: "u-9", Role: "employee"}, time.Minute)
	require.NoError(t, err)
	c := dial(t, lis, token)

	req, err := c.Submit(context.Background(), "remote-work", "ignored", "ignored", nil)
	require.NoError(t, err)
	assert.Equal(t, "u-9", req.RequesterID)
}
