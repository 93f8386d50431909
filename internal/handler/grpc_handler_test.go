package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
)

func newGRPCClient(t *testing.T, auth *ActorAuth) (*grpc.ClientConn, *stack) {
	t.Helper()
	s := newStack(t)
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	RegisterApprovalServiceServer(srv, NewGRPCHandler(s.engine, logger.Nop().Logger))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, s
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any) (map[string]any, error) {
	msg, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+ApprovalServiceName+"/"+method, msg, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func TestGRPC_CreateDecideGet(t *testing.T) {
	conn, _ := newGRPCClient(t, NewActorAuth("", ""))
	ctx := context.Background()

	created, err := invoke(ctx, conn, "CreateRequest", map[string]any{
		"category":      "vacation",
		"requesterId":   "u-1",
		"requesterRole": "employee",
		"payload":       map[string]any{"days": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", created["status"])
	id := created["id"].(string)

	decided, err := invoke(ctx, conn, "Decide", map[string]any{
		"requestId": id, "actorId": "m-1", "actorRole": "manager", "decision": "approved",
	})
	require.NoError(t, err)
	assert.Equal(t, "approved", decided["status"])

	view, err := invoke(ctx, conn, "GetRequest", map[string]any{"requestId": id})
	require.NoError(t, err)
	assert.Len(t, view["audit"], 2)

	_, err = invoke(ctx, conn, "Cancel", map[string]any{"requestId": id, "actorId": "u-1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = invoke(ctx, conn, "GetRequest", map[string]any{"requestId": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_RequiresBearerWhenEnabled(t *testing.T) {
	auth := NewActorAuth("grpc-secret", "")
	conn, _ := newGRPCClient(t, auth)

	_, err := invoke(context.Background(), conn, "ListPending", map[string]any{"role": "manager"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := auth.IssueToken(Actor{ID: "m-1", Role: "manager"}, time.Minute)
	require.NoError(t, err)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)

	out, err := invoke(ctx, conn, "ListPending", map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, out["total"])
}

func TestGRPC_EscalateRequiresAdmin(t *testing.T) {
	auth := NewActorAuth("grpc-secret", "", "hr-admin")
	conn, _ := newGRPCClient(t, auth)

	bearer := func(actor Actor) context.Context {
		token, err := auth.IssueToken(actor, time.Minute)
		require.NoError(t, err)
		return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)
	}
	employee := bearer(Actor{ID: "u-1", Role: "employee"})

	created, err := invoke(employee, conn, "CreateRequest", map[string]any{
		"category": "vacation", "payload": map[string]any{"days": 3},
	})
	require.NoError(t, err)
	id := created["id"].(string)

	_, err = invoke(employee, conn, "Escalate", map[string]any{"requestId": id})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err := invoke(bearer(Actor{ID: "a-1", Role: "hr-admin"}), conn, "Escalate", map[string]any{"requestId": id})
	require.NoError(t, err)
	assert.Equal(t, "director", out["currentStep"].(map[string]any)["role"])
}
