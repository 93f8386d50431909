package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

const approvalService = "/hr.approvals.v1.ApprovalService/"

// Request is a request as returned by the approvals service.
type Request struct {
	repository.ApprovalRequest
	CurrentStep *repository.StepInstance `json:"currentStep"`
	Audit       []*repository.AuditEntry `json:"audit,omitempty"`
}

// ApprovalsGRPCClient talks to the approvals gRPC service.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials addr. A non-empty token is sent as a bearer
// token on every call.
func NewApprovalsGRPCClient(addr, token string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(bearerToken(token)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// Submit creates a new approval request.
func (c *ApprovalsGRPCClient) Submit(ctx context.Context, category, requesterID, requesterRole string, payload map[string]any) (*Request, error) {
	return c.call(ctx, "CreateRequest", map[string]any{
		"category":      category,
		"requesterId":   requesterID,
		"requesterRole": requesterRole,
		"payload":       payload,
	})
}

// Decide approves or rejects the request's current step.
func (c *ApprovalsGRPCClient) Decide(ctx context.Context, requestID, actorID, actorRole string, decision repository.Decision, comment string) (*Request, error) {
	return c.call(ctx, "Decide", map[string]any{
		"requestId": requestID,
		"actorId":   actorID,
		"actorRole": actorRole,
		"decision":  string(decision),
		"comment":   comment,
	})
}

// Cancel withdraws a pending request.
func (c *ApprovalsGRPCClient) Cancel(ctx context.Context, requestID, actorID, reason string) (*Request, error) {
	return c.call(ctx, "Cancel", map[string]any{
		"requestId": requestID,
		"actorId":   actorID,
		"reason":    reason,
	})
}

// Get returns a request with its audit history.
func (c *ApprovalsGRPCClient) Get(ctx context.Context, requestID string) (*Request, error) {
	return c.call(ctx, "GetRequest", map[string]any{"requestId": requestID})
}

func (c *ApprovalsGRPCClient) call(ctx context.Context, method string, in map[string]any) (*Request, error) {
	msg, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, approvalService+method, msg, out); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return &req, nil
}
