package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "hr.approvals.v1.ApprovalService"

// ApprovalServiceServer is the gRPC surface of the approval engine. Messages
// are google.protobuf.Struct values carrying the same JSON shapes as the HTTP
// API.
type ApprovalServiceServer interface {
	CreateRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Escalate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateRequest", ApprovalServiceServer.CreateRequest),
		unaryMethod("Decide", ApprovalServiceServer.Decide),
		unaryMethod("Cancel", ApprovalServiceServer.Cancel),
		unaryMethod("Escalate", ApprovalServiceServer.Escalate),
		unaryMethod("GetRequest", ApprovalServiceServer.GetRequest),
		unaryMethod("ListPending", ApprovalServiceServer.ListPending),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hr/approvals/v1/approvals.proto",
}

type structCall func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call structCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(ApprovalServiceServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ApprovalServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GRPCHandler implements ApprovalServiceServer
type GRPCHandler struct {
	approvals ApprovalService
	logger    zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(approvals ApprovalService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		approvals: approvals,
		logger:    logger.With().Str("handler", "grpc").Logger(),
	}
}

type requestIDBody struct {
	RequestID string `json:"requestId"`
}

type grpcDecideBody struct {
	requestIDBody
	decideBody
}

type grpcCancelBody struct {
	requestIDBody
	cancelBody
}

// CreateRequest submits a new approval request
func (h *GRPCHandler) CreateRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body createRequestBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if actor, ok := ActorFromContext(ctx); ok {
		body.RequesterID, body.RequesterRole = actor.ID, actor.Role
	}

	h.logger.Info().
		Str("category", body.Category).
		Str("requester_id", body.RequesterID).
		Msg("gRPC CreateRequest called")

	req, err := h.approvals.Create(ctx, service.CreateInput{
		Category:      body.Category,
		RequesterID:   body.RequesterID,
		RequesterRole: body.RequesterRole,
		Payload:       body.Payload,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(project(req))
}

// Decide records an approver's decision
func (h *GRPCHandler) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body grpcDecideBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if actor, ok := ActorFromContext(ctx); ok {
		body.ActorID, body.ActorRole = actor.ID, actor.Role
	}

	req, err := h.approvals.Decide(ctx, service.DecideInput{
		RequestID: body.RequestID,
		ActorID:   body.ActorID,
		ActorRole: body.ActorRole,
		Decision:  repository.Decision(body.Decision),
		Comment:   body.Comment,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(project(req))
}

// Cancel withdraws a pending request
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body grpcCancelBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if actor, ok := ActorFromContext(ctx); ok {
		body.ActorID = actor.ID
	}

	req, err := h.approvals.Cancel(ctx, service.CancelInput{
		RequestID: body.RequestID,
		ActorID:   body.ActorID,
		Reason:    body.Reason,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(project(req))
}

// Escalate forces escalation of the current step
func (h *GRPCHandler) Escalate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body requestIDBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.approvals.Escalate(ctx, body.RequestID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(project(req))
}

// GetRequest returns a request with its audit history
func (h *GRPCHandler) GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body requestIDBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	view, err := h.approvals.Get(ctx, body.RequestID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(projectView(view))
}

// ListPending returns the requests waiting on a role
func (h *GRPCHandler) ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Role string `json:"role"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if actor, ok := ActorFromContext(ctx); ok && body.Role == "" {
		body.Role = actor.Role
	}
	reqs, err := h.approvals.ListPending(ctx, body.Role)
	if err != nil {
		return nil, h.toStatus(err)
	}
	out := make([]*requestProjection, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, project(req))
	}
	return toStruct(map[string]any{"requests": out, "total": len(out)})
}

func (h *GRPCHandler) toStatus(err error) error {
	if appErr, ok := errors.As(err); ok {
		if appErr.Retryable() {
			h.logger.Error().Err(err).Msg("gRPC call failed")
		}
		return appErr.GRPCStatus().Err()
	}
	h.logger.Error().Err(err).Msg("gRPC call failed")
	return status.Error(codes.Internal, "internal error")
}

func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request message")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request message")
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

var _ ApprovalServiceServer = (*GRPCHandler)(nil)
