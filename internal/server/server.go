package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/roko-router/internal/coordinator"
	"github.com/ChuLiYu/roko-router/internal/ledger"
	"github.com/ChuLiYu/roko-router/internal/tracker"
	"github.com/ChuLiYu/roko-router/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = slog.Default()

// Messages are google.protobuf.Struct / Empty, so the service is described by
// hand and the default proto codec is used.
const (
	serviceName   = "roko.workflow.v1.WorkflowService"
	processMethod = "/" + serviceName + "/Process"
	statusMethod  = "/" + serviceName + "/Status"
)

// Service is what the gRPC server exposes; *coordinator.Coordinator implements it.
type Service interface {
	Process(ctx context.Context, task types.WorkflowTask) (types.Outcome, error)
	Status() coordinator.Status
}

// Server implements the WorkflowService handlers.
type Server struct {
	svc Service
}

// NewServer creates a new gRPC server instance.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// Register exposes the server on a gRPC registrar.
func Register(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&serviceDesc, s)
}

// NewGRPCServer builds a grpc.Server with request logging and the WorkflowService registered.
func NewGRPCServer(svc Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingInterceptor)}, opts...)
	gs := grpc.NewServer(opts...)
	Register(gs, NewServer(svc))
	return gs
}

// Process handles task submission.
func (s *Server) Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var task types.WorkflowTask
	if err := fromStruct(req, &task); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid task: %v", err)
	}

	outcome, err := s.svc.Process(ctx, task)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(outcome)
}

// Status reports ledger usage and task statistics.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.svc.Status())
}

// ============================================================================
// Service descriptor
// ============================================================================

type workflowServer interface {
	Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*workflowServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Process", Handler: processHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "roko/workflow/v1/workflow.proto",
}

func processHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(workflowServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: processMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(workflowServer).Process(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(workflowServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(workflowServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("RPC failed", "method", info.FullMethod, "code", status.Code(err), "error", err)
	} else {
		log.Debug("RPC served", "method", info.FullMethod, "elapsed", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// Helpers
// ============================================================================

// toStatus maps coordinator errors to gRPC codes
func toStatus(err error) error {
	switch {
	case errors.Is(err, types.ErrInvalidTaskType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, tracker.ErrDuplicateTask):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ledger.ErrUnknownResourceDimension), errors.Is(err, ledger.ErrLedgerUnderflow):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// toStruct converts any JSON-encodable value into a Struct
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into v through its JSON form
func fromStruct(s *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
