package backbone

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// The service is described by hand instead of generated stubs: every message
// is a google.protobuf.Struct, so the default proto codec applies unchanged.
const (
	serviceName   = "roko.backbone.v1.Backbone"
	encodeMethod  = "/" + serviceName + "/Encode"
	projectMethod = "/" + serviceName + "/Project"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Backbone)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Encode", Handler: encodeHandler},
		{MethodName: "Project", Handler: projectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "roko/backbone/v1/backbone.proto",
}

// ============================================================================
// Client
// ============================================================================

// GRPCClient is a Backbone implementation that talks to a remote inference
// service.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration // 0 表示只用呼叫者的 ctx
}

// NewGRPCClient creates a client on top of an established connection.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// SetTimeout bounds each RPC.
func (c *GRPCClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *GRPCClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Encode implements Backbone.
func (c *GRPCClient) Encode(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"text": text})
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, encodeMethod, req, resp); err != nil {
		return nil, fmt.Errorf("rpc encode failed: %w", err)
	}
	return listToFloats(resp.GetFields()["hidden"].GetListValue()), nil
}

// Project implements Backbone.
func (c *GRPCClient) Project(ctx context.Context, head Head, hidden []float64) ([]float64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"head":   structpb.NewStringValue(string(head)),
		"hidden": structpb.NewListValue(floatsToList(hidden)),
	}}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, projectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("rpc project failed: %w", err)
	}
	return listToFloats(resp.GetFields()["output"].GetListValue()), nil
}

// ============================================================================
// Server side
// ============================================================================

// RegisterServer exposes a Backbone implementation on a gRPC server.
func RegisterServer(s grpc.ServiceRegistrar, b Backbone) {
	s.RegisterService(&serviceDesc, b)
}

func encodeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		text := req.(*structpb.Struct).GetFields()["text"].GetStringValue()
		hidden, err := srv.(Backbone).Encode(ctx, text)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"hidden": structpb.NewListValue(floatsToList(hidden)),
		}}, nil
	}

	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: encodeMethod}
	return interceptor(ctx, in, info, call)
}

func projectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		fields := req.(*structpb.Struct).GetFields()
		head := Head(fields["head"].GetStringValue())
		if _, err := head.Dim(); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		out, err := srv.(Backbone).Project(ctx, head, listToFloats(fields["hidden"].GetListValue()))
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"output": structpb.NewListValue(floatsToList(out)),
		}}, nil
	}

	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: projectMethod}
	return interceptor(ctx, in, info, call)
}

// ============================================================================
// Helpers
// ============================================================================

func floatsToList(v []float64) *structpb.ListValue {
	values := make([]*structpb.Value, len(v))
	for i, x := range v {
		values[i] = structpb.NewNumberValue(x)
	}
	return &structpb.ListValue{Values: values}
}

func listToFloats(l *structpb.ListValue) []float64 {
	values := l.GetValues()
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v.GetNumberValue()
	}
	return out
}
