package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "shellgate.v1.Policy"

const (
	classifyMethod = "/" + ServiceName + "/Classify"
	evaluateMethod = "/" + ServiceName + "/Evaluate"
)

// PolicyServer is the server API of shellgate.v1.Policy. Requests and
// responses are google.protobuf.Struct values.
//
// Classify takes {"command": string} and returns {"command", "risk",
// "label", "denied", "reason", "warnings", "defaulted"}.
//
// Evaluate takes {"commands": [string], "session_id": string} and returns
// {"verdicts": [{"command", "risk", "verdict", "method", "reason",
// "policy_id", "phrase"}], "policy_hash": string}.
type PolicyServer interface {
	Classify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPolicyServer registers srv on s.
func RegisterPolicyServer(s grpc.ServiceRegistrar, srv PolicyServer) {
	s.RegisterService(&policyServiceDesc, srv)
}

var policyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PolicyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shellgate/v1/policy.proto",
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PolicyServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PolicyServer).Classify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PolicyServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PolicyServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls shellgate.v1.Policy.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Classify asks for the risk of one command.
func (c *Client) Classify(ctx context.Context, command string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"command": command})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, classifyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate dry-runs the gate for one plan.
func (c *Client) Evaluate(ctx context.Context, sessionID string, commands []string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	list := make([]any, len(commands))
	for i, cmd := range commands {
		list[i] = cmd
	}
	in, err := structpb.NewStruct(map[string]any{"session_id": sessionID, "commands": list})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, evaluateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
