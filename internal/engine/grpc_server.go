package engine

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/agentvm-trust/internal/domain"
)

// Сервис описан вручную: сообщения имеют тип google.protobuf.Struct,
// поэтому кодогенерация не нужна.
const (
	AgentControlServiceName = "agentvm.v1.AgentControl"
	methodHeartbeat         = "/" + AgentControlServiceName + "/Heartbeat"
	methodReportStatus      = "/" + AgentControlServiceName + "/ReportStatus"
)

type AgentControlServer interface {
	Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ReportStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var AgentControlServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentControlServiceName,
	HandlerType: (*AgentControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: unaryHandler(methodHeartbeat, AgentControlServer.Heartbeat)},
		{MethodName: "ReportStatus", Handler: unaryHandler(methodReportStatus, AgentControlServer.ReportStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentvm/v1/agent_control.proto",
}

type unaryMethod func(AgentControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AgentControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(AgentControlServer), ctx, req.(*structpb.Struct))
		})
	}
}

// GRPCControlServer: gRPC-поверхность AgentControl. Тот же пайплайн, что и у HTTP.
type GRPCControlServer struct {
	control *AgentControl
	logger  *zap.Logger
}

func NewGRPCControlServer(control *AgentControl, logger *zap.Logger) *GRPCControlServer {
	return &GRPCControlServer{control: control, logger: logger.Named("vm-grpc")}
}

// NewGRPCServer собирает *grpc.Server с интерсептором и зарегистрированным сервисом.
func NewGRPCServer(control *AgentControl, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryAuthInterceptor()))
	s := grpc.NewServer(opts...)
	s.RegisterService(&AgentControlServiceDesc, NewGRPCControlServer(control, logger))
	return s
}

func (s *GRPCControlServer) Heartbeat(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.control.Heartbeat(ctx, credentialsFromContext(ctx)); err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

func (s *GRPCControlServer) ReportStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	next := req.GetFields()["status"].GetStringValue()
	if next == "" {
		return nil, s.toStatus(ctx, domain.ErrMalformedRequest)
	}

	agent, err := s.control.ReportStatus(ctx, credentialsFromContext(ctx), domain.AgentStatus(next))
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return structpb.NewStruct(map[string]any{"id": agent.ID, "status": string(agent.Status)})
}

func (s *GRPCControlServer) toStatus(ctx context.Context, err error) error {
	code := GRPCCode(err)
	if code == internalClass.grpc {
		s.logger.Error("vm rpc failed", zap.String("trace_id", TraceIDFromContext(ctx)), zap.Error(err))
	}
	return status.Error(code, ErrorCode(err))
}

// AgentControlClient: клиент для VM-стороны и тестов.
type AgentControlClient struct {
	cc grpc.ClientConnInterface
}

func NewAgentControlClient(cc grpc.ClientConnInterface) *AgentControlClient {
	return &AgentControlClient{cc: cc}
}

// WithCredentials добавляет identity-токен и id агента в исходящие метаданные.
func WithCredentials(ctx context.Context, authHeader, agentID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, mdAuthorization, authHeader, mdAgentID, agentID)
}

func (c *AgentControlClient) Heartbeat(ctx context.Context, opts ...grpc.CallOption) error {
	out := new(structpb.Struct)
	return c.cc.Invoke(ctx, methodHeartbeat, &structpb.Struct{}, out, opts...)
}

func (c *AgentControlClient) ReportStatus(ctx context.Context, next domain.AgentStatus, opts ...grpc.CallOption) (domain.AgentStatus, error) {
	in, err := structpb.NewStruct(map[string]any{"status": string(next)})
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodReportStatus, in, out, opts...); err != nil {
		return "", err
	}
	return domain.AgentStatus(out.GetFields()["status"].GetStringValue()), nil
}
