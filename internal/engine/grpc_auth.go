package engine

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Ключи метаданных gRPC (всегда в нижнем регистре)
const (
	mdAuthorization = "authorization"
	mdAgentID       = "x-agent-id"
	mdTraceID       = "x-trace-id"
)

type credentialsKey struct{}

// UnaryAuthInterceptor достает учетные данные VM из метаданных и кладет их в контекст.
// Проверку не делает: это работа LifecycleGuard внутри каждого метода.
func UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "missing metadata")
		}

		cred := Credentials{
			AuthHeader: first(md, mdAuthorization),
			AgentID:    first(md, mdAgentID),
		}
		ctx = context.WithValue(ctx, credentialsKey{}, cred)

		if traceID := first(md, mdTraceID); traceID != "" {
			ctx = WithTraceID(ctx, traceID)
		}
		return handler(ctx, req)
	}
}

func credentialsFromContext(ctx context.Context) Credentials {
	cred, _ := ctx.Value(credentialsKey{}).(Credentials)
	return cred
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
