package engine

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xela07ax/agentvm-trust/internal/domain"
)

func newBufconnClient(t *testing.T, f *fixture) *AgentControlClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(f.control, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewAgentControlClient(conn)
}

func TestGRPCHeartbeat(t *testing.T) {
	f := newFixture(t)
	client := newBufconnClient(t, f)

	err := client.Heartbeat(WithCredentials(t.Context(), goodToken, testAgentID))
	require.NoError(t, err)
	assert.Equal(t, 1, f.agents.heartbeats)

	err = client.Heartbeat(WithCredentials(t.Context(), "Bearer forged", testAgentID))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	err = client.Heartbeat(t.Context())
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCReportStatus(t *testing.T) {
	f := newFixture(t)
	client := newBufconnClient(t, f)
	ctx := WithCredentials(t.Context(), goodToken, testAgentID)

	got, err := client.ReportStatus(ctx, domain.StatusStopped)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got)

	_, err = client.ReportStatus(ctx, domain.StatusProvisioning)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.ReportStatus(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ReportStatus(WithCredentials(t.Context(), foreignToken, testAgentID), domain.StatusRunning)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}
