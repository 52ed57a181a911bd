package handler

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

type unreachableStore struct {
	*storage.MemoryStore
}

func (unreachableStore) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

func dialHealth(t *testing.T, h *GRPCHandler) grpc_health_v1.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	server := h.NewServer()
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return grpc_health_v1.NewHealthClient(conn)
}

func TestGRPCHealth_Serving(t *testing.T) {
	h := NewGRPCHandler(service.NewQueryService(storage.NewMemoryStore()))
	client := dialHealth(t, h)

	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: LedgerServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestGRPCHealth_FollowsStore(t *testing.T) {
	h := NewGRPCHandler(service.NewQueryService(unreachableStore{storage.NewMemoryStore()}))
	client := dialHealth(t, h)

	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestGRPCHealth_Shutdown(t *testing.T) {
	h := NewGRPCHandler(service.NewQueryService(storage.NewMemoryStore()))
	client := dialHealth(t, h)

	h.Shutdown()

	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: LedgerServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
