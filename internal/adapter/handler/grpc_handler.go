package handler

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/pkg/logger"
)

// LedgerServiceName is the service name reported by the health service.
const LedgerServiceName = "stockledger.Ledger"

// GRPCHandler exposes the standard health and reflection services. Serving
// status follows the reachability of the ledger store.
type GRPCHandler struct {
	query  *service.QueryService
	health *health.Server
}

func NewGRPCHandler(query *service.QueryService) *GRPCHandler {
	return &GRPCHandler{
		query:  query,
		health: health.NewServer(),
	}
}

// NewServer builds a grpc.Server with tracing and logging and registers the
// health and reflection services on it.
func (h *GRPCHandler) NewServer() *grpc.Server {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(LoggingInterceptor),
	)

	grpc_health_v1.RegisterHealthServer(server, h.health)
	reflection.Register(server)

	h.CheckHealth(context.Background())
	return server
}

// CheckHealth pings the store and publishes the result.
func (h *GRPCHandler) CheckHealth(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := h.query.Ping(ctx); err != nil {
		logger.Warn(ctx).Err(err).Msg("Ledger store unreachable")
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}

	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(LedgerServiceName, status)
	return status
}

// WatchHealth re-checks the store every interval until ctx is done.
func (h *GRPCHandler) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			h.CheckHealth(pingCtx)
			cancel()
		}
	}
}

// Shutdown marks every service NOT_SERVING ahead of GracefulStop.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}

func LoggingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	event := logger.Debug(ctx)
	if err != nil {
		event = logger.Warn(ctx).Err(err)
	}
	event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("gRPC request")

	return resp, err
}
