package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/docjobs/internal/common"
)

// HealthChecker reports whether the daemon's dependencies are reachable.
type HealthChecker func(ctx context.Context) error

// NewGRPCServer builds a gRPC server exposing the standard health service and
// reflection for grpcurl.
func NewGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogger(logger)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(srv)
	return srv, hs
}

// WatchHealth flips the serving status according to check until ctx ends.
func WatchHealth(ctx context.Context, hs *health.Server, check HealthChecker, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	serving := true
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
		err := check(ctx)
		switch {
		case err != nil && serving:
			logger.Warn("grpc.health.not_serving", "err", err)
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			serving = false
		case err == nil && !serving:
			logger.Info("grpc.health.serving")
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			serving = true
		}
	}
}

func unaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("grpc.call.error", "method", info.FullMethod, "err", err,
				"elapsed_ms", time.Since(start).Milliseconds())
			return resp, common.GRPCStatus(err)
		}
		logger.Debug("grpc.call", "method", info.FullMethod, "elapsed_ms", time.Since(start).Milliseconds())
		return resp, nil
	}
}
