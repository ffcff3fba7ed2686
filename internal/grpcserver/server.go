// Package grpcserver serves the standard gRPC health service, tracking database reachability.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health-checked service name besides the empty overall name.
	ServiceName = "storycoins.Coins"

	defaultCheckInterval = 10 * time.Second
	pingTimeout          = 2 * time.Second
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps a grpc.Server with a health service fed by Pinger.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	pinger     Pinger
	interval   time.Duration
	logger     *zap.Logger
}

// New registers the health service on a fresh grpc.Server.
func New(pinger Pinger, interval time.Duration, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	server := &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		pinger:     pinger,
		interval:   interval,
		logger:     logger,
	}
	server.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return server
}

// Check pings the database once and publishes the result.
func (server *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := server.pinger.Ping(pingCtx); err != nil {
		server.logger.Warn("database ping failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.setStatus(status)
	return status
}

// Serve accepts connections on listener and re-checks health until ctx is cancelled.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Check(ctx)
	go server.watch(ctx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.health.Shutdown()
		server.grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func (server *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Check(ctx)
		}
	}
}

func (server *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
}
