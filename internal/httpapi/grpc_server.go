package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"adminpanel.io/internal/obs"
)

// GRPCHealth serves grpc.health.v1 and mirrors the readiness probe into it.
type GRPCHealth struct {
	server    *health.Server
	readiness readinessChecker
	timeout   time.Duration
}

// NewGRPCHealth creates the health service. A nil readiness checker reports
// serving unconditionally.
func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	if r == nil {
		r = ReadyProbe{}
	}
	h := &GRPCHealth{
		server:    health.NewServer(),
		readiness: r,
		timeout:   2 * time.Second,
	}
	h.server.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Sync runs the readiness probe once and publishes the result.
func (h *GRPCHealth) Sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	err := h.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	h.server.SetServingStatus(serviceName, status)
	h.server.SetServingStatus("", status)
	return err
}

// Run syncs every interval until ctx is done, then marks the service as
// shutting down.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := h.Sync(ctx); err != nil && ctx.Err() == nil {
			obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
