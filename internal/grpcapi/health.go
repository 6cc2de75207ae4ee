// Package grpcapi serves grpc.health.v1 for orchestrators that probe over gRPC.
// The reported status follows the worker's /health report.
package grpcapi

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"inferd/pkg/types"
)

// ServiceName is the named service registered next to the overall ("") status.
const ServiceName = "inferd.Worker"

// HealthSource reports serving health. *worker.Worker satisfies it.
type HealthSource interface {
	Health(ctx context.Context) types.HealthResponse
}

// Options configure a Server.
type Options struct {
	// Interval between health refreshes; default 5s.
	Interval time.Duration
	Logger   *zerolog.Logger
}

// Server wraps a grpc.Server with the standard health service.
type Server struct {
	src      HealthSource
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration
	log      zerolog.Logger
	last     healthpb.HealthCheckResponse_ServingStatus
}

// New builds a Server. Both services start NOT_SERVING until the first Sync.
func New(src HealthSource, opts Options) *Server {
	s := &Server{
		src:      src,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		interval: opts.Interval,
		log:      zerolog.Nop(),
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Second
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "grpc").Logger()
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// ServingStatus maps a health report to a gRPC serving status. A model that
// is not loaded yet still serves; it loads on the first job.
func ServingStatus(h types.HealthResponse) healthpb.HealthCheckResponse_ServingStatus {
	if h.Status == types.HealthFatal {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Sync refreshes the served status from the health source.
func (s *Server) Sync(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := ServingStatus(s.src.Health(ctx))
	if st != s.last {
		s.log.Info().Str("event", "health_changed").Str("status", st.String()).Msg("grpc health updated")
	}
	s.set(st)
	return st
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.last = st
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve syncs health every interval and serves on lis until ctx is done,
// then marks everything NOT_SERVING and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Sync(ctx)
	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-t.C:
				s.Sync(ctx)
			}
		}
	}()
	s.log.Info().Str("event", "listening").Str("addr", lis.Addr().String()).Msg("grpc health serving")
	return s.grpc.Serve(lis)
}
