package grpcx

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName — имя, под которым публикуется статус gateway.
const ServiceName = "watchroom.v1.Gateway"

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server держит стандартный grpc.health.v1 и обновляет статус по доступности зависимостей.
type Server struct {
	health  *health.Server
	deps    map[string]Pinger
	every   time.Duration
	timeout time.Duration
}

func NewServer(deps map[string]Pinger, every time.Duration) *Server {
	if every <= 0 {
		every = 10 * time.Second
	}
	return &Server{
		health:  health.NewServer(),
		deps:    deps,
		every:   every,
		timeout: 2 * time.Second,
	}
}

func Register(grpcServer *grpc.Server, s *Server) {
	healthpb.RegisterHealthServer(grpcServer, s.health)
}

// Check один раз опрашивает зависимости и выставляет SERVING/NOT_SERVING.
func (s *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	for name, p := range s.deps {
		if p == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			slog.Warn("health dependency down", "dep", name, "err", err)
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return st
}

// Run обновляет статус до отмены ctx, затем переводит в NOT_SERVING.
func (s *Server) Run(ctx context.Context) {
	s.Check(ctx)
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.Check(ctx)
		}
	}
}
