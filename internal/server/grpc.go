package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Deps holds everything the servers need.
type Deps struct {
	Backend
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Server wraps the gRPC server and the HTTP gateway in front of it.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	checker    *observability.HealthChecker
	svc        PoolService
	query      *query.QueryService
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// New registers PoolService and the gRPC health service. The health
// status follows the HealthChecker's readiness.
func New(grpcAddr, httpAddr string, deps Deps) *Server {
	logger := deps.Logger.With().Str("component", "server").Logger()
	svc := NewPoolService(deps.Backend)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)))
	grpcServer.RegisterService(&PoolServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	setServing(healthServer, deps.Health == nil || deps.Health.IsReady())
	if deps.Health != nil {
		deps.Health.OnChange(func(ready bool) { setServing(healthServer, ready) })
	}

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		checker:    deps.Health,
		svc:        svc,
		query:      deps.Query,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		logger:     logger,
	}
}

func setServing(h *health.Server, ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus("", st)
	h.SetServingStatus(ServiceName, st)
}

// Service exposes the in-process PoolService.
func (s *Server) Service() PoolService {
	return s.svc
}

// GRPC exposes the underlying server, e.g. to serve on a custom listener.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the JSON gateway and health endpoints until ctx
// is cancelled.
func (s *Server) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if m == nil {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		m.QueryRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
		m.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		if err != nil {
			m.QueryErrors.WithLabelValues(info.FullMethod, code.String()).Inc()
		}
		return resp, err
	}
}
