package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"PerpStats/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Config holds listen addresses. An empty GRPCAddr disables gRPC.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
}

// Server exposes liveness, readiness and metrics over HTTP and the standard
// gRPC health service. gRPC health follows the HealthChecker's readiness.
type Server struct {
	cfg        Config
	router     chi.Router
	grpcServer *grpc.Server
	health     *health.Server
	logger     zerolog.Logger
}

func New(cfg Config, checker *observability.HealthChecker, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", checker.LivenessHandler)
	r.Get("/readyz", checker.ReadinessHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router = r

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	s.setServing(checker.IsReady())
	checker.OnReadyChange(s.setServing)

	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthServer returns the gRPC health service.
func (s *Server) HealthServer() healthpb.HealthServer {
	return s.health
}

func (s *Server) setServing(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Run serves until ctx is done, then shuts both listeners down.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			s.logger.Info().Str("addr", s.cfg.GRPCAddr).Msg("gRPC server listening")
			return s.grpcServer.Serve(lis)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info().Msg("servers shutting down")
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
