// Package server exposes the archiver's liveness over the standard gRPC
// health protocol (grpc.health.v1.Health).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/carbonite/internal/controller"
)

// ServiceName is the health service name of the archiving loop. The empty
// name reports the same status.
const ServiceName = "carbonite.Archiver"

const defaultWatchInterval = time.Second

// StatusSource is the controller as seen by the health service.
type StatusSource interface {
	Running() bool
	Status() controller.Status
}

// Config configures the gRPC listener and health evaluation.
type Config struct {
	Port int
	// MaxConsecutiveFailures marks the service NOT_SERVING once the loop has
	// failed more than this many cycles in a row. 0 disables the check.
	MaxConsecutiveFailures int
	WatchInterval          time.Duration
	Logger                 *slog.Logger
}

// HealthService implements grpc_health_v1.HealthServer on top of a StatusSource.
type HealthService struct {
	healthpb.UnimplementedHealthServer

	src           StatusSource
	maxFailures   int
	watchInterval time.Duration
}

// NewHealthService creates the health service.
func NewHealthService(src StatusSource, maxFailures int, watchInterval time.Duration) *HealthService {
	if watchInterval <= 0 {
		watchInterval = defaultWatchInterval
	}
	return &HealthService{src: src, maxFailures: maxFailures, watchInterval: watchInterval}
}

// Evaluate returns the serving status for the archiving loop.
func (h *HealthService) Evaluate() healthpb.HealthCheckResponse_ServingStatus {
	if !h.src.Running() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if h.maxFailures > 0 && h.src.Status().ConsecutiveFailures > h.maxFailures {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Check handles grpc.health.v1.Health/Check.
func (h *HealthService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if !knownService(req.GetService()) {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &healthpb.HealthCheckResponse{Status: h.Evaluate()}, nil
}

// Watch handles grpc.health.v1.Health/Watch. It sends the current status
// immediately and then every time it changes.
func (h *HealthService) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	if !knownService(req.GetService()) {
		// 協定要求未知服務回傳 SERVICE_UNKNOWN 而不是錯誤
		return stream.Send(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN})
	}

	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		if current := h.Evaluate(); current != last {
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: current}); err != nil {
				return err
			}
			last = current
		}

		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case <-ticker.C:
		}
	}
}

func knownService(name string) bool {
	return name == "" || name == ServiceName
}

// ============================================================================
// Server
// ============================================================================

// Server owns the gRPC listener.
type Server struct {
	cfg    Config
	grpc   *grpc.Server
	health *HealthService
	log    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New creates a gRPC server with the health service registered.
func New(cfg Config, src StatusSource) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	health := NewHealthService(src, cfg.MaxConsecutiveFailures, cfg.WatchInterval)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, health)

	return &Server{
		cfg:    cfg,
		grpc:   gs,
		health: health,
		log:    cfg.Logger.With("component", "grpc"),
	}
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("grpc server already serving")
	}
	s.listener = lis
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("gRPC server stopped", "error", err)
		}
	}()

	s.log.Info("gRPC health server listening", "addr", lis.Addr().String())
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight RPCs and closes the listener.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ============================================================================
// Client
// ============================================================================

// Probe calls Health/Check on target for the archiver service.
func Probe(ctx context.Context, target string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", target, err)
	}
	return resp.GetStatus(), nil
}
