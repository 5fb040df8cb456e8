// ABOUTME: Status surface for a running master: HTTP health and JSON API plus gRPC health.
// ABOUTME: Reports gateway readiness, registered clients, counters and ledger history.

package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/ksync/internal/gateway"
	"github.com/2389/ksync/internal/master"
	"github.com/2389/ksync/internal/registry"
	"github.com/2389/ksync/internal/store"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "ksync.Master"

// Source is the master state the status surface reports on.
type Source interface {
	Ready() <-chan struct{}
	GatewayState() gateway.State
	Clients() []registry.Info
	Stats() master.Stats
}

// Config holds listener addresses. An empty address disables that listener.
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Server serves the status endpoints.
type Server struct {
	cfg    Config
	src    Source
	ledger store.Store
	logger *slog.Logger

	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server

	grpcLn net.Listener
	httpLn net.Listener
}

// New creates a status server. ledger may be nil, which disables /api/events.
func New(cfg Config, src Source, ledger store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		src:    src,
		ledger: ledger,
		logger: logger.With("component", "status"),
		health: health.NewServer(),
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/api/clients", s.handleClients)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/events", s.handleEvents)
	return mux
}

// Start opens the listeners and serves in the background. Serving errors
// arrive on the returned channel. Health turns SERVING once the source is
// ready.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	if s.cfg.GRPCAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpcLn = ln
	}
	if s.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			if s.grpcLn != nil {
				_ = s.grpcLn.Close()
			}
			return nil, fmt.Errorf("listening on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLn = ln
	}

	errCh := make(chan error, 2)

	if s.grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health listening", "addr", s.grpcLn.Addr().String())
			if err := s.grpcServer.Serve(s.grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}
	if s.httpLn != nil {
		go func() {
			s.logger.Info("HTTP status listening", "addr", s.httpLn.Addr().String())
			if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	go s.watchReady(ctx)
	return errCh, nil
}

// GRPCAddr returns the bound gRPC address, or nil when disabled.
func (s *Server) GRPCAddr() net.Addr {
	if s.grpcLn == nil {
		return nil
	}
	return s.grpcLn.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

func (s *Server) watchReady(ctx context.Context) {
	select {
	case <-s.src.Ready():
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		s.logger.Debug("health serving")
	case <-ctx.Done():
	}
}

// Shutdown marks health NOT_SERVING and stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	if len(errs) > 0 {
		return fmt.Errorf("status shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
