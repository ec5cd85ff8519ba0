// Package api provides the HTTP, WebSocket and gRPC surfaces of the
// papertrader daemon: REST endpoints over the ledger and the auto trader, a
// live event stream and a gRPC health service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"papertrader/internal/broker"
	"papertrader/internal/config"
	"papertrader/internal/engine"
	"papertrader/internal/ledger"
	"papertrader/internal/regime"
)

// Deps are the components the API exposes.
type Deps struct {
	Ledger *ledger.Ledger
	Broker broker.Broker
	Trader *engine.AutoTrader
	Regime *regime.Detector
	Risk   *engine.DynamicRiskManager
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	deps     Deps
	httpAddr string
	grpcAddr string
	hub      *Hub
	health   *HealthService
	log      *slog.Logger

	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// NewServer creates a new Server configured from the given listener config.
func NewServer(cfg config.Server, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")
	s := &Server{
		deps:     deps,
		httpAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		grpcAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort),
		hub:      NewHub(log),
		health:   NewHealthService(),
		log:      log,
	}
	s.health.Update(deps.Trader.Status())

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer()
	s.health.Register(s.grpcSrv)
	return s
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Health returns the gRPC health service.
func (s *Server) Health() *HealthService { return s.health }

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. It shuts both down before
// returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	grpcLn, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go s.pump(pumpCtx)

	errCh := make(chan error, 2)
	go func() {
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := s.grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	s.log.Info("api listening", "http", s.httpAddr, "grpc", s.grpcAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, s.Shutdown(shutdownCtx))
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	err := s.httpSrv.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}

	s.hub.Close()
	return err
}

// pump forwards auto-trader events to WebSocket clients and keeps the health
// status current.
func (s *Server) pump(ctx context.Context) {
	id, events := s.deps.Trader.Subscribe(256)
	defer s.deps.Trader.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Status != nil {
				s.health.Update(*e.Status)
			}
			msg, err := json.Marshal(e)
			if err != nil {
				s.log.Error("encoding event", "type", e.Type, "error", err)
				continue
			}
			s.hub.Broadcast(msg)
		}
	}
}
