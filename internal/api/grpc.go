package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"papertrader/internal/engine"
)

// HealthServiceName is the gRPC health service reporting the auto trader.
const HealthServiceName = "papertrader.AutoTrader"

// HealthService publishes the auto trader's state through the standard gRPC
// health protocol. The trader is SERVING unless its loop is in Error or has
// been Stopped.
type HealthService struct {
	srv *health.Server
}

// NewHealthService creates a HealthService with the overall server SERVING.
func NewHealthService() *HealthService {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthService{srv: srv}
}

// Register installs the health service on gs.
func (h *HealthService) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// Update maps an auto trader status onto the health status.
func (h *HealthService) Update(st engine.Status) {
	status := healthpb.HealthCheckResponse_SERVING
	switch st.ScanStatus {
	case engine.StatusError, engine.StatusStopped:
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus(HealthServiceName, status)
}

// Check returns the current status of service.
func (h *HealthService) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthService) Shutdown() {
	h.srv.Shutdown()
}
