package api

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported alongside the overall ("")
// status.
const HealthService = "lidarcam.Capture"

// HealthServer exposes grpc.health.v1 for the capture node. It starts
// NOT_SERVING; the caller flips it with SetServing once dispatch runs.
type HealthServer struct {
	health *health.Server
	server *grpc.Server

	wg      sync.WaitGroup
	running atomic.Bool
}

func NewHealthServer() *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthServer{health: hs, server: srv}
}

// SetServing reports SERVING or NOT_SERVING for both the overall and the
// capture service.
func (h *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Start listens on addr and serves in the background.
func (h *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return h.Serve(lis)
}

// Serve serves on an existing listener in the background.
func (h *HealthServer) Serve(lis net.Listener) error {
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("health server already running")
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		log.Printf("[Health] gRPC health listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && h.running.Load() {
			log.Printf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	h.server.GracefulStop()
	h.wg.Wait()
	log.Printf("[Health] gRPC server stopped")
}
