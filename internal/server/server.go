// ============================================================================
// Fleet Health Server - gRPC Health Checking
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose the state of every role over the standard gRPC health
//          protocol (grpc.health.v1.Health).
//
// Service names:
//   ""                      overall server; SERVING while web is up
//   fleet.role.<role>       one per singleton role
//   fleet.role.<role>/<id>  one per action server instance
//
// Status follows the supervisor's registry events: a live entry is
// SERVING, an exited one NOT_SERVING. Check and Watch are served by
// grpc/health; Watch streams every change.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/fleet/pkg/types"
)

// ServicePrefix prefixes the per-role health service names.
const ServicePrefix = "fleet.role."

// ServiceName returns the health service name of key.
func ServiceName(key types.ProcessKey) string {
	return ServicePrefix + key.String()
}

// Server serves role health over gRPC.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu      sync.RWMutex
	entries map[types.ProcessKey]types.ProcessEntry
}

// NewServer creates a health server with every service NOT_SERVING.
func NewServer(log *slog.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		grpc:    grpc.NewServer(opts...),
		health:  health.NewServer(),
		log:     log,
		entries: make(map[types.ProcessKey]types.ProcessEntry),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Observe records one registry event. It never blocks, so it can be
// installed as the supervisor status hook.
func (s *Server) Observe(e types.ProcessEntry) {
	s.mu.Lock()
	s.entries[e.Key] = e
	webUp := false
	if web, ok := s.entries[types.KeyOf(types.RoleWeb)]; ok {
		webUp = web.Alive
	}
	s.mu.Unlock()

	s.health.SetServingStatus(ServiceName(e.Key), servingStatus(e.Alive))
	s.health.SetServingStatus("", servingStatus(webUp))
}

func servingStatus(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Entries returns the last observed entry of every role, in role order.
func (s *Server) Entries() []types.ProcessEntry {
	s.mu.RLock()
	out := make([]types.ProcessEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Serve listens on port and serves until ctx is done.
func (s *Server) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, then stops gracefully.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("health server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		err := <-errCh
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case err := <-errCh:
		return err
	}
}
