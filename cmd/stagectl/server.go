package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevoDB/dataview/pkg/common/log"
	"github.com/KevoDB/dataview/pkg/telemetry"
	"github.com/KevoDB/dataview/pkg/transaction"
)

// Server exposes Prometheus metrics and the pending-change summary over HTTP
// while the console runs.
type Server struct {
	addr       string
	tel        telemetry.Telemetry
	registry   *transaction.Registry
	listener   net.Listener
	httpServer *http.Server
	logger     log.Logger
}

// NewServer creates a new server instance
func NewServer(addr string, tel telemetry.Telemetry, registry *transaction.Registry) *Server {
	return &Server{
		addr:     addr,
		tel:      tel,
		registry: registry,
		logger:   log.Component("server"),
	}
}

// Start listens on the configured address and prepares the handlers
func (s *Server) Start() error {
	mux := http.NewServeMux()
	if h, ok := telemetry.MetricsHandler(s.tel); ok {
		mux.Handle("/metrics", h)
	} else {
		s.logger.Warn("Prometheus exporter not enabled, /metrics is unavailable")
	}
	mux.HandleFunc("/pending", s.handlePending)

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Listening on %s", s.listener.Addr())
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Serve starts serving requests (blocking)
func (s *Server) Serve() error {
	if s.httpServer == nil {
		return fmt.Errorf("server not initialized, call Start() first")
	}
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and cancels anything still staged
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
	}

	if n := s.registry.CancelAll(); n > 0 {
		s.logger.Warn("Discarded staged changes in %d views", n)
	}
	return nil
}

type pendingResponse struct {
	Views   map[string]transaction.Summary `json:"views"`
	Total   transaction.Summary            `json:"total"`
	Message string                         `json:"message"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	resp := pendingResponse{Views: make(map[string]transaction.Summary)}
	for _, id := range s.registry.IDs() {
		if m, ok := s.registry.Get(id); ok {
			resp.Views[id] = m.Summary()
		}
	}
	resp.Total = s.registry.CombinedSummary()
	resp.Message = resp.Total.String()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write pending summary: %v", err)
	}
}
