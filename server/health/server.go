// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/core"
)

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   config.HealthConfig
	shared   broker.Shared
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server.
func New(cfg config.HealthConfig, shared broker.Shared, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		shared: shared,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/cluster/status", s.handleClusterStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the endpoints.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done, then shuts down.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady returns 200 OK once the registry is attached.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.shared == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "registry not initialized",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// PeerStatus describes one peer node.
type PeerStatus struct {
	NodeID core.NodeID `json:"node_id"`
	Name   string      `json:"name"`
}

// ClusterStatusResponse represents node and cluster counts.
type ClusterStatusResponse struct {
	NodeID              core.NodeID  `json:"node_id"`
	NodeName            string       `json:"node_name"`
	ClusterMode         bool         `json:"cluster_mode"`
	Peers               []PeerStatus `json:"peers,omitempty"`
	Clients             int          `json:"clients"`
	Sessions            int          `json:"sessions"`
	AllClients          int          `json:"all_clients"`
	AllSessions         int          `json:"all_sessions"`
	Subscriptions       int          `json:"subscriptions"`
	SharedSubscriptions int          `json:"shared_subscriptions"`
}

// handleClusterStatus returns local and cluster-wide counts.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shared == nil {
		http.Error(w, "registry not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	node := s.shared.NodeID()
	response := ClusterStatusResponse{
		NodeID:              node,
		NodeName:            s.shared.NodeName(node),
		Clients:             s.shared.Clients(),
		Sessions:            s.shared.Sessions(),
		AllClients:          s.shared.AllClients(ctx),
		AllSessions:         s.shared.AllSessions(ctx),
		Subscriptions:       s.shared.Subscriptions(),
		SharedSubscriptions: s.shared.SubscriptionsShared(),
	}

	peers := s.shared.GrpcClients()
	ids := make([]core.NodeID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		response.Peers = append(response.Peers, PeerStatus{NodeID: id, Name: s.shared.NodeName(id)})
	}
	response.ClusterMode = len(response.Peers) > 0

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
