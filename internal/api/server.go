// Package api serves the metrics surface over HTTP (dashboard page, JSON
// snapshot endpoint, shard ingest endpoint) and provides the client shards
// use to report to the orchestrator.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/metrics"
	otelx "github.com/bc-dunia/mqttdrill/internal/otel"
)

// Collector is any source of merged metric views: the shard aggregator or
// the orchestrator's global collector.
type Collector interface {
	Summary() metrics.Snapshot
	DeviceBreakdown(limit int) []metrics.DeviceRow
}

// Ingestor accepts shard reports. When the server's collector implements it
// the POST /api/shard route is registered; shard-local dashboards serve a
// plain aggregator and stay read-only.
type Ingestor interface {
	Ingest(shardID string, snap metrics.Snapshot, devices []metrics.DeviceRow)
}

// Options tunes the dashboard page.
type Options struct {
	Session   string
	RefreshMs int
}

// Server hosts the dashboard and metrics API on one listener.
type Server struct {
	addr      string
	collector Collector
	opts      Options

	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
	running  bool
}

// NewServer creates a server bound to addr once started.
func NewServer(addr string, collector Collector, opts Options) *Server {
	if opts.RefreshMs <= 0 {
		opts.RefreshMs = 2000
	}
	return &Server{addr: addr, collector: collector, opts: opts}
}

// Start binds the listener and serves in the background. Bind failures are
// returned synchronously: in split mode the listener is load-bearing, shards
// POST their snapshots to it.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	if _, ok := s.collector.(Ingestor); ok {
		mux.HandleFunc("/api/shard", s.handleShard)
	}

	handler := otelx.Middleware(otelx.GetGlobalTracer())(mux)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[Metrics server] serve error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the server, releasing the listening socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the base URL of the running server.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

// IsRunning reports whether the server is currently serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// metricsResponse is the GET /api/metrics body: the merged snapshot plus the
// full device breakdown. The dashboard truncates the table client-side.
type metricsResponse struct {
	Metrics metrics.Snapshot    `json:"metrics"`
	Devices []metrics.DeviceRow `json:"devices"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		Metrics: s.collector.Summary(),
		Devices: s.collector.DeviceBreakdown(0),
	})
}

// handleShard ingests one shard report. Idempotent: re-posting a shard ID
// replaces its previous contribution.
func (s *Server) handleShard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ingestor := s.collector.(Ingestor)

	var report metrics.ShardReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&report); err != nil {
		http.Error(w, fmt.Sprintf("invalid shard report: %v", err), http.StatusBadRequest)
		return
	}
	ingestor.Ingest(report.ShardID, report.Snapshot, report.Devices)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Metrics server] encode response: %v", err)
	}
}
