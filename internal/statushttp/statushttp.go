// Package statushttp serves the read-only operator status view: /health,
// /peers, /shares, and /metrics.
package statushttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/observability"
	"github.com/keymesh/keymesh/internal/peerstate"
)

// Server serves the status endpoints.
type Server struct {
	cfg      *config.Config
	registry *peerstate.Registry
	metrics  *observability.Metrics
	log      *zap.Logger
}

// NewServer builds a status Server bound to cfg, registry, and metrics.
func NewServer(cfg *config.Config, registry *peerstate.Registry, metrics *observability.Metrics, log *zap.Logger) *Server {
	return &Server{cfg: cfg, registry: registry, metrics: metrics, log: log}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "GET only"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"node_id": s.cfg.Node.ID,
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "GET only"})
		return
	}
	snapshots := make([]peerstate.Snapshot, 0, len(s.cfg.Peers))
	for _, peerCfg := range s.cfg.Peers {
		if state, ok := s.registry.Get(peerCfg.ID); ok {
			snapshots = append(snapshots, state.Snapshot())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": snapshots})
}

type shareSummary struct {
	Name              string `json:"name"`
	Path              string `json:"path"`
	DeletePropagation bool   `json:"delete_propagation"`
}

func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "GET only"})
		return
	}
	shares := make([]shareSummary, 0, len(s.cfg.Shares))
	for _, sh := range s.cfg.Shares {
		shares = append(shares, shareSummary{Name: sh.Name, Path: sh.Path, DeletePropagation: sh.DeletePropagation})
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": shares})
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/shares", s.handleShares)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "not found"})
	})
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorHandling:     promhttp.ContinueOnError,
		}))
	}
	return mux
}

// ListenAndServe starts the status server on host:port and blocks until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.StatusHTTP.Host, s.cfg.StatusHTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("status HTTP listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status HTTP server on %s: %w", addr, err)
	}
	return nil
}
