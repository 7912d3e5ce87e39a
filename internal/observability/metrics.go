// Package observability — metrics.go
//
// Prometheus metrics for the KeyMesh sync daemon.
//
// Endpoint: GET /metrics, served alongside the status view on
// status_http.host:port.
//
// Metric naming convention: keymesh_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for KeyMesh.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Handshake / peer session ────────────────────────────────────────

	// HandshakesTotal counts completed handshakes, by outcome (ok/rejected).
	HandshakesTotal *prometheus.CounterVec

	// HeartbeatsReceivedTotal counts HEARTBEAT frames received, by peer.
	HeartbeatsReceivedTotal *prometheus.CounterVec

	// ConnectedPeers is the current count of peers with an open session.
	ConnectedPeers prometheus.Gauge

	// ─── Indexer ──────────────────────────────────────────────────────────

	// ManifestBuildSeconds records wall-clock manifest build duration.
	ManifestBuildSeconds prometheus.Histogram

	// ManifestEntriesIndexed is the entry count of the most recent manifest
	// build, by share.
	ManifestEntriesIndexed *prometheus.GaugeVec

	// ─── Transfer engine ──────────────────────────────────────────────────

	// TransferBytesTotal counts bytes transferred, by direction (sent/recv)
	// and outcome.
	TransferBytesTotal *prometheus.CounterVec

	// TransferTasksTotal counts completed transfer tasks, by status.
	TransferTasksTotal *prometheus.CounterVec

	// QueueDepth is the current per-peer queue depth.
	QueueDepth *prometheus.GaugeVec

	// ─── Process ────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the process started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all KeyMesh Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		HandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymesh",
			Subsystem: "handshake",
			Name:      "completed_total",
			Help:      "Total handshakes completed, by outcome.",
		}, []string{"outcome"}),

		HeartbeatsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymesh",
			Subsystem: "handshake",
			Name:      "heartbeats_received_total",
			Help:      "Total HEARTBEAT frames received, by peer id.",
		}, []string{"peer_id"}),

		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keymesh",
			Subsystem: "handshake",
			Name:      "connected_peers",
			Help:      "Current number of peers with an established session.",
		}),

		ManifestBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keymesh",
			Subsystem: "indexer",
			Name:      "manifest_build_seconds",
			Help:      "Wall-clock duration of manifest builds.",
			Buckets:   prometheus.DefBuckets,
		}),

		ManifestEntriesIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keymesh",
			Subsystem: "indexer",
			Name:      "entries_indexed",
			Help:      "Entry count of the most recent manifest build, by share.",
		}, []string{"share"}),

		TransferBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymesh",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Total bytes transferred, by direction and outcome.",
		}, []string{"direction", "outcome"}),

		TransferTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymesh",
			Subsystem: "transfer",
			Name:      "tasks_total",
			Help:      "Total transfer tasks completed, by final status.",
		}, []string{"status"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keymesh",
			Subsystem: "transfer",
			Name:      "queue_depth",
			Help:      "Current per-peer transfer queue depth.",
		}, []string{"peer_id"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keymesh",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.HandshakesTotal,
		m.HeartbeatsReceivedTotal,
		m.ConnectedPeers,
		m.ManifestBuildSeconds,
		m.ManifestEntriesIndexed,
		m.TransferBytesTotal,
		m.TransferTasksTotal,
		m.QueueDepth,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the dedicated registry so the status HTTP server can
// serve /metrics alongside its own routes.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ServeMetrics starts a standalone Prometheus metrics server on addr.
// Blocks until ctx is cancelled or the server fails. Most deployments
// instead mount Registry() onto the status HTTP server's mux; this is kept
// for running metrics on a separate port.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
