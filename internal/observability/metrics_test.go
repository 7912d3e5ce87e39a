package observability

import "testing"

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	m := NewMetrics()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least the process/go collectors to gather metric families")
	}
}

func TestMetricsLabelDimensionsAcceptExpectedValues(t *testing.T) {
	m := NewMetrics()

	m.HandshakesTotal.WithLabelValues("ok").Inc()
	m.HandshakesTotal.WithLabelValues("rejected").Inc()
	m.HeartbeatsReceivedTotal.WithLabelValues("peer-a").Inc()
	m.ConnectedPeers.Set(3)
	m.ManifestBuildSeconds.Observe(0.25)
	m.ManifestEntriesIndexed.WithLabelValues("docs").Set(42)
	m.TransferBytesTotal.WithLabelValues("sent", "ok").Add(1024)
	m.TransferTasksTotal.WithLabelValues("success").Inc()
	m.QueueDepth.WithLabelValues("peer-a").Set(5)
	m.UptimeSeconds.Set(10)

	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"keymesh_handshake_completed_total",
		"keymesh_handshake_heartbeats_received_total",
		"keymesh_handshake_connected_peers",
		"keymesh_indexer_manifest_build_seconds",
		"keymesh_indexer_entries_indexed",
		"keymesh_transfer_bytes_total",
		"keymesh_transfer_tasks_total",
		"keymesh_transfer_queue_depth",
		"keymesh_process_uptime_seconds",
	} {
		if !found[name] {
			t.Errorf("expected metric family %q to be gathered", name)
		}
	}
}
