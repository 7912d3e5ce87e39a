package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/keymesh/keymesh/internal/config"
)

func testConfig(t *testing.T, shareRoot string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Node.ID = "node-a"
	cfg.Shares = []config.Share{{Name: "docs", Path: shareRoot}}
	cfg.Peers = []config.Peer{
		{
			ID:              "peer-b",
			Addr:            "10.0.0.2:51888",
			CertFingerprint: "aa:bb",
			SharesAccess:    []config.ShareAccess{{Share: "docs", Mode: "rw"}},
		},
	}
	return cfg
}

func TestNewRegistersOnePeerStatePerConfiguredPeer(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	ctx := New(cfg, zap.NewNop())

	if _, ok := ctx.Registry.Get("peer-b"); !ok {
		t.Error("expected peer-b to be pre-registered in the peer registry")
	}
	if ids := ctx.ListPeerIDs(); len(ids) != 1 || ids[0] != "peer-b" {
		t.Errorf("ListPeerIDs = %v, want [peer-b]", ids)
	}
}

func TestGetPeerConfigAndByFingerprint(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	ctx := New(cfg, zap.NewNop())

	p, ok := ctx.GetPeerConfig("peer-b")
	if !ok || p.Addr != "10.0.0.2:51888" {
		t.Fatalf("GetPeerConfig = (%+v, %v)", p, ok)
	}

	byFp, ok := ctx.GetPeerByFingerprint("aa:bb")
	if !ok || byFp.ID != "peer-b" {
		t.Fatalf("GetPeerByFingerprint = (%+v, %v)", byFp, ok)
	}

	if _, ok := ctx.GetPeerByFingerprint("unknown"); ok {
		t.Error("GetPeerByFingerprint matched an unpinned fingerprint")
	}
}

func TestAllowedSharesForPeer(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	ctx := New(cfg, zap.NewNop())

	shares := ctx.AllowedSharesForPeer("peer-b")
	if len(shares) != 1 || shares[0] != "docs" {
		t.Errorf("AllowedSharesForPeer = %v, want [docs]", shares)
	}
	if shares := ctx.AllowedSharesForPeer("nonexistent"); shares != nil {
		t.Errorf("AllowedSharesForPeer(nonexistent) = %v, want nil", shares)
	}
}

func TestGetManifestCachesUntilRefresh(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cfg := testConfig(t, root)
	ctx := New(cfg, zap.NewNop())

	m1, err := ctx.GetManifest(context.Background(), "docs", false)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}

	// Add a file after the first build; without refresh, the cache should
	// still return the original manifest.
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	m2, err := ctx.GetManifest(context.Background(), "docs", false)
	if err != nil {
		t.Fatalf("GetManifest (cached): %v", err)
	}
	if len(m2.Entries) != len(m1.Entries) {
		t.Errorf("cached GetManifest returned %d entries, want %d (unchanged)", len(m2.Entries), len(m1.Entries))
	}

	m3, err := ctx.GetManifest(context.Background(), "docs", true)
	if err != nil {
		t.Fatalf("GetManifest (refresh): %v", err)
	}
	if len(m3.Entries) != 2 {
		t.Errorf("refreshed GetManifest returned %d entries, want 2", len(m3.Entries))
	}
}

func TestGetManifestUnknownShare(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	ctx := New(cfg, zap.NewNop())
	if _, err := ctx.GetManifest(context.Background(), "nonexistent", false); err == nil {
		t.Fatal("expected error for unknown share")
	}
}

func TestInvalidateManifestForcesRebuild(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	ctx := New(cfg, zap.NewNop())

	if _, err := ctx.GetManifest(context.Background(), "docs", false); err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	ctx.InvalidateManifest("docs")

	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	m, err := ctx.GetManifest(context.Background(), "docs", false)
	if err != nil {
		t.Fatalf("GetManifest after invalidate: %v", err)
	}
	if len(m.Entries) != 1 {
		t.Errorf("GetManifest after invalidate returned %d entries, want 1", len(m.Entries))
	}
}

func TestParsePeerAddress(t *testing.T) {
	host, port, err := ParsePeerAddress("10.0.0.2:51888")
	if err != nil {
		t.Fatalf("ParsePeerAddress: %v", err)
	}
	if host != "10.0.0.2" || port != 51888 {
		t.Errorf("ParsePeerAddress = (%q, %d), want (10.0.0.2, 51888)", host, port)
	}
}

func TestParsePeerAddressRejectsInvalidInput(t *testing.T) {
	cases := []string{"no-port", "host:notaport", "host:0", "host:99999"}
	for _, addr := range cases {
		if _, _, err := ParsePeerAddress(addr); err == nil {
			t.Errorf("ParsePeerAddress(%q) expected error", addr)
		}
	}
}
