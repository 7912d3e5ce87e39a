package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
node:
  id: node-a
peers:
  - id: node-b
    addr: 10.0.0.2:51888
    shares_access:
      - share: docs
        mode: rw
shares:
  - name: docs
    path: shares/docs
`

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.ListenPort != 51888 {
		t.Errorf("ListenPort = %d, want default 51888", cfg.Node.ListenPort)
	}
	if cfg.Transfer.ChunkSizeMB != 16 {
		t.Errorf("ChunkSizeMB = %d, want default 16", cfg.Transfer.ChunkSizeMB)
	}
	share, ok := cfg.ShareByName("docs")
	if !ok {
		t.Fatal("expected docs share to be present")
	}
	if !filepath.IsAbs(share.Path) {
		t.Errorf("share path %q was not resolved to an absolute path", share.Path)
	}
}

func TestLoadRejectsUnknownSharePeerReference(t *testing.T) {
	body := `
node:
  id: node-a
peers:
  - id: node-b
    addr: 10.0.0.2:51888
    shares_access:
      - share: missing-share
        mode: rw
shares:
  - name: docs
    path: shares/docs
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for peer referencing unknown share")
	}
}

func TestLoadRejectsDuplicateShareNames(t *testing.T) {
	body := `
node:
  id: node-a
shares:
  - name: docs
    path: a
  - name: docs
    path: b
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for duplicate share names")
	}
}

func TestLoadRejectsInvalidShareAccessMode(t *testing.T) {
	body := `
node:
  id: node-a
peers:
  - id: node-b
    addr: 10.0.0.2:51888
    shares_access:
      - share: docs
        mode: write
shares:
  - name: docs
    path: shares/docs
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for invalid access mode")
	}
}

func TestValidateAccumulatesMultipleProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Node.ID = "node-a"
	cfg.Node.ListenPort = 0
	cfg.Connectivity.Backoff = nil

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for multiple invalid fields")
	}
	msg := err.Error()
	if !strings.Contains(msg, "listen_port") || !strings.Contains(msg, "backoff") {
		t.Errorf("error %q should mention both violations", msg)
	}
}

func TestFingerprintWhitelistNormalizedToLowercase(t *testing.T) {
	body := `
node:
  id: node-a
security:
  fingerprint_whitelist:
    - "AA:BB:CC"
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.FingerprintWhitelist[0] != "aa:bb:cc" {
		t.Errorf("whitelist entry = %q, want lowercase", cfg.Security.FingerprintWhitelist[0])
	}
}

func TestPeerByIDAndAllowedShares(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	peer, ok := cfg.PeerByID("node-b")
	if !ok {
		t.Fatal("expected node-b to be found")
	}
	shares := peer.AllowedShares()
	if len(shares) != 1 || shares[0] != "docs" {
		t.Errorf("AllowedShares = %v, want [docs]", shares)
	}
}
