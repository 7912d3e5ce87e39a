package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/keymesh/keymesh/internal/config"
)

func TestBuildLoggerDefaultsToInfo(t *testing.T) {
	log, err := buildLogger("")
	if err != nil {
		t.Fatalf("buildLogger: %v", err)
	}
	defer log.Sync()
}

func TestBuildLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := buildLogger("not-a-level"); err == nil {
		t.Fatal("expected error for an unknown log level")
	}
}

func TestCopyFileCopiesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("dst content = %q, want hello", got)
	}
}

func TestEnsureShareDirectoriesCreatesPathsAndIgnoreFile(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		Shares: []config.Share{
			{Name: "docs", Path: filepath.Join(root, "docs"), IgnoreFile: ".keymeshignore"},
		},
	}
	messages := ensureShareDirectories(cfg)
	if len(messages) != 2 {
		t.Fatalf("messages = %v, want 2 entries", messages)
	}
	if _, err := os.Stat(filepath.Join(root, "docs")); err != nil {
		t.Errorf("expected share directory to be created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "docs", ".keymeshignore")); err != nil {
		t.Errorf("expected ignore file to be created: %v", err)
	}
}

func TestEnsureShareDirectoriesSkipsExistingIgnoreFile(t *testing.T) {
	root := t.TempDir()
	sharePath := filepath.Join(root, "docs")
	if err := os.MkdirAll(sharePath, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	ignorePath := filepath.Join(sharePath, ".keymeshignore")
	if err := os.WriteFile(ignorePath, []byte("custom"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	cfg := &config.Config{
		Shares: []config.Share{{Name: "docs", Path: sharePath, IgnoreFile: ".keymeshignore"}},
	}
	ensureShareDirectories(cfg)

	data, err := os.ReadFile(ignorePath)
	if err != nil {
		t.Fatalf("read ignore file: %v", err)
	}
	if string(data) != "custom" {
		t.Error("ensureShareDirectories overwrote a pre-existing ignore file")
	}
}

func TestCmdInitGeneratesConfigAndShareDirectories(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)

	shareDir := filepath.Join(root, "share-docs")
	sample := "node:\n  id: node-a\n  listen_port: 51888\n  bind_host: 127.0.0.1\n" +
		"security:\n  ca_cert: ca.crt\n  cert: node.crt\n  key: node.key\n" +
		"shares:\n  - name: docs\n    path: " + shareDir + "\n"
	if err := os.WriteFile(filepath.Join(root, "config.sample.yaml"), []byte(sample), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	if err := cmdInit(nil); err != nil {
		t.Fatalf("cmdInit: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "config.yaml")); err != nil {
		t.Errorf("expected config.yaml to be generated: %v", err)
	}
	if _, err := os.Stat(shareDir); err != nil {
		t.Errorf("expected share directory to be created: %v", err)
	}
}

func TestCmdInitRefusesToOverwriteWithoutForce(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)

	sample := "node:\n  id: node-a\n  listen_port: 51888\n  bind_host: 127.0.0.1\n" +
		"security:\n  ca_cert: ca.crt\n  cert: node.crt\n  key: node.key\n" +
		"shares:\n  - name: docs\n    path: " + filepath.Join(root, "docs") + "\n"
	if err := os.WriteFile(filepath.Join(root, "config.sample.yaml"), []byte(sample), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte("existing: true\n"), 0o644); err != nil {
		t.Fatalf("write existing config: %v", err)
	}

	if err := cmdInit(nil); err != nil {
		t.Fatalf("cmdInit: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	if string(data) != "existing: true\n" {
		t.Error("cmdInit overwrote an existing config.yaml without --force")
	}
}
