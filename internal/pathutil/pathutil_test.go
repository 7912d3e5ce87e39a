package pathutil

import (
	"path/filepath"
	"testing"
)

func TestEnsureWithinAcceptsNestedRelativePath(t *testing.T) {
	base := t.TempDir()
	got, err := EnsureWithin(base, filepath.Join("a", "b.txt"))
	if err != nil {
		t.Fatalf("EnsureWithin: %v", err)
	}
	want := filepath.Join(base, "a", "b.txt")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestEnsureWithinRejectsDotDotEscape(t *testing.T) {
	base := t.TempDir()
	if _, err := EnsureWithin(base, filepath.Join("..", "escaped.txt")); err == nil {
		t.Fatal("expected PathEscapeError for ../ candidate")
	}
}

func TestEnsureWithinRejectsAbsoluteEscape(t *testing.T) {
	base := t.TempDir()
	outside := filepath.Dir(base)
	if _, err := EnsureWithin(base, filepath.Join(outside, "elsewhere.txt")); err == nil {
		t.Fatal("expected PathEscapeError for an absolute path outside base")
	}
}

func TestEnsureWithinAcceptsAbsolutePathInsideBase(t *testing.T) {
	base := t.TempDir()
	inside := filepath.Join(base, "inside.txt")
	got, err := EnsureWithin(base, inside)
	if err != nil {
		t.Fatalf("EnsureWithin: %v", err)
	}
	if got != filepath.Clean(inside) {
		t.Errorf("got %q, want %q", got, inside)
	}
}

func TestToPosixReplacesSeparators(t *testing.T) {
	if filepath.Separator == '/' {
		t.Skip("no separator translation to test on this platform")
	}
	got := ToPosix(`a\b\c.txt`)
	if got != "a/b/c.txt" {
		t.Errorf("ToPosix = %q, want a/b/c.txt", got)
	}
}

func TestSanitizeComponent(t *testing.T) {
	got := SanitizeComponent(`peer/1:2\3`)
	if got != "peer_1_2_3" {
		t.Errorf("SanitizeComponent = %q, want peer_1_2_3", got)
	}
}
