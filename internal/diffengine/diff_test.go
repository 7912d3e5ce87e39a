package diffengine

import (
	"testing"

	"github.com/keymesh/keymesh/internal/manifest"
)

func manifestOf(entries ...manifest.Entry) *manifest.Manifest {
	return &manifest.Manifest{Share: "docs", Entries: entries}
}

func TestCompareAddedDeletedModified(t *testing.T) {
	local := manifestOf(
		manifest.Entry{Path: "a.txt", Hash: "h1", Size: 1, Mtime: 100},
		manifest.Entry{Path: "b.txt", Hash: "h2", Size: 2, Mtime: 100},
		manifest.Entry{Path: "new.txt", Hash: "h3", Size: 3, Mtime: 100},
	)
	remote := manifestOf(
		manifest.Entry{Path: "a.txt", Hash: "h1", Size: 1, Mtime: 100},
		manifest.Entry{Path: "b.txt", Hash: "h2-old", Size: 2, Mtime: 50},
		manifest.Entry{Path: "gone.txt", Hash: "h4", Size: 4, Mtime: 100},
	)

	result := Compare(local, remote)

	if len(result.Added) != 1 || result.Added[0] != "new.txt" {
		t.Errorf("Added = %v, want [new.txt]", result.Added)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != "gone.txt" {
		t.Errorf("Deleted = %v, want [gone.txt]", result.Deleted)
	}
	if len(result.Modified) != 1 || result.Modified[0] != "b.txt" {
		t.Errorf("Modified = %v, want [b.txt]", result.Modified)
	}
	if result.Summary.Delta != 3 {
		t.Errorf("Delta = %d, want 3", result.Summary.Delta)
	}
}

func TestCompareEqualHashNeverModifiedRegardlessOfMtime(t *testing.T) {
	local := manifestOf(manifest.Entry{Path: "a.txt", Hash: "same", Mtime: 999})
	remote := manifestOf(manifest.Entry{Path: "a.txt", Hash: "same", Mtime: 1})

	result := Compare(local, remote)
	if len(result.Modified) != 0 {
		t.Errorf("Modified = %v, want none for equal hashes", result.Modified)
	}
}

func TestCompareFallsBackToMtimeWhenHashesBlank(t *testing.T) {
	local := manifestOf(manifest.Entry{Path: "a.txt", Mtime: 200})
	remote := manifestOf(manifest.Entry{Path: "a.txt", Mtime: 100})

	result := Compare(local, remote)
	if len(result.Modified) != 1 {
		t.Errorf("Modified = %v, want [a.txt] via mtime fallback", result.Modified)
	}

	// Local not newer: not modified.
	result2 := Compare(remote, local)
	if len(result2.Modified) != 0 {
		t.Errorf("Modified = %v, want none when local mtime is not newer", result2.Modified)
	}
}

func TestCompareEmptyManifestsProduceEmptyResult(t *testing.T) {
	result := Compare(manifestOf(), manifestOf())
	if result.Summary.Delta != 0 {
		t.Errorf("Delta = %d, want 0 for two empty manifests", result.Summary.Delta)
	}
	if result.Added == nil || result.Modified == nil || result.Deleted == nil {
		t.Error("Result slices should be non-nil empty slices, not nil")
	}
}

func TestCompareIsNotSymmetric(t *testing.T) {
	local := manifestOf(manifest.Entry{Path: "only-local.txt", Hash: "h"})
	remote := manifestOf(manifest.Entry{Path: "only-remote.txt", Hash: "h"})

	forward := Compare(local, remote)
	backward := Compare(remote, local)

	if forward.Added[0] != "only-local.txt" || forward.Deleted[0] != "only-remote.txt" {
		t.Errorf("forward = %+v", forward)
	}
	if backward.Added[0] != "only-remote.txt" || backward.Deleted[0] != "only-local.txt" {
		t.Errorf("backward = %+v", backward)
	}
}
