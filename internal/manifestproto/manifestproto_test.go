package manifestproto

import (
	"encoding/json"
	"testing"

	"github.com/keymesh/keymesh/internal/manifest"
)

func roundTrip(t *testing.T, msg map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestBuildRequestValidateRequestRoundTrip(t *testing.T) {
	msg := roundTrip(t, BuildRequest("docs"))
	req, err := ValidateRequest(msg)
	if err != nil {
		t.Fatalf("ValidateRequest: %v", err)
	}
	if req.Share != "docs" {
		t.Errorf("Share = %q, want docs", req.Share)
	}
}

func TestValidateRequestRejectsMissingShare(t *testing.T) {
	msg := roundTrip(t, map[string]any{"type": TypeManifestRequest})
	if _, err := ValidateRequest(msg); err == nil {
		t.Fatal("expected error for missing share field")
	}
}

func TestBuildResponseValidateResponseRoundTrip(t *testing.T) {
	m := &manifest.Manifest{
		Share:       "docs",
		GeneratedAt: "2026-01-01T00:00:00Z",
		Entries: []manifest.Entry{
			{Path: "a.txt", Size: 10, Mtime: 1700000000, Hash: "xxh64:abc"},
			{Path: "b/c.txt", Size: 20, Mtime: 1700000001, Hash: "xxh64:def"},
		},
	}

	msg := roundTrip(t, BuildResponse(m))
	resp, err := ValidateResponse(msg)
	if err != nil {
		t.Fatalf("ValidateResponse: %v", err)
	}
	if !resp.OK {
		t.Fatal("expected OK response")
	}
	if resp.Manifest.Share != "docs" || len(resp.Manifest.Entries) != 2 {
		t.Fatalf("unexpected manifest: %+v", resp.Manifest)
	}
	if resp.Manifest.Entries[0].Path != "a.txt" || resp.Manifest.Entries[0].Size != 10 {
		t.Errorf("entry 0 = %+v", resp.Manifest.Entries[0])
	}
}

func TestBuildResponseErrorValidateResponseRoundTrip(t *testing.T) {
	msg := roundTrip(t, BuildResponseError("share not allowed"))
	resp, err := ValidateResponse(msg)
	if err != nil {
		t.Fatalf("ValidateResponse: %v", err)
	}
	if resp.OK {
		t.Fatal("expected rejected response")
	}
	if resp.Reason != "share not allowed" {
		t.Errorf("Reason = %q, want %q", resp.Reason, "share not allowed")
	}
}

func TestValidateResponseRejectsWrongType(t *testing.T) {
	msg := roundTrip(t, BuildRequest("docs"))
	if _, err := ValidateResponse(msg); err == nil {
		t.Fatal("expected error validating a request frame as a response")
	}
}
