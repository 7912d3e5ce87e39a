// Package manifestproto implements the MANIFEST_REQUEST/MANIFEST_RESPONSE
// messages used by "diff --peer", letting an operator compare a local
// share against a live peer's manifest without first exchanging files.
// Grounded on original_source/keymesh/proto/sync_index.py's
// ManifestRequest/ManifestEnvelope placeholder types, carried over
// KeyMesh's normal length-prefixed JSON frames instead of that file's
// standalone to_bytes/from_bytes encoding.
package manifestproto

import (
	"fmt"

	"github.com/keymesh/keymesh/internal/keymesherr"
	"github.com/keymesh/keymesh/internal/manifest"
)

const (
	TypeManifestRequest  = "manifest_req"
	TypeManifestResponse = "manifest"
)

// Request asks a peer for its current manifest of one share.
type Request struct {
	Share string `json:"share"`
}

// BuildRequest constructs a MANIFEST_REQUEST frame payload.
func BuildRequest(share string) map[string]any {
	return map[string]any{
		"type":  TypeManifestRequest,
		"share": share,
	}
}

// ValidateRequest decodes and validates a MANIFEST_REQUEST frame.
func ValidateRequest(obj map[string]any) (*Request, error) {
	typ, _ := obj["type"].(string)
	if typ != TypeManifestRequest {
		return nil, &keymesherr.ProtocolError{Msg: fmt.Sprintf("expected %s, got %q", TypeManifestRequest, typ)}
	}
	share, ok := obj["share"].(string)
	if !ok || share == "" {
		return nil, &keymesherr.ProtocolError{Msg: "manifest_req missing share"}
	}
	return &Request{Share: share}, nil
}

// Response carries either a manifest or a rejection reason.
type Response struct {
	OK       bool
	Reason   string
	Manifest *manifest.Manifest
}

// BuildResponse constructs a successful MANIFEST_RESPONSE frame payload.
func BuildResponse(m *manifest.Manifest) map[string]any {
	return map[string]any{
		"type":     TypeManifestResponse,
		"ok":       true,
		"manifest": m,
	}
}

// BuildResponseError constructs a rejecting MANIFEST_RESPONSE frame payload.
func BuildResponseError(reason string) map[string]any {
	return map[string]any{
		"type":   TypeManifestResponse,
		"ok":     false,
		"reason": reason,
	}
}

// ValidateResponse decodes and validates a MANIFEST_RESPONSE frame.
func ValidateResponse(obj map[string]any) (*Response, error) {
	typ, _ := obj["type"].(string)
	if typ != TypeManifestResponse {
		return nil, &keymesherr.ProtocolError{Msg: fmt.Sprintf("expected %s, got %q", TypeManifestResponse, typ)}
	}
	ok, _ := obj["ok"].(bool)
	if !ok {
		reason, _ := obj["reason"].(string)
		return &Response{OK: false, Reason: reason}, nil
	}

	raw, ok := obj["manifest"].(map[string]any)
	if !ok {
		return nil, &keymesherr.ProtocolError{Msg: "manifest response missing manifest object"}
	}
	m, err := decodeManifest(raw)
	if err != nil {
		return nil, err
	}
	return &Response{OK: true, Manifest: m}, nil
}

func decodeManifest(raw map[string]any) (*manifest.Manifest, error) {
	share, _ := raw["share"].(string)
	generatedAt, _ := raw["generated_at"].(string)

	m := &manifest.Manifest{Share: share, GeneratedAt: generatedAt}

	entriesRaw, _ := raw["entries"].([]any)
	for _, er := range entriesRaw {
		em, ok := er.(map[string]any)
		if !ok {
			continue
		}
		path, _ := em["path"].(string)
		hash, _ := em["hash"].(string)
		size := asInt64(em["size"])
		mtime := asInt64(em["mtime"])
		m.Entries = append(m.Entries, manifest.Entry{Path: path, Size: size, Mtime: mtime, Hash: hash})
	}
	return m, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}
