// Package handshake implements the HELLO/ACK/HEARTBEAT tagged-variant
// messages. Each message is its own Go type; validators are total
// functions from a raw decoded frame to either a normalized variant or a
// typed error, so the loose map type read off the wire never leaks past
// this package's boundary.
package handshake

import (
	"sort"

	"github.com/keymesh/keymesh/internal/keymesherr"
)

// ProtoVersion is this build's dotted protocol version. Compatibility
// requires the major component to match.
const ProtoVersion = "1.0"

// DefaultFeatures lists the capabilities this implementation always
// advertises.
var DefaultFeatures = []string{"mtls", "heartbeat"}

const (
	TypeHello     = "HELLO"
	TypeAck       = "ACK"
	TypeHeartbeat = "HEARTBEAT"
)

// Capabilities is the shares/features structure both HELLO and ACK carry.
type Capabilities struct {
	Shares   []string `json:"shares"`
	Features []string `json:"features"`
}

// BuildCapabilities sorts and deduplicates allowedShares and attaches this
// build's feature list.
func BuildCapabilities(allowedShares []string) Capabilities {
	seen := map[string]bool{}
	var shares []string
	for _, s := range allowedShares {
		if !seen[s] {
			seen[s] = true
			shares = append(shares, s)
		}
	}
	sort.Strings(shares)
	if shares == nil {
		shares = []string{}
	}
	return Capabilities{Shares: shares, Features: append([]string{}, DefaultFeatures...)}
}

// Hello is the initiating handshake message.
type Hello struct {
	NodeID       string       `json:"node_id"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
}

// BuildHello constructs a HELLO message for nodeID, advertising
// allowedSharesForPeer as this node's capabilities toward that peer.
func BuildHello(nodeID string, allowedSharesForPeer []string) map[string]any {
	return map[string]any{
		"type":         TypeHello,
		"node_id":      nodeID,
		"version":      ProtoVersion,
		"capabilities": capabilitiesToMap(BuildCapabilities(allowedSharesForPeer)),
	}
}

// Ack is the handshake reply.
type Ack struct {
	OK           bool
	Reason       string
	PeerID       string
	Capabilities Capabilities
}

// BuildAck constructs an ACK message. reason may be empty.
func BuildAck(nodeID string, ok bool, reason string, allowedSharesForPeer []string) map[string]any {
	var reasonValue any
	if reason != "" {
		reasonValue = reason
	}
	return map[string]any{
		"type":         TypeAck,
		"ok":           ok,
		"reason":       reasonValue,
		"peer_id":      nodeID,
		"capabilities": capabilitiesToMap(BuildCapabilities(allowedSharesForPeer)),
	}
}

// BuildHeartbeat constructs a HEARTBEAT message stamped with ts (unix
// seconds).
func BuildHeartbeat(ts int64) map[string]any {
	return map[string]any{"type": TypeHeartbeat, "ts": ts}
}

func capabilitiesToMap(c Capabilities) map[string]any {
	return map[string]any{"shares": toAnySlice(c.Shares), "features": toAnySlice(c.Features)}
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func expectString(obj map[string]any, field string) (string, error) {
	v, ok := obj[field]
	if !ok {
		return "", &keymesherr.ProtocolError{Msg: field + " missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &keymesherr.ProtocolError{Msg: field + " must be a string"}
	}
	return s, nil
}

func validateCapabilities(raw any) (Capabilities, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Capabilities{}, &keymesherr.ProtocolError{Msg: "capabilities must be an object"}
	}
	shares, err := stringList(obj, "shares")
	if err != nil {
		return Capabilities{}, err
	}
	features, err := stringList(obj, "features")
	if err != nil {
		return Capabilities{}, err
	}
	return Capabilities{Shares: shares, Features: features}, nil
}

func stringList(obj map[string]any, field string) ([]string, error) {
	raw, ok := obj[field]
	if !ok {
		return []string{}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &keymesherr.ProtocolError{Msg: "capabilities." + field + " must be a list"}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, &keymesherr.ProtocolError{Msg: "capabilities." + field + " elements must be strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

// ValidateHello normalizes and validates a decoded HELLO frame.
func ValidateHello(obj map[string]any) (*Hello, error) {
	if t, _ := obj["type"].(string); t != TypeHello {
		return nil, &keymesherr.ProtocolError{Msg: "HELLO message missing or invalid type"}
	}
	nodeID, err := expectString(obj, "node_id")
	if err != nil {
		return nil, err
	}
	version, err := expectString(obj, "version")
	if err != nil {
		return nil, err
	}
	caps, err := validateCapabilities(obj["capabilities"])
	if err != nil {
		return nil, err
	}
	return &Hello{NodeID: nodeID, Version: version, Capabilities: caps}, nil
}

// ValidateAck normalizes and validates a decoded ACK frame.
func ValidateAck(obj map[string]any) (*Ack, error) {
	if t, _ := obj["type"].(string); t != TypeAck {
		return nil, &keymesherr.ProtocolError{Msg: "ACK message missing or invalid type"}
	}
	okValue, ok := obj["ok"].(bool)
	if !ok {
		return nil, &keymesherr.ProtocolError{Msg: "ack.ok must be boolean"}
	}
	reason := ""
	if r, ok := obj["reason"]; ok && r != nil {
		s, ok := r.(string)
		if !ok {
			return nil, &keymesherr.ProtocolError{Msg: "ack.reason must be string or null"}
		}
		reason = s
	}
	peerID, err := expectString(obj, "peer_id")
	if err != nil {
		return nil, err
	}
	caps, err := validateCapabilities(obj["capabilities"])
	if err != nil {
		return nil, err
	}
	return &Ack{OK: okValue, Reason: reason, PeerID: peerID, Capabilities: caps}, nil
}

// Heartbeat is the keepalive message.
type Heartbeat struct {
	TS int64
}

// ValidateHeartbeat normalizes and validates a decoded HEARTBEAT frame.
func ValidateHeartbeat(obj map[string]any) (*Heartbeat, error) {
	if t, _ := obj["type"].(string); t != TypeHeartbeat {
		return nil, &keymesherr.ProtocolError{Msg: "HEARTBEAT message missing or invalid type"}
	}
	raw, ok := obj["ts"]
	if !ok {
		return nil, &keymesherr.ProtocolError{Msg: "heartbeat.ts must be integer"}
	}
	f, ok := raw.(float64)
	if !ok {
		return nil, &keymesherr.ProtocolError{Msg: "heartbeat.ts must be integer"}
	}
	return &Heartbeat{TS: int64(f)}, nil
}

// MajorVersion returns the dotted version's major component, e.g. "1" for
// "1.0".
func MajorVersion(version string) string {
	for i, r := range version {
		if r == '.' {
			return version[:i]
		}
	}
	return version
}

// VersionsCompatible reports whether two dotted versions share a major
// component.
func VersionsCompatible(a, b string) bool {
	return MajorVersion(a) == MajorVersion(b)
}
