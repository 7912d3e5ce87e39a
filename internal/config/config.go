// Package config loads and validates the KeyMesh YAML configuration
// document: node identity, mTLS material, peers, shares, and the
// transfer/connectivity/indexing tunables.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keymesh/keymesh/internal/keymesherr"
	"github.com/keymesh/keymesh/internal/pathutil"
)

// Node describes this process's own identity and listen parameters.
type Node struct {
	ID         string `yaml:"id"`
	ListenPort int    `yaml:"listen_port"`
	BindHost   string `yaml:"bind_host"`
}

// Security carries certificate/key paths and the global fingerprint
// whitelist used when a connecting peer has no configured
// expected_fingerprint.
type Security struct {
	CACert               string   `yaml:"ca_cert"`
	Cert                 string   `yaml:"cert"`
	Key                  string   `yaml:"key"`
	FingerprintWhitelist []string `yaml:"fingerprint_whitelist"`
}

// ShareAccess is one (share, mode) pair a peer is granted.
type ShareAccess struct {
	Share string `yaml:"share"`
	Mode  string `yaml:"mode"`
}

// Peer describes one configured remote node.
type Peer struct {
	ID              string        `yaml:"id"`
	Addr            string        `yaml:"addr"`
	CertFingerprint string        `yaml:"cert_fingerprint"`
	SharesAccess    []ShareAccess `yaml:"shares_access"`
}

// Share describes one named directory exposed for synchronization.
type Share struct {
	Name              string `yaml:"name"`
	Path              string `yaml:"path"`
	DeletePropagation bool   `yaml:"delete_propagation"`
	IgnoreFile        string `yaml:"ignore_file"`
}

// Transfer holds the transfer engine's tunables.
type Transfer struct {
	ChunkSizeMB          int       `yaml:"chunk_size_mb"`
	MaxConcurrentPerPeer int       `yaml:"max_concurrent_per_peer"`
	RetryBackoffSec      []float64 `yaml:"retry_backoff_sec"`
	MaxRetries           int       `yaml:"max_retries"`
	RateLimitMBs         float64   `yaml:"rate_limit_mb_s"`
	SessionsDir          string    `yaml:"sessions_dir"`
	AuditLogDir          string    `yaml:"audit_log_dir"`
}

// Connectivity holds heartbeat/timeout/backoff tunables for the peer
// session layer.
type Connectivity struct {
	HeartbeatSec     int   `yaml:"heartbeat_sec"`
	ConnectTimeoutMS int   `yaml:"connect_timeout_ms"`
	Backoff          []int `yaml:"backoff"`
}

// StatusHTTP configures the read-only operator status endpoint.
type StatusHTTP struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Indexing holds manifest-builder tunables.
type Indexing struct {
	SmallThresholdMB int    `yaml:"small_threshold_mb"`
	SampleMB         int    `yaml:"sample_mb"`
	HashPolicy       string `yaml:"hash_policy"`
	IgnoreHidden     bool   `yaml:"ignore_hidden"`
	MaxWorkers       int    `yaml:"max_workers"`
}

// Logging configures the process-wide zap logger.
type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the top-level aggregate of every configuration section.
type Config struct {
	Node         Node         `yaml:"node"`
	Security     Security     `yaml:"security"`
	Peers        []Peer       `yaml:"peers"`
	Shares       []Share      `yaml:"shares"`
	Transfer     Transfer     `yaml:"transfer"`
	Connectivity Connectivity `yaml:"connectivity"`
	StatusHTTP   StatusHTTP   `yaml:"status_http"`
	Indexing     Indexing     `yaml:"indexing"`
	Logging      Logging      `yaml:"logging"`
}

// Defaults returns a Config pre-populated with KeyMesh's documented
// defaults, onto which a loaded YAML document is unmarshaled.
func Defaults() *Config {
	return &Config{
		Node: Node{
			BindHost:   "0.0.0.0",
			ListenPort: 51888,
		},
		Transfer: Transfer{
			ChunkSizeMB:          16,
			MaxConcurrentPerPeer: 2,
			RetryBackoffSec:      []float64{1, 3, 10, 30},
			MaxRetries:           5,
			RateLimitMBs:         0,
			SessionsDir:          "data/sessions",
			AuditLogDir:          "logs/transfers",
		},
		Connectivity: Connectivity{
			HeartbeatSec:     20,
			ConnectTimeoutMS: 5000,
			Backoff:          []int{1, 3, 10, 30},
		},
		StatusHTTP: StatusHTTP{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    52180,
		},
		Indexing: Indexing{
			SmallThresholdMB: 16,
			SampleMB:         4,
			HashPolicy:       "auto",
			IgnoreHidden:     true,
			MaxWorkers:       4,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads the YAML document at path onto a set of defaults, resolves
// the security certificate/key paths, share paths and logging file
// relative to the config file's own directory, and validates the result.
// Other path fields (sessions_dir, audit_log_dir, ignore_file) are kept
// as written.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &keymesherr.ConfigError{Msg: fmt.Sprintf("read config %q", path), Cause: err}
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &keymesherr.ConfigError{Msg: "parse config YAML", Cause: err}
	}

	baseDir := dirOf(path)
	if cfg.Security.CACert != "" {
		if cfg.Security.CACert, err = pathutil.Normalize(baseDir, cfg.Security.CACert); err != nil {
			return nil, &keymesherr.ConfigError{Msg: "resolve security.ca_cert", Cause: err}
		}
	}
	if cfg.Security.Cert != "" {
		if cfg.Security.Cert, err = pathutil.Normalize(baseDir, cfg.Security.Cert); err != nil {
			return nil, &keymesherr.ConfigError{Msg: "resolve security.cert", Cause: err}
		}
	}
	if cfg.Security.Key != "" {
		if cfg.Security.Key, err = pathutil.Normalize(baseDir, cfg.Security.Key); err != nil {
			return nil, &keymesherr.ConfigError{Msg: "resolve security.key", Cause: err}
		}
	}
	for i, wl := range cfg.Security.FingerprintWhitelist {
		cfg.Security.FingerprintWhitelist[i] = strings.ToLower(strings.TrimSpace(wl))
	}

	for i := range cfg.Shares {
		normalized, err := pathutil.EnsureWithin(baseDir, cfg.Shares[i].Path)
		if err != nil {
			return nil, &keymesherr.ConfigError{Msg: fmt.Sprintf("share %q path", cfg.Shares[i].Name), Cause: err}
		}
		cfg.Shares[i].Path = normalized
	}

	if cfg.Logging.File != "" {
		if cfg.Logging.File, err = pathutil.Normalize(baseDir, cfg.Logging.File); err != nil {
			return nil, &keymesherr.ConfigError{Msg: "resolve logging.file", Cause: err}
		}
	}

	for i, p := range cfg.Peers {
		cfg.Peers[i].CertFingerprint = strings.ToLower(strings.TrimSpace(p.CertFingerprint))
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dirOf returns the directory containing path, or "." if path has no
// directory component.
func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Validate accumulates every configuration violation before returning one
// combined ConfigError, so an operator sees every problem at once rather
// than fixing the config one error at a time.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Node.ListenPort <= 0 || cfg.Node.ListenPort > 65535 {
		problems = append(problems, "node.listen_port must be in 1..65535")
	}
	if cfg.StatusHTTP.Port <= 0 || cfg.StatusHTTP.Port > 65535 {
		problems = append(problems, "status_http.port must be in 1..65535")
	}
	if cfg.Connectivity.HeartbeatSec <= 0 {
		problems = append(problems, "connectivity.heartbeat_sec must be positive")
	}
	if cfg.Connectivity.ConnectTimeoutMS <= 0 {
		problems = append(problems, "connectivity.connect_timeout_ms must be positive")
	}
	if len(cfg.Connectivity.Backoff) == 0 {
		problems = append(problems, "connectivity.backoff must contain at least one value")
	}
	for _, v := range cfg.Connectivity.Backoff {
		if v <= 0 {
			problems = append(problems, "connectivity.backoff values must be positive")
			break
		}
	}
	if cfg.Indexing.SmallThresholdMB <= 0 {
		problems = append(problems, "indexing.small_threshold_mb must be positive")
	}
	if cfg.Indexing.SampleMB <= 0 {
		problems = append(problems, "indexing.sample_mb must be positive")
	}
	if cfg.Indexing.MaxWorkers <= 0 {
		problems = append(problems, "indexing.max_workers must be positive")
	}
	switch cfg.Indexing.HashPolicy {
	case "auto", "full", "sample", "meta", "none":
	default:
		problems = append(problems, "indexing.hash_policy must be one of auto/full/sample/meta/none")
	}

	if cfg.Transfer.ChunkSizeMB <= 0 {
		problems = append(problems, "transfer.chunk_size_mb must be positive")
	}
	if cfg.Transfer.MaxConcurrentPerPeer <= 0 {
		problems = append(problems, "transfer.max_concurrent_per_peer must be positive")
	}
	if cfg.Transfer.MaxRetries <= 0 {
		problems = append(problems, "transfer.max_retries must be positive")
	}
	if len(cfg.Transfer.RetryBackoffSec) == 0 {
		problems = append(problems, "transfer.retry_backoff_sec must contain at least one value")
	}
	for _, v := range cfg.Transfer.RetryBackoffSec {
		if v <= 0 {
			problems = append(problems, "transfer.retry_backoff_sec values must be positive")
			break
		}
	}

	seenShares := map[string]bool{}
	for _, s := range cfg.Shares {
		if s.Name == "" {
			problems = append(problems, "share name cannot be empty")
			continue
		}
		if seenShares[s.Name] {
			problems = append(problems, fmt.Sprintf("duplicate share name: %s", s.Name))
		}
		seenShares[s.Name] = true
	}

	for _, p := range cfg.Peers {
		for _, access := range p.SharesAccess {
			if !seenShares[access.Share] {
				problems = append(problems, fmt.Sprintf("peer %q references unknown share: %s", p.ID, access.Share))
			}
			if access.Mode != "ro" && access.Mode != "rw" {
				problems = append(problems, fmt.Sprintf("peer %q: invalid share access mode: %s", p.ID, access.Mode))
			}
		}
	}

	if len(problems) > 0 {
		return &keymesherr.ConfigError{Msg: strings.Join(problems, "; ")}
	}
	return nil
}

// ShareByName finds a configured share by name.
func (c *Config) ShareByName(name string) (*Share, bool) {
	for i := range c.Shares {
		if c.Shares[i].Name == name {
			return &c.Shares[i], true
		}
	}
	return nil, false
}

// PeerByID finds a configured peer by id.
func (c *Config) PeerByID(id string) (*Peer, bool) {
	for i := range c.Peers {
		if c.Peers[i].ID == id {
			return &c.Peers[i], true
		}
	}
	return nil, false
}

// AllowedShares returns the set of share names a peer may access.
func (p *Peer) AllowedShares() []string {
	shares := make([]string, 0, len(p.SharesAccess))
	for _, access := range p.SharesAccess {
		shares = append(shares, access.Share)
	}
	return shares
}
