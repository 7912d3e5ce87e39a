// Package app bundles the process-wide collaborators (configuration, peer
// registry, manifest cache) that every command and every background
// service needs a handle to.
package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/hashing"
	"github.com/keymesh/keymesh/internal/ignore"
	"github.com/keymesh/keymesh/internal/keymesherr"
	"github.com/keymesh/keymesh/internal/manifest"
	"github.com/keymesh/keymesh/internal/observability"
	"github.com/keymesh/keymesh/internal/peerstate"
)

// Context is the shared application state threaded through the peer
// session layer, the transfer engine, the status view, and the CLI.
type Context struct {
	Cfg      *config.Config
	Log      *zap.Logger
	Registry *peerstate.Registry
	Metrics  *observability.Metrics

	peerByID          map[string]*config.Peer
	peerByFingerprint map[string]*config.Peer

	manifestMu    sync.Mutex
	manifestCache map[string]*manifest.Manifest
}

// New builds a Context from a loaded config, registering one peerstate
// handle per configured peer up front so the registry is fully populated
// before any network activity starts.
func New(cfg *config.Config, log *zap.Logger) *Context {
	ctx := &Context{
		Cfg:               cfg,
		Log:               log,
		Registry:          peerstate.NewRegistry(),
		peerByID:          make(map[string]*config.Peer),
		peerByFingerprint: make(map[string]*config.Peer),
		manifestCache:     make(map[string]*manifest.Manifest),
	}
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		ctx.peerByID[p.ID] = p
		if p.CertFingerprint != "" {
			ctx.peerByFingerprint[p.CertFingerprint] = p
		}
		ctx.Registry.Register(peerstate.New(p.ID, p.Addr))
	}
	return ctx
}

// GetPeerConfig returns the configured peer with the given id.
func (c *Context) GetPeerConfig(id string) (*config.Peer, bool) {
	p, ok := c.peerByID[id]
	return p, ok
}

// GetPeerByFingerprint returns the configured peer pinned to the given
// certificate fingerprint, if any peer is pinned that way at all. Peers
// that rely on the global whitelist instead of a pinned fingerprint are
// not indexed here.
func (c *Context) GetPeerByFingerprint(fingerprint string) (*config.Peer, bool) {
	p, ok := c.peerByFingerprint[fingerprint]
	return p, ok
}

// AllowedSharesForPeer returns the share names a peer id may access, or
// nil if the peer isn't configured.
func (c *Context) AllowedSharesForPeer(peerID string) []string {
	p, ok := c.peerByID[peerID]
	if !ok {
		return nil
	}
	return p.AllowedShares()
}

// ListPeerIDs returns every configured peer id.
func (c *Context) ListPeerIDs() []string {
	ids := make([]string, 0, len(c.peerByID))
	for id := range c.peerByID {
		ids = append(ids, id)
	}
	return ids
}

// WaitAllHandshakes blocks until every configured peer has completed its
// first handshake, or until done is closed.
func (c *Context) WaitAllHandshakes(done <-chan struct{}) {
	var wg sync.WaitGroup
	for _, state := range c.Registry.All() {
		wg.Add(1)
		go func(s *peerstate.State) {
			defer wg.Done()
			s.WaitHandshake(done)
		}(state)
	}
	wg.Wait()
}

// GetManifest returns the cached manifest for a share, building it first
// if absent or if refresh is requested.
func (c *Context) GetManifest(ctx context.Context, shareName string, refresh bool) (*manifest.Manifest, error) {
	c.manifestMu.Lock()
	defer c.manifestMu.Unlock()

	if !refresh {
		if m, ok := c.manifestCache[shareName]; ok {
			return m, nil
		}
	}

	share, ok := c.Cfg.ShareByName(shareName)
	if !ok {
		return nil, &keymesherr.ConfigError{Msg: fmt.Sprintf("unknown share: %s", shareName)}
	}

	policy := manifest.IndexPolicy{
		HashPolicy:       hashing.Mode(c.Cfg.Indexing.HashPolicy),
		SmallThresholdMB: c.Cfg.Indexing.SmallThresholdMB,
		SampleMB:         c.Cfg.Indexing.SampleMB,
		IgnoreHidden:     c.Cfg.Indexing.IgnoreHidden,
		MaxWorkers:       c.Cfg.Indexing.MaxWorkers,
	}

	var ignorePatterns []string
	if share.IgnoreFile != "" {
		// Per-share explicit ignore file, loaded in addition to the
		// implicit <root>/.keymeshignore the indexer always consults.
		extra, err := ignore.LoadPatterns(share.IgnoreFile)
		if err != nil {
			return nil, &keymesherr.IoError{Op: "read ignore file", Path: share.IgnoreFile, Cause: err}
		}
		ignorePatterns = extra
	}

	buildStart := time.Now()
	m, err := manifest.Build(ctx, c.Log, share.Name, share.Path, ignorePatterns, policy)
	if c.Metrics != nil {
		c.Metrics.ManifestBuildSeconds.Observe(time.Since(buildStart).Seconds())
	}
	if err != nil {
		return nil, err
	}
	if c.Metrics != nil {
		c.Metrics.ManifestEntriesIndexed.WithLabelValues(shareName).Set(float64(len(m.Entries)))
	}
	c.manifestCache[shareName] = m
	return m, nil
}

// InvalidateManifest drops the cached manifest for a share, forcing the
// next GetManifest call to rebuild it.
func (c *Context) InvalidateManifest(shareName string) {
	c.manifestMu.Lock()
	defer c.manifestMu.Unlock()
	delete(c.manifestCache, shareName)
}

// ParsePeerAddress splits a "host:port" peer address.
func ParsePeerAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, &keymesherr.ConfigError{Msg: fmt.Sprintf("invalid peer address %q", addr), Cause: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, &keymesherr.ConfigError{Msg: fmt.Sprintf("invalid peer port in %q", addr)}
	}
	return host, port, nil
}
