package peersession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/framing"
	"github.com/keymesh/keymesh/internal/handshake"
	"github.com/keymesh/keymesh/internal/keymesherr"
	"github.com/keymesh/keymesh/internal/mtls"
	"github.com/keymesh/keymesh/internal/observability"
	"github.com/keymesh/keymesh/internal/peerstate"
)

// Client maintains outbound mTLS connections to every configured peer,
// reconnecting with exponential backoff on failure.
type Client struct {
	cfg       *config.Config
	registry  *peerstate.Registry
	log       *zap.Logger
	tlsConfig *tls.Config
	metrics   *observability.Metrics

	mu      sync.Mutex
	running map[string]bool
}

// NewClient builds the client-side TLS context and returns a Client bound
// to cfg and registry.
func NewClient(cfg *config.Config, registry *peerstate.Registry, log *zap.Logger) (*Client, error) {
	tlsConfig, err := mtls.ClientConfig(cfg.Security)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, registry: registry, log: log, tlsConfig: tlsConfig, running: map[string]bool{}}, nil
}

// SetMetrics wires the Prometheus collectors this client reports to. If
// never set, handshake and heartbeat events are simply not counted.
func (c *Client) SetMetrics(m *observability.Metrics) { c.metrics = m }

// Run starts one maintenance goroutine per configured peer and blocks
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.log.Info("client connector started")
	var wg sync.WaitGroup
	for i := range c.cfg.Peers {
		peerCfg := c.cfg.Peers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.maintainPeer(ctx, peerCfg)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	c.log.Info("client connector stopped")
	return nil
}

func (c *Client) maintainPeer(ctx context.Context, peerCfg config.Peer) {
	backoff := c.cfg.Connectivity.Backoff
	attempt := 0
	state, ok := c.registry.Get(peerCfg.ID)
	if !ok {
		state = peerstate.New(peerCfg.ID, peerCfg.Addr)
		c.registry.Register(state)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ackBefore := state.Snapshot().LastAckTS
		err := c.connectOnce(ctx, peerCfg, state)
		if err == nil {
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if state.Snapshot().LastAckTS != ackBefore {
			// The handshake succeeded before the connection dropped.
			attempt = 0
		}
		c.log.Warn("connection to peer failed", zap.String("peer_id", peerCfg.ID), zap.Error(err))
		state.MarkError(err.Error())

		idx := attempt
		if idx >= len(backoff) {
			idx = len(backoff) - 1
		}
		delay := time.Duration(backoff[idx]) * time.Second
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context, peerCfg config.Peer, state *peerstate.State) error {
	timeout := time.Duration(c.cfg.Connectivity.ConnectTimeoutMS) * time.Millisecond
	c.log.Info("connecting to peer", zap.String("peer_id", peerCfg.ID), zap.String("addr", peerCfg.Addr))

	dialer := &net.Dialer{Timeout: timeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", peerCfg.Addr)
	if err != nil {
		return &keymesherr.IoError{Op: "dial", Path: peerCfg.Addr, Cause: err}
	}
	conn := tls.Client(rawConn, c.tlsConfig)
	conn.SetDeadline(time.Now().Add(timeout))
	if err := conn.Handshake(); err != nil {
		conn.Close()
		return &keymesherr.TlsError{Msg: "client handshake", Cause: err}
	}

	fingerprint, err := mtls.PeerFingerprint(conn)
	if err != nil {
		conn.Close()
		c.recordHandshake("rejected")
		return err
	}
	if peerCfg.CertFingerprint != "" {
		if peerCfg.CertFingerprint != fingerprint {
			conn.Close()
			c.recordHandshake("rejected")
			return &keymesherr.AuthError{Msg: "fingerprint mismatch"}
		}
	} else if !mtls.InWhitelist(fingerprint, c.cfg.Security.FingerprintWhitelist) {
		conn.Close()
		c.recordHandshake("rejected")
		return &keymesherr.AuthError{Msg: "fingerprint not allowed"}
	}

	allowedShares := peerCfg.AllowedShares()
	if err := framing.WriteJSON(conn, handshake.BuildHello(c.cfg.Node.ID, allowedShares)); err != nil {
		conn.Close()
		return err
	}
	ackObj, err := framing.ReadJSON(conn)
	if err != nil {
		conn.Close()
		return err
	}
	ack, err := handshake.ValidateAck(ackObj)
	if err != nil {
		conn.Close()
		return err
	}
	if !ack.OK {
		conn.Close()
		c.recordHandshake("rejected")
		return &keymesherr.AuthError{Msg: fmt.Sprintf("handshake rejected: %s", ack.Reason)}
	}
	if ack.PeerID != peerCfg.ID {
		conn.Close()
		c.recordHandshake("rejected")
		return &keymesherr.AuthError{Msg: "peer id mismatch"}
	}

	now := time.Now().Unix()
	state.MarkHandshake(now, now, fingerprint, allowedShares, capabilitiesToAny(ack.Capabilities))
	conn.SetDeadline(time.Time{})
	c.recordHandshake("ok")

	if c.metrics != nil {
		c.metrics.ConnectedPeers.Inc()
		defer c.metrics.ConnectedPeers.Dec()
	}
	return c.connectionLoop(ctx, conn, peerCfg, state)
}

func (c *Client) recordHandshake(outcome string) {
	if c.metrics != nil {
		c.metrics.HandshakesTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Client) connectionLoop(ctx context.Context, conn *tls.Conn, peerCfg config.Peer, state *peerstate.State) error {
	defer conn.Close()

	heartbeatInterval := time.Duration(c.cfg.Connectivity.HeartbeatSec) * time.Second
	heartbeatTimeout := heartbeatInterval * 3

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				errCh <- nil
				return
			case <-ticker.C:
				hb := handshake.BuildHeartbeat(time.Now().Unix())
				if err := framing.WriteJSON(conn, hb); err != nil {
					errCh <- err
					return
				}
				state.MarkHeartbeat(time.Now().Unix())
				c.log.Debug("heartbeat sent", zap.String("peer_id", peerCfg.ID))
			}
		}
	}()

	go func() {
		for {
			select {
			case <-loopCtx.Done():
				errCh <- nil
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
			obj, err := framing.ReadJSON(conn)
			if err != nil {
				if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
					continue
				}
				errCh <- err
				return
			}
			if msgType, _ := obj["type"].(string); msgType == handshake.TypeHeartbeat {
				hb, err := handshake.ValidateHeartbeat(obj)
				if err != nil {
					errCh <- err
					return
				}
				state.MarkHeartbeat(hb.TS)
				if c.metrics != nil {
					c.metrics.HeartbeatsReceivedTotal.WithLabelValues(peerCfg.ID).Inc()
				}
				c.log.Debug("heartbeat received", zap.String("peer_id", peerCfg.ID), zap.Int64("ts", hb.TS))
			} else {
				c.log.Warn("unexpected message", zap.String("peer_id", peerCfg.ID), zap.String("type", msgType))
			}
		}
	}()

	err := <-errCh
	cancel()
	<-errCh

	if err != nil {
		state.MarkError(err.Error())
	} else {
		state.MarkDisconnected()
	}
	c.log.Info("connection to peer closed", zap.String("peer_id", peerCfg.ID))
	return err
}
