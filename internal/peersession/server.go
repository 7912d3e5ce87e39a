// Package peersession implements the server accept loop and client
// connector that carry out the HELLO/ACK handshake and heartbeat exchange
// over the mutually-authenticated TLS transport built by internal/mtls.
package peersession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/framing"
	"github.com/keymesh/keymesh/internal/handshake"
	"github.com/keymesh/keymesh/internal/keymesherr"
	"github.com/keymesh/keymesh/internal/manifest"
	"github.com/keymesh/keymesh/internal/manifestproto"
	"github.com/keymesh/keymesh/internal/mtls"
	"github.com/keymesh/keymesh/internal/observability"
	"github.com/keymesh/keymesh/internal/peerstate"
	"github.com/keymesh/keymesh/internal/transferproto"
)

// ManifestFunc builds or fetches the current manifest for a share, used to
// answer a peer's MANIFEST_REQUEST.
type ManifestFunc func(shareName string) (*manifest.Manifest, error)

// FileReceiveFunc handles one inbound FILE_REQ frame already read off
// conn, carrying out the rest of the chunked transfer exchange and
// returning an error if it fails.
type FileReceiveFunc func(conn *tls.Conn, peerID string, fileReq map[string]any, allowedShares []string) error

// Server accepts inbound peer connections and drives them through the
// handshake and heartbeat state machine.
type Server struct {
	cfg           *config.Config
	registry      *peerstate.Registry
	log           *zap.Logger
	tlsConfig     *tls.Config
	manifestFn    ManifestFunc
	fileReceiveFn FileReceiveFunc
	metrics       *observability.Metrics
}

// NewServer builds the server-side TLS context and returns a Server bound
// to cfg and registry.
func NewServer(cfg *config.Config, registry *peerstate.Registry, log *zap.Logger) (*Server, error) {
	tlsConfig, err := mtls.ServerConfig(cfg.Security)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, registry: registry, log: log, tlsConfig: tlsConfig}, nil
}

// SetManifestSource wires the function used to answer MANIFEST_REQUEST
// frames from peers. If never set, such requests are rejected.
func (s *Server) SetManifestSource(fn ManifestFunc) { s.manifestFn = fn }

// SetFileReceiver wires the function used to accept a pushed file when a
// peer opens a FILE_REQ on an established session. If never set, a
// pushed file is rejected and the connection is closed.
func (s *Server) SetFileReceiver(fn FileReceiveFunc) { s.fileReceiveFn = fn }

// SetMetrics wires the Prometheus collectors this server reports to. If
// never set, handshake and heartbeat events are simply not counted.
func (s *Server) SetMetrics(m *observability.Metrics) { s.metrics = m }

func (s *Server) recordHandshake(outcome string) {
	if s.metrics != nil {
		s.metrics.HandshakesTotal.WithLabelValues(outcome).Inc()
	}
}

// ListenAndServe listens on the configured bind host/port and serves
// connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Node.BindHost, s.cfg.Node.ListenPort)
	lis, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return &keymesherr.IoError{Op: "listen", Path: addr, Cause: err}
	}
	s.log.Info("peer server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return &keymesherr.IoError{Op: "accept", Path: addr, Cause: err}
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peerAddr := conn.RemoteAddr().String()
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		s.log.Error("accepted connection is not TLS", zap.String("addr", peerAddr))
		return
	}

	handshakeDeadline := time.Duration(s.cfg.Connectivity.ConnectTimeoutMS) * time.Millisecond
	tlsConn.SetDeadline(time.Now().Add(handshakeDeadline))
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn("TLS handshake failed", zap.String("addr", peerAddr), zap.Error(err))
		return
	}

	fingerprint, err := mtls.PeerFingerprint(tlsConn)
	if err != nil {
		s.log.Warn("failed to extract fingerprint", zap.String("addr", peerAddr), zap.Error(err))
		return
	}
	s.log.Info("accepted TLS connection", zap.String("addr", peerAddr), zap.String("fingerprint", fingerprint))

	peerCfg, peerState := s.resolveByFingerprint(fingerprint)
	allowedByWhitelist := mtls.InWhitelist(fingerprint, s.cfg.Security.FingerprintWhitelist)

	helloObj, err := framing.ReadJSON(tlsConn)
	if err != nil {
		s.log.Warn("HELLO read failed", zap.String("addr", peerAddr), zap.Error(err))
		framing.WriteJSON(tlsConn, handshake.BuildAck(s.cfg.Node.ID, false, "invalid HELLO", nil))
		return
	}
	hello, err := handshake.ValidateHello(helloObj)
	if err != nil {
		s.log.Warn("HELLO validation failed", zap.String("addr", peerAddr), zap.Error(err))
		framing.WriteJSON(tlsConn, handshake.BuildAck(s.cfg.Node.ID, false, "invalid HELLO", nil))
		return
	}

	if !handshake.VersionsCompatible(handshake.ProtoVersion, hello.Version) {
		framing.WriteJSON(tlsConn, handshake.BuildAck(s.cfg.Node.ID, false, "incompatible version", nil))
		if peerState != nil {
			peerState.MarkError(fmt.Sprintf("version mismatch remote=%s", hello.Version))
		}
		s.log.Warn("version mismatch", zap.String("local", handshake.ProtoVersion), zap.String("remote", hello.Version))
		s.recordHandshake("rejected")
		return
	}

	if peerCfg == nil {
		if found, ok := s.cfg.PeerByID(hello.NodeID); ok {
			peerCfg = found
			peerState, _ = s.registry.Get(peerCfg.ID)
		}
	}
	if peerCfg == nil {
		if !allowedByWhitelist {
			framing.WriteJSON(tlsConn, handshake.BuildAck(s.cfg.Node.ID, false, "unknown peer", nil))
			s.log.Warn("rejected unknown peer", zap.String("node_id", hello.NodeID), zap.String("fingerprint", fingerprint))
			s.recordHandshake("rejected")
			return
		}
		framing.WriteJSON(tlsConn, handshake.BuildAck(s.cfg.Node.ID, false, "peer not configured", nil))
		s.log.Warn("rejected unconfigured peer matched by whitelist", zap.String("node_id", hello.NodeID))
		s.recordHandshake("rejected")
		return
	}
	if peerCfg.CertFingerprint != "" && peerCfg.CertFingerprint != fingerprint {
		framing.WriteJSON(tlsConn, handshake.BuildAck(s.cfg.Node.ID, false, "fingerprint mismatch", nil))
		if peerState != nil {
			peerState.MarkError("fingerprint mismatch")
		}
		s.log.Warn("fingerprint mismatch", zap.String("peer_id", peerCfg.ID))
		s.recordHandshake("rejected")
		return
	}

	allowedShares := peerCfg.AllowedShares()
	if err := framing.WriteJSON(tlsConn, handshake.BuildAck(s.cfg.Node.ID, true, "", allowedShares)); err != nil {
		s.log.Warn("failed to send ACK", zap.String("peer_id", peerCfg.ID), zap.Error(err))
		return
	}
	s.log.Info("handshake ACK sent", zap.String("peer_id", peerCfg.ID))

	if peerState == nil {
		peerState = peerstate.New(peerCfg.ID, peerCfg.Addr)
		s.registry.Register(peerState)
	}
	now := time.Now().Unix()
	peerState.MarkHandshake(now, now, fingerprint, allowedShares, capabilitiesToAny(hello.Capabilities))
	s.recordHandshake("ok")

	tlsConn.SetDeadline(time.Time{})
	if s.metrics != nil {
		s.metrics.ConnectedPeers.Inc()
		defer s.metrics.ConnectedPeers.Dec()
	}
	s.serveHeartbeats(ctx, tlsConn, peerCfg.ID, peerState, allowedShares)
}

func (s *Server) resolveByFingerprint(fingerprint string) (*config.Peer, *peerstate.State) {
	for i := range s.cfg.Peers {
		if s.cfg.Peers[i].CertFingerprint == fingerprint {
			state, _ := s.registry.Get(s.cfg.Peers[i].ID)
			return &s.cfg.Peers[i], state
		}
	}
	return nil, nil
}

func (s *Server) serveHeartbeats(ctx context.Context, conn *tls.Conn, peerID string, state *peerstate.State, allowedShares []string) {
	timeout := time.Duration(s.cfg.Connectivity.HeartbeatSec) * 3 * time.Second
	var lastErr error

	for {
		conn.SetReadDeadline(time.Now().Add(timeout))
		obj, err := framing.ReadJSON(conn)
		if err != nil {
			lastErr = err
			s.log.Info("connection closed", zap.String("peer_id", peerID), zap.Error(err))
			break
		}
		msgType, _ := obj["type"].(string)
		invalidHeartbeat := false
		transferFailed := false
		switch msgType {
		case handshake.TypeHeartbeat:
			hb, err := handshake.ValidateHeartbeat(obj)
			if err != nil {
				lastErr = err
				invalidHeartbeat = true
				break
			}
			state.MarkHeartbeat(hb.TS)
			if s.metrics != nil {
				s.metrics.HeartbeatsReceivedTotal.WithLabelValues(peerID).Inc()
			}
			s.log.Debug("heartbeat received", zap.String("peer_id", peerID), zap.Int64("ts", hb.TS))
		case manifestproto.TypeManifestRequest:
			s.handleManifestRequest(conn, peerID, obj, allowedShares)
		case transferproto.TypeFileReq:
			if err := s.handleFileRequest(conn, peerID, obj, allowedShares); err != nil {
				lastErr = err
				transferFailed = true
			}
		default:
			s.log.Warn("unexpected message type", zap.String("peer_id", peerID), zap.String("type", msgType))
		}
		if invalidHeartbeat || transferFailed {
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	if lastErr != nil {
		state.MarkError(lastErr.Error())
	} else {
		state.MarkDisconnected()
	}
	s.log.Info("peer disconnected", zap.String("peer_id", peerID))
}

func (s *Server) handleManifestRequest(conn *tls.Conn, peerID string, obj map[string]any, allowedShares []string) {
	req, err := manifestproto.ValidateRequest(obj)
	if err != nil {
		s.log.Warn("invalid manifest request", zap.String("peer_id", peerID), zap.Error(err))
		framing.WriteJSON(conn, manifestproto.BuildResponseError("invalid request"))
		return
	}
	if !containsShare(allowedShares, req.Share) {
		s.log.Warn("manifest request for disallowed share", zap.String("peer_id", peerID), zap.String("share", req.Share))
		framing.WriteJSON(conn, manifestproto.BuildResponseError("share not allowed"))
		return
	}
	if s.manifestFn == nil {
		framing.WriteJSON(conn, manifestproto.BuildResponseError("manifest service unavailable"))
		return
	}
	m, err := s.manifestFn(req.Share)
	if err != nil {
		s.log.Warn("manifest build failed", zap.String("peer_id", peerID), zap.String("share", req.Share), zap.Error(err))
		framing.WriteJSON(conn, manifestproto.BuildResponseError("manifest build failed"))
		return
	}
	if err := framing.WriteJSON(conn, manifestproto.BuildResponse(m)); err != nil {
		s.log.Warn("failed to send manifest response", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (s *Server) handleFileRequest(conn *tls.Conn, peerID string, obj map[string]any, allowedShares []string) error {
	if s.fileReceiveFn == nil {
		s.log.Warn("rejecting FILE_REQ: no file receiver configured", zap.String("peer_id", peerID))
		framing.WriteJSON(conn, map[string]any{"type": "FILE_META", "status": "error", "error": "file receiving unavailable"})
		return &keymesherr.ProtocolError{Msg: "no file receiver configured"}
	}
	if err := s.fileReceiveFn(conn, peerID, obj, allowedShares); err != nil {
		s.log.Warn("incoming file transfer failed", zap.String("peer_id", peerID), zap.Error(err))
		return err
	}
	return nil
}

func containsShare(shares []string, target string) bool {
	for _, s := range shares {
		if s == target {
			return true
		}
	}
	return false
}

func capabilitiesToAny(c handshake.Capabilities) map[string]any {
	return map[string]any{"shares": c.Shares, "features": c.Features}
}
