package peersession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/framing"
	"github.com/keymesh/keymesh/internal/handshake"
	"github.com/keymesh/keymesh/internal/keymesherr"
	"github.com/keymesh/keymesh/internal/manifest"
	"github.com/keymesh/keymesh/internal/manifestproto"
	"github.com/keymesh/keymesh/internal/mtls"
)

// FetchManifest dials peerCfg, performs the HELLO/ACK handshake, requests
// shareName's manifest, and returns it. Used by "diff --peer", a one-off
// connection independent of the long-lived connectionLoop a running
// Client maintains.
func FetchManifest(ctx context.Context, cfg *config.Config, peerCfg *config.Peer, shareName string) (*manifest.Manifest, error) {
	tlsConfig, err := mtls.ClientConfig(cfg.Security)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Connectivity.ConnectTimeoutMS) * time.Millisecond
	dialer := &tls.Dialer{Config: tlsConfig, NetDialer: &net.Dialer{Timeout: timeout}}
	conn, err := dialer.DialContext(ctx, "tcp", peerCfg.Addr)
	if err != nil {
		return nil, &keymesherr.IoError{Op: "dial", Path: peerCfg.Addr, Cause: err}
	}
	defer conn.Close()

	allowedShares := peerCfg.AllowedShares()
	if err := framing.WriteJSON(conn, handshake.BuildHello(cfg.Node.ID, allowedShares)); err != nil {
		return nil, err
	}
	ackObj, err := framing.ReadJSON(conn)
	if err != nil {
		return nil, err
	}
	ack, err := handshake.ValidateAck(ackObj)
	if err != nil {
		return nil, err
	}
	if !ack.OK {
		return nil, &keymesherr.AuthError{Msg: fmt.Sprintf("handshake rejected: %s", ack.Reason)}
	}

	if err := framing.WriteJSON(conn, manifestproto.BuildRequest(shareName)); err != nil {
		return nil, err
	}
	respObj, err := framing.ReadJSON(conn)
	if err != nil {
		return nil, err
	}
	resp, err := manifestproto.ValidateResponse(respObj)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &keymesherr.AuthError{Msg: fmt.Sprintf("manifest request rejected: %s", resp.Reason)}
	}
	return resp.Manifest, nil
}
