// Package mtls builds the mutually-authenticated TLS contexts used by the
// server accept loop and the client connector, and extracts the SHA-256
// certificate fingerprint KeyMesh authorizes peers by.
package mtls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/keymesherr"
)

// strictCipherSuites mirrors "ECDHE+AESGCM:ECDHE+CHACHA20": ECDHE key
// exchange with AES-GCM or ChaCha20-Poly1305. These only take effect for
// TLS 1.2; Go's TLS 1.3 cipher suites are not configurable.
var strictCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

func loadCAPool(caCertPath string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, &keymesherr.TlsError{Msg: fmt.Sprintf("read CA cert %q", caCertPath), Cause: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &keymesherr.TlsError{Msg: fmt.Sprintf("parse CA cert %q", caCertPath)}
	}
	return pool, nil
}

// ServerConfig builds a TLS config requiring and verifying a client
// certificate, TLS 1.2 minimum, hostname verification disabled: KeyMesh
// authorizes peers by certificate fingerprint, not by DNS name.
func ServerConfig(sec config.Security) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(sec.Cert, sec.Key)
	if err != nil {
		return nil, &keymesherr.TlsError{Msg: "load server cert/key", Cause: err}
	}
	caPool, err := loadCAPool(sec.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: strictCipherSuites,
	}, nil
}

// ClientConfig builds a symmetric client-side TLS config: it also presents
// a certificate (mTLS) and verifies the server's certificate against the
// same CA pool, with hostname verification disabled for the same reason.
func ClientConfig(sec config.Security) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(sec.Cert, sec.Key)
	if err != nil {
		return nil, &keymesherr.TlsError{Msg: "load client cert/key", Cause: err}
	}
	caPool, err := loadCAPool(sec.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            caPool,
		InsecureSkipVerify: true, // custom verification below replaces hostname checks
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyAgainstPool(rawCerts, caPool)
		},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: strictCipherSuites,
	}, nil
}

// verifyAgainstPool chains rawCerts to roots without consulting the
// hostname, reproducing check_hostname=False with CERT_REQUIRED.
func verifyAgainstPool(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return &keymesherr.TlsError{Msg: "peer certificate missing"}
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return &keymesherr.TlsError{Msg: "parse peer certificate", Cause: err}
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		if ic, err := x509.ParseCertificate(raw); err == nil {
			intermediates.AddCert(ic)
		}
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return &keymesherr.TlsError{Msg: "verify peer certificate", Cause: err}
	}
	return nil
}

// Fingerprint returns "sha256:<lowercase-hex>" of the DER-encoded
// certificate, KeyMesh's sole basis for peer authorization.
func Fingerprint(der []byte) (string, error) {
	if len(der) == 0 {
		return "", &keymesherr.TlsError{Msg: "peer certificate missing"}
	}
	sum := sha256.Sum256(der)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// PeerFingerprint extracts the fingerprint of the remote party on an
// established *tls.Conn.
func PeerFingerprint(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", &keymesherr.TlsError{Msg: "peer certificate missing"}
	}
	return Fingerprint(state.PeerCertificates[0].Raw)
}

// InWhitelist reports whether fingerprint case-insensitively matches any
// entry in whitelist, after trimming.
func InWhitelist(fingerprint string, whitelist []string) bool {
	normalized := strings.ToLower(strings.TrimSpace(fingerprint))
	for _, entry := range whitelist {
		if normalized == strings.ToLower(strings.TrimSpace(entry)) {
			return true
		}
	}
	return false
}
