package channel

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// certValidity is generous since the cert only anchors the QUIC/TLS
// layer; peer authentication itself is the post-quantum handshake (§1
// "peer authentication is by post-quantum signature, not X.509").
const certValidity = 10 * 365 * 24 * time.Hour

// LoadOrCreateCert reuses the persisted self-signed certificate at
// dir/server.crt and dir/server.key (following the node storage layout
// in §6), or generates and persists a new one on first run — following
// the teacher's NewTLSConfig/NewZeroTrustTLSConfig pattern in spirit
// (tls.Config{MinVersion: tls.VersionTLS13}), but adapted to a
// self-signed, no-CA cert since ZHTP peer auth is not X.509-based.
func LoadOrCreateCert(dir string) (tls.Certificate, error) {
	crtPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	if cert, err := tls.LoadX509KeyPair(crtPath, keyPath); err == nil {
		return cert, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return tls.Certificate{}, fmt.Errorf("channel: mkdir %s: %w", dir, err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("channel: generate tls key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("channel: generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "zhtp-node"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("channel: create certificate: %w", err)
	}

	crtPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("channel: marshal tls key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(crtPath, crtPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("channel: write %s: %w", crtPath, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("channel: write %s: %w", keyPath, err)
	}

	return tls.X509KeyPair(crtPEM, keyPEM)
}

// ALPNProtocols is the protocol-tag negotiation list (§6 "Protocol
// tags"), offered in this priority order.
var ALPNProtocols = []string{"zhtp-uhp/1", "zhtp-mesh/1", "zhtp-http/1", "zhtp/1.0", "h3"}

func newTLSConfig(cert tls.Certificate, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS13,
		NextProtos:         ALPNProtocols,
		InsecureSkipVerify: insecureSkipVerify,
	}
}
