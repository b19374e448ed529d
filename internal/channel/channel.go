// Package channel wraps a QUIC connection into ZHTP's authenticated
// transport: one bidirectional stream carries the UHP handshake, and
// AEAD-framed application messages travel over unidirectional streams
// once a master key has been established.
package channel

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/zcrypto"
)

// Transport tuning (§5 concurrency/resource model): generous enough for
// a mesh node fanning out to many peers without being unbounded.
const (
	MaxIncomingStreams    = 100
	MaxIncomingUniStreams = 100
	MaxIdleTimeout        = 30 * time.Second

	// MaxFrameSize bounds a single application frame (§6 "Frame ... total
	// ≤ 1 MiB").
	MaxFrameSize = 1 << 20
)

var (
	ErrFrameTooLarge  = errors.New("channel: frame exceeds 1 MiB bound")
	ErrBootstrapReadOnly = errors.New("channel: connection is in bootstrap mode (read-only)")
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        MaxIdleTimeout,
		MaxIncomingStreams:    MaxIncomingStreams,
		MaxIncomingUniStreams: MaxIncomingUniStreams,
	}
}

// Listener accepts inbound QUIC connections for a node.
type Listener struct {
	log *logrus.Logger
	ln  *quic.Listener
}

// Listen opens a QUIC listener on addr using the node's persisted
// self-signed certificate.
func Listen(log *logrus.Logger, addr string, cert tls.Certificate) (*Listener, error) {
	if log == nil {
		log = logrus.New()
	}
	ln, err := quic.ListenAddr(addr, newTLSConfig(cert, false), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("channel: listen %s: %w", addr, err)
	}
	return &Listener{log: log, ln: ln}, nil
}

// Accept blocks until a new inbound connection arrives.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel: accept: %w", err)
	}
	return &Conn{log: l.log, qc: qc}, nil
}

// Addr returns the listener's local address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close shuts down the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial opens an outbound QUIC connection to addr. Since ZHTP peer
// authentication is by post-quantum signature rather than X.509 (§1),
// the TLS layer below it does not pin a CA chain; InsecureSkipVerify is
// intentional, not an oversight — see DESIGN.md.
func Dial(ctx context.Context, log *logrus.Logger, addr string, cert tls.Certificate) (*Conn, error) {
	if log == nil {
		log = logrus.New()
	}
	qc, err := quic.DialAddr(ctx, addr, newTLSConfig(cert, true), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", addr, err)
	}
	return &Conn{log: log, qc: qc}, nil
}

// Conn is one authenticated QUIC connection to a peer. Before
// SetMasterKey is called, only the handshake stream is usable; after,
// SendFrame/RecvFrame seal and open application messages with the
// derived master key.
type Conn struct {
	log *logrus.Logger
	qc  *quic.Conn

	masterKey []byte

	bootstrapMode bool
}

// SetBootstrapMode marks the connection as read-only: SendFrame refuses
// to transmit, matching the "bootstrap mode" restriction named in §9's
// legacy-fields note — a node syncing from genesis may receive but must
// not yet originate traffic.
func (c *Conn) SetBootstrapMode(readOnly bool) { c.bootstrapMode = readOnly }

// OpenHandshakeStream opens the bidirectional stream UHP runs over.
func (c *Conn) OpenHandshakeStream(ctx context.Context) (*quic.Stream, error) {
	return c.qc.OpenStreamSync(ctx)
}

// AcceptHandshakeStream accepts the peer-initiated handshake stream.
func (c *Conn) AcceptHandshakeStream(ctx context.Context) (*quic.Stream, error) {
	return c.qc.AcceptStream(ctx)
}

// SetMasterKey installs the symmetric key derived by the handshake
// (internal/handshake.Result.MasterKey). It must be exactly
// zcrypto.AEADKeySize bytes.
func (c *Conn) SetMasterKey(key []byte) error {
	if len(key) != zcrypto.AEADKeySize {
		return fmt.Errorf("channel: master key must be %d bytes", zcrypto.AEADKeySize)
	}
	c.masterKey = key
	return nil
}

// SendFrame seals plaintext with the master key and writes it, length-
// prefixed, on a fresh unidirectional stream.
func (c *Conn) SendFrame(ctx context.Context, aad, plaintext []byte) error {
	if c.bootstrapMode {
		return ErrBootstrapReadOnly
	}
	if len(plaintext) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if c.masterKey == nil {
		return fmt.Errorf("channel: send before master key established")
	}
	ct, err := zcrypto.AEADSeal(c.masterKey, aad, plaintext)
	if err != nil {
		return fmt.Errorf("channel: seal frame: %w", err)
	}
	if len(ct) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	stream, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("channel: open uni stream: %w", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, ct); err != nil {
		return fmt.Errorf("channel: write frame: %w", err)
	}
	return nil
}

// RecvFrame accepts the next inbound unidirectional stream, reads its
// frame, and opens it with the master key.
func (c *Conn) RecvFrame(ctx context.Context, aad []byte) ([]byte, error) {
	if c.masterKey == nil {
		return nil, fmt.Errorf("channel: recv before master key established")
	}
	stream, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel: accept uni stream: %w", err)
	}
	ct, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("channel: read frame: %w", err)
	}
	pt, err := zcrypto.AEADOpen(c.masterKey, aad, ct)
	if err != nil {
		return nil, fmt.Errorf("channel: open frame: %w", err)
	}
	return pt, nil
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string { return c.qc.RemoteAddr().String() }

// Close tears down the connection and zeroes the master key.
func (c *Conn) Close() error {
	if c.masterKey != nil {
		for i := range c.masterKey {
			c.masterKey[i] = 0
		}
	}
	return c.qc.CloseWithError(0, "closed")
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
