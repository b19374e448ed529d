package handshake

import (
	"encoding/binary"
	"fmt"
)

// Wire tags and length bounds per the handshake's byte layout. Integers
// are little-endian; every length prefix is a u32 LE.
const (
	tagHello = 0x01
	tagAuthI = 0x02
	tagAuthR = 0x03

	maxSigSize    = 16 * 1024
	maxKemCtSize  = 64 * 1024
	maxCapsSize   = 4 * 1024
	nonceSize     = 24
	maxNodeIDSize = 256
	maxPubSize    = 16 * 1024
)

// helloMsg is `tag(0x01) ‖ len(node_id) ‖ node_id ‖ len(pub) ‖ pub ‖
// nonce(24B) ‖ timestamp(u64 LE) ‖ len(caps) ‖ caps`.
type helloMsg struct {
	nodeID    []byte
	pub       []byte // identityPublicBundle, marshaled
	nonce     [nonceSize]byte
	timestamp uint64
	caps      []byte
}

func (m helloMsg) marshal() ([]byte, error) {
	if len(m.nodeID) > maxNodeIDSize {
		return nil, fmt.Errorf("handshake: node_id too large (%d bytes)", len(m.nodeID))
	}
	if len(m.pub) > maxPubSize {
		return nil, fmt.Errorf("handshake: pub too large (%d bytes)", len(m.pub))
	}
	if len(m.caps) > maxCapsSize {
		return nil, fmt.Errorf("handshake: caps too large (%d bytes): %w", len(m.caps), ErrCapabilityMismatch)
	}
	buf := make([]byte, 0, 1+4+len(m.nodeID)+4+len(m.pub)+nonceSize+8+4+len(m.caps))
	buf = append(buf, tagHello)
	buf = appendLenPrefixed(buf, m.nodeID)
	buf = appendLenPrefixed(buf, m.pub)
	buf = append(buf, m.nonce[:]...)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], m.timestamp)
	buf = append(buf, ts[:]...)
	buf = appendLenPrefixed(buf, m.caps)
	return buf, nil
}

func unmarshalHello(data []byte) (helloMsg, error) {
	var m helloMsg
	if len(data) < 1 || data[0] != tagHello {
		return m, fmt.Errorf("handshake: not a Hello message")
	}
	rest := data[1:]

	nodeID, rest, err := readLenPrefixed(rest, maxNodeIDSize)
	if err != nil {
		return m, fmt.Errorf("handshake: hello node_id: %w", err)
	}
	pub, rest, err := readLenPrefixed(rest, maxPubSize)
	if err != nil {
		return m, fmt.Errorf("handshake: hello pub: %w", err)
	}
	if len(rest) < nonceSize+8 {
		return m, fmt.Errorf("handshake: hello truncated before nonce/timestamp")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], rest[:nonceSize])
	rest = rest[nonceSize:]
	timestamp := binary.LittleEndian.Uint64(rest[:8])
	rest = rest[8:]

	caps, rest, err := readLenPrefixed(rest, maxCapsSize)
	if err != nil {
		return m, fmt.Errorf("handshake: hello caps: %w", err)
	}
	_ = rest

	m.nodeID = nodeID
	m.pub = pub
	m.nonce = nonce
	m.timestamp = timestamp
	m.caps = caps
	return m, nil
}

// authIMsg is `tag(0x02) ‖ len(sig) ‖ sig`.
type authIMsg struct {
	sig []byte
}

func (m authIMsg) marshal() ([]byte, error) {
	if len(m.sig) > maxSigSize {
		return nil, fmt.Errorf("handshake: sig too large (%d bytes)", len(m.sig))
	}
	buf := make([]byte, 0, 1+4+len(m.sig))
	buf = append(buf, tagAuthI)
	buf = appendLenPrefixed(buf, m.sig)
	return buf, nil
}

func unmarshalAuthI(data []byte) (authIMsg, error) {
	var m authIMsg
	if len(data) < 1 || data[0] != tagAuthI {
		return m, fmt.Errorf("handshake: not an AuthI message")
	}
	sig, _, err := readLenPrefixed(data[1:], maxSigSize)
	if err != nil {
		return m, fmt.Errorf("handshake: authI sig: %w", err)
	}
	m.sig = sig
	return m, nil
}

// authRMsg is `tag(0x03) ‖ len(sig) ‖ sig ‖ len(kem_ct) ‖ kem_ct`.
type authRMsg struct {
	sig   []byte
	kemCt []byte
}

func (m authRMsg) marshal() ([]byte, error) {
	if len(m.sig) > maxSigSize {
		return nil, fmt.Errorf("handshake: sig too large (%d bytes)", len(m.sig))
	}
	if len(m.kemCt) > maxKemCtSize {
		return nil, fmt.Errorf("handshake: kem_ct too large (%d bytes)", len(m.kemCt))
	}
	buf := make([]byte, 0, 1+4+len(m.sig)+4+len(m.kemCt))
	buf = append(buf, tagAuthR)
	buf = appendLenPrefixed(buf, m.sig)
	buf = appendLenPrefixed(buf, m.kemCt)
	return buf, nil
}

func unmarshalAuthR(data []byte) (authRMsg, error) {
	var m authRMsg
	if len(data) < 1 || data[0] != tagAuthR {
		return m, fmt.Errorf("handshake: not an AuthR message")
	}
	rest := data[1:]
	sig, rest, err := readLenPrefixed(rest, maxSigSize)
	if err != nil {
		return m, fmt.Errorf("handshake: authR sig: %w", err)
	}
	kemCt, _, err := readLenPrefixed(rest, maxKemCtSize)
	if err != nil {
		return m, fmt.Errorf("handshake: authR kem_ct: %w", err)
	}
	m.sig = sig
	m.kemCt = kemCt
	return m, nil
}

func appendLenPrefixed(buf, field []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(field)))
	buf = append(buf, l[:]...)
	return append(buf, field...)
}

func readLenPrefixed(data []byte, max int) (field, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if n > max {
		return nil, nil, fmt.Errorf("length %d exceeds bound %d", n, max)
	}
	data = data[4:]
	if len(data) < n {
		return nil, nil, fmt.Errorf("truncated field (want %d, have %d)", n, len(data))
	}
	return data[:n], data[n:], nil
}

// identityPublicBundle packs a node's Dilithium3 signing key and Kyber768
// KEM key into the single `pub` field the wire format allots for it; the
// data model's Identity only names one "PQ public key" for signing, but
// the handshake's message 5 encapsulates against a KEM key, so both keys
// travel together here rather than adding a second top-level wire field.
type identityPublicBundle struct {
	sigPub []byte
	kemPub []byte
}

func (b identityPublicBundle) marshal() []byte {
	buf := appendLenPrefixed(nil, b.sigPub)
	buf = appendLenPrefixed(buf, b.kemPub)
	return buf
}

func unmarshalIdentityPublicBundle(data []byte) (identityPublicBundle, error) {
	var b identityPublicBundle
	sigPub, rest, err := readLenPrefixed(data, maxPubSize)
	if err != nil {
		return b, fmt.Errorf("sig pub: %w", err)
	}
	kemPub, _, err := readLenPrefixed(rest, maxPubSize)
	if err != nil {
		return b, fmt.Errorf("kem pub: %w", err)
	}
	b.sigPub = sigPub
	b.kemPub = kemPub
	return b, nil
}
