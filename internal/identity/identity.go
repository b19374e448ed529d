// Package identity binds a decentralized identifier and device name to a
// stable NodeId and exposes the sign/verify surface every other ZHTP
// component authenticates against.
package identity

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/zcrypto"
)

// NodeId is the 32-byte hash of a DID and device name. It is immutable
// once minted; rebinding the pair that produced it is forbidden because
// it would silently change the identifier a peer is keyed by everywhere
// else in the system (registry indexes, handshake transcripts, votes).
type NodeId [zcrypto.HashSize]byte

// String renders a NodeId as a lowercase hex string for logs.
func (n NodeId) String() string {
	return fmt.Sprintf("%x", n[:])
}

// NewNodeId derives the NodeId for a (did, deviceName) pair.
func NewNodeId(did, deviceName string) NodeId {
	return NodeId(zcrypto.Hash([]byte(did), []byte(deviceName)))
}

var (
	// ErrIdentityWithoutKey is returned by Sign when the Identity holds no
	// private key — a verify-only identity, e.g. one reconstructed from a
	// peer attestation rather than created locally.
	ErrIdentityWithoutKey = errors.New("identity: signing requires a private key")
	// ErrRebindForbidden is returned by Rebind; a NodeId's (DID, device)
	// pair is fixed for the identity's lifetime.
	ErrRebindForbidden = errors.New("identity: rebinding (did, device_name) is forbidden")
)

// Attestation is a third-party vouching claim attached to an Identity,
// e.g. "this device was enrolled by this DAO member."
type Attestation struct {
	IssuerDID string
	Claim     string
	Signature []byte
}

// Identity is a node's local view of itself: who it is (DID, device,
// NodeId), what it can prove (PQ public key, optionally a private key),
// and what others have said about it (attestations, reputation).
type Identity struct {
	log *logrus.Logger

	did        string
	deviceName string
	nodeID     NodeId

	pubKey  []byte
	privKey []byte // nil for a verify-only identity

	attestations []Attestation
	reputation   int64
}

// New creates an identity with both a public and private Dilithium3 key —
// the shape used at node bootstrap (core/security.go's DilithiumKeypair
// pattern, now returning (value, error) instead of panicking).
func New(log *logrus.Logger, did, deviceName string) (*Identity, error) {
	pub, priv, err := zcrypto.GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Identity{
		log:        log,
		did:        did,
		deviceName: deviceName,
		nodeID:     NewNodeId(did, deviceName),
		pubKey:     pub,
		privKey:    priv,
	}, nil
}

// NewVerifyOnly reconstructs a peer's identity from an attestation: it can
// verify signatures attributed to this NodeId, but cannot sign as it.
func NewVerifyOnly(log *logrus.Logger, did, deviceName string, pubKey []byte) *Identity {
	if log == nil {
		log = logrus.New()
	}
	return &Identity{
		log:        log,
		did:        did,
		deviceName: deviceName,
		nodeID:     NewNodeId(did, deviceName),
		pubKey:     pubKey,
	}
}

// NodeID returns the identity's immutable NodeId.
func (id *Identity) NodeID() NodeId { return id.nodeID }

// DID returns the decentralized identifier this identity was bound to.
func (id *Identity) DID() string { return id.did }

// DeviceName returns the device name this identity was bound to.
func (id *Identity) DeviceName() string { return id.deviceName }

// PublicKey returns the packed Dilithium3 public key.
func (id *Identity) PublicKey() []byte { return id.pubKey }

// CanSign reports whether this identity holds a private key.
func (id *Identity) CanSign() bool { return id.privKey != nil }

// Sign signs msg as this identity. Fails with ErrIdentityWithoutKey on a
// verify-only identity rather than panicking.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id.privKey == nil {
		return nil, ErrIdentityWithoutKey
	}
	sig, err := zcrypto.Sign(id.privKey, msg)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// Verify checks a signature attributed to this identity's public key.
func (id *Identity) Verify(msg, sig []byte) bool {
	return zcrypto.Verify(id.pubKey, msg, sig)
}

// Rebind always fails: a NodeId's (DID, device_name) pair is fixed at
// construction. It exists so callers have an explicit, documented
// rejection point instead of silently mutating fields.
func (id *Identity) Rebind(did, deviceName string) error {
	return ErrRebindForbidden
}

// AddAttestation records a third-party attestation about this identity.
func (id *Identity) AddAttestation(a Attestation) {
	id.attestations = append(id.attestations, a)
	id.log.WithFields(logrus.Fields{
		"node_id": id.nodeID.String(),
		"issuer":  a.IssuerDID,
	}).Debug("identity: attestation recorded")
}

// Attestations returns a copy of the recorded attestations.
func (id *Identity) Attestations() []Attestation {
	out := make([]Attestation, len(id.attestations))
	copy(out, id.attestations)
	return out
}

// Reputation returns the identity's current reputation score.
func (id *Identity) Reputation() int64 { return id.reputation }

// AdjustReputation adds delta to the reputation score, clamping at the
// given cap (0 disables the cap) and at 0 from below. Validator
// reputation is tracked separately by validator.Manager.AdjustReputation.
func (id *Identity) AdjustReputation(delta int64, cap int64) {
	id.reputation += delta
	if cap > 0 && id.reputation > cap {
		id.reputation = cap
	}
	if id.reputation < 0 {
		id.reputation = 0
	}
}
