// Package handshake implements the Unified Handshake Protocol (UHP): a
// transcript-bound mutual authentication exchange that derives a shared
// master key via a post-quantum signature plus a post-quantum KEM. See
// wire.go for the byte-exact message encodings.
package handshake

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/identity"
	"github.com/zhtp/zhtp/internal/noncecache"
	"github.com/zhtp/zhtp/internal/zcrypto"
)

// MaxTimestampSkew bounds how far a peer's Hello timestamp may drift from
// local time before it is rejected as stale (§8 boundary behavior: +300s
// succeeds, +301s fails).
const MaxTimestampSkew = 300 * time.Second

var (
	ErrSigFail            = errors.New("handshake: signature verification failed")
	ErrNodeIdMismatch     = errors.New("handshake: stated node_id does not match hash(did, device_name)")
	ErrReplayedNonce      = errors.New("handshake: replayed nonce")
	ErrStaleTimestamp     = errors.New("handshake: timestamp outside freshness window")
	ErrCapabilityMismatch = errors.New("handshake: capability mismatch")
	ErrKemDecapFail       = errors.New("handshake: kem decapsulation failed")
	ErrWrongState         = errors.New("handshake: message received out of sequence")
)

// Role distinguishes the two handshake participants.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

type step int

const (
	stepStart step = iota
	stepInitiatorAwaitingHelloR
	stepInitiatorAwaitingAuthR
	stepResponderAwaitingAuthI
	stepDone
)

// Result is what a successful handshake yields: the derived master key,
// a logging-only session id, and the verified peer identity.
type Result struct {
	MasterKey  []byte
	SessionID  uuid.UUID
	PeerNodeID identity.NodeId
}

// Handshake drives one UHP exchange for either role. It is not safe for
// concurrent use by multiple goroutines; one handshake belongs to one
// connection attempt.
type Handshake struct {
	log  *logrus.Logger
	role Role

	self         *identity.Identity
	selfKemPub   []byte
	selfKemPriv  []byte
	capabilities []string

	nonces *noncecache.Cache

	transcript []byte
	localNonce [24]byte
	step       step

	peerNodeID identity.NodeId
	peerSigPub []byte
	peerKemPub []byte
	peerNonce  [24]byte

	sigI []byte
	sigR []byte

	sessionID uuid.UUID
}

// New creates a Handshake for the given role. selfKemPub/selfKemPriv are
// a Kyber768 keypair generated once per identity (or per connection, at
// the caller's discretion) and advertised inside the Hello's pub bundle.
func New(log *logrus.Logger, role Role, self *identity.Identity, kemPub, kemPriv []byte, nonces *noncecache.Cache, capabilities []string) (*Handshake, error) {
	if log == nil {
		log = logrus.New()
	}
	var localNonce [24]byte
	if _, err := rand.Read(localNonce[:]); err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	return &Handshake{
		log:          log,
		role:         role,
		self:         self,
		selfKemPub:   kemPub,
		selfKemPriv:  kemPriv,
		capabilities: capabilities,
		nonces:       nonces,
		localNonce:   localNonce,
		step:         stepStart,
	}, nil
}

func (h *Handshake) append(b []byte) { h.transcript = append(h.transcript, b...) }

func (h *Handshake) buildHello() ([]byte, error) {
	selfNodeID := h.self.NodeID()
	bundle := identityPublicBundle{sigPub: h.self.PublicKey(), kemPub: h.selfKemPub}
	msg := helloMsg{
		nodeID:    selfNodeID[:],
		pub:       bundle.marshal(),
		nonce:     h.localNonce,
		timestamp: uint64(time.Now().Unix()),
		caps:      []byte(strings.Join(h.capabilities, ",")),
	}
	return msg.marshal()
}

// InitiatorHello produces message 1 (Hello_I) for the Initiator role.
func (h *Handshake) InitiatorHello() ([]byte, error) {
	if h.role != RoleInitiator || h.step != stepStart {
		return nil, ErrWrongState
	}
	out, err := h.buildHello()
	if err != nil {
		return nil, err
	}
	h.append(out)
	h.step = stepInitiatorAwaitingHelloR
	return out, nil
}

// ResponderReceiveHello consumes message 1 (Hello_I) and produces message
// 2 (Hello_R) for the Responder role.
func (h *Handshake) ResponderReceiveHello(data []byte) ([]byte, error) {
	if h.role != RoleResponder || h.step != stepStart {
		return nil, ErrWrongState
	}
	h.append(data)
	if err := h.consumePeerHello(data); err != nil {
		return nil, err
	}
	out, err := h.buildHello()
	if err != nil {
		return nil, err
	}
	h.append(out)
	h.step = stepResponderAwaitingAuthI
	return out, nil
}

// InitiatorReceiveHelloR consumes message 2 (Hello_R) for the Initiator
// role and verifies the peer's timestamp freshness. The peer's stated
// NodeId is recorded unchecked; VerifyPeerNodeID checks it.
func (h *Handshake) InitiatorReceiveHelloR(data []byte) error {
	if h.role != RoleInitiator || h.step != stepInitiatorAwaitingHelloR {
		return ErrWrongState
	}
	h.append(data)
	if err := h.consumePeerHello(data); err != nil {
		return err
	}
	h.step = stepInitiatorAwaitingAuthR
	return nil
}

// consumePeerHello parses a Hello message, verifies timestamp freshness,
// and records the peer's stated NodeId (unchecked here; see
// VerifyPeerNodeID), public keys and nonce.
// It does not check the nonce cache: per §4.4 step 4/6, nonces are only
// checked once the corresponding signature has verified.
func (h *Handshake) consumePeerHello(data []byte) error {
	msg, err := unmarshalHello(data)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if len(msg.caps) > maxCapsSize {
		return ErrCapabilityMismatch
	}
	now := time.Now()
	ts := time.Unix(int64(msg.timestamp), 0)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return ErrStaleTimestamp
	}
	bundle, err := unmarshalIdentityPublicBundle(msg.pub)
	if err != nil {
		return fmt.Errorf("handshake: pub bundle: %w", err)
	}

	var nodeID identity.NodeId
	copy(nodeID[:], msg.nodeID)

	h.peerNodeID = nodeID
	h.peerSigPub = bundle.sigPub
	h.peerKemPub = bundle.kemPub
	h.peerNonce = msg.nonce
	return nil
}

// VerifyPeerNodeID checks the stated node_id against the DID/device a
// caller has independently learned (e.g. via an attestation channel, or
// trust-on-first-use). It is split out from consumePeerHello because the
// wire format alone does not carry a DID/device pair; callers supply it.
func (h *Handshake) VerifyPeerNodeID(did, deviceName string) error {
	if identity.NewNodeId(did, deviceName) != h.peerNodeID {
		return ErrNodeIdMismatch
	}
	return nil
}

// InitiatorAuthI signs the transcript so far and produces message 3.
func (h *Handshake) InitiatorAuthI() ([]byte, error) {
	if h.role != RoleInitiator || h.step != stepInitiatorAwaitingAuthR {
		return nil, ErrWrongState
	}
	sig, err := h.self.Sign(h.transcript)
	if err != nil {
		return nil, fmt.Errorf("handshake: sign authI: %w", err)
	}
	h.sigI = sig
	out, err := authIMsg{sig: sig}.marshal()
	if err != nil {
		return nil, err
	}
	h.append(out)
	return out, nil
}

// ResponderReceiveAuthI verifies message 3 against the peer's signing key
// and the transcript accumulated before it, then checks the initiator's
// nonce into the shared replay cache.
func (h *Handshake) ResponderReceiveAuthI(data []byte) error {
	if h.role != RoleResponder {
		return ErrWrongState
	}
	msg, err := unmarshalAuthI(data)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if !zcrypto.Verify(h.peerSigPub, h.transcript, msg.sig) {
		return ErrSigFail
	}
	h.sigI = msg.sig
	h.append(data)
	if err := h.nonces.Insert(h.peerNonce[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrReplayedNonce, err)
	}
	return nil
}

// ResponderAuthR encapsulates against the initiator's KEM public key,
// signs the transcript so far, produces message 5, and derives the
// master key.
func (h *Handshake) ResponderAuthR() ([]byte, *Result, error) {
	if h.role != RoleResponder {
		return nil, nil, ErrWrongState
	}
	kemCt, sharedSecret, err := zcrypto.KEMEncapsulate(h.peerKemPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemDecapFail, err)
	}
	sig, err := h.self.Sign(h.transcript)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: sign authR: %w", err)
	}
	h.sigR = sig
	out, err := authRMsg{sig: sig, kemCt: kemCt}.marshal()
	if err != nil {
		return nil, nil, err
	}
	h.append(out)

	result, err := h.deriveMasterKey(sharedSecret)
	if err != nil {
		return nil, nil, err
	}
	h.step = stepDone
	return out, result, nil
}

// InitiatorFinish verifies message 5 against the peer's signing key,
// checks the responder's nonce into the replay cache, decapsulates the
// KEM ciphertext, and derives the master key.
func (h *Handshake) InitiatorFinish(data []byte) (*Result, error) {
	if h.role != RoleInitiator || h.step != stepInitiatorAwaitingAuthR {
		return nil, ErrWrongState
	}
	msg, err := unmarshalAuthR(data)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if !zcrypto.Verify(h.peerSigPub, h.transcript, msg.sig) {
		return nil, ErrSigFail
	}
	h.sigR = msg.sig
	h.append(data)
	if err := h.nonces.Insert(h.peerNonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplayedNonce, err)
	}
	sharedSecret, err := zcrypto.KEMDecapsulate(h.selfKemPriv, msg.kemCt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKemDecapFail, err)
	}
	result, err := h.deriveMasterKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	h.step = stepDone
	return result, nil
}

// deriveMasterKey computes session_key = HKDF(sig_I ‖ sig_R, salt=
// transcript_hash, info="uhp-session") exactly as §4.4 defines it (both
// signatures are already bound into the transcript, so this does not
// weaken transcript binding), then the master key from session_key ‖
// kem_shared_secret, salted by the transcript hash and bound to both
// parties' NodeIds in a fixed (sorted) order — the data model (§3
// MasterKey) names the info as "the peer's NodeId", which is
// self-contradictory with "both sides derive the same master key" since
// the initiator's peer is the responder and vice versa; ordering the two
// NodeIds deterministically resolves that while still binding the key to
// the pair of identities that ran the handshake.
func (h *Handshake) deriveMasterKey(kemSharedSecret []byte) (*Result, error) {
	transcriptHash := zcrypto.Hash(h.transcript)

	sigIKM := append(append([]byte{}, h.sigI...), h.sigR...)
	sessionKey, err := zcrypto.HKDFDerive(sigIKM, transcriptHash[:], []byte("uhp-session"), 32)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive session key: %w", err)
	}

	selfNodeID := h.self.NodeID()
	var idInfo []byte
	if bytes.Compare(selfNodeID[:], h.peerNodeID[:]) <= 0 {
		idInfo = append(append([]byte{}, selfNodeID[:]...), h.peerNodeID[:]...)
	} else {
		idInfo = append(append([]byte{}, h.peerNodeID[:]...), selfNodeID[:]...)
	}

	ikm := append(append([]byte{}, sessionKey...), kemSharedSecret...)
	masterKey, err := zcrypto.HKDFDerive(ikm, transcriptHash[:], idInfo, zcrypto.AEADKeySize)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive master key: %w", err)
	}
	zeroize(sessionKey)
	zeroize(ikm)

	if h.sessionID == uuid.Nil {
		h.sessionID = uuid.New()
	}

	return &Result{
		MasterKey:  masterKey,
		SessionID:  h.sessionID,
		PeerNodeID: h.peerNodeID,
	}, nil
}

// zeroize overwrites b in place; Go provides no compiler-enforced
// zeroization guarantee, but this removes the value from the backing
// array as soon as the handshake no longer needs it.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
