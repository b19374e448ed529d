// Package registry is the single source of truth for peers: a
// concurrent map keyed by a unified peer identifier, with two secondary
// indexes kept coherent under every mutation so that NodeId/PublicKey
// lookups are O(1) rather than a timing-leaking linear scan.
package registry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/identity"
)

// LinkProtocol tags the physical/logical transport an Endpoint speaks.
type LinkProtocol string

const (
	BluetoothLE LinkProtocol = "bluetooth_le"
	WiFiDirect  LinkProtocol = "wifi_direct"
	TCP         LinkProtocol = "tcp"
	QUIC        LinkProtocol = "quic"
	LoRaWAN     LinkProtocol = "lorawan"
	Satellite   LinkProtocol = "satellite"
)

// Endpoint is one way to reach a peer.
type Endpoint struct {
	Protocol LinkProtocol
	Address  string // "<ip>:<port>" for IP transports, protocol-specific otherwise
	MTU      int
	Params   map[string]string
}

// Metrics tracks the rolling connection quality the route engine scores
// peers by.
type Metrics struct {
	LatencyMs    float64
	BandwidthBps float64
	Stability    float64 // 0..1
	Signal       float64
	LastSeen     time.Time
}

// PeerIDKind distinguishes the unified identifier's two variants.
type PeerIDKind int

const (
	KindNode PeerIDKind = iota
	KindLegacyPublicKey
)

// LegacyPublicKeySize is the compressed secp256k1 public key length used
// by the pre-PQ bootstrap-mode identity path (§9 "Legacy fields").
const LegacyPublicKeySize = 33

// UnifiedPeerId either wraps a NodeId (the normal, post-quantum path) or
// a legacy compressed secp256k1 public key (bootstrap-mode peers). It is
// a plain comparable value so it can be used directly as a map key.
type UnifiedPeerId struct {
	Kind         PeerIDKind
	Node         identity.NodeId
	LegacyPubKey [LegacyPublicKeySize]byte
}

// FromNodeID builds a UnifiedPeerId from the normal post-quantum path.
func FromNodeID(n identity.NodeId) UnifiedPeerId {
	return UnifiedPeerId{Kind: KindNode, Node: n}
}

// FromLegacyPublicKey builds a UnifiedPeerId from a legacy compressed
// secp256k1 public key.
func FromLegacyPublicKey(pub [LegacyPublicKeySize]byte) UnifiedPeerId {
	return UnifiedPeerId{Kind: KindLegacyPublicKey, LegacyPubKey: pub}
}

// String renders the identifier for logs.
func (id UnifiedPeerId) String() string {
	switch id.Kind {
	case KindNode:
		return "node:" + id.Node.String()
	case KindLegacyPublicKey:
		return "legacy:" + hex.EncodeToString(id.LegacyPubKey[:])
	default:
		return "unknown"
	}
}

// PeerEntry is everything the registry knows about one peer.
type PeerEntry struct {
	ID UnifiedPeerId

	Endpoints []Endpoint
	Metrics   Metrics

	TrustScore    float64
	Authenticated bool
	QuantumSecure bool

	DataTransferred uint64
	TokensEarned    uint64

	// PublicKey is the peer's PQ signing public key, present whenever the
	// peer has completed a post-quantum handshake (regardless of which
	// UnifiedPeerId variant identifies it).
	PublicKey []byte
}

// Eligible reports whether this peer may be used as a route hop: both
// authenticated and quantum-secure must hold (§3 PeerEntry invariant).
func (p *PeerEntry) Eligible() bool {
	return p.Authenticated && p.QuantumSecure
}

var (
	ErrPeerExists   = errors.New("registry: peer already present")
	ErrPeerNotFound = errors.New("registry: peer not found")
)

// Registry is the concurrent peer store. Mutations are serialized by a
// single write lock; reads take the read lock, so concurrent lookups
// never observe a secondary index pointing at a removed primary entry
// (§5 "Registry" ordering guarantee).
type Registry struct {
	log *logrus.Logger

	mu          sync.RWMutex
	peers       map[UnifiedPeerId]*PeerEntry
	byNodeID    map[identity.NodeId]UnifiedPeerId
	byPublicKey map[string]UnifiedPeerId
}

// New creates an empty registry.
func New(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		log:         log,
		peers:       make(map[UnifiedPeerId]*PeerEntry),
		byNodeID:    make(map[identity.NodeId]UnifiedPeerId),
		byPublicKey: make(map[string]UnifiedPeerId),
	}
}

// Add inserts a new peer, failing if the id is already present.
func (r *Registry) Add(entry *PeerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[entry.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPeerExists, entry.ID)
	}
	r.peers[entry.ID] = entry
	if entry.ID.Kind == KindNode {
		r.byNodeID[entry.ID.Node] = entry.ID
	}
	if len(entry.PublicKey) > 0 {
		r.byPublicKey[hex.EncodeToString(entry.PublicKey)] = entry.ID
	}
	r.log.WithField("peer", entry.ID.String()).Debug("registry: peer added")
	return nil
}

// Remove deletes a peer and both of its secondary index entries.
func (r *Registry) Remove(id UnifiedPeerId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.peers[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	delete(r.peers, id)
	if id.Kind == KindNode {
		delete(r.byNodeID, id.Node)
	}
	if len(entry.PublicKey) > 0 {
		delete(r.byPublicKey, hex.EncodeToString(entry.PublicKey))
	}
	r.log.WithField("peer", id.String()).Debug("registry: peer removed")
	return nil
}

// UpdateMetrics applies fn to the peer's metrics under the write lock.
func (r *Registry) UpdateMetrics(id UnifiedPeerId, fn func(*Metrics)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.peers[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	fn(&entry.Metrics)
	return nil
}

// Get returns the peer entry for id, or ErrPeerNotFound.
func (r *Registry) Get(id UnifiedPeerId) (*PeerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.peers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return entry, nil
}

// FindByNodeID is an O(1) lookup via the NodeId secondary index.
func (r *Registry) FindByNodeID(n identity.NodeId) (*PeerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byNodeID[n]
	if !exists {
		return nil, fmt.Errorf("%w: node_id=%s", ErrPeerNotFound, n)
	}
	return r.peers[id], nil
}

// FindByPublicKey is an O(1) lookup via the PublicKey secondary index.
func (r *Registry) FindByPublicKey(pub []byte) (*PeerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byPublicKey[hex.EncodeToString(pub)]
	if !exists {
		return nil, fmt.Errorf("%w: public_key", ErrPeerNotFound)
	}
	return r.peers[id], nil
}

// AllPeers returns a snapshot slice of every peer currently registered.
func (r *Registry) AllPeers() []*PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PeerEntry, 0, len(r.peers))
	for _, entry := range r.peers {
		out = append(out, entry)
	}
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
