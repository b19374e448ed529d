// Package zhtpevents is the process-wide event bus that breaks the
// cyclic dependency between consensus, routing, and reward components
// (§9 "Cyclic references"): instead of back-pointers, the router emits
// RoutingActivity and the consensus engine emits BlockCommitted, each
// consumed by whichever subscribers care.
package zhtpevents

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/registry"
)

// RoutingActivity is emitted by the mesh router on successful delivery,
// consumed by the reward calculator to compute routing rewards.
type RoutingActivity struct {
	MessageID       uint64
	Router          registry.UnifiedPeerId
	Destination     registry.UnifiedPeerId
	ByteCount       int
	HopCount        int
	PrimaryProtocol registry.LinkProtocol
	AverageLatency  float64
	At              time.Time
}

// BlockCommitted is emitted by the consensus engine after a successful
// commit pipeline, for anything that reacts to chain height advancing.
// The reward calculator does not subscribe to it; the commit pipeline
// calls it directly.
type BlockCommitted struct {
	Height     uint64
	ProposalID [32]byte
	At         time.Time
}

// RoutingActivityHandler receives RoutingActivity events.
type RoutingActivityHandler func(RoutingActivity)

// BlockCommittedHandler receives BlockCommitted events.
type BlockCommittedHandler func(BlockCommitted)

// Bus is a minimal synchronous pub/sub bus. Handlers are invoked in
// registration order on the emitting goroutine — callers that need
// asynchrony should hand off inside their own handler.
type Bus struct {
	log *logrus.Logger

	mu              sync.RWMutex
	routingHandlers []RoutingActivityHandler
	blockHandlers   []BlockCommittedHandler
}

// New creates an empty event bus.
func New(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.New()
	}
	return &Bus{log: log}
}

// OnRoutingActivity registers a handler invoked on every emitted
// RoutingActivity.
func (b *Bus) OnRoutingActivity(h RoutingActivityHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routingHandlers = append(b.routingHandlers, h)
}

// OnBlockCommitted registers a handler invoked on every emitted
// BlockCommitted.
func (b *Bus) OnBlockCommitted(h BlockCommittedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockHandlers = append(b.blockHandlers, h)
}

// EmitRoutingActivity fans a out to every registered handler.
func (b *Bus) EmitRoutingActivity(a RoutingActivity) {
	b.mu.RLock()
	handlers := append([]RoutingActivityHandler{}, b.routingHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(a)
	}
}

// EmitBlockCommitted fans e out to every registered handler.
func (b *Bus) EmitBlockCommitted(e BlockCommitted) {
	b.mu.RLock()
	handlers := append([]BlockCommittedHandler{}, b.blockHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
