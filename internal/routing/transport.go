package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/registry"
)

var (
	// ErrNoHandler is returned when no handler is registered for a
	// protocol — never a silent drop, never a fallback (§4.8).
	ErrNoHandler = errors.New("routing: no handler registered for protocol")
	// ErrDowngrade is returned when a message first routed over a
	// quantum-secure link would be re-dispatched over a non-secure one.
	ErrDowngrade = errors.New("routing: refusing to downgrade a quantum-secure message to an insecure link")
)

// LinkHandler sends serialized bytes to a peer over one specific
// protocol. Implementations are registered per protocol tag at startup
// (§9 "Dynamic dispatch").
type LinkHandler interface {
	Send(ctx context.Context, ep registry.Endpoint, peerID registry.UnifiedPeerId, messageKind string, payload []byte) error
	QuantumSecure() bool
}

// TransportManager dispatches outbound, already-serialized payloads to
// the handler registered for their protocol and enforces the
// no-downgrade rule. Its mutex guards only the handler map; sends are
// not serialized against each other.
type TransportManager struct {
	log *logrus.Logger

	mu       sync.Mutex
	handlers map[registry.LinkProtocol]LinkHandler
}

// NewTransportManager creates an empty transport manager.
func NewTransportManager(log *logrus.Logger) *TransportManager {
	if log == nil {
		log = logrus.New()
	}
	return &TransportManager{
		log:      log,
		handlers: make(map[registry.LinkProtocol]LinkHandler),
	}
}

// RegisterHandler binds a LinkHandler to a protocol tag.
func (tm *TransportManager) RegisterHandler(protocol registry.LinkProtocol, h LinkHandler) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.handlers[protocol] = h
}

// Dispatch sends payload to peerID over ep's protocol. wasQuantumSecure
// records whether the message was originally routed over a
// quantum-secure link; Dispatch refuses to hand such a message to a
// non-secure handler.
func (tm *TransportManager) Dispatch(ctx context.Context, ep registry.Endpoint, peerID registry.UnifiedPeerId, messageKind string, payload []byte, wasQuantumSecure bool) error {
	tm.mu.Lock()
	handler, ok := tm.handlers[ep.Protocol]
	tm.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, ep.Protocol)
	}
	if wasQuantumSecure && !handler.QuantumSecure() {
		return fmt.Errorf("%w: %s", ErrDowngrade, ep.Protocol)
	}
	if err := handler.Send(ctx, ep, peerID, messageKind, payload); err != nil {
		return fmt.Errorf("routing: dispatch over %s: %w", ep.Protocol, err)
	}
	return nil
}
