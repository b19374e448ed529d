// Package mesh orchestrates multi-hop message delivery: it asks the
// route engine for a path, dispatches it hop by hop through the
// transport manager, and tracks delivery state so forwarding failures
// are retried a bounded number of times before the message is dropped.
package mesh

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/registry"
	"github.com/zhtp/zhtp/internal/routing"
	"github.com/zhtp/zhtp/internal/zhtpevents"
)

// DeliveryState is the lifecycle of one routed message.
type DeliveryState int

const (
	Planning DeliveryState = iota
	Routing
	Delivered
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Planning:
		return "planning"
	case Routing:
		return "routing"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MaxAttempts is the retry budget named in §4.9: after three failed
// attempts the message is dropped and its cached route invalidated.
const MaxAttempts = 3

// DefaultTrackingCapacity bounds the delivery-tracking map; beyond this,
// the oldest Delivered entries are evicted first (§5 "Backpressure").
const DefaultTrackingCapacity = 10_000

// DeliveryRecord is the router's live view of one message's progress.
type DeliveryRecord struct {
	ID         uint64
	Dest       registry.UnifiedPeerId
	State      DeliveryState
	Route      []routing.Hop
	CurrentHop int
	Attempts   int
	StartedAt  time.Time
}

type trackingEntry struct {
	id     uint64
	record *DeliveryRecord
}

// Router orchestrates message routing for one local node.
type Router struct {
	log *logrus.Logger

	self      registry.UnifiedPeerId
	reg       *registry.Registry
	routes    *routing.RouteEngine
	transport *routing.TransportManager
	bus       *zhtpevents.Bus

	capacity int

	mu         sync.Mutex
	deliveries map[uint64]*DeliveryRecord
	order      *list.List // oldest-first, for Delivered eviction
	orderByID  map[uint64]*list.Element
}

// New creates a Router for self, wired to the given registry, route
// engine, transport manager, and event bus.
func New(log *logrus.Logger, self registry.UnifiedPeerId, reg *registry.Registry, routes *routing.RouteEngine, transport *routing.TransportManager, bus *zhtpevents.Bus) *Router {
	if log == nil {
		log = logrus.New()
	}
	return &Router{
		log:        log,
		self:       self,
		reg:        reg,
		routes:     routes,
		transport:  transport,
		bus:        bus,
		capacity:   DefaultTrackingCapacity,
		deliveries: make(map[uint64]*DeliveryRecord),
		order:      list.New(),
		orderByID:  make(map[uint64]*list.Element),
	}
}

func newMessageID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// RouteMessage implements §4.9's route_message: generate a message id,
// track delivery state, compute a route, and forward hop by hop,
// retrying up to MaxAttempts times before dropping the message and
// invalidating its cached route.
func (r *Router) RouteMessage(ctx context.Context, dest registry.UnifiedPeerId, messageKind string, payload []byte) (uint64, error) {
	messageID, err := newMessageID()
	if err != nil {
		return 0, fmt.Errorf("mesh: generate message id: %w", err)
	}

	record := &DeliveryRecord{
		ID:        messageID,
		Dest:      dest,
		State:     Planning,
		StartedAt: time.Now(),
	}
	r.track(record)

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		record.Attempts = attempt + 1

		hops, err := r.routes.FindOptimalRoute(r.self, dest)
		if err != nil {
			r.setState(record, Failed)
			return messageID, fmt.Errorf("mesh: route message %d: %w", messageID, err)
		}
		r.setState(record, Routing)
		record.Route = hops

		if err := r.forwardHops(ctx, record, messageKind, payload); err != nil {
			r.log.WithError(err).WithField("message_id", messageID).Warn("mesh: hop forwarding failed, retrying")
			r.routes.InvalidateRoute(dest)
			continue
		}

		r.setState(record, Delivered)
		r.emitRoutingActivity(record, len(payload))
		return messageID, nil
	}

	r.setState(record, Failed)
	r.routes.InvalidateRoute(dest)
	return messageID, fmt.Errorf("mesh: message %d dropped after %d attempts", messageID, MaxAttempts)
}

// forwardHops dispatches payload through each hop of record.Route in
// order. The per-hop pause simulates propagation latency exactly as the
// source's `sleep(hop.latency_ms)` does; a real link-layer handler
// replaces the simulated delay with an actual await internally (the
// handler's Send is what's real here — the sleep only adds the
// additional latency a real link would impose beyond Send returning).
func (r *Router) forwardHops(ctx context.Context, record *DeliveryRecord, messageKind string, payload []byte) error {
	wasQuantumSecure := true
	for i, hop := range record.Route {
		record.CurrentHop = i

		entry, err := r.reg.Get(hop.PeerID)
		if err != nil || !entry.Eligible() {
			return fmt.Errorf("hop %d (%s) ineligible: %w", i, hop.PeerID, err)
		}

		if err := r.transport.Dispatch(ctx, hop.Endpoint, hop.PeerID, messageKind, payload, wasQuantumSecure); err != nil {
			return fmt.Errorf("hop %d (%s): %w", i, hop.PeerID, err)
		}

		if hop.LatencyMs > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(hop.LatencyMs) * time.Millisecond):
			}
		}
	}
	return nil
}

// FindNextHopForDestination is the forwarding primitive intermediate
// nodes use (§4.9): direct connection first, then a cached first hop,
// then a freshly computed (and cached) route.
func (r *Router) FindNextHopForDestination(dest registry.UnifiedPeerId) (routing.Hop, error) {
	if entry, err := r.reg.Get(dest); err == nil && entry.Eligible() && len(entry.Endpoints) > 0 {
		return routing.Hop{PeerID: dest, Endpoint: entry.Endpoints[0], LatencyMs: entry.Metrics.LatencyMs}, nil
	}
	if hops, ok := r.routes.GetCachedRoute(dest); ok && len(hops) > 0 {
		return hops[0], nil
	}
	hops, err := r.routes.FindOptimalRoute(r.self, dest)
	if err != nil {
		return routing.Hop{}, fmt.Errorf("mesh: find next hop: %w", err)
	}
	return hops[0], nil
}

func (r *Router) emitRoutingActivity(record *DeliveryRecord, byteCount int) {
	if r.bus == nil {
		return
	}
	var totalLatency float64
	var primary registry.LinkProtocol
	for i, h := range record.Route {
		totalLatency += h.LatencyMs
		if i == 0 {
			primary = h.Endpoint.Protocol
		}
	}
	avg := 0.0
	if len(record.Route) > 0 {
		avg = totalLatency / float64(len(record.Route))
	}
	r.bus.EmitRoutingActivity(zhtpevents.RoutingActivity{
		MessageID:       record.ID,
		Router:          r.self,
		Destination:     record.Dest,
		ByteCount:       byteCount,
		HopCount:        len(record.Route),
		PrimaryProtocol: primary,
		AverageLatency:  avg,
		At:              time.Now(),
	})
}

func (r *Router) track(record *DeliveryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries[record.ID] = record
	el := r.order.PushBack(&trackingEntry{id: record.ID, record: record})
	r.orderByID[record.ID] = el
	r.evictOldestDeliveredLocked()
}

func (r *Router) setState(record *DeliveryRecord, state DeliveryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record.State = state
}

// evictOldestDeliveredLocked enforces the tracking-map backpressure rule
// (§5): once full, evict the oldest Delivered entries first.
func (r *Router) evictOldestDeliveredLocked() {
	for len(r.deliveries) > r.capacity {
		evicted := false
		for el := r.order.Front(); el != nil; el = el.Next() {
			te := el.Value.(*trackingEntry)
			if te.record.State == Delivered {
				r.order.Remove(el)
				delete(r.orderByID, te.id)
				delete(r.deliveries, te.id)
				evicted = true
				break
			}
		}
		if !evicted {
			break // nothing Delivered yet to evict; let the map grow momentarily
		}
	}
}

// Delivery returns the tracked state of messageID, if present.
func (r *Router) Delivery(messageID uint64) (*DeliveryRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.deliveries[messageID]
	return rec, ok
}
