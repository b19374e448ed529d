// Package routing implements the route engine (C7: cache-backed Dijkstra
// pathfinding over the mesh topology) and the transport manager (C8:
// per-protocol dispatch with no-downgrade enforcement).
package routing

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/registry"
)

const (
	// RouteCacheCapacity and RouteValidityDuration are the bounded-cache
	// parameters named in §3 (CachedRoute).
	RouteCacheCapacity   = 1024
	RouteValidityDuration = 300 * time.Second
)

var (
	ErrNoRoute             = errors.New("routing: no route to destination")
	ErrInsecureDirectRoute = errors.New("routing: direct peer is not authenticated and quantum-secure")
)

// Hop is one step of a route: which peer to forward to, over which of
// its endpoints.
type Hop struct {
	PeerID   registry.UnifiedPeerId
	Endpoint registry.Endpoint
	LatencyMs float64
}

type cacheEntry struct {
	dest         registry.UnifiedPeerId
	hops         []Hop
	qualityScore float64
	cachedAt     time.Time
	maxMTU       int
}

// RouteEngine finds and caches routes over a registry of known peers and
// a topology adjacency map built from PeerConnection/PeerDisconnection
// events.
type RouteEngine struct {
	log *logrus.Logger
	reg *registry.Registry

	topoMu    sync.RWMutex
	adjacency map[registry.UnifiedPeerId]map[registry.UnifiedPeerId]struct{}

	cacheMu    sync.Mutex
	cacheIndex map[registry.UnifiedPeerId]*list.Element
	cacheOrder *list.List // oldest cachedAt first
}

// New creates a RouteEngine backed by reg.
func New(log *logrus.Logger, reg *registry.Registry) *RouteEngine {
	if log == nil {
		log = logrus.New()
	}
	return &RouteEngine{
		log:        log,
		reg:        reg,
		adjacency:  make(map[registry.UnifiedPeerId]map[registry.UnifiedPeerId]struct{}),
		cacheIndex: make(map[registry.UnifiedPeerId]*list.Element),
		cacheOrder: list.New(),
	}
}

// ApplyPeerConnection mutates the undirected adjacency in both
// directions (§4.7 "Topology updates").
func (re *RouteEngine) ApplyPeerConnection(a, b registry.UnifiedPeerId) {
	re.topoMu.Lock()
	defer re.topoMu.Unlock()
	re.linkLocked(a, b)
	re.linkLocked(b, a)
}

func (re *RouteEngine) linkLocked(from, to registry.UnifiedPeerId) {
	if re.adjacency[from] == nil {
		re.adjacency[from] = make(map[registry.UnifiedPeerId]struct{})
	}
	re.adjacency[from][to] = struct{}{}
}

// ApplyPeerDisconnection removes the undirected edge in both directions.
func (re *RouteEngine) ApplyPeerDisconnection(a, b registry.UnifiedPeerId) {
	re.topoMu.Lock()
	defer re.topoMu.Unlock()
	delete(re.adjacency[a], b)
	delete(re.adjacency[b], a)
}

// FindOptimalRoute implements §4.7's ordered route-finding strategy:
// cache hit, then direct connection, then Dijkstra, then long-range
// relay, then satellite relay.
func (re *RouteEngine) FindOptimalRoute(self, dest registry.UnifiedPeerId) ([]Hop, error) {
	if hops, ok := re.GetCachedRoute(dest); ok {
		return hops, nil
	}

	if hops, err := re.directRoute(dest); err == nil {
		re.cacheAndReturn(dest, hops)
		return hops, nil
	} else if errors.Is(err, ErrInsecureDirectRoute) {
		return nil, err
	}

	if hops, err := re.dijkstraRoute(self, dest); err == nil {
		re.cacheAndReturn(dest, hops)
		return hops, nil
	}

	if hops, err := re.LongRangeRelayRoute(dest); err == nil {
		re.cacheAndReturn(dest, hops)
		return hops, nil
	}

	if hops, err := re.SatelliteRelayRoute(dest); err == nil {
		re.cacheAndReturn(dest, hops)
		return hops, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNoRoute, dest)
}

func (re *RouteEngine) cacheAndReturn(dest registry.UnifiedPeerId, hops []Hop) {
	score := QualityScore(sumLatency(hops), len(hops))
	re.CacheRoute(dest, hops, score)
}

func sumLatency(hops []Hop) float64 {
	var total float64
	for _, h := range hops {
		total += h.LatencyMs
	}
	return total
}

// QualityScore computes `1000 / ((Σlatency+1)(hops+1))` clamped to
// [0, 1].
func QualityScore(totalLatencyMs float64, hops int) float64 {
	score := 1000.0 / ((totalLatencyMs + 1) * (float64(hops) + 1))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// directRoute returns a one-hop route if dest is a registered,
// authenticated, quantum-secure peer. An insecure direct peer is an
// explicit error, never a silent fallback (§4.7 step 2).
func (re *RouteEngine) directRoute(dest registry.UnifiedPeerId) ([]Hop, error) {
	entry, err := re.reg.Get(dest)
	if err != nil {
		return nil, fmt.Errorf("routing: no direct connection: %w", err)
	}
	if !entry.Eligible() {
		return nil, ErrInsecureDirectRoute
	}
	if len(entry.Endpoints) == 0 {
		return nil, fmt.Errorf("routing: direct peer has no endpoint")
	}
	ep := entry.Endpoints[0]
	return []Hop{{PeerID: dest, Endpoint: ep, LatencyMs: entry.Metrics.LatencyMs}}, nil
}

// edgeWeight is `latency_ms/1000 + (1 − stability) + 1e6/bandwidth_bps`
// using the neighbor's registry metrics, per §4.7 step 3.
func (re *RouteEngine) edgeWeight(peer registry.UnifiedPeerId) float64 {
	entry, err := re.reg.Get(peer)
	if err != nil {
		return 1e9 // unknown peer: heavily penalized, never selected if any known path exists
	}
	bandwidth := entry.Metrics.BandwidthBps
	if bandwidth <= 0 {
		bandwidth = 1 // avoid division by zero; treated as worst-case bandwidth
	}
	return entry.Metrics.LatencyMs/1000 + (1 - entry.Metrics.Stability) + 1e6/bandwidth
}

// dijkstraRoute runs Dijkstra's algorithm over the topology adjacency
// map from self to dest, reconstructing the path by walking the
// `previous` map back from dest (§4.7 step 3).
func (re *RouteEngine) dijkstraRoute(self, dest registry.UnifiedPeerId) ([]Hop, error) {
	re.topoMu.RLock()
	defer re.topoMu.RUnlock()

	dist := map[registry.UnifiedPeerId]float64{self: 0}
	previous := map[registry.UnifiedPeerId]registry.UnifiedPeerId{}
	visited := map[registry.UnifiedPeerId]bool{}

	for {
		current, ok := pickUnvisitedMin(dist, visited)
		if !ok {
			break
		}
		if current == dest {
			break
		}
		visited[current] = true

		for neighbor := range re.adjacency[current] {
			if visited[neighbor] {
				continue
			}
			candidate := dist[current] + re.edgeWeight(neighbor)
			if existing, seen := dist[neighbor]; !seen || candidate < existing {
				dist[neighbor] = candidate
				previous[neighbor] = current
			}
		}
	}

	if _, reached := dist[dest]; !reached || dest == self {
		return nil, fmt.Errorf("%w: unreachable via mesh", ErrNoRoute)
	}

	var path []registry.UnifiedPeerId
	for at := dest; at != self; {
		path = append([]registry.UnifiedPeerId{at}, path...)
		prev, ok := previous[at]
		if !ok {
			return nil, fmt.Errorf("%w: broken path reconstruction", ErrNoRoute)
		}
		at = prev
	}

	hops := make([]Hop, 0, len(path))
	for _, p := range path {
		entry, err := re.reg.Get(p)
		if err != nil || !entry.Eligible() || len(entry.Endpoints) == 0 {
			return nil, fmt.Errorf("%w: ineligible hop %s", ErrNoRoute, p)
		}
		hops = append(hops, Hop{PeerID: p, Endpoint: entry.Endpoints[0], LatencyMs: entry.Metrics.LatencyMs})
	}
	return hops, nil
}

func pickUnvisitedMin(dist map[registry.UnifiedPeerId]float64, visited map[registry.UnifiedPeerId]bool) (registry.UnifiedPeerId, bool) {
	var best registry.UnifiedPeerId
	bestDist := 0.0
	found := false
	for id, d := range dist {
		if visited[id] {
			continue
		}
		if !found || d < bestDist {
			best, bestDist, found = id, d, true
		}
	}
	return best, found
}

// relayScore reads coverage_km / throughput_mbps / cost out of an
// endpoint's protocol-specific params (the data model has no dedicated
// relay-metrics type, so these travel as Endpoint.Params) and computes
// `⅓(min(coverage/1000km,1) + min(throughput/100Mbps,1) + 1/(cost+1))`.
func relayScore(ep registry.Endpoint) float64 {
	coverage := paramFloat(ep.Params, "coverage_km")
	throughput := paramFloat(ep.Params, "throughput_mbps")
	cost := paramFloat(ep.Params, "cost")

	coverageTerm := min1(coverage / 1000)
	throughputTerm := min1(throughput / 100)
	costTerm := 1 / (cost + 1)
	return (coverageTerm + throughputTerm + costTerm) / 3
}

func paramFloat(params map[string]string, key string) float64 {
	if params == nil {
		return 0
	}
	v, err := strconv.ParseFloat(params[key], 64)
	if err != nil {
		return 0
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// LongRangeRelayRoute picks the LoRaWAN-tagged relay peer maximizing
// relayScore (§4.7 step 4).
func (re *RouteEngine) LongRangeRelayRoute(dest registry.UnifiedPeerId) ([]Hop, error) {
	return re.bestRelayRoute(registry.LoRaWAN)
}

// SatelliteRelayRoute picks the Satellite-tagged relay peer maximizing
// relayScore (§4.7 step 5).
func (re *RouteEngine) SatelliteRelayRoute(dest registry.UnifiedPeerId) ([]Hop, error) {
	return re.bestRelayRoute(registry.Satellite)
}

func (re *RouteEngine) bestRelayRoute(protocol registry.LinkProtocol) ([]Hop, error) {
	var bestHop Hop
	bestScore := -1.0
	found := false

	for _, entry := range re.reg.AllPeers() {
		if !entry.Eligible() {
			continue
		}
		for _, ep := range entry.Endpoints {
			if ep.Protocol != protocol {
				continue
			}
			score := relayScore(ep)
			if score > bestScore {
				bestScore = score
				bestHop = Hop{PeerID: entry.ID, Endpoint: ep, LatencyMs: entry.Metrics.LatencyMs}
				found = true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no %s relay registered", ErrNoRoute, protocol)
	}
	return []Hop{bestHop}, nil
}

// CacheRoute stores hops for dest, evicting the oldest entry if the
// cache is at capacity (§3 CachedRoute bounds).
func (re *RouteEngine) CacheRoute(dest registry.UnifiedPeerId, hops []Hop, qualityScore float64) {
	re.cacheMu.Lock()
	defer re.cacheMu.Unlock()

	if el, exists := re.cacheIndex[dest]; exists {
		re.cacheOrder.Remove(el)
		delete(re.cacheIndex, dest)
	}

	for re.cacheOrder.Len() >= RouteCacheCapacity {
		oldest := re.cacheOrder.Front()
		if oldest == nil {
			break
		}
		e := oldest.Value.(*cacheEntry)
		re.cacheOrder.Remove(oldest)
		delete(re.cacheIndex, e.dest)
	}

	entry := &cacheEntry{
		dest:         dest,
		hops:         hops,
		qualityScore: clamp01(qualityScore),
		cachedAt:     time.Now(),
		maxMTU:       minMTU(hops),
	}
	el := re.cacheOrder.PushBack(entry)
	re.cacheIndex[dest] = el
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minMTU(hops []Hop) int {
	if len(hops) == 0 {
		return 0
	}
	mtus := make([]int, 0, len(hops))
	for _, h := range hops {
		if h.Endpoint.MTU > 0 {
			mtus = append(mtus, h.Endpoint.MTU)
		}
	}
	if len(mtus) == 0 {
		return 0
	}
	sort.Ints(mtus)
	return mtus[0]
}

// GetCachedRoute returns the cached route for dest if present and still
// within its validity window.
func (re *RouteEngine) GetCachedRoute(dest registry.UnifiedPeerId) ([]Hop, bool) {
	re.cacheMu.Lock()
	defer re.cacheMu.Unlock()

	el, exists := re.cacheIndex[dest]
	if !exists {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.cachedAt) > RouteValidityDuration {
		return nil, false
	}
	return entry.hops, true
}

// InvalidateRoute removes any cached route to dest, used after a
// persistent forwarding failure so the next lookup recomputes from
// scratch instead of handing out a route that just failed.
func (re *RouteEngine) InvalidateRoute(dest registry.UnifiedPeerId) {
	re.cacheMu.Lock()
	defer re.cacheMu.Unlock()

	if el, exists := re.cacheIndex[dest]; exists {
		re.cacheOrder.Remove(el)
		delete(re.cacheIndex, dest)
	}
}

// CacheLen returns the number of cached routes.
func (re *RouteEngine) CacheLen() int {
	re.cacheMu.Lock()
	defer re.cacheMu.Unlock()
	return re.cacheOrder.Len()
}
