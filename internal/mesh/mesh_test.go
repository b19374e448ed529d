package mesh

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zhtp/zhtp/internal/identity"
	"github.com/zhtp/zhtp/internal/registry"
	"github.com/zhtp/zhtp/internal/routing"
	"github.com/zhtp/zhtp/internal/zhtpevents"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func peerID(did, device string) registry.UnifiedPeerId {
	return registry.FromNodeID(identity.NewNodeId(did, device))
}

var errSendFailed = errors.New("send failed")

// fakeHandler is a minimal LinkHandler; fail forces every Send call to
// error so retry/failure paths can be exercised.
type fakeHandler struct {
	quantumSecure bool
	fail          bool
	sent          [][]byte
}

func (f *fakeHandler) Send(ctx context.Context, ep registry.Endpoint, peerID registry.UnifiedPeerId, messageKind string, payload []byte) error {
	if f.fail {
		return errSendFailed
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeHandler) QuantumSecure() bool { return f.quantumSecure }

func addPeer(t *testing.T, reg *registry.Registry, id registry.UnifiedPeerId, protocol registry.LinkProtocol, latency float64) {
	t.Helper()
	require.NoError(t, reg.Add(&registry.PeerEntry{
		ID: id,
		Endpoints: []registry.Endpoint{
			{Protocol: protocol, Address: "10.0.0.1:9000", MTU: 1500},
		},
		Metrics:       registry.Metrics{LatencyMs: latency, BandwidthBps: 1_000_000, Stability: 0.9},
		Authenticated: true,
		QuantumSecure: true,
	}))
}

func newTestRouter(t *testing.T) (router *Router, self, dest registry.UnifiedPeerId, reg *registry.Registry) {
	t.Helper()
	log := testLogger()
	reg = registry.New(log)
	routes := routing.New(log, reg)
	transport := routing.NewTransportManager(log)

	self = peerID("did:zhtp:self", "laptop")
	dest = peerID("did:zhtp:dest", "phone")

	addPeer(t, reg, dest, registry.QUIC, 10)
	routes.ApplyPeerConnection(self, dest)

	router = New(log, self, reg, routes, transport, zhtpevents.New(log))
	return router, self, dest, reg
}

func TestRouteMessageDeliversDirectly(t *testing.T) {
	router, _, dest, _ := newTestRouter(t)

	handler := &fakeHandler{quantumSecure: true}
	router.transport.RegisterHandler(registry.QUIC, handler)

	msgID, err := router.RouteMessage(context.Background(), dest, "ping", []byte("hello"))
	require.NoError(t, err)
	require.NotZero(t, msgID)

	rec, ok := router.Delivery(msgID)
	require.True(t, ok)
	require.Equal(t, Delivered, rec.State)
	require.Len(t, handler.sent, 1)
}

func TestRouteMessageFailsAfterMaxAttemptsAndInvalidatesRoute(t *testing.T) {
	router, self, dest, _ := newTestRouter(t)

	handler := &fakeHandler{quantumSecure: true, fail: true}
	router.transport.RegisterHandler(registry.QUIC, handler)

	// Prime the cache so we can observe it being invalidated after failure.
	_, err := router.routes.FindOptimalRoute(self, dest)
	require.NoError(t, err)
	_, cached := router.routes.GetCachedRoute(dest)
	require.True(t, cached)

	msgID, err := router.RouteMessage(context.Background(), dest, "ping", []byte("hello"))
	require.Error(t, err)

	rec, ok := router.Delivery(msgID)
	require.True(t, ok)
	require.Equal(t, Failed, rec.State)
	require.Equal(t, MaxAttempts, rec.Attempts)

	_, cached = router.routes.GetCachedRoute(dest)
	require.False(t, cached)
}

func TestRouteMessageNoRouteFailsImmediately(t *testing.T) {
	log := testLogger()
	reg := registry.New(log)
	routes := routing.New(log, reg)
	transport := routing.NewTransportManager(log)
	self := peerID("did:zhtp:self", "laptop")
	unreachable := peerID("did:zhtp:nowhere", "phone")

	router := New(log, self, reg, routes, transport, zhtpevents.New(log))

	msgID, err := router.RouteMessage(context.Background(), unreachable, "ping", []byte("hi"))
	require.Error(t, err)
	require.ErrorIs(t, err, routing.ErrNoRoute)

	rec, ok := router.Delivery(msgID)
	require.True(t, ok)
	require.Equal(t, Failed, rec.State)
}

func TestFindNextHopForDestinationPrefersDirectConnection(t *testing.T) {
	router, _, dest, _ := newTestRouter(t)

	hop, err := router.FindNextHopForDestination(dest)
	require.NoError(t, err)
	require.Equal(t, dest, hop.PeerID)
}

func TestRoutingActivityEmittedOnSuccessfulDelivery(t *testing.T) {
	router, _, dest, _ := newTestRouter(t)

	handler := &fakeHandler{quantumSecure: true}
	router.transport.RegisterHandler(registry.QUIC, handler)

	var activity zhtpevents.RoutingActivity
	var gotEvent bool
	router.bus.OnRoutingActivity(func(a zhtpevents.RoutingActivity) {
		activity = a
		gotEvent = true
	})

	_, err := router.RouteMessage(context.Background(), dest, "ping", []byte("hello!!"))
	require.NoError(t, err)

	require.True(t, gotEvent)
	require.Equal(t, 7, activity.ByteCount)
	require.Equal(t, 1, activity.HopCount)
}
