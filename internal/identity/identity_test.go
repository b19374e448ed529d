package identity

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestNewNodeIdIsDeterministic(t *testing.T) {
	a := NewNodeId("did:zhtp:alice", "laptop")
	b := NewNodeId("did:zhtp:alice", "laptop")
	require.Equal(t, a, b)

	c := NewNodeId("did:zhtp:alice", "phone")
	require.NotEqual(t, a, c)
}

func TestIdentitySignVerifyRoundTrip(t *testing.T) {
	id, err := New(testLogger(), "did:zhtp:alice", "laptop")
	require.NoError(t, err)
	require.True(t, id.CanSign())

	msg := []byte("hello")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.True(t, id.Verify(msg, sig))
}

func TestVerifyOnlyIdentityCannotSign(t *testing.T) {
	id, err := New(testLogger(), "did:zhtp:bob", "phone")
	require.NoError(t, err)

	peer := NewVerifyOnly(testLogger(), "did:zhtp:bob", "phone", id.PublicKey())
	require.False(t, peer.CanSign())

	_, err = peer.Sign([]byte("msg"))
	require.ErrorIs(t, err, ErrIdentityWithoutKey)
}

func TestRebindIsForbidden(t *testing.T) {
	id, err := New(testLogger(), "did:zhtp:alice", "laptop")
	require.NoError(t, err)

	err = id.Rebind("did:zhtp:alice", "desktop")
	require.ErrorIs(t, err, ErrRebindForbidden)
	require.Equal(t, NewNodeId("did:zhtp:alice", "laptop"), id.NodeID())
}

func TestAdjustReputationClampsAtCap(t *testing.T) {
	id, err := New(testLogger(), "did:zhtp:alice", "laptop")
	require.NoError(t, err)

	for i := 0; i < 2000; i++ {
		id.AdjustReputation(1, 1000)
	}
	require.EqualValues(t, 1000, id.Reputation())

	id.AdjustReputation(-5000, 1000)
	require.EqualValues(t, 0, id.Reputation())
}
