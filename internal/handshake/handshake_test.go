package handshake

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zhtp/zhtp/internal/identity"
	"github.com/zhtp/zhtp/internal/noncecache"
	"github.com/zhtp/zhtp/internal/zcrypto"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

type party struct {
	id      *identity.Identity
	kemPub  []byte
	kemPriv []byte
	nonces  *noncecache.Cache
}

func newParty(t *testing.T, did, device string) party {
	t.Helper()
	id, err := identity.New(testLogger(), did, device)
	require.NoError(t, err)
	kemPub, kemPriv, err := zcrypto.GenerateKEMKey()
	require.NoError(t, err)
	nonces, err := noncecache.Open(testLogger(), "")
	require.NoError(t, err)
	return party{id: id, kemPub: kemPub, kemPriv: kemPriv, nonces: nonces}
}

// runHandshake drives a full Initiator/Responder exchange and returns
// both sides' results.
func runHandshake(t *testing.T, alice, bob party) (*Result, *Result) {
	t.Helper()

	init, err := New(testLogger(), RoleInitiator, alice.id, alice.kemPub, alice.kemPriv, alice.nonces, []string{"zhtp-uhp/1"})
	require.NoError(t, err)
	resp, err := New(testLogger(), RoleResponder, bob.id, bob.kemPub, bob.kemPriv, bob.nonces, []string{"zhtp-uhp/1"})
	require.NoError(t, err)

	helloI, err := init.InitiatorHello()
	require.NoError(t, err)

	helloR, err := resp.ResponderReceiveHello(helloI)
	require.NoError(t, err)

	require.NoError(t, init.InitiatorReceiveHelloR(helloR))
	require.NoError(t, init.VerifyPeerNodeID(bob.id.DID(), bob.id.DeviceName()))

	authI, err := init.InitiatorAuthI()
	require.NoError(t, err)

	require.NoError(t, resp.ResponderReceiveAuthI(authI))
	require.NoError(t, resp.VerifyPeerNodeID(alice.id.DID(), alice.id.DeviceName()))

	authR, respResult, err := resp.ResponderAuthR()
	require.NoError(t, err)

	initResult, err := init.InitiatorFinish(authR)
	require.NoError(t, err)

	return initResult, respResult
}

func TestHandshakeRoundTripDerivesMatchingMasterKeys(t *testing.T) {
	alice := newParty(t, "did:zhtp:alice", "laptop")
	bob := newParty(t, "did:zhtp:bob", "phone")

	initResult, respResult := runHandshake(t, alice, bob)

	require.Equal(t, initResult.MasterKey, respResult.MasterKey)
	require.Len(t, initResult.MasterKey, zcrypto.AEADKeySize)
	require.Equal(t, bob.id.NodeID(), initResult.PeerNodeID)
	require.Equal(t, alice.id.NodeID(), respResult.PeerNodeID)
}

func TestHandshakeReplayedNonceRejected(t *testing.T) {
	alice := newParty(t, "did:zhtp:alice", "laptop")
	bob := newParty(t, "did:zhtp:bob", "phone")

	_, _ = runHandshake(t, alice, bob)

	sizeBefore := bob.nonces.Len()

	// A second handshake attempt that replays alice's exact nonce should
	// be rejected once bob verifies its AuthI signature.
	init, err := New(testLogger(), RoleInitiator, alice.id, alice.kemPub, alice.kemPriv, alice.nonces, nil)
	require.NoError(t, err)
	resp, err := New(testLogger(), RoleResponder, bob.id, bob.kemPub, bob.kemPriv, bob.nonces, nil)
	require.NoError(t, err)

	// Force the replayed nonce onto the new initiator handshake.
	init.localNonce = [24]byte{}
	copy(init.localNonce[:], []byte("replayed-nonce-value!!!!"))

	// Prime bob's cache as if it had already seen this nonce from the
	// earlier, unrelated connection.
	require.NoError(t, bob.nonces.Insert(init.localNonce[:]))

	helloI, err := init.InitiatorHello()
	require.NoError(t, err)
	helloR, err := resp.ResponderReceiveHello(helloI)
	require.NoError(t, err)
	require.NoError(t, init.InitiatorReceiveHelloR(helloR))

	authI, err := init.InitiatorAuthI()
	require.NoError(t, err)

	err = resp.ResponderReceiveAuthI(authI)
	require.ErrorIs(t, err, ErrReplayedNonce)
	require.Equal(t, sizeBefore+1, bob.nonces.Len())
}

func TestHandshakeNodeIdMismatchRejected(t *testing.T) {
	alice := newParty(t, "did:zhtp:alice", "laptop")
	bob := newParty(t, "did:zhtp:bob", "phone")

	init, err := New(testLogger(), RoleInitiator, alice.id, alice.kemPub, alice.kemPriv, alice.nonces, nil)
	require.NoError(t, err)
	resp, err := New(testLogger(), RoleResponder, bob.id, bob.kemPub, bob.kemPriv, bob.nonces, nil)
	require.NoError(t, err)

	helloI, err := init.InitiatorHello()
	require.NoError(t, err)
	helloR, err := resp.ResponderReceiveHello(helloI)
	require.NoError(t, err)
	require.NoError(t, init.InitiatorReceiveHelloR(helloR))

	err = init.VerifyPeerNodeID("did:zhtp:mallory", "laptop")
	require.ErrorIs(t, err, ErrNodeIdMismatch)
}

func TestConsumePeerHelloStaleTimestampBoundary(t *testing.T) {
	alice := newParty(t, "did:zhtp:alice", "laptop")
	bob := newParty(t, "did:zhtp:bob", "phone")

	resp, err := New(testLogger(), RoleResponder, bob.id, bob.kemPub, bob.kemPriv, bob.nonces, nil)
	require.NoError(t, err)

	bundle := identityPublicBundle{sigPub: alice.id.PublicKey(), kemPub: alice.kemPub}
	nodeID := alice.id.NodeID()

	okMsg := helloMsg{
		nodeID:    nodeID[:],
		pub:       bundle.marshal(),
		timestamp: uint64(time.Now().Add(300 * time.Second).Unix()),
	}
	okBytes, err := okMsg.marshal()
	require.NoError(t, err)
	require.NoError(t, resp.consumePeerHello(okBytes))

	staleMsg := okMsg
	staleMsg.timestamp = uint64(time.Now().Add(301 * time.Second).Unix())
	staleBytes, err := staleMsg.marshal()
	require.NoError(t, err)
	err = resp.consumePeerHello(staleBytes)
	require.ErrorIs(t, err, ErrStaleTimestamp)
}

func TestAuthIRejectsTamperedTranscript(t *testing.T) {
	alice := newParty(t, "did:zhtp:alice", "laptop")
	bob := newParty(t, "did:zhtp:bob", "phone")

	init, err := New(testLogger(), RoleInitiator, alice.id, alice.kemPub, alice.kemPriv, alice.nonces, nil)
	require.NoError(t, err)
	resp, err := New(testLogger(), RoleResponder, bob.id, bob.kemPub, bob.kemPriv, bob.nonces, nil)
	require.NoError(t, err)

	helloI, err := init.InitiatorHello()
	require.NoError(t, err)
	helloR, err := resp.ResponderReceiveHello(helloI)
	require.NoError(t, err)
	require.NoError(t, init.InitiatorReceiveHelloR(helloR))

	authI, err := init.InitiatorAuthI()
	require.NoError(t, err)

	// A man-in-the-middle flips a transcript byte before bob verifies.
	resp.transcript[0] ^= 0xFF

	err = resp.ResponderReceiveAuthI(authI)
	require.ErrorIs(t, err, ErrSigFail)
}
