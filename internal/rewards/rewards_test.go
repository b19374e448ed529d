package rewards

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zhtp/zhtp/internal/identity"
	"github.com/zhtp/zhtp/internal/registry"
	"github.com/zhtp/zhtp/internal/zhtpevents"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testIdentity(t *testing.T, device string) identity.NodeId {
	t.Helper()
	id, err := identity.New(testLogger(), "did:zhtp:rewards-test", device)
	require.NoError(t, err)
	return id.NodeID()
}

type fakeLedger struct {
	minted map[identity.NodeId]uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{minted: make(map[identity.NodeId]uint64)}
}

func (f *fakeLedger) Mint(recipient identity.NodeId, amount uint64) error {
	f.minted[recipient] += amount
	return nil
}

type fakeStakes struct {
	stakes map[identity.NodeId]uint64
}

func (f *fakeStakes) StakeOf(id identity.NodeId) (uint64, error) {
	s, ok := f.stakes[id]
	if !ok {
		return 0, errors.New("unknown validator")
	}
	return s, nil
}

type fakeTreasury struct {
	credited uint64
}

func (f *fakeTreasury) Credit(amount uint64) error {
	f.credited += amount
	return nil
}

func testConfig() Config {
	return Config{
		BaseReward:        10000,
		HalvingPeriod:     0,
		ValidatorShareBps: 3000,
		RoutingShareBps:   3000,
		UBIShareBps:       4000,
	}
}

func TestDistributeBlockRewardsSplitsByShareAndStakeWeight(t *testing.T) {
	proposer := testIdentity(t, "p")
	voter := testIdentity(t, "v")

	ledger := newFakeLedger()
	stakes := &fakeStakes{stakes: map[identity.NodeId]uint64{proposer: 300, voter: 700}}
	treasury := &fakeTreasury{}

	calc := New(testLogger(), ledger, stakes, treasury, testConfig(), nil)
	err := calc.DistributeBlockRewards(0, proposer, []identity.NodeId{voter})
	require.NoError(t, err)

	// validatorR = 3000 bps of 10000 = 3000, split 300:700.
	require.EqualValues(t, 900, ledger.minted[proposer])
	require.EqualValues(t, 2100, ledger.minted[voter])
	// ubiR = 4000 bps of 10000 = 4000, routingR with no activity rolls
	// into the treasury too: 3000 + 4000 = 7000.
	require.EqualValues(t, 7000, treasury.credited)
}

func TestDistributeBlockRewardsSplitsEvenlyWithoutStakeInfo(t *testing.T) {
	proposer := testIdentity(t, "p")
	voter := testIdentity(t, "v")

	ledger := newFakeLedger()
	treasury := &fakeTreasury{}
	calc := New(testLogger(), ledger, nil, treasury, testConfig(), nil)

	err := calc.DistributeBlockRewards(0, proposer, []identity.NodeId{voter})
	require.NoError(t, err)

	require.EqualValues(t, 1500, ledger.minted[proposer])
	require.EqualValues(t, 1500, ledger.minted[voter])
}

func TestRoutingActivityCreditsRouterProportionally(t *testing.T) {
	proposer := testIdentity(t, "p")
	router1 := testIdentity(t, "r1")
	router2 := testIdentity(t, "r2")

	ledger := newFakeLedger()
	treasury := &fakeTreasury{}
	bus := zhtpevents.New(testLogger())
	calc := New(testLogger(), ledger, nil, treasury, testConfig(), bus)

	bus.EmitRoutingActivity(zhtpevents.RoutingActivity{Router: registry.FromNodeID(router1), ByteCount: 300})
	bus.EmitRoutingActivity(zhtpevents.RoutingActivity{Router: registry.FromNodeID(router2), ByteCount: 700})

	err := calc.DistributeBlockRewards(0, proposer, nil)
	require.NoError(t, err)

	// routingR = 3000 bps of 10000 = 3000, split 300:700.
	require.EqualValues(t, 900, ledger.minted[router1])
	require.EqualValues(t, 2100, ledger.minted[router2])
}

func TestBaseRewardHalvesAtConfiguredPeriod(t *testing.T) {
	ledger := newFakeLedger()
	treasury := &fakeTreasury{}
	cfg := testConfig()
	cfg.HalvingPeriod = 100

	calc := New(testLogger(), ledger, nil, treasury, cfg, nil)
	require.EqualValues(t, 10000, calc.baseRewardAtHeight(0).Uint64())
	require.EqualValues(t, 5000, calc.baseRewardAtHeight(100).Uint64())
	require.EqualValues(t, 2500, calc.baseRewardAtHeight(200).Uint64())
}
