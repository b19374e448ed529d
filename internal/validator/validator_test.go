package validator

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zhtp/zhtp/internal/identity"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func nodeID(did, device string) identity.NodeId {
	return identity.NewNodeId(did, device)
}

func TestRegisterValidatorRejectsLowStake(t *testing.T) {
	m := New(testLogger(), WithMinStake(100), WithMinStorage(10))
	_, err := m.RegisterValidator(nodeID("did:zhtp:v1", "n1"), 50, 100, []byte("key"), 10, false)
	require.ErrorIs(t, err, ErrStakeTooLow)
}

func TestRegisterValidatorRejectsLowStorage(t *testing.T) {
	m := New(testLogger(), WithMinStake(100), WithMinStorage(1000))
	_, err := m.RegisterValidator(nodeID("did:zhtp:v1", "n1"), 1000, 10, []byte("key"), 10, false)
	require.ErrorIs(t, err, ErrStorageTooLow)
}

func TestRegisterValidatorRejectsHighCommission(t *testing.T) {
	m := New(testLogger())
	_, err := m.RegisterValidator(nodeID("did:zhtp:v1", "n1"), 1000, 1000, []byte("key"), 150, true)
	require.ErrorIs(t, err, ErrCommissionTooHigh)
}

func TestRegisterValidatorGenesisBypassesMinimums(t *testing.T) {
	m := New(testLogger(), WithMinStake(1_000_000), WithMinStorage(1_000_000))
	v, err := m.RegisterValidator(nodeID("did:zhtp:genesis", "n1"), 1, 1, []byte("key"), 0, true)
	require.NoError(t, err)
	require.True(t, v.IsGenesis)
}

func TestRegisterValidatorRejectsDuplicate(t *testing.T) {
	m := New(testLogger())
	id := nodeID("did:zhtp:v1", "n1")
	_, err := m.RegisterValidator(id, 1000, 1000, []byte("key"), 0, true)
	require.NoError(t, err)

	_, err = m.RegisterValidator(id, 1000, 1000, []byte("key"), 0, true)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func registerN(t *testing.T, m *Manager, n int, stake uint64) []identity.NodeId {
	t.Helper()
	ids := make([]identity.NodeId, 0, n)
	for i := 0; i < n; i++ {
		id := nodeID("did:zhtp:v", string(rune('a'+i)))
		_, err := m.RegisterValidator(id, stake, stake, []byte("key"), 0, true)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSelectProposerIsDeterministicAcrossCalls(t *testing.T) {
	m := New(testLogger())
	registerN(t, m, 5, 1000)

	first, err := m.SelectProposer(10, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := m.SelectProposer(10, 0)
		require.NoError(t, err)
		require.Equal(t, first.NodeID, again.NodeID)
	}
}

func TestSelectProposerVariesByHeightAndRound(t *testing.T) {
	m := New(testLogger())
	registerN(t, m, 8, 1000)

	seen := make(map[identity.NodeId]bool)
	for h := uint64(0); h < 20; h++ {
		v, err := m.SelectProposer(h, 0)
		require.NoError(t, err)
		seen[v.NodeID] = true
	}
	require.Greater(t, len(seen), 1, "expected proposer selection to vary across heights")
}

func TestSelectProposerNoActiveValidatorsErrors(t *testing.T) {
	m := New(testLogger())
	_, err := m.SelectProposer(0, 0)
	require.ErrorIs(t, err, ErrNoActiveValidators)
}

func TestByzantineThresholdMatchesFormula(t *testing.T) {
	m := New(testLogger())
	registerN(t, m, 7, 1000) // n=7, f=floor(6/3)=2, threshold=5
	require.EqualValues(t, 5, m.ByzantineThreshold())
}

func TestHasSufficientValidators(t *testing.T) {
	m := New(testLogger())
	require.False(t, m.HasSufficientValidators())

	registerN(t, m, 4, 1000)
	require.True(t, m.HasSufficientValidators())
}

func TestAdjustReputationClampsAtMaxAndZero(t *testing.T) {
	m := New(testLogger())
	ids := registerN(t, m, 1, 1000)
	id := ids[0]

	require.NoError(t, m.AdjustReputation(id, MaxReputation+500))
	v, err := m.Get(id)
	require.NoError(t, err)
	require.EqualValues(t, MaxReputation, v.Reputation)

	require.NoError(t, m.AdjustReputation(id, -10_000))
	v, err = m.Get(id)
	require.NoError(t, err)
	require.EqualValues(t, 0, v.Reputation)
}

func TestSetActiveExcludesFromProposerSelectionAndCount(t *testing.T) {
	m := New(testLogger())
	ids := registerN(t, m, 4, 1000)
	require.Equal(t, 4, m.ActiveCount())

	require.NoError(t, m.SetActive(ids[0], false))
	require.Equal(t, 3, m.ActiveCount())
	require.False(t, m.HasSufficientValidators())
}
