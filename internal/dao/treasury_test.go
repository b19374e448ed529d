package dao

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewTreasuryStartsFullyAvailable(t *testing.T) {
	tr := NewTreasury(1000)
	available, allocated, reserved, total := tr.Snapshot()
	require.EqualValues(t, 1000, available)
	require.EqualValues(t, 0, allocated)
	require.EqualValues(t, 0, reserved)
	require.EqualValues(t, 1000, total)
}

func TestAllocateMovesFundsFromAvailableToAllocated(t *testing.T) {
	tr := NewTreasury(1000)
	require.NoError(t, tr.Allocate(300))
	available, allocated, _, total := tr.Snapshot()
	require.EqualValues(t, 700, available)
	require.EqualValues(t, 300, allocated)
	require.EqualValues(t, 1000, total)
}

func TestAllocateRejectsAmountExceedingAvailable(t *testing.T) {
	tr := NewTreasury(100)
	err := tr.Allocate(200)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestReleaseReturnsFundsToAvailable(t *testing.T) {
	tr := NewTreasury(1000)
	require.NoError(t, tr.Allocate(400))
	require.NoError(t, tr.Release(400))
	available, allocated, _, total := tr.Snapshot()
	require.EqualValues(t, 1000, available)
	require.EqualValues(t, 0, allocated)
	require.EqualValues(t, 1000, total)
}

func TestDebitRequiresProposalReference(t *testing.T) {
	tr := NewTreasury(1000)
	require.NoError(t, tr.Allocate(400))
	err := tr.Debit(400, uuid.Nil)
	require.ErrorIs(t, err, ErrProposalNotPassed)
}

func TestDebitReducesAllocatedAndTotal(t *testing.T) {
	tr := NewTreasury(1000)
	require.NoError(t, tr.Allocate(400))
	require.NoError(t, tr.Debit(400, uuid.New()))

	available, allocated, _, total := tr.Snapshot()
	require.EqualValues(t, 600, available)
	require.EqualValues(t, 0, allocated)
	require.EqualValues(t, 600, total)
}

func TestDisburseRewardDebitsAvailableDirectly(t *testing.T) {
	tr := NewTreasury(1000)
	require.NoError(t, tr.DisburseReward(150, 42))

	available, allocated, _, total := tr.Snapshot()
	require.EqualValues(t, 850, available)
	require.EqualValues(t, 0, allocated)
	require.EqualValues(t, 850, total)
}

func TestDisburseRewardRejectsInsufficientFunds(t *testing.T) {
	tr := NewTreasury(100)
	err := tr.DisburseReward(200, 1)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestAmountAtCapIsRejectedEverywhere(t *testing.T) {
	tr := NewTreasury(math.MaxUint64)
	require.False(t, tr.CanAfford(math.MaxUint64))
	require.ErrorIs(t, tr.Allocate(math.MaxUint64), ErrAmountExceedsCap)
	require.ErrorIs(t, tr.DisburseReward(math.MaxUint64, 1), ErrAmountExceedsCap)
}

func TestCreditIncreasesAvailableAndTotal(t *testing.T) {
	tr := NewTreasury(500)
	require.NoError(t, tr.Credit(100))
	available, _, _, total := tr.Snapshot()
	require.EqualValues(t, 600, available)
	require.EqualValues(t, 600, total)
}

func TestCanAffordReflectsAvailableFunds(t *testing.T) {
	tr := NewTreasury(500)
	require.True(t, tr.CanAfford(500))
	require.False(t, tr.CanAfford(501))
}
