package consensus

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zhtp/zhtp/internal/identity"
	"github.com/zhtp/zhtp/internal/validator"
	"github.com/zhtp/zhtp/internal/zhtpevents"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testConfig() Config {
	c := DefaultConfig()
	c.ProposeTimeout = 0
	c.PrevoteTimeout = 0
	c.PrecommitTimeout = 0
	c.RequireValidatorQuorum = false
	return c
}

type fakeApplier struct {
	applied [][]byte
}

func (f *fakeApplier) ApplyBlock(height uint64, proposalID [32]byte, blockData []byte) error {
	f.applied = append(f.applied, blockData)
	return nil
}

func newSingleValidatorEngine(t *testing.T) (*Engine, *identity.Identity, *validator.Manager) {
	t.Helper()
	log := testLogger()
	self, err := identity.New(log, "did:zhtp:consensus-self", "node1")
	require.NoError(t, err)

	vm := validator.New(log)
	_, err = vm.RegisterValidator(self.NodeID(), 1000, 1000, self.PublicKey(), 0, true)
	require.NoError(t, err)

	engine := New(log, self, vm, testConfig(), zhtpevents.New(log))
	return engine, self, vm
}

func runFullRound(t *testing.T, engine *Engine, height uint64, previousHash [32]byte, blockData []byte) (*CommitResult, error) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, engine.AdvanceHeight(height, previousHash))
	require.NoError(t, engine.RunProposeStep(ctx, previousHash, blockData))
	require.NoError(t, engine.RunPreVoteStep(ctx))
	require.NoError(t, engine.RunPreCommitStep(ctx))
	return engine.RunCommitStep(ctx)
}

func TestSingleValidatorRoundCommitsBlock(t *testing.T) {
	engine, _, _ := newSingleValidatorEngine(t)
	applier := &fakeApplier{}
	engine.SetBlockApplier(applier)

	result, err := runFullRound(t, engine, 0, [32]byte{}, []byte("genesis block"))
	require.NoError(t, err)
	require.EqualValues(t, 0, result.Height)
	require.Len(t, applier.applied, 1)
	require.Equal(t, 1, engine.RoundHistoryLen())
}

func TestConsecutiveHeightsRequireMatchingPreviousHash(t *testing.T) {
	engine, _, _ := newSingleValidatorEngine(t)

	first, err := runFullRound(t, engine, 0, [32]byte{}, []byte("block 0"))
	require.NoError(t, err)

	_, err = runFullRound(t, engine, 1, first.ProposalID, []byte("block 1"))
	require.NoError(t, err)
}

func TestAdvanceHeightRejectsWrongPreviousHash(t *testing.T) {
	engine, _, _ := newSingleValidatorEngine(t)

	_, err := runFullRound(t, engine, 0, [32]byte{}, []byte("block 0"))
	require.NoError(t, err)

	wrongHash := [32]byte{1, 2, 3}
	err = engine.AdvanceHeight(1, wrongHash)
	require.ErrorIs(t, err, ErrInvalidPreviousHash)
}

func TestAdvanceHeightGenesisRejectsNonZeroPreviousHash(t *testing.T) {
	engine, _, _ := newSingleValidatorEngine(t)
	err := engine.AdvanceHeight(0, [32]byte{9})
	require.ErrorIs(t, err, ErrInvalidPreviousHash)
}

func TestCommitStepWithoutQuorumReturnsErrNoQuorum(t *testing.T) {
	engine, _, _ := newSingleValidatorEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.AdvanceHeight(0, [32]byte{}))
	require.NoError(t, engine.RunProposeStep(ctx, [32]byte{}, []byte("data")))
	// Skip prevote/precommit so no quorum is ever reached.
	_, err := engine.RunCommitStep(ctx)
	require.ErrorIs(t, err, ErrNoQuorum)
}

func TestEquivocationDetectedAndPenalized(t *testing.T) {
	engine, self, vm := newSingleValidatorEngine(t)
	require.NoError(t, vm.AdjustReputation(self.NodeID(), 100))

	require.NoError(t, engine.AdvanceHeight(0, [32]byte{}))

	v1 := Vote{ID: [32]byte{1}, Voter: self.NodeID(), ProposalID: [32]byte{0xAA}, Type: VotePreVote, Height: 0, Round: 0}
	v2 := Vote{ID: [32]byte{2}, Voter: self.NodeID(), ProposalID: [32]byte{0xBB}, Type: VotePreVote, Height: 0, Round: 0}

	require.NoError(t, engine.ReceiveVote(v1))
	require.NoError(t, engine.ReceiveVote(v2))

	validatorEntry, err := vm.Get(self.NodeID())
	require.NoError(t, err)
	require.EqualValues(t, 50, validatorEntry.Reputation)
}

func TestBlockCommittedEventEmittedOnCommit(t *testing.T) {
	engine, _, _ := newSingleValidatorEngine(t)

	var got *zhtpevents.BlockCommitted
	bus := zhtpevents.New(testLogger())
	engine.bus = bus
	bus.OnBlockCommitted(func(e zhtpevents.BlockCommitted) { got = &e })

	_, err := runFullRound(t, engine, 0, [32]byte{}, []byte("data"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.EqualValues(t, 0, got.Height)
}

func TestInsufficientValidatorsBlocksAdvanceWhenRequired(t *testing.T) {
	engine, _, _ := newSingleValidatorEngine(t)
	cfg := testConfig()
	cfg.RequireValidatorQuorum = true
	engine.config = cfg

	err := engine.AdvanceHeight(0, [32]byte{})
	require.ErrorIs(t, err, ErrInsufficientValidators)
}
