package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/identity"
	"github.com/zhtp/zhtp/internal/validator"
	"github.com/zhtp/zhtp/internal/zcrypto"
	"github.com/zhtp/zhtp/internal/zhtpevents"
)

var (
	ErrNoProposer             = errors.New("consensus: no proposer available")
	ErrInsufficientValidators = errors.New("consensus: insufficient validators for consensus")
	ErrInvalidPreviousHash    = errors.New("consensus: invalid previous hash")
	ErrInvalidSignature       = errors.New("consensus: invalid signature")
	ErrInvalidProof           = errors.New("consensus: invalid consensus proof")
	ErrNoQuorum               = errors.New("consensus: quorum not reached")
	ErrNotRegistered          = errors.New("consensus: local identity is not a registered validator")
)

// BlockApplier writes a committed proposal's block data into external
// storage. Defined here rather than imported from a storage package so
// the engine depends only on the shape of state it needs.
type BlockApplier interface {
	ApplyBlock(height uint64, proposalID [32]byte, blockData []byte) error
}

// RewardDistributor computes and disburses the reward split for a
// committed height (C13); the engine calls it, never the reverse, so no
// import cycle is needed between consensus and rewards.
type RewardDistributor interface {
	DistributeBlockRewards(height uint64, proposer identity.NodeId, voters []identity.NodeId) error
}

// ProposalProcessor runs DAO expired-proposal processing (C12) as a side
// effect of a committed block.
type ProposalProcessor interface {
	ProcessExpiredProposals() error
}

// Config holds the per-phase timeouts and tunables the round state
// machine and commit pipeline are driven by.
type Config struct {
	ConsensusType          ConsensusType
	ProposeTimeout         time.Duration
	PrevoteTimeout         time.Duration
	PrecommitTimeout       time.Duration
	ReputationReward       int64
	RoundHistoryLimit      int
	RequireValidatorQuorum bool // require HasSufficientValidators before each height
}

// DefaultConfig returns timeouts matching the original ZHTP defaults
// (milliseconds) with the reputation/history caps named in §4.11.
func DefaultConfig() Config {
	return Config{
		ConsensusType:          TypeBFT,
		ProposeTimeout:         2 * time.Second,
		PrevoteTimeout:         1 * time.Second,
		PrecommitTimeout:       1 * time.Second,
		ReputationReward:       1,
		RoundHistoryLimit:      100,
		RequireValidatorQuorum: true,
	}
}

// CommitResult is what a successful RunCommitStep produces.
type CommitResult struct {
	Height     uint64
	ProposalID [32]byte
	Proposer   identity.NodeId
	Voters     []identity.NodeId
}

// Engine drives one node's view of the consensus round state machine.
type Engine struct {
	log *logrus.Logger

	self       *identity.Identity
	validators *validator.Manager
	config     Config
	bus        *zhtpevents.Bus

	applier BlockApplier
	rewards RewardDistributor
	dao     ProposalProcessor

	mu           sync.Mutex
	round        RoundState
	votePool     map[uint64]map[[32]byte]Vote // height -> vote id -> vote
	lastHash     [32]byte
	roundHistory []RoundState

	byz *byzantineDetector
}

// New creates a consensus engine for self, driven by validators and
// emitting BlockCommitted on bus.
func New(log *logrus.Logger, self *identity.Identity, validators *validator.Manager, config Config, bus *zhtpevents.Bus) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		log:        log,
		self:       self,
		validators: validators,
		config:     config,
		bus:        bus,
		votePool:   make(map[uint64]map[[32]byte]Vote),
		byz:        newByzantineDetector(),
	}
}

// SetBlockApplier wires the external block-state writer.
func (e *Engine) SetBlockApplier(a BlockApplier) { e.applier = a }

// SetRewardDistributor wires the reward calculator (C13).
func (e *Engine) SetRewardDistributor(r RewardDistributor) { e.rewards = r }

// SetProposalProcessor wires the DAO engine (C12).
func (e *Engine) SetProposalProcessor(p ProposalProcessor) { e.dao = p }

// validatePreviousHash implements §4.11's previous-hash check: genesis
// requires an all-zero hash, every later height must match the stored
// previous block hash.
func (e *Engine) validatePreviousHash(height uint64, previousHash [32]byte) error {
	if height == 0 {
		if previousHash != ([32]byte{}) {
			return fmt.Errorf("%w: genesis block must have zero previous hash", ErrInvalidPreviousHash)
		}
		return nil
	}
	if previousHash != e.lastHash {
		return fmt.Errorf("%w: height %d", ErrInvalidPreviousHash, height)
	}
	return nil
}

// AdvanceHeight clears round state for a new height and selects the
// proposer (§4.11 steps 1-2).
func (e *Engine) AdvanceHeight(height uint64, previousHash [32]byte) error {
	if e.config.RequireValidatorQuorum && !e.validators.HasSufficientValidators() {
		return ErrInsufficientValidators
	}
	if err := e.validatePreviousHash(height, previousHash); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.round.reset(height)
	e.round.LockedProposal = nil // a new height always starts unlocked

	proposer, err := e.validators.SelectProposer(height, e.round.Round)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoProposer, err)
	}
	e.round.Proposer = proposer.NodeID
	return nil
}

func serializeProposalData(id [32]byte, proposer identity.NodeId, height uint64, previousHash [32]byte, blockData []byte) []byte {
	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], height)

	buf := make([]byte, 0, 32+len(proposer)+8+32+len(blockData))
	buf = append(buf, id[:]...)
	buf = append(buf, proposer[:]...)
	buf = append(buf, heightBuf[:]...)
	buf = append(buf, previousHash[:]...)
	buf = append(buf, blockData...)
	return buf
}

// RunProposeStep implements §4.11 step 3: if self is this round's
// proposer, build, sign, and self-accept a proposal.
func (e *Engine) RunProposeStep(ctx context.Context, previousHash [32]byte, blockData []byte) error {
	e.mu.Lock()
	e.round.Step = StepPropose
	isProposer := e.round.Proposer == e.self.NodeID()
	height := e.round.Height
	e.mu.Unlock()

	if isProposer {
		v, err := e.validators.Get(e.self.NodeID())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotRegistered, err)
		}

		idSeed := serializeProposalData([32]byte{}, e.self.NodeID(), height, previousHash, blockData)
		id := zcrypto.Hash(idSeed)

		proof, err := e.buildConsensusProof(v, height)
		if err != nil {
			return err
		}

		data := serializeProposalData(id, e.self.NodeID(), height, previousHash, blockData)
		sig, err := e.self.Sign(data)
		if err != nil {
			return fmt.Errorf("consensus: sign proposal: %w", err)
		}

		proposal := Proposal{
			ID:             id,
			Proposer:       e.self.NodeID(),
			Height:         height,
			PreviousHash:   previousHash,
			BlockData:      blockData,
			Timestamp:      time.Now().Unix(),
			Signature:      sig,
			ConsensusProof: proof,
		}
		e.ReceiveProposal(proposal)
	}

	e.waitStep(ctx, e.config.ProposeTimeout)
	return nil
}

func (e *Engine) buildConsensusProof(v *validator.Validator, height uint64) (ConsensusProof, error) {
	proof := ConsensusProof{Type: e.config.ConsensusType}
	needStake := proof.Type == TypePoS || proof.Type == TypeHybrid || proof.Type == TypeBFT
	needStorage := proof.Type == TypePoStorage || proof.Type == TypeHybrid || proof.Type == TypeBFT
	needWork := proof.Type == TypePoUsefulWork || proof.Type == TypeBFT

	if needStake {
		proof.Stake = &StakeProof{
			ValidatorID: v.NodeID,
			Stake:       v.Stake,
			StakeTxHash: zcrypto.Hash(v.NodeID[:], []byte("stake")),
			BondedAt:    saturatingSub(height, 1),
		}
	}
	if needStorage {
		proof.Storage = &StorageProof{
			ValidatorID: v.NodeID,
			Capacity:    v.StorageCapacity,
			Utilization: 50,
			Challenges:  [][32]byte{zcrypto.Hash(v.NodeID[:], []byte("challenge"))},
		}
	}
	if needWork {
		proof.Work = &WorkProof{
			RoutingWork: uint64(v.Reputation) * 5,
			ComputeWork: v.Stake / 1000,
		}
	}
	return proof, nil
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// ReceiveProposal records an externally (or self-)received proposal for
// the current round, rejecting anything for a past height.
func (e *Engine) ReceiveProposal(p Proposal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Height != e.round.Height {
		return // late message for a past height, or buffered for the future: ignored here
	}
	e.round.Proposals = append(e.round.Proposals, p)
}

func serializeVoteData(id [32]byte, voter identity.NodeId, proposalID [32]byte, voteType VoteType, height uint64, round uint32) []byte {
	buf := make([]byte, 0, 32+len(voter)+32+1+8+4)
	buf = append(buf, id[:]...)
	buf = append(buf, voter[:]...)
	buf = append(buf, proposalID[:]...)
	buf = append(buf, byte(voteType))
	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], height)
	buf = append(buf, heightBuf[:]...)
	var roundBuf [4]byte
	binary.LittleEndian.PutUint32(roundBuf[:], round)
	buf = append(buf, roundBuf[:]...)
	return buf
}

func (e *Engine) castVote(proposalID [32]byte, voteType VoteType) (Vote, error) {
	e.mu.Lock()
	height, round := e.round.Height, e.round.Round
	e.mu.Unlock()

	idSeed := serializeVoteData([32]byte{}, e.self.NodeID(), proposalID, voteType, height, round)
	id := zcrypto.Hash(idSeed)
	data := serializeVoteData(id, e.self.NodeID(), proposalID, voteType, height, round)
	sig, err := e.self.Sign(data)
	if err != nil {
		return Vote{}, fmt.Errorf("consensus: sign vote: %w", err)
	}
	vote := Vote{
		ID:         id,
		Voter:      e.self.NodeID(),
		ProposalID: proposalID,
		Type:       voteType,
		Height:     height,
		Round:      round,
		Timestamp:  time.Now().Unix(),
		Signature:  sig,
	}
	if err := e.ReceiveVote(vote); err != nil {
		return Vote{}, err
	}
	return vote, nil
}

// ReceiveVote validates and records a vote (self-cast or received over
// the network), flagging Byzantine equivocation if the same voter casts
// conflicting votes at the same height/round/step.
func (e *Engine) ReceiveVote(v Vote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v.Height != e.round.Height {
		return nil // late or future-height vote: ignored/buffered by the caller
	}

	if e.byz.observe(v) {
		e.log.WithFields(logrus.Fields{"voter": v.Voter.String(), "height": v.Height}).Warn("consensus: equivocation detected")
		_ = e.validators.AdjustReputation(v.Voter, -50)
	}

	if e.votePool[v.Height] == nil {
		e.votePool[v.Height] = make(map[[32]byte]Vote)
	}
	e.votePool[v.Height][v.ID] = v
	return nil
}

func (e *Engine) countVotesLocked(proposalID [32]byte, voteType VoteType) uint64 {
	var count uint64
	for _, v := range e.votePool[e.round.Height] {
		if v.ProposalID == proposalID && v.Type == voteType {
			count++
		}
	}
	return count
}

// RunPreVoteStep implements §4.11 step 4: cast a PreVote for the locked
// proposal if one is set, else the first valid proposal seen.
func (e *Engine) RunPreVoteStep(ctx context.Context) error {
	e.mu.Lock()
	e.round.Step = StepPreVote
	target, ok := e.prevoteTargetLocked()
	e.mu.Unlock()

	if ok {
		if _, err := e.castVote(target, VotePreVote); err != nil {
			return err
		}
	}
	e.waitStep(ctx, e.config.PrevoteTimeout)
	return nil
}

func (e *Engine) prevoteTargetLocked() ([32]byte, bool) {
	if e.round.LockedProposal != nil {
		return *e.round.LockedProposal, true
	}
	if len(e.round.Proposals) == 0 {
		return [32]byte{}, false
	}
	return e.round.Proposals[0].ID, true
}

// RunPreCommitStep implements §4.11 step 5: if prevotes for a specific
// proposal reach the Byzantine threshold, lock and precommit that
// proposal.
func (e *Engine) RunPreCommitStep(ctx context.Context) error {
	e.mu.Lock()
	e.round.Step = StepPreCommit
	threshold := e.validators.ByzantineThreshold()

	var target [32]byte
	var reached bool
	for _, p := range e.round.Proposals {
		if e.countVotesLocked(p.ID, VotePreVote) >= threshold {
			target, reached = p.ID, true
			break
		}
	}
	if reached {
		e.round.ValidProposal = &target
		e.round.LockedProposal = &target
	}
	e.mu.Unlock()

	if reached {
		if _, err := e.castVote(target, VotePreCommit); err != nil {
			return err
		}
	}
	e.waitStep(ctx, e.config.PrecommitTimeout)
	return nil
}

// RunCommitStep implements §4.11 step 6 and the commit pipeline: if
// precommits for the valid proposal reach threshold, commit it and run
// apply/metrics/reward/DAO/archive in order.
func (e *Engine) RunCommitStep(ctx context.Context) (*CommitResult, error) {
	e.mu.Lock()
	e.round.Step = StepCommit
	threshold := e.validators.ByzantineThreshold()

	if e.round.ValidProposal == nil {
		e.mu.Unlock()
		return nil, ErrNoQuorum
	}
	target := *e.round.ValidProposal
	count := e.countVotesLocked(target, VotePreCommit)
	if count < threshold {
		e.mu.Unlock()
		return nil, ErrNoQuorum
	}

	var proposal Proposal
	found := false
	for _, p := range e.round.Proposals {
		if p.ID == target {
			proposal, found = p, true
			break
		}
	}
	height := e.round.Height
	e.mu.Unlock()

	if !found {
		return nil, fmt.Errorf("consensus: committed proposal %x not retained locally", target)
	}
	if _, err := e.castVote(target, VoteCommit); err != nil {
		return nil, err
	}

	return e.runCommitPipeline(proposal)
}

// runCommitPipeline is §4.11's named commit-pipeline sequence (a)-(g).
func (e *Engine) runCommitPipeline(proposal Proposal) (*CommitResult, error) {
	if err := e.verifyProposalSignature(proposal); err != nil {
		return nil, err
	}
	if !proposal.ConsensusProof.verify(proposal.Height) {
		return nil, fmt.Errorf("%w: height %d", ErrInvalidProof, proposal.Height)
	}

	if e.applier != nil {
		if err := e.applier.ApplyBlock(proposal.Height, proposal.ID, proposal.BlockData); err != nil {
			return nil, fmt.Errorf("consensus: apply block: %w", err)
		}
	}

	voters := e.updateValidatorMetrics(proposal)

	if e.rewards != nil {
		if err := e.rewards.DistributeBlockRewards(proposal.Height, proposal.Proposer, voters); err != nil {
			e.log.WithError(err).Warn("consensus: reward distribution failed")
		}
	}
	if e.dao != nil {
		if err := e.dao.ProcessExpiredProposals(); err != nil {
			e.log.WithError(err).Warn("consensus: DAO expired-proposal processing failed")
		}
	}

	e.mu.Lock()
	e.lastHash = proposal.ID
	e.archiveCompletedRoundLocked()
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.EmitBlockCommitted(zhtpevents.BlockCommitted{Height: proposal.Height, ProposalID: proposal.ID, At: time.Now()})
	}

	return &CommitResult{Height: proposal.Height, ProposalID: proposal.ID, Proposer: proposal.Proposer, Voters: voters}, nil
}

// verifyProposalSignature recomputes the signed bytes from the
// proposal's fields and verifies them under the proposer's registered
// consensus key — never trusting the signature bytes alone (§4.11 (a)).
func (e *Engine) verifyProposalSignature(p Proposal) error {
	v, err := e.validators.Get(p.Proposer)
	if err != nil {
		return fmt.Errorf("%w: unknown proposer %s", ErrInvalidSignature, p.Proposer)
	}
	data := serializeProposalData(p.ID, p.Proposer, p.Height, p.PreviousHash, p.BlockData)
	if !zcrypto.Verify(v.ConsensusKey, data, p.Signature) {
		return fmt.Errorf("%w: proposal %x", ErrInvalidSignature, p.ID)
	}
	return nil
}

// updateValidatorMetrics bumps proposer and voter reputation, capped by
// the validator manager at MaxReputation (§4.11 (d)).
func (e *Engine) updateValidatorMetrics(proposal Proposal) []identity.NodeId {
	_ = e.validators.AdjustReputation(proposal.Proposer, e.config.ReputationReward)

	e.mu.Lock()
	seen := map[identity.NodeId]bool{}
	var voters []identity.NodeId
	for _, v := range e.votePool[proposal.Height] {
		if v.ProposalID != proposal.ID || seen[v.Voter] {
			continue
		}
		seen[v.Voter] = true
		voters = append(voters, v.Voter)
	}
	e.mu.Unlock()

	for _, voter := range voters {
		_ = e.validators.AdjustReputation(voter, e.config.ReputationReward)
	}
	return voters
}

// archiveCompletedRoundLocked snapshots the round into history, trimming
// to RoundHistoryLimit (§4.11 (g)). Caller must hold e.mu.
func (e *Engine) archiveCompletedRoundLocked() {
	limit := e.config.RoundHistoryLimit
	if limit <= 0 {
		limit = 100
	}
	e.roundHistory = append(e.roundHistory, e.round)
	if len(e.roundHistory) > limit {
		e.roundHistory = e.roundHistory[len(e.roundHistory)-limit:]
	}
}

// waitStep sleeps for the step timeout, or returns immediately if the
// context is already done or the timeout is zero.
func (e *Engine) waitStep(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
}

// RoundHistoryLen returns the number of archived rounds currently kept.
func (e *Engine) RoundHistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.roundHistory)
}

// CurrentRound returns a copy of the in-progress round state.
func (e *Engine) CurrentRound() RoundState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}
