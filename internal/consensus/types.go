// Package consensus implements the BFT/Tendermint-style round state
// machine (C11): four phases per height (Propose, PreVote, PreCommit,
// Commit), a locking rule across rounds, and a commit pipeline that
// applies blocks, updates validator reputation, and hands off to the
// DAO and reward components without importing them directly.
package consensus

import (
	"time"

	"github.com/zhtp/zhtp/internal/identity"
)

// Step is one phase of a consensus round (§4.11).
type Step int

const (
	StepPropose Step = iota
	StepPreVote
	StepPreCommit
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPreVote:
		return "prevote"
	case StepPreCommit:
		return "precommit"
	case StepCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// VoteType distinguishes the three kinds of votes cast during a round.
type VoteType int

const (
	VotePreVote VoteType = iota
	VotePreCommit
	VoteCommit
)

// ConsensusType selects which sub-proofs a proposal must carry (§4.11).
type ConsensusType int

const (
	TypePoS ConsensusType = iota
	TypePoStorage
	TypePoUsefulWork
	TypeHybrid // PoS + PoStorage
	TypeBFT    // all three present, but verification relies on vote threshold alone
)

// Proposal is a block candidate for one height.
type Proposal struct {
	ID             [32]byte
	Proposer       identity.NodeId
	Height         uint64
	PreviousHash   [32]byte
	BlockData      []byte
	Timestamp      int64
	Signature      []byte
	ConsensusProof ConsensusProof
}

// Vote is one validator's signed ballot for a proposal at a given
// height/round/step.
type Vote struct {
	ID         [32]byte
	Voter      identity.NodeId
	ProposalID [32]byte
	Type       VoteType
	Height     uint64
	Round      uint32
	Timestamp  int64
	Signature  []byte
}

// RoundState is the mutable state of the round currently in progress.
type RoundState struct {
	Height         uint64
	Round          uint32
	Step           Step
	StartTime      time.Time
	Proposer       identity.NodeId
	Proposals      []Proposal
	LockedProposal *[32]byte
	ValidProposal  *[32]byte
}

func (rs *RoundState) reset(height uint64) {
	rs.Height = height
	rs.Round = 0
	rs.Step = StepPropose
	rs.StartTime = time.Now()
	rs.Proposer = identity.NodeId{}
	rs.Proposals = nil
	rs.ValidProposal = nil
	// LockedProposal deliberately survives a reset: the locking rule
	// spans rounds within the same height, and a new height starts
	// with no lock only because AdvanceHeight clears it explicitly.
}
