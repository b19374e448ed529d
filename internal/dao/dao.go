// Package dao implements DAO governance: proposal lifecycle, weighted
// voting, and the treasury that budget-affecting proposals execute
// against (§4.12).
package dao

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/identity"
)

// ProposalType selects the quorum required to pass a proposal; every
// type shares the same >50% weighted-yes threshold (§4.12).
type ProposalType int

const (
	TypeGeneral ProposalType = iota
	TypeParameterChange
	TypeBudget
)

func (t ProposalType) String() string {
	switch t {
	case TypeGeneral:
		return "general"
	case TypeParameterChange:
		return "parameter_change"
	case TypeBudget:
		return "budget"
	default:
		return "unknown"
	}
}

// ProposalStatus tracks a proposal through its lifecycle.
type ProposalStatus int

const (
	StatusDraft ProposalStatus = iota
	StatusActive
	StatusPassed
	StatusFailed
)

func (s ProposalStatus) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusActive:
		return "active"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// VoteChoice is a voter's position on a proposal.
type VoteChoice int

const (
	ChoiceYes VoteChoice = iota
	ChoiceNo
	ChoiceAbstain
)

func (c VoteChoice) String() string {
	switch c {
	case ChoiceYes:
		return "yes"
	case ChoiceNo:
		return "no"
	case ChoiceAbstain:
		return "abstain"
	default:
		return "unknown"
	}
}

var (
	ErrNotRecognized     = errors.New("dao: proposer or voter is not a recognized identity")
	ErrProposalNotFound  = errors.New("dao: proposal not found")
	ErrProposalNotActive = errors.New("dao: proposal is not open for voting")
	ErrInvalidVotingDays = errors.New("dao: voting_days must be positive")
	ErrBudgetAmountZero  = errors.New("dao: budget-affecting proposal requires a non-zero amount")
)

// VotingPowerSource resolves a voter's weight. A citizen's base weight
// is 1; the default adapter in internal/nodeboot scales it by the
// validator's stake and reputation, but internal/dao only depends on this narrow
// interface so it never imports internal/validator directly (same
// accept-interfaces idiom as internal/consensus's BlockApplier).
type VotingPowerSource interface {
	VotingPower(voter identity.NodeId) (uint64, error)
}

// Proposal is a single item of DAO governance.
type Proposal struct {
	ID             uuid.UUID
	ProposerID     identity.NodeId
	Title          string
	Description    string
	Type           ProposalType
	Status         ProposalStatus
	BudgetAmount   uint64
	CreatedAt      time.Time
	VotingDeadline time.Time
	Executed       bool
}

// VoteRecord is a single voter's current position on a proposal.
type VoteRecord struct {
	ID            uuid.UUID
	Voter         identity.NodeId
	ProposalID    uuid.UUID
	Choice        VoteChoice
	Weight        uint64
	Justification string
	CastAt        time.Time
}

// replacedVote is a log-only record kept when a voter changes position;
// it is never tallied, only retained for audit (§4.12 "cast_dao_vote").
type replacedVote struct {
	previous   VoteRecord
	replacedAt time.Time
}

// Config tunes per-type quorum. Quorum is measured as total weight
// participating (yes + no + abstain), distinct from the fixed >50%
// weighted-yes/(yes+no) pass threshold that applies uniformly across
// types.
type Config struct {
	QuorumByType      map[ProposalType]uint64
	DefaultQuorum     uint64
	RoundHistoryLimit int
}

// DefaultConfig returns conservative quorum minimums; budget proposals
// require a higher quorum than general ones.
func DefaultConfig() Config {
	return Config{
		QuorumByType: map[ProposalType]uint64{
			TypeGeneral:         3,
			TypeParameterChange: 5,
			TypeBudget:          7,
		},
		DefaultQuorum:     3,
		RoundHistoryLimit: 200,
	}
}

func (c Config) quorumFor(t ProposalType) uint64 {
	if q, ok := c.QuorumByType[t]; ok {
		return q
	}
	return c.DefaultQuorum
}

// Engine is the in-memory DAO governance store. It mirrors the
// self-contained mutex-protected map pattern already used by
// internal/registry and internal/validator rather than the teacher's
// now-absent CurrentStore()/Broadcast() abstractions.
type Engine struct {
	log      *logrus.Logger
	power    VotingPowerSource
	config   Config
	treasury *Treasury

	mu        sync.RWMutex
	proposals map[uuid.UUID]*Proposal
	// votes[proposalID][voterID] holds the voter's current position;
	// casting again replaces the entry and appends to replacedLog.
	votes       map[uuid.UUID]map[identity.NodeId]*VoteRecord
	replacedLog []replacedVote
	history     []Proposal
}

// New builds a DAO engine backed by the given treasury and voting
// power source.
func New(log *logrus.Logger, power VotingPowerSource, treasury *Treasury, config Config) *Engine {
	return &Engine{
		log:       log,
		power:     power,
		config:    config,
		treasury:  treasury,
		proposals: make(map[uuid.UUID]*Proposal),
		votes:     make(map[uuid.UUID]map[identity.NodeId]*VoteRecord),
	}
}

// CreateProposal registers a new proposal and immediately opens it for
// voting — there is no separate governance-approval gate in front of
// the voting window, so Draft exists only for the instant before
// Active is assigned (kept for audit parity with the proposal's
// lifecycle, not as a distinct reachable state).
func (e *Engine) CreateProposal(proposerID identity.NodeId, title, description string, ptype ProposalType, votingDays int, budgetAmount uint64) (uuid.UUID, error) {
	if votingDays <= 0 {
		return uuid.Nil, ErrInvalidVotingDays
	}
	if ptype == TypeBudget && budgetAmount == 0 {
		return uuid.Nil, ErrBudgetAmountZero
	}
	if _, err := e.power.VotingPower(proposerID); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrNotRecognized, err)
	}

	now := time.Now()
	p := &Proposal{
		ID:             uuid.New(),
		ProposerID:     proposerID,
		Title:          title,
		Description:    description,
		Type:           ptype,
		Status:         StatusActive,
		BudgetAmount:   budgetAmount,
		CreatedAt:      now,
		VotingDeadline: now.Add(time.Duration(votingDays) * 24 * time.Hour),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.proposals[p.ID] = p
	e.votes[p.ID] = make(map[identity.NodeId]*VoteRecord)
	e.log.WithFields(logrus.Fields{"proposal_id": p.ID, "type": ptype.String()}).Info("dao proposal created")
	return p.ID, nil
}

// CastVote records voter's position on proposalID. A second vote from
// the same voter replaces the first; the replaced vote is kept
// log-only in replacedLog, never tallied.
func (e *Engine) CastVote(voterID identity.NodeId, proposalID uuid.UUID, choice VoteChoice, justification string) (uuid.UUID, error) {
	weight, err := e.power.VotingPower(voterID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrNotRecognized, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[proposalID]
	if !ok {
		return uuid.Nil, ErrProposalNotFound
	}
	if p.Status != StatusActive {
		return uuid.Nil, ErrProposalNotActive
	}

	record := &VoteRecord{
		ID:            uuid.New(),
		Voter:         voterID,
		ProposalID:    proposalID,
		Choice:        choice,
		Weight:        weight,
		Justification: justification,
		CastAt:        time.Now(),
	}

	votesForProposal := e.votes[proposalID]
	if previous, replaced := votesForProposal[voterID]; replaced {
		e.replacedLog = append(e.replacedLog, replacedVote{previous: *previous, replacedAt: record.CastAt})
	}
	votesForProposal[voterID] = record
	return record.ID, nil
}

type tally struct {
	yesWeight     uint64
	noWeight      uint64
	abstainWeight uint64
}

func (t tally) participation() uint64 {
	return t.yesWeight + t.noWeight + t.abstainWeight
}

// passed reports whether the weighted-yes share of (yes+no) exceeds
// 50%; abstentions count toward quorum participation but not toward
// the pass ratio.
func (t tally) passed() bool {
	decisive := t.yesWeight + t.noWeight
	if decisive == 0 {
		return false
	}
	return t.yesWeight*2 > decisive
}

func (e *Engine) tallyLocked(proposalID uuid.UUID) tally {
	var t tally
	for _, v := range e.votes[proposalID] {
		switch v.Choice {
		case ChoiceYes:
			t.yesWeight += v.Weight
		case ChoiceNo:
			t.noWeight += v.Weight
		case ChoiceAbstain:
			t.abstainWeight += v.Weight
		}
	}
	return t
}

// ProcessExpiredProposals tallies every Active proposal whose voting
// deadline has passed, transitions it to Passed or Failed, and
// executes budget-affecting proposals that passed against the
// treasury. It satisfies internal/consensus's ProposalProcessor
// interface so the commit pipeline can invoke it without internal/dao
// importing internal/consensus (§4.11 commit step (f)).
func (e *Engine) ProcessExpiredProposals() error {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.proposals {
		if p.Status != StatusActive || now.Before(p.VotingDeadline) {
			continue
		}

		t := e.tallyLocked(p.ID)
		quorum := e.config.quorumFor(p.Type)
		if t.participation() >= quorum && t.passed() {
			p.Status = StatusPassed
		} else {
			p.Status = StatusFailed
		}

		if p.Status == StatusPassed && p.Type == TypeBudget && !p.Executed {
			if err := e.executeLocked(p); err != nil {
				e.log.WithFields(logrus.Fields{"proposal_id": p.ID, "error": err}).Warn("dao budget execution failed")
				continue
			}
		}

		e.archiveLocked(*p)
	}
	return nil
}

func (e *Engine) executeLocked(p *Proposal) error {
	if e.treasury == nil {
		return fmt.Errorf("dao: no treasury configured for budget proposal %s", p.ID)
	}
	if err := e.treasury.Allocate(p.BudgetAmount); err != nil {
		return err
	}
	if err := e.treasury.Debit(p.BudgetAmount, p.ID); err != nil {
		return err
	}
	p.Executed = true
	return nil
}

func (e *Engine) archiveLocked(p Proposal) {
	e.history = append(e.history, p)
	if limit := e.config.RoundHistoryLimit; limit > 0 && len(e.history) > limit {
		e.history = e.history[len(e.history)-limit:]
	}
}

// Proposal returns a copy of the proposal identified by id.
func (e *Engine) Proposal(id uuid.UUID) (Proposal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.proposals[id]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	return *p, nil
}

// Tally returns the current weighted vote tally for proposal id.
func (e *Engine) Tally(id uuid.UUID) (yes, no, abstain uint64, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.proposals[id]; !ok {
		return 0, 0, 0, ErrProposalNotFound
	}
	t := e.tallyLocked(id)
	return t.yesWeight, t.noWeight, t.abstainWeight, nil
}

// HistoryLen reports how many completed proposals are retained.
func (e *Engine) HistoryLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.history)
}
