package dao

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("dao: insufficient treasury funds")
	ErrAmountExceedsCap  = errors.New("dao: amount exceeds the single-operation cap")
	ErrTreasuryInvariant = errors.New("dao: treasury invariant violated")
	ErrProposalNotPassed = errors.New("dao: debit requires a passed-and-executed proposal reference")
)

// amountCap is the hard ceiling on any single treasury operation's
// amount, named in §3 to prevent an operation itself from ever being
// able to overflow available+allocated+reserved accounting.
const amountCap = math.MaxUint64

// Treasury holds the DAO's funds under the §3 invariant:
// available + allocated + reserved == total, available >= 0. All
// mutation goes through its methods; direct field mutation by
// consensus or any other component is forbidden (§4.12 "Treasury").
type Treasury struct {
	mu sync.Mutex

	available uint64
	allocated uint64
	reserved  uint64
	total     uint64
}

// NewTreasury seeds a treasury with total funds, all available.
func NewTreasury(total uint64) *Treasury {
	return &Treasury{available: total, total: total}
}

func checkAmountCap(amount uint64) error {
	if amount >= amountCap {
		return fmt.Errorf("%w: %d", ErrAmountExceedsCap, amount)
	}
	return nil
}

func (t *Treasury) invariantLocked() error {
	if t.available+t.allocated+t.reserved != t.total {
		return fmt.Errorf("%w: available=%d allocated=%d reserved=%d total=%d", ErrTreasuryInvariant, t.available, t.allocated, t.reserved, t.total)
	}
	return nil
}

// CanAfford reports whether amount can be drawn from available funds
// without violating the cap or the invariant.
func (t *Treasury) CanAfford(amount uint64) bool {
	if checkAmountCap(amount) != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return amount <= t.available
}

// Allocate earmarks amount for a passed proposal pending execution,
// moving it from available to allocated.
func (t *Treasury) Allocate(amount uint64) error {
	if err := checkAmountCap(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if amount > t.available {
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientFunds, amount, t.available)
	}
	t.available -= amount
	t.allocated += amount
	return t.invariantLocked()
}

// Release returns previously allocated funds to available, e.g. when an
// allocation is cancelled instead of spent.
func (t *Treasury) Release(amount uint64) error {
	if err := checkAmountCap(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if amount > t.allocated {
		return fmt.Errorf("%w: requested %d, allocated %d", ErrInsufficientFunds, amount, t.allocated)
	}
	t.allocated -= amount
	t.available += amount
	return t.invariantLocked()
}

// Debit permanently spends amount out of allocated funds against
// proposalRef, which must identify a passed-and-executed proposal — all
// treasury debits flow through here rather than arbitrary consensus
// mutation (§4.12).
func (t *Treasury) Debit(amount uint64, proposalRef uuid.UUID) error {
	if proposalRef == uuid.Nil {
		return ErrProposalNotPassed
	}
	if err := checkAmountCap(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if amount > t.allocated {
		return fmt.Errorf("%w: requested %d, allocated %d", ErrInsufficientFunds, amount, t.allocated)
	}
	t.allocated -= amount
	t.total -= amount
	return t.invariantLocked()
}

// DisburseReward debits amount directly from available funds for a
// reward payout tied to commit height — a dedicated path distinct from
// proposal-execution debits, since rewards are not gated by a vote
// (§4.12 "Reward disbursements go through a dedicated debit path").
func (t *Treasury) DisburseReward(amount uint64, height uint64) error {
	if err := checkAmountCap(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if amount > t.available {
		return fmt.Errorf("%w: height %d requested %d, available %d", ErrInsufficientFunds, height, amount, t.available)
	}
	t.available -= amount
	t.total -= amount
	return t.invariantLocked()
}

// Credit adds newly-minted funds to available (and total), the
// opposite of a debit. Used by the reward calculator to route each
// block's UBI contribution into the treasury (§4.13).
func (t *Treasury) Credit(amount uint64) error {
	if err := checkAmountCap(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.available += amount
	t.total += amount
	return t.invariantLocked()
}

// Snapshot returns the current (available, allocated, reserved, total)
// tuple.
func (t *Treasury) Snapshot() (available, allocated, reserved, total uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available, t.allocated, t.reserved, t.total
}
