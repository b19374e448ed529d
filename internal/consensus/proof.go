package consensus

import (
	"github.com/zhtp/zhtp/internal/identity"
)

// StakeProof attests a validator's stake was bonded before the block it
// proposes (§4.11, ConsensusProof variant PoS).
type StakeProof struct {
	ValidatorID identity.NodeId
	Stake       uint64
	StakeTxHash [32]byte
	BondedAt    uint64 // height the stake was locked at
}

// Verify checks the proof is internally consistent and the stake was
// bonded at or before the height being proposed.
func (p *StakeProof) Verify(height uint64) bool {
	return p.Stake > 0 && p.BondedAt <= height
}

// StorageProof attests a validator is answering storage challenges for
// the capacity it registered (§4.11, ConsensusProof variant PoStorage).
type StorageProof struct {
	ValidatorID identity.NodeId
	Capacity    uint64
	Utilization uint64 // percentage, 0..100
	Challenges  [][32]byte
}

// Verify checks the challenge set is non-empty and utilization is a
// sane percentage.
func (p *StorageProof) Verify() bool {
	return len(p.Challenges) > 0 && p.Utilization <= 100
}

// WorkProof attests useful work performed by the validator (routing,
// storage, or compute) in lieu of pure stake (§4.11, PoUsefulWork).
type WorkProof struct {
	RoutingWork uint64
	StorageWork uint64
	ComputeWork uint64
}

// Verify requires at least one non-zero work component.
func (p *WorkProof) Verify() bool {
	return p.RoutingWork > 0 || p.StorageWork > 0 || p.ComputeWork > 0
}

// ConsensusProof bundles whichever sub-proofs the configured
// ConsensusType requires. Sub-proofs not required by the type are left
// nil rather than zero-valued, so verification never mistakes "not
// applicable" for "failed".
type ConsensusProof struct {
	Type    ConsensusType
	Stake   *StakeProof
	Storage *StorageProof
	Work    *WorkProof
}

// verify implements §4.11 step (b): each present sub-proof required by
// Type must verify; Hybrid requires both of its sub-proofs; BFT trusts
// the vote threshold alone and does not inspect sub-proofs at all.
func (p ConsensusProof) verify(height uint64) bool {
	switch p.Type {
	case TypePoS:
		return p.Stake != nil && p.Stake.Verify(height)
	case TypePoStorage:
		return p.Storage != nil && p.Storage.Verify()
	case TypePoUsefulWork:
		return p.Work != nil && p.Work.Verify()
	case TypeHybrid:
		return p.Stake != nil && p.Stake.Verify(height) && p.Storage != nil && p.Storage.Verify()
	case TypeBFT:
		return true
	default:
		return false
	}
}
