package consensus

import "github.com/zhtp/zhtp/internal/identity"

type equivocationKey struct {
	height   uint64
	round    uint32
	voteType VoteType
	voter    identity.NodeId
}

// byzantineDetector flags equivocation: the same voter casting votes for
// two different proposals at the same (height, round, step) (§4.11
// "Byzantine fault detection").
type byzantineDetector struct {
	seen map[equivocationKey][32]byte
}

func newByzantineDetector() *byzantineDetector {
	return &byzantineDetector{seen: make(map[equivocationKey][32]byte)}
}

// observe records v and reports whether it conflicts with a
// previously-seen vote from the same voter at the same height/round/step
// for a different proposal.
func (d *byzantineDetector) observe(v Vote) bool {
	key := equivocationKey{height: v.Height, round: v.Round, voteType: v.Type, voter: v.Voter}
	existing, seen := d.seen[key]
	if !seen {
		d.seen[key] = v.ProposalID
		return false
	}
	if existing != v.ProposalID {
		return true
	}
	return false
}
