package rewards

import (
	"sync"

	"github.com/zhtp/zhtp/internal/identity"
)

// MemoryLedger is a minimal token ledger satisfying TokenLedger: an
// atomic per-identity balance update, nothing more (§4.13 "Distribution
// is an atomic update to token balances"). It is not a general-purpose
// wallet/transfer ledger — no operation in C1-C13 needs one beyond
// crediting reward recipients.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[identity.NodeId]uint64
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[identity.NodeId]uint64)}
}

// Mint atomically credits amount to recipient's balance.
func (l *MemoryLedger) Mint(recipient identity.NodeId, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[recipient] += amount
	return nil
}

// Balance returns recipient's current balance.
func (l *MemoryLedger) Balance(recipient identity.NodeId) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[recipient]
}
