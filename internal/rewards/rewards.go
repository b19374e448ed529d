// Package rewards implements the per-committed-block reward split:
// validator reward, routing reward, and UBI contribution (§4.13).
package rewards

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/identity"
	"github.com/zhtp/zhtp/internal/registry"
	"github.com/zhtp/zhtp/internal/zhtpevents"
)

// TokenLedger credits an identity's token balance. A minimal interface
// rather than a direct dependency on any particular ledger
// implementation, mirroring the teacher's Ledger.MintBig call shape.
type TokenLedger interface {
	Mint(recipient identity.NodeId, amount uint64) error
}

// StakeSource resolves a validator's stake for weighting the
// validator-reward split. internal/rewards depends on this narrow
// interface rather than importing internal/validator, the same
// accept-interfaces idiom internal/consensus and internal/dao use.
type StakeSource interface {
	StakeOf(id identity.NodeId) (uint64, error)
}

// Treasury is the UBI contribution's destination. internal/dao's
// Treasury satisfies this structurally.
type Treasury interface {
	Credit(amount uint64) error
}

// Config tunes the reward split and inflation schedule. Shares are in
// basis points and must sum to 10000.
type Config struct {
	BaseReward        uint64
	HalvingPeriod     uint64
	ValidatorShareBps uint64
	RoutingShareBps   uint64
	UBIShareBps       uint64
}

// DefaultConfig mirrors the teacher's 30/30/40 split (validator/
// routing/UBI here, rather than miner/staker/loan-pool).
func DefaultConfig() Config {
	return Config{
		BaseReward:        1_000_000,
		HalvingPeriod:     210_000,
		ValidatorShareBps: 3000,
		RoutingShareBps:   3000,
		UBIShareBps:       4000,
	}
}

// Calculator computes and disburses the three-way reward split for
// each committed block. It satisfies internal/consensus's
// RewardDistributor interface.
type Calculator struct {
	log      *logrus.Logger
	ledger   TokenLedger
	stakes   StakeSource
	treasury Treasury
	config   Config

	mu             sync.Mutex
	pendingRouting map[identity.NodeId]uint64
}

// New builds a reward calculator and subscribes it to bus's
// RoutingActivity stream so routing credit accrues between blocks.
func New(log *logrus.Logger, ledger TokenLedger, stakes StakeSource, treasury Treasury, config Config, bus *zhtpevents.Bus) *Calculator {
	c := &Calculator{
		log:            log,
		ledger:         ledger,
		stakes:         stakes,
		treasury:       treasury,
		config:         config,
		pendingRouting: make(map[identity.NodeId]uint64),
	}
	if bus != nil {
		bus.OnRoutingActivity(c.recordRoutingActivity)
	}
	return c
}

func (c *Calculator) recordRoutingActivity(a zhtpevents.RoutingActivity) {
	if a.Router.Kind != registry.KindNode {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRouting[a.Router.Node] += uint64(a.ByteCount)
}

// baseRewardAtHeight halves BaseReward every HalvingPeriod blocks,
// following core/consensus.go's DistributeRewards halving shape.
func (c *Calculator) baseRewardAtHeight(height uint64) *big.Int {
	reward := new(big.Int).SetUint64(c.config.BaseReward)
	if c.config.HalvingPeriod == 0 {
		return reward
	}
	halves := height / c.config.HalvingPeriod
	return new(big.Int).Rsh(reward, uint(halves))
}

func bpsOf(amount *big.Int, bps uint64) *big.Int {
	n := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return n.Div(n, big.NewInt(10000))
}

// DistributeBlockRewards implements internal/consensus's
// RewardDistributor, invoked from the commit pipeline for every
// committed block (§4.11 commit step (e)).
func (c *Calculator) DistributeBlockRewards(height uint64, proposer identity.NodeId, voters []identity.NodeId) error {
	reward := c.baseRewardAtHeight(height)

	validatorR := bpsOf(reward, c.config.ValidatorShareBps)
	routingR := bpsOf(reward, c.config.RoutingShareBps)
	ubiR := new(big.Int).Sub(reward, validatorR)
	ubiR.Sub(ubiR, routingR)

	if err := c.distributeValidatorReward(validatorR, proposer, voters); err != nil {
		return fmt.Errorf("rewards: validator split: %w", err)
	}
	if err := c.distributeRoutingReward(routingR); err != nil {
		return fmt.Errorf("rewards: routing split: %w", err)
	}
	if err := c.distributeUBI(ubiR, height); err != nil {
		return fmt.Errorf("rewards: ubi split: %w", err)
	}
	return nil
}

func (c *Calculator) distributeValidatorReward(amount *big.Int, proposer identity.NodeId, voters []identity.NodeId) error {
	if !amount.IsUint64() || amount.Sign() <= 0 {
		return nil
	}

	weights := make(map[identity.NodeId]uint64)
	weights[proposer] = c.weightOf(proposer)
	for _, v := range voters {
		weights[v] = c.weightOf(v)
	}

	var total uint64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		// No stake information available; split evenly so the round
		// isn't silently unrewarded.
		share := amount.Uint64() / uint64(len(weights))
		for id := range weights {
			if err := c.ledger.Mint(id, share); err != nil {
				return err
			}
		}
		return nil
	}

	full := amount.Uint64()
	for id, w := range weights {
		share := full * w / total
		if share == 0 {
			continue
		}
		if err := c.ledger.Mint(id, share); err != nil {
			return err
		}
	}
	return nil
}

func (c *Calculator) weightOf(id identity.NodeId) uint64 {
	if c.stakes == nil {
		return 0
	}
	stake, err := c.stakes.StakeOf(id)
	if err != nil {
		return 0
	}
	return stake
}

func (c *Calculator) distributeRoutingReward(amount *big.Int) error {
	if !amount.IsUint64() || amount.Sign() <= 0 {
		return nil
	}

	c.mu.Lock()
	pending := c.pendingRouting
	c.pendingRouting = make(map[identity.NodeId]uint64)
	c.mu.Unlock()

	var totalBytes uint64
	for _, b := range pending {
		totalBytes += b
	}
	if totalBytes == 0 {
		// Nobody routed anything this round; the pool rolls into the
		// treasury rather than being burned.
		return c.treasury.Credit(amount.Uint64())
	}

	full := amount.Uint64()
	for id, bytes := range pending {
		share := full * bytes / totalBytes
		if share == 0 {
			continue
		}
		if err := c.ledger.Mint(id, share); err != nil {
			return err
		}
	}
	return nil
}

func (c *Calculator) distributeUBI(amount *big.Int, height uint64) error {
	if !amount.IsUint64() || amount.Sign() <= 0 {
		return nil
	}
	if c.treasury == nil {
		return fmt.Errorf("rewards: no treasury configured at height %d", height)
	}
	return c.treasury.Credit(amount.Uint64())
}
