// Package config loads the unified node configuration from a YAML file
// plus environment overrides, mirroring the teacher's pkg/config loader
// but reshaped around ZHTP's own sections (node, nonce_cache, handshake,
// validator, consensus, dao, rewards, mesh, logging) instead of a
// generic blockchain config.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/zhtp/zhtp/internal/validator"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// NodeConfig identifies this node and where it keeps persistent state.
type NodeConfig struct {
	DID        string `mapstructure:"did" json:"did"`
	DeviceName string `mapstructure:"device_name" json:"device_name"`
	DataDir    string `mapstructure:"data_dir" json:"data_dir"`
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
}

// NonceCacheConfig tunes internal/noncecache.
type NonceCacheConfig struct {
	Capacity int           `mapstructure:"capacity" json:"capacity"`
	TTL      time.Duration `mapstructure:"ttl" json:"ttl"`
}

// HandshakeConfig tunes internal/handshake.
type HandshakeConfig struct {
	Capabilities []string `mapstructure:"capabilities" json:"capabilities"`
}

// ValidatorConfig tunes internal/validator.
type ValidatorConfig struct {
	MinStake   uint64 `mapstructure:"min_stake" json:"min_stake"`
	MinStorage uint64 `mapstructure:"min_storage" json:"min_storage"`
}

// ConsensusConfig tunes internal/consensus.
type ConsensusConfig struct {
	Type                   string        `mapstructure:"type" json:"type"`
	ProposeTimeout         time.Duration `mapstructure:"propose_timeout" json:"propose_timeout"`
	PrevoteTimeout         time.Duration `mapstructure:"prevote_timeout" json:"prevote_timeout"`
	PrecommitTimeout       time.Duration `mapstructure:"precommit_timeout" json:"precommit_timeout"`
	ReputationReward       int64         `mapstructure:"reputation_reward" json:"reputation_reward"`
	ReputationCap          int64         `mapstructure:"reputation_cap" json:"reputation_cap"`
	RoundHistoryLimit      int           `mapstructure:"round_history_limit" json:"round_history_limit"`
	RequireValidatorQuorum bool          `mapstructure:"require_validator_quorum" json:"require_validator_quorum"`
}

// DAOConfig tunes internal/dao.
type DAOConfig struct {
	QuorumGeneral         uint64 `mapstructure:"quorum_general" json:"quorum_general"`
	QuorumParameterChange uint64 `mapstructure:"quorum_parameter_change" json:"quorum_parameter_change"`
	QuorumBudget          uint64 `mapstructure:"quorum_budget" json:"quorum_budget"`
	RoundHistoryLimit     int    `mapstructure:"round_history_limit" json:"round_history_limit"`
	TreasuryInitialFunds  uint64 `mapstructure:"treasury_initial_funds" json:"treasury_initial_funds"`
}

// RewardsConfig tunes internal/rewards.
type RewardsConfig struct {
	BaseReward        uint64 `mapstructure:"base_reward" json:"base_reward"`
	HalvingPeriod     uint64 `mapstructure:"halving_period" json:"halving_period"`
	ValidatorShareBps uint64 `mapstructure:"validator_share_bps" json:"validator_share_bps"`
	RoutingShareBps   uint64 `mapstructure:"routing_share_bps" json:"routing_share_bps"`
	UBIShareBps       uint64 `mapstructure:"ubi_share_bps" json:"ubi_share_bps"`
}

// MeshConfig tunes internal/mesh.
type MeshConfig struct {
	DeliveryTrackingCapacity int `mapstructure:"delivery_tracking_capacity" json:"delivery_tracking_capacity"`
}

// LoggingConfig controls the shared logrus logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// Config is the unified configuration for a ZHTP node. Its mapstructure
// tags give the structure of the YAML file that Load reads.
type Config struct {
	Node       NodeConfig       `mapstructure:"node" json:"node"`
	NonceCache NonceCacheConfig `mapstructure:"nonce_cache" json:"nonce_cache"`
	Handshake  HandshakeConfig  `mapstructure:"handshake" json:"handshake"`
	Validator  ValidatorConfig  `mapstructure:"validator" json:"validator"`
	Consensus  ConsensusConfig  `mapstructure:"consensus" json:"consensus"`
	DAO        DAOConfig        `mapstructure:"dao" json:"dao"`
	Rewards    RewardsConfig    `mapstructure:"rewards" json:"rewards"`
	Mesh       MeshConfig       `mapstructure:"mesh" json:"mesh"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
}

// Default returns the configuration that applies when no file or
// environment override is present, carrying each component's own
// magic numbers (§6, §4.10, §4.13 Open Question decisions) so Default
// and each package's own DefaultConfig never drift apart silently —
// see Validate.
func Default() Config {
	home := "$HOME/.zhtp"
	return Config{
		Node: NodeConfig{
			DID:        "did:zhtp:local",
			DeviceName: "default",
			DataDir:    home,
			ListenAddr: ":4433",
		},
		NonceCache: NonceCacheConfig{
			Capacity: 100_000,
			TTL:      3600 * time.Second,
		},
		Handshake: HandshakeConfig{
			Capabilities: []string{"zhtp-uhp/1"},
		},
		Validator: ValidatorConfig{
			MinStake:   1000,
			MinStorage: 0,
		},
		Consensus: ConsensusConfig{
			Type:                   "bft",
			ProposeTimeout:         2 * time.Second,
			PrevoteTimeout:         time.Second,
			PrecommitTimeout:       time.Second,
			ReputationReward:       1,
			ReputationCap:          int64(validator.MaxReputation),
			RoundHistoryLimit:      100,
			RequireValidatorQuorum: true,
		},
		DAO: DAOConfig{
			QuorumGeneral:         3,
			QuorumParameterChange: 5,
			QuorumBudget:          7,
			RoundHistoryLimit:     200,
			TreasuryInitialFunds:  0,
		},
		Rewards: RewardsConfig{
			BaseReward:        1_000_000,
			HalvingPeriod:     210_000,
			ValidatorShareBps: 3000,
			RoutingShareBps:   3000,
			UBIShareBps:       4000,
		},
		Mesh: MeshConfig{
			DeliveryTrackingCapacity: 10_000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate rejects a config whose values would silently diverge from
// an invariant another package already enforces as a constant — e.g.
// internal/validator's MaxReputation — rather than let the two drift
// apart unnoticed.
func (c Config) Validate() error {
	if c.Consensus.ReputationCap != int64(validator.MaxReputation) {
		return fmt.Errorf("config: consensus.reputation_cap (%d) must match internal/validator.MaxReputation (%d)", c.Consensus.ReputationCap, validator.MaxReputation)
	}
	if sum := c.Rewards.ValidatorShareBps + c.Rewards.RoutingShareBps + c.Rewards.UBIShareBps; sum != 10000 {
		return fmt.Errorf("config: rewards shares must sum to 10000 basis points, got %d", sum)
	}
	return nil
}

// Load reads the named config file (searched under ./config and the
// working directory) and merges environment variable overrides prefixed ZHTP_,
// following the teacher's viper-based Load shape.
func Load(name string) (*Config, error) {
	v := viper.New()
	cfg := Default()

	v.SetConfigName(name)
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ZHTP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
