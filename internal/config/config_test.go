package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsMismatchedReputationCap(t *testing.T) {
	c := Default()
	c.Consensus.ReputationCap = 1
	require.Error(t, c.Validate())
}

func TestValidateRejectsRewardSharesNotSummingToTenThousand(t *testing.T) {
	c := Default()
	c.Rewards.UBIShareBps = 1000
	require.Error(t, c.Validate())
}

func TestLoadWithoutConfigFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("does-not-exist")
	require.NoError(t, err)
	require.Equal(t, Default().Rewards, cfg.Rewards)
}
