package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStakeManager(t *testing.T) *StakePenaltyManager {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewStakePenaltyManager(nil, store)
}

func TestStakePenaltyAdjustStakeAccumulates(t *testing.T) {
	spm := newTestStakeManager(t)
	var account Account
	account[0] = 1

	require.NoError(t, spm.AdjustStake(account, 100))
	require.NoError(t, spm.AdjustStake(account, 50))
	require.Equal(t, uint64(150), spm.StakeOf(account))

	require.NoError(t, spm.AdjustStake(account, -150))
	require.Equal(t, uint64(0), spm.StakeOf(account))
}

func TestStakePenaltyAdjustStakeRejectsNegativeResult(t *testing.T) {
	spm := newTestStakeManager(t)
	var account Account
	account[0] = 2
	require.NoError(t, spm.AdjustStake(account, 10))

	err := spm.AdjustStake(account, -20)
	require.Error(t, err)
	require.Equal(t, uint64(10), spm.StakeOf(account), "a rejected adjustment must not partially apply")
}

func TestStakePenaltyPenalizeAndReset(t *testing.T) {
	spm := newTestStakeManager(t)
	var account Account
	account[0] = 3

	require.NoError(t, spm.Penalize(account, 5, "missed pre_vote"))
	require.NoError(t, spm.Penalize(account, 3, "missed vote"))
	require.Equal(t, uint32(8), spm.PenaltyOf(account))

	require.NoError(t, spm.ResetPenalty(account))
	require.Equal(t, uint32(0), spm.PenaltyOf(account))
}

func TestStakePenaltySlashStake(t *testing.T) {
	spm := newTestStakeManager(t)
	var account Account
	account[0] = 4
	require.NoError(t, spm.AdjustStake(account, 1000))

	slashed, err := spm.SlashStake(account, 0.25)
	require.NoError(t, err)
	require.Equal(t, uint64(250), slashed)
	require.Equal(t, uint64(750), spm.StakeOf(account))
}

func TestStakePenaltySlashStakeRejectsOutOfRangeFraction(t *testing.T) {
	spm := newTestStakeManager(t)
	var account Account
	account[0] = 5
	require.NoError(t, spm.AdjustStake(account, 100))

	_, err := spm.SlashStake(account, 0)
	require.Error(t, err)
	_, err = spm.SlashStake(account, 1.5)
	require.Error(t, err)
}

func TestStakePenaltySlashStakeRejectsZeroStake(t *testing.T) {
	spm := newTestStakeManager(t)
	var account Account
	account[0] = 6
	_, err := spm.SlashStake(account, 0.5)
	require.Error(t, err)
}
