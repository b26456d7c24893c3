package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateWorkAcceptsLowThreshold(t *testing.T) {
	root := Blake2b256([]byte("account-open-root"))
	require.True(t, ValidateWork(root, 0, 0), "zero threshold must accept any nonce")
}

func TestValidateWorkRejectsInsufficientNonce(t *testing.T) {
	root := Blake2b256([]byte("account-open-root"))
	require.False(t, ValidateWork(root, 0, ^uint64(0)), "max threshold must reject any nonce it wasn't mined for")
}

func TestValidateWorkIsDeterministic(t *testing.T) {
	root := Blake2b256([]byte("deterministic-root"))
	require.Equal(t, workHash(root, 42), workHash(root, 42))
	require.NotEqual(t, workHash(root, 42), workHash(root, 43))
}

func TestBlockWorkRootUsesSourceForOpen(t *testing.T) {
	source := Blake2b256([]byte("source"))
	previous := Blake2b256([]byte("previous"))

	open := &Block{Kind: KindOpen, Source: source, Previous: previous}
	require.Equal(t, source, BlockWorkRoot(open))

	send := &Block{Kind: KindSend, Source: source, Previous: previous}
	require.Equal(t, previous, BlockWorkRoot(send))
}

func TestPrecomputeWorkProducesValidatingNonce(t *testing.T) {
	_, mnemonic, err := NewRandomWallet(128)
	require.NoError(t, err)
	require.NotEmpty(t, mnemonic)
	wallet, err := WalletFromMnemonic(mnemonic, "")
	require.NoError(t, err)

	root := Blake2b256([]byte("precompute-root"))
	const threshold = 0x0000ffffffffffff // easy threshold, converges quickly in tests
	nonce := wallet.PrecomputeWork(root, threshold)
	require.True(t, ValidateWork(root, nonce, threshold))
}
