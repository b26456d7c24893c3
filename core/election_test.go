package core

import (
	"crypto/ed25519"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, Account, ed25519.PrivateKey) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	genesis, err := NewGenesis("testnet", pub, priv)
	require.NoError(t, err)
	_, err = genesis.Initialize(store)
	require.NoError(t, err)

	account, err := DecodeAccount(genesis.Account)
	require.NoError(t, err)

	params := DefaultNetworkParams()
	params.WorkThreshold = 0
	ledger := NewLedger(store, params, nil)
	return ledger, account, priv
}

// candidateBlock builds a signed state block competing at head, so it is a
// genuine fork candidate the ledger would reject with CodeFork rather than a
// synthetic hash that was never submitted to Process.
func candidateBlock(priv ed25519.PrivateKey, account Account, head Hash, balance int64) *Block {
	b := &Block{Kind: KindState, Account: account, Previous: head, Balance: U128FromBigInt(big.NewInt(balance))}
	b.Sign(priv)
	return b
}

func TestElectionReachesQuorumOnDominantVoter(t *testing.T) {
	ledger, account, priv := newTestLedger(t)
	mgr := NewElectionManager(ledger, DefaultNetworkParams(), nil)

	head, err := ledger.Latest(account)
	require.NoError(t, err)
	root := head
	candidate := candidateBlock(priv, account, head, 1)
	mgr.Start(root, candidate)

	e, err := mgr.CastVote(root, account, candidate.Hash())
	require.NoError(t, err)
	require.Equal(t, ElectionQuorumReached, e.Status)
	require.Equal(t, candidate.Hash(), e.Winner)
}

func TestElectionRootForFindsContestedCandidate(t *testing.T) {
	ledger, account, priv := newTestLedger(t)
	mgr := NewElectionManager(ledger, DefaultNetworkParams(), nil)

	head, err := ledger.Latest(account)
	require.NoError(t, err)
	candidate := candidateBlock(priv, account, head, 2)
	mgr.Start(head, candidate)

	got, ok := mgr.RootFor(candidate.Hash())
	require.True(t, ok)
	require.Equal(t, head, got)

	_, ok = mgr.RootFor(Blake2b256([]byte("never-started")))
	require.False(t, ok)
}

// TestElectionConfirmRollsBackLosersAndAppliesWinner drives a real double
// spend through the ledger: two state blocks compete at the same previous
// hash, the loser is actually applied first (so it is the chain head when
// the winner shows up as a CodeFork candidate), and Confirm must roll the
// loser back AND re-apply the winner so the account chain ends up headed by
// the winning hash, not headless.
func TestElectionConfirmRollsBackLosersAndAppliesWinner(t *testing.T) {
	ledger, account, priv := newTestLedger(t)
	mgr := NewElectionManager(ledger, DefaultNetworkParams(), nil)

	head, err := ledger.Latest(account)
	require.NoError(t, err)
	root := head

	loser := candidateBlock(priv, account, head, 1)
	winner := candidateBlock(priv, account, head, 2)

	// The loser lands first and is actually committed to the ledger.
	result, err := ledger.Process(loser)
	require.NoError(t, err)
	require.Equal(t, CodeProgress, result.Code)
	require.True(t, ledger.BlockExists(loser.Hash()))

	// The winner arrives afterward and is rejected as a fork; the processor
	// would register it (and only it, never the already-applied loser) with
	// the election manager.
	result, err = ledger.Process(winner)
	require.NoError(t, err)
	require.Equal(t, CodeFork, result.Code)
	require.False(t, ledger.BlockExists(winner.Hash()))

	mgr.Start(root, loser)
	mgr.Start(root, winner)

	_, err = mgr.CastVote(root, account, winner.Hash())
	require.NoError(t, err)

	hash, err := mgr.Confirm(root)
	require.NoError(t, err)
	require.Equal(t, winner.Hash(), hash)

	e, ok := mgr.Get(root)
	require.True(t, ok)
	require.Equal(t, ElectionConfirmed, e.Status)

	require.False(t, ledger.BlockExists(loser.Hash()), "loser must be rolled back")
	require.True(t, ledger.BlockExists(winner.Hash()), "winner must be re-applied")

	latest, err := ledger.Latest(account)
	require.NoError(t, err)
	require.Equal(t, winner.Hash(), latest, "account chain must be headed by the winner after confirmation")
}

func TestElectionTickAgesOutStaleElection(t *testing.T) {
	ledger, account, priv := newTestLedger(t)
	params := DefaultNetworkParams()
	params.ElectionAgeOutRounds = 2
	mgr := NewElectionManager(ledger, params, nil)

	head, err := ledger.Latest(account)
	require.NoError(t, err)
	root := head
	mgr.Start(root, candidateBlock(priv, account, head, 3))

	require.Empty(t, mgr.Tick())
	agedOut := mgr.Tick()
	require.Contains(t, agedOut, root)

	e, ok := mgr.Get(root)
	require.True(t, ok)
	require.Equal(t, ElectionAgedOut, e.Status)
}

func TestQuorumReachedRootsTracksOnlyQuorumElections(t *testing.T) {
	ledger, account, priv := newTestLedger(t)
	mgr := NewElectionManager(ledger, DefaultNetworkParams(), nil)

	head, err := ledger.Latest(account)
	require.NoError(t, err)

	observingRoot := Blake2b256([]byte("observing-root"))
	mgr.Start(observingRoot, candidateBlock(priv, account, head, 4))
	require.Empty(t, mgr.QuorumReachedRoots())

	quorumRoot := head
	candidate := candidateBlock(priv, account, head, 5)
	mgr.Start(quorumRoot, candidate)
	_, err = mgr.CastVote(quorumRoot, account, candidate.Hash())
	require.NoError(t, err)

	require.Equal(t, []Hash{quorumRoot}, mgr.QuorumReachedRoots())
}
