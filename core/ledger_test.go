package core

import (
	"crypto/ed25519"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testLedgerFixture struct {
	ledger        *Ledger
	store         *Store
	genesisPriv   ed25519.PrivateKey
	genesisAccount Account
}

func newLedgerFixture(t *testing.T) *testLedgerFixture {
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
	return &testLedgerFixture{ledger: ledger, store: store, genesisPriv: priv, genesisAccount: account}
}

func (f *testLedgerFixture) genesisHead(t *testing.T) Hash {
	head, err := f.ledger.Latest(f.genesisAccount)
	require.NoError(t, err)
	return head
}

func TestLedgerProcessStateSendThenReceive(t *testing.T) {
	f := newLedgerFixture(t)
	head := f.genesisHead(t)

	destPub, destPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var dest Account
	copy(dest[:], destPub)

	amount := U128FromBigInt(big.NewInt(1000))
	remaining, ok := maxU128().Sub(amount)
	require.True(t, ok)

	send := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: remaining, Link: dest}
	send.Sign(f.genesisPriv)

	result, err := f.ledger.Process(send)
	require.NoError(t, err)
	require.Equal(t, CodeProgress, result.Code)
	require.True(t, result.StateIsSend)
	require.Equal(t, amount, result.Amount)

	sendHash := send.Hash()
	open := &Block{Kind: KindState, Account: dest, Balance: amount, Link: sendHash}
	open.Sign(destPriv)

	result, err = f.ledger.Process(open)
	require.NoError(t, err)
	require.Equal(t, CodeProgress, result.Code)

	bal, err := f.ledger.Balance(dest)
	require.NoError(t, err)
	require.Equal(t, amount, bal)

	genesisBal, err := f.ledger.Balance(f.genesisAccount)
	require.NoError(t, err)
	require.Equal(t, remaining, genesisBal)
}

func TestLedgerProcessRejectsDuplicateBlock(t *testing.T) {
	f := newLedgerFixture(t)
	head := f.genesisHead(t)

	send := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: U128FromBigInt(big.NewInt(1))}
	send.Sign(f.genesisPriv)

	_, err := f.ledger.Process(send)
	require.NoError(t, err)

	result, err := f.ledger.Process(send)
	require.NoError(t, err)
	require.Equal(t, CodeOld, result.Code)
}

func TestLedgerProcessRejectsBadSignature(t *testing.T) {
	f := newLedgerFixture(t)
	head := f.genesisHead(t)

	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	send := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: U128FromBigInt(big.NewInt(1))}
	send.Sign(otherPriv)

	result, err := f.ledger.Process(send)
	require.NoError(t, err)
	require.Equal(t, CodeBadSignature, result.Code)
}

func TestLedgerProcessDetectsForkAtSameHeight(t *testing.T) {
	f := newLedgerFixture(t)
	head := f.genesisHead(t)

	a := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: U128FromBigInt(big.NewInt(1))}
	a.Sign(f.genesisPriv)
	_, err := f.ledger.Process(a)
	require.NoError(t, err)

	b := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: U128FromBigInt(big.NewInt(2))}
	b.Sign(f.genesisPriv)
	result, err := f.ledger.Process(b)
	require.NoError(t, err)
	require.Equal(t, CodeFork, result.Code)
}

func TestLedgerProcessGapPreviousOnUnknownPredecessor(t *testing.T) {
	f := newLedgerFixture(t)

	send := &Block{Kind: KindState, Account: f.genesisAccount, Previous: Blake2b256([]byte("never-existed")), Balance: U128FromBigInt(big.NewInt(1))}
	send.Sign(f.genesisPriv)

	result, err := f.ledger.Process(send)
	require.NoError(t, err)
	require.Equal(t, CodeGapPrevious, result.Code)
}

func TestLedgerProcessGapSourceOnUnknownLink(t *testing.T) {
	f := newLedgerFixture(t)

	destPub, destPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var dest Account
	copy(dest[:], destPub)

	open := &Block{Kind: KindState, Account: dest, Balance: U128FromBigInt(big.NewInt(1)), Link: Blake2b256([]byte("no-such-send"))}
	open.Sign(destPriv)

	result, err := f.ledger.Process(open)
	require.NoError(t, err)
	require.Equal(t, CodeGapSource, result.Code)
}

func TestLedgerProcessRejectsNegativeSpend(t *testing.T) {
	f := newLedgerFixture(t)
	head := f.genesisHead(t)

	opened := U128FromBigInt(big.NewInt(1000))
	remaining, ok := maxU128().Sub(opened)
	require.True(t, ok)

	destPub, destPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var dest Account
	copy(dest[:], destPub)

	send := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: remaining, Link: dest}
	send.Sign(f.genesisPriv)
	_, err = f.ledger.Process(send)
	require.NoError(t, err)

	open := &Block{Kind: KindState, Account: dest, Balance: opened, Link: send.Hash()}
	open.Sign(destPriv)
	_, err = f.ledger.Process(open)
	require.NoError(t, err)

	var thirdParty Account
	thirdParty[0] = 0xAB
	overspend := &Block{Kind: KindSend, Previous: open.Hash(), Destination: thirdParty, Balance: opened.Add(U128FromBigInt(big.NewInt(1)))}
	overspend.Sign(destPriv)

	result, err := f.ledger.Process(overspend)
	require.NoError(t, err)
	require.Equal(t, CodeNegativeSpend, result.Code)
}

func TestLedgerRollbackRestoresPriorState(t *testing.T) {
	f := newLedgerFixture(t)
	head := f.genesisHead(t)

	amount := U128FromBigInt(big.NewInt(500))
	remaining, ok := maxU128().Sub(amount)
	require.True(t, ok)

	send := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: remaining}
	send.Sign(f.genesisPriv)
	_, err := f.ledger.Process(send)
	require.NoError(t, err)

	sendHash := send.Hash()
	require.NoError(t, f.ledger.Rollback(sendHash))

	bal, err := f.ledger.Balance(f.genesisAccount)
	require.NoError(t, err)
	require.Equal(t, maxU128(), bal)

	latest, err := f.ledger.Latest(f.genesisAccount)
	require.NoError(t, err)
	require.Equal(t, head, latest)

	require.False(t, f.ledger.BlockExists(sendHash))
}

func TestLedgerWeightMirrorsBalance(t *testing.T) {
	f := newLedgerFixture(t)
	weight, err := f.ledger.Weight(f.genesisAccount)
	require.NoError(t, err)
	bal, err := f.ledger.Balance(f.genesisAccount)
	require.NoError(t, err)
	require.Equal(t, bal, weight)
}
