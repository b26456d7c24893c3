package core

import (
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenesisInitializeCreditsMaxSupply(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	genesis, err := NewGenesis("devnet", pub, priv)
	require.NoError(t, err)
	require.NotEmpty(t, genesis.Signature)

	store, err := OpenStore(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	defer store.Close()

	hash, err := genesis.Initialize(store)
	require.NoError(t, err)
	require.False(t, hash.IsZero())

	account, err := DecodeAccount(genesis.Account)
	require.NoError(t, err)

	ledger := NewLedger(store, DefaultNetworkParams(), nil)
	balance, err := ledger.Balance(account)
	require.NoError(t, err)
	require.Equal(t, maxU128(), balance)
}

func TestGenesisInitializeRejectsDoubleInit(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	genesis, err := NewGenesis("devnet", pub, priv)
	require.NoError(t, err)

	store, err := OpenStore(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = genesis.Initialize(store)
	require.NoError(t, err)

	_, err = genesis.Initialize(store)
	require.Error(t, err)
}

func TestParseGenesisRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	genesis, err := NewGenesis("mainnet", pub, priv)
	require.NoError(t, err)

	raw, err := json.Marshal(genesis)
	require.NoError(t, err)

	parsed, err := ParseGenesis(raw)
	require.NoError(t, err)
	require.Equal(t, genesis.Network, parsed.Network)
	require.Equal(t, genesis.Account, parsed.Account)
}
