package core

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"go.etcd.io/bbolt"
)

// Genesis is the baked-in first block and account for one named network
// (§10.3): JSON text naming the account and the signature over it. Total
// supply is always u128::MAX, credited entirely to this account.
type Genesis struct {
	Network   string `json:"network"`
	Account   string `json:"account"` // ntc_... encoded
	Signature string `json:"signature,omitempty"`
}

func maxU128() U128 {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	return U128FromBigInt(max)
}

// ParseGenesis decodes a genesis JSON document.
func ParseGenesis(raw []byte) (*Genesis, error) {
	var g Genesis
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("core: parse genesis: %w", err)
	}
	return &g, nil
}

// NewGenesis builds and signs a fresh genesis document for network, using
// priv as the genesis account's signing key.
func NewGenesis(network string, pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Genesis, error) {
	var account Account
	copy(account[:], pub)
	g := &Genesis{Network: network, Account: EncodeAccount(account)}
	body, err := json.Marshal(struct {
		Network string `json:"network"`
		Account string `json:"account"`
	}{g.Network, g.Account})
	if err != nil {
		return nil, err
	}
	sig, err := Sign(AlgoEd25519, priv, body)
	if err != nil {
		return nil, err
	}
	g.Signature = fmt.Sprintf("%x", sig)
	return g, nil
}

// Initialize writes the genesis block/account/frontier/checksum into a fresh
// store: a state block opening the genesis account with balance ==
// u128::MAX and no predecessor. This is the only place a block is ever
// admitted into the store without going through Ledger.Process — genesis
// has no predecessor and no signer other than itself to satisfy the normal
// validation order against.
func (g *Genesis) Initialize(store *Store) (Hash, error) {
	account, err := DecodeAccount(g.Account)
	if err != nil {
		return Hash{}, fmt.Errorf("core: genesis account: %w", err)
	}
	supply := maxU128()
	block := &Block{Kind: KindState, Account: account, Balance: supply}

	var hash Hash
	err = store.Update(func(tx *bbolt.Tx) error {
		if store.AccountExists(tx, account) {
			return fmt.Errorf("core: genesis account already initialized")
		}
		h, err := store.PutBlock(tx, block)
		if err != nil {
			return err
		}
		hash = h
		info := AccountInfo{
			Head:            hash,
			Open:            hash,
			Balance:         supply,
			ModifiedSeconds: uint64(time.Now().Unix()),
			BlockCount:      1,
		}
		if err := store.AccountPut(tx, account, info); err != nil {
			return err
		}
		if err := store.FrontierPut(tx, hash, account); err != nil {
			return err
		}
		return store.BlockInfoPut(tx, hash, account, supply)
	})
	if err != nil {
		return Hash{}, err
	}
	return hash, nil
}
