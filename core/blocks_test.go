package core

import (
	"crypto/ed25519"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockMarshalUnmarshalRoundTripAllKinds(t *testing.T) {
	cases := []*Block{
		{Kind: KindSend, Previous: Blake2b256([]byte("p")), Destination: Blake2b256([]byte("d")), Balance: U128FromBigInt(big.NewInt(7)), Work: 42},
		{Kind: KindReceive, Previous: Blake2b256([]byte("p")), Source: Blake2b256([]byte("s")), Work: 7},
		{Kind: KindOpen, Source: Blake2b256([]byte("s")), Account: Blake2b256([]byte("a")), Work: 1},
		{Kind: KindChange, Previous: Blake2b256([]byte("p")), Work: 3},
		{Kind: KindState, Account: Blake2b256([]byte("a")), Previous: Blake2b256([]byte("p")), Balance: U128FromBigInt(big.NewInt(99)), Link: Blake2b256([]byte("l")), Work: 5},
	}
	for _, b := range cases {
		data, err := b.MarshalBinary()
		require.NoError(t, err)

		decoded := &Block{Kind: b.Kind}
		require.NoError(t, decoded.UnmarshalBinary(data))
		require.Equal(t, b, decoded)
	}
}

func TestBlockUnmarshalBinaryRejectsWrongLength(t *testing.T) {
	b := &Block{Kind: KindSend}
	err := b.UnmarshalBinary([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestBlockHashDiffersAcrossKindsForSameFields(t *testing.T) {
	shared := Blake2b256([]byte("shared"))
	change := &Block{Kind: KindChange, Previous: shared}
	state := &Block{Kind: KindState, Previous: shared}
	require.NotEqual(t, change.Hash(), state.Hash(), "state's variant preamble must keep its hash out of legacy-block hash space")
}

func TestBlockSignAndVerifySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var account Account
	copy(account[:], pub)

	b := &Block{Kind: KindState, Account: account, Previous: Blake2b256([]byte("p")), Balance: U128FromBigInt(big.NewInt(1))}
	b.Sign(priv)
	require.True(t, b.VerifySignature(account))

	b.Balance = U128FromBigInt(big.NewInt(2))
	require.False(t, b.VerifySignature(account), "mutating a signed field must invalidate the signature")
}

func TestBlockIsSendDetectsStateDecrease(t *testing.T) {
	b := &Block{Kind: KindState, Balance: U128FromBigInt(big.NewInt(5))}
	require.True(t, b.IsSend(U128FromBigInt(big.NewInt(10))))
	require.False(t, b.IsSend(U128FromBigInt(big.NewInt(5))))
	require.False(t, b.IsSend(U128FromBigInt(big.NewInt(1))))
}

func TestBlockRequiresPredecessorExcludesOpen(t *testing.T) {
	require.False(t, (&Block{Kind: KindOpen}).RequiresPredecessor())
	require.True(t, (&Block{Kind: KindSend}).RequiresPredecessor())
	require.True(t, (&Block{Kind: KindState}).RequiresPredecessor())
}

func TestBlockJSONRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var account Account
	copy(account[:], pub)

	b := &Block{Kind: KindState, Account: account, Previous: Blake2b256([]byte("p")), Balance: U128FromBigInt(big.NewInt(123)), Link: Blake2b256([]byte("l"))}
	b.Sign(priv)

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var decoded Block
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, b.Account, decoded.Account)
	require.Equal(t, b.Previous, decoded.Previous)
	require.Equal(t, b.Balance, decoded.Balance)
	require.Equal(t, b.Link, decoded.Link)
	require.Equal(t, b.Signature, decoded.Signature)
	require.True(t, decoded.VerifySignature(account))
}

func TestBlockUnmarshalJSONRejectsUnknownType(t *testing.T) {
	var b Block
	err := json.Unmarshal([]byte(`{"type":"bogus"}`), &b)
	require.Error(t, err)
}
