package core

import (
	"testing"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"github.com/stretchr/testify/require"
)

func TestEpochHeaderMarshalUnmarshalRoundTrip(t *testing.T) {
	h := &EpochHeader{
		Timestamp: 123456,
		Prev:      Blake2b256([]byte("prev")),
		Txs:       []Hash{Blake2b256([]byte("tx1")), Blake2b256([]byte("tx2"))},
		PreVotes:  []U512{{1, 2}, {3, 4}},
		Votes:     []U512{{5, 6}},
		Signature: U512{7, 8},
	}
	data, err := h.MarshalBinary()
	require.NoError(t, err)

	var decoded EpochHeader
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, h, &decoded)
}

func TestEpochHeaderUnmarshalBinaryRejectsTruncated(t *testing.T) {
	var h EpochHeader
	err := h.UnmarshalBinary([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEpochHeaderHashIgnoresSignaturesButNotTxList(t *testing.T) {
	base := &EpochHeader{Timestamp: 1, Prev: Blake2b256([]byte("p")), Txs: []Hash{Blake2b256([]byte("tx"))}}
	withSig := &EpochHeader{Timestamp: 1, Prev: base.Prev, Txs: base.Txs, Signature: U512{9}}
	require.Equal(t, base.Hash(), withSig.Hash(), "signature fields must not affect the header's identity hash")

	differentTxs := &EpochHeader{Timestamp: 1, Prev: base.Prev, Txs: []Hash{Blake2b256([]byte("other"))}}
	require.NotEqual(t, base.Hash(), differentTxs.Hash())
}

func TestMerkleRootOfHashesEmptyIsZero(t *testing.T) {
	require.Equal(t, Hash{}, MerkleRootOfHashes(nil))
}

func TestMerkleRootOfHashesIsOrderSensitive(t *testing.T) {
	a := Blake2b256([]byte("a"))
	b := Blake2b256([]byte("b"))
	require.NotEqual(t, MerkleRootOfHashes([]Hash{a, b}), MerkleRootOfHashes([]Hash{b, a}))
}

func TestAggregateVotesCombinesBLSSignatures(t *testing.T) {
	var sk1, sk2 bls.SecretKey
	sk1.SetByCSPRNG()
	sk2.SetByCSPRNG()

	msg := []byte("epoch-header-root")
	sig1 := sk1.SignByte(msg)
	sig2 := sk2.SignByte(msg)

	agg := AggregateVotes([]bls.Sign{*sig1, *sig2})
	require.NotEmpty(t, agg)

	var decoded bls.Sign
	require.NoError(t, decoded.Deserialize(agg))
}

func TestAggregateVotesEmptyInputReturnsNil(t *testing.T) {
	require.Nil(t, AggregateVotes(nil))
}
