package core

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestU128AddSub(t *testing.T) {
	a := U128FromBigInt(big.NewInt(500))
	b := U128FromBigInt(big.NewInt(200))

	sum := a.Add(b)
	require.Equal(t, "700", sum.String())

	diff, ok := a.Sub(b)
	require.True(t, ok)
	require.Equal(t, "300", diff.String())

	_, ok = b.Sub(a)
	require.False(t, ok, "underflow must be reported, not wrapped")
}

func TestU128FromBigIntOverflowPanics(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 129)
	require.Panics(t, func() { U128FromBigInt(huge) })
}

func TestAccountEncodeDecodeRoundTrip(t *testing.T) {
	var pub U256
	for i := range pub {
		pub[i] = byte(i)
	}
	encoded := EncodeAccount(pub)
	require.Contains(t, encoded, accountPrefix)

	decoded, err := DecodeAccount(encoded)
	require.NoError(t, err)
	require.Equal(t, pub, decoded)
}

func TestDecodeAccountRejectsMutatedChecksum(t *testing.T) {
	var pub U256
	pub[0] = 0xAB
	encoded := EncodeAccount(pub)

	mutated := []byte(encoded)
	last := mutated[len(mutated)-1]
	for _, c := range []byte(accountAlpha) {
		if c != last {
			mutated[len(mutated)-1] = c
			break
		}
	}

	_, err := DecodeAccount(string(mutated))
	require.Error(t, err)
}

func TestDecodeAccountRejectsBadPrefix(t *testing.T) {
	_, err := DecodeAccount("xyz_notanaccount")
	require.Error(t, err)
}

func TestBlake2b256Deterministic(t *testing.T) {
	h1 := Blake2b256([]byte("left"), []byte("right"))
	h2 := Blake2b256([]byte("left"), []byte("right"))
	require.Equal(t, h1, h2)

	h3 := Blake2b256([]byte("left"), []byte("rightx"))
	require.NotEqual(t, h1, h3)
}

func TestU256IsZero(t *testing.T) {
	var zero U256
	require.True(t, zero.IsZero())

	zero[0] = 1
	require.False(t, zero.IsZero())
}
