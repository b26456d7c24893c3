package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("committee quorum message")
	sig, err := Sign(AlgoEd25519, priv, msg)
	require.NoError(t, err)

	ok, err := Verify(AlgoEd25519, pub, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Verify(AlgoEd25519, pub, []byte("different message"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignRejectsWrongKeyType(t *testing.T) {
	_, err := Sign(AlgoEd25519, []byte("not a real key"), []byte("msg"))
	require.Error(t, err)
}

func TestSignVerifyBLS(t *testing.T) {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	pub := sk.GetPublicKey()

	msg := []byte("epoch header root")
	sig, err := Sign(AlgoBLS, &sk, msg)
	require.NoError(t, err)

	ok, err := Verify(AlgoBLS, pub, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAggregateBLSSigsAndVerifyAggregated(t *testing.T) {
	var sk1, sk2 bls.SecretKey
	sk1.SetByCSPRNG()
	sk2.SetByCSPRNG()

	msg := []byte("shared epoch root")
	sig1, err := Sign(AlgoBLS, &sk1, msg)
	require.NoError(t, err)
	sig2, err := Sign(AlgoBLS, &sk2, msg)
	require.NoError(t, err)

	aggSig, err := AggregateBLSSigs([][]byte{sig1, sig2})
	require.NoError(t, err)

	var pubAgg bls.PublicKey
	pub1, pub2 := sk1.GetPublicKey(), sk2.GetPublicKey()
	pubAgg.Add(pub1)
	pubAgg.Add(pub2)

	ok, err := VerifyAggregated(aggSig, pubAgg.Serialize(), msg)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAggregateBLSSigsRejectsEmptyInput(t *testing.T) {
	_, err := AggregateBLSSigs(nil)
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plaintext := []byte("wallet seed backup")
	aad := []byte("backup-v1")

	blob, err := Encrypt(key, plaintext, aad)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, blob)

	decrypted, err := Decrypt(key, blob, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	blob, err := Encrypt(key, []byte("secret"), nil)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF

	_, err = Decrypt(key, blob, nil)
	require.Error(t, err)
}

func TestDecryptRejectsWrongAAD(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	blob, err := Encrypt(key, []byte("secret"), []byte("context-a"))
	require.NoError(t, err)

	_, err = Decrypt(key, blob, []byte("context-b"))
	require.Error(t, err)
}
