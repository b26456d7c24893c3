package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStorePutGetDelBlock(t *testing.T) {
	store := openTestStore(t)
	prev := &Block{Kind: KindOpen, Source: Blake2b256([]byte("prev")), Work: 1}
	b := &Block{Kind: KindChange, Previous: prev.Hash(), Work: 1}

	err := store.Update(func(tx *bbolt.Tx) error {
		_, err := store.PutBlock(tx, prev)
		require.NoError(t, err)
		hash, err := store.PutBlock(tx, b)
		require.NoError(t, err)
		require.Equal(t, b.Hash(), hash)

		got, err := store.GetBlock(tx, hash)
		require.NoError(t, err)
		require.Equal(t, b, got)

		require.NoError(t, store.DelBlock(tx, hash, b.Kind))
		_, err = store.GetBlock(tx, hash)
		require.ErrorIs(t, err, ErrBlockNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreAccountPutGetDelExists(t *testing.T) {
	store := openTestStore(t)
	var account Account
	account[0] = 1
	info := AccountInfo{Head: Blake2b256([]byte("head")), Open: Blake2b256([]byte("open")), Balance: U128{1}, BlockCount: 3}

	err := store.Update(func(tx *bbolt.Tx) error {
		require.False(t, store.AccountExists(tx, account))
		require.NoError(t, store.AccountPut(tx, account, info))
		require.True(t, store.AccountExists(tx, account))

		got, err := store.AccountGet(tx, account)
		require.NoError(t, err)
		require.Equal(t, info, got)

		require.NoError(t, store.AccountDel(tx, account))
		require.False(t, store.AccountExists(tx, account))
		return nil
	})
	require.NoError(t, err)
}

func TestStorePendingPutGetExistsDel(t *testing.T) {
	store := openTestStore(t)
	var dest Account
	dest[0] = 2
	sendHash := Blake2b256([]byte("send"))
	entry := PendingEntry{Source: Blake2b256([]byte("src")), Amount: U128{0, 1}}

	err := store.Update(func(tx *bbolt.Tx) error {
		require.False(t, store.PendingExists(tx, dest, sendHash))
		require.NoError(t, store.PendingPut(tx, dest, sendHash, entry))
		require.True(t, store.PendingExists(tx, dest, sendHash))

		got, err := store.PendingGet(tx, dest, sendHash)
		require.NoError(t, err)
		require.Equal(t, entry, got)

		require.NoError(t, store.PendingDel(tx, dest, sendHash))
		_, err = store.PendingGet(tx, dest, sendHash)
		require.ErrorIs(t, err, ErrPendingNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreFrontierPutGetDel(t *testing.T) {
	store := openTestStore(t)
	head := Blake2b256([]byte("head"))
	var account Account
	account[0] = 3

	err := store.Update(func(tx *bbolt.Tx) error {
		require.NoError(t, store.FrontierPut(tx, head, account))
		got, err := store.FrontierGet(tx, head)
		require.NoError(t, err)
		require.Equal(t, account, got)

		require.NoError(t, store.FrontierDel(tx, head))
		_, err = store.FrontierGet(tx, head)
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreBlockInfoPutGetDel(t *testing.T) {
	store := openTestStore(t)
	hash := Blake2b256([]byte("block"))
	var account Account
	account[0] = 4
	balance := U128{0, 0, 1}

	err := store.Update(func(tx *bbolt.Tx) error {
		require.NoError(t, store.BlockInfoPut(tx, hash, account, balance))
		gotAccount, gotBalance, err := store.BlockInfoGet(tx, hash)
		require.NoError(t, err)
		require.Equal(t, account, gotAccount)
		require.Equal(t, balance, gotBalance)

		require.NoError(t, store.BlockInfoDel(tx, hash))
		_, _, err = store.BlockInfoGet(tx, hash)
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreUncheckedPutGetDel(t *testing.T) {
	store := openTestStore(t)
	missing := Blake2b256([]byte("missing"))
	parked := &Block{Kind: KindChange, Previous: missing, Work: 9}

	err := store.Update(func(tx *bbolt.Tx) error {
		require.NoError(t, store.UncheckedPut(tx, missing, parked))

		got, err := store.UncheckedGet(tx, missing)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, parked, got[0])

		require.NoError(t, store.UncheckedDel(tx, missing, parked.Kind, parked.Hash()))
		got, err = store.UncheckedGet(tx, missing)
		require.NoError(t, err)
		require.Empty(t, got)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreVotePutRejectsNonIncreasingSequence(t *testing.T) {
	store := openTestStore(t)
	var account Account
	account[0] = 5

	v1 := &Vote{Account: account, Sequence: 5, Block: Blake2b256([]byte("b1"))}
	v2 := &Vote{Account: account, Sequence: 3, Block: Blake2b256([]byte("b2"))}
	v3 := &Vote{Account: account, Sequence: 7, Block: Blake2b256([]byte("b3"))}

	err := store.Update(func(tx *bbolt.Tx) error {
		ok, err := store.VotePut(tx, v1)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.VotePut(tx, v2)
		require.NoError(t, err)
		require.False(t, ok, "a lower sequence must be rejected as a replay")

		ok, err = store.VotePut(tx, v3)
		require.NoError(t, err)
		require.True(t, ok)

		current, err := store.VoteCurrent(tx, account)
		require.NoError(t, err)
		require.Equal(t, v3, current)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreChecksumAccumulatesXOROfPutBlocks(t *testing.T) {
	store := openTestStore(t)
	a := &Block{Kind: KindOpen, Source: Blake2b256([]byte("a"))}
	b := &Block{Kind: KindOpen, Source: Blake2b256([]byte("b"))}

	err := store.Update(func(tx *bbolt.Tx) error {
		before := store.Checksum(tx)
		_, err := store.PutBlock(tx, a)
		require.NoError(t, err)
		_, err = store.PutBlock(tx, b)
		require.NoError(t, err)
		after := store.Checksum(tx)
		require.NotEqual(t, before, after)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreGetNodeIDIsStableAcrossCalls(t *testing.T) {
	store := openTestStore(t)
	id1, err := store.GetNodeID()
	require.NoError(t, err)
	id2, err := store.GetNodeID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.NotEqual(t, U256{}, id1)
}

func TestStoreVersionPutGet(t *testing.T) {
	store := openTestStore(t)
	err := store.Update(func(tx *bbolt.Tx) error {
		require.Equal(t, uint32(0), store.VersionGet(tx))
		require.NoError(t, store.VersionPut(tx, 7))
		require.Equal(t, uint32(7), store.VersionGet(tx))
		return nil
	})
	require.NoError(t, err)
}
