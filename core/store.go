package core

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names mirror §6's on-disk store layout exactly.
var (
	bucketFrontiers   = []byte("frontiers")
	bucketAccounts    = []byte("accounts")
	bucketSend        = []byte("send_blocks")
	bucketReceive     = []byte("receive_blocks")
	bucketOpen        = []byte("open_blocks")
	bucketChange      = []byte("change_blocks")
	bucketState       = []byte("state_blocks")
	bucketPending     = []byte("pending")
	bucketBlocksInfo  = []byte("blocks_info")
	bucketUnchecked   = []byte("unchecked")
	bucketChecksum    = []byte("checksum")
	bucketVote        = []byte("vote")
	bucketMeta        = []byte("meta")
	bucketStake       = []byte("committee_stake")
	bucketPenalty     = []byte("committee_penalty")
	metaVersionKey    = []byte{0x01} // "1:u256" in the spec prose, truncated to one byte of tag here
	checksumKey       = []byte("xor")
	nodeIDMetaKey     = []byte("node_id")
)

// variantBuckets fixes the scan order used by GetBlock, matching §4.1's
// "scans the type tables in a fixed order" contract.
var variantBuckets = []struct {
	kind   Kind
	bucket []byte
}{
	{KindSend, bucketSend},
	{KindReceive, bucketReceive},
	{KindOpen, bucketOpen},
	{KindChange, bucketChange},
	{KindState, bucketState},
}

func bucketForKind(k Kind) ([]byte, error) {
	for _, vb := range variantBuckets {
		if vb.kind == k {
			return vb.bucket, nil
		}
	}
	return nil, fmt.Errorf("core: no block table for kind %v", k)
}

const currentSchemaVersion = 11

// Store is the block-store: a durable, ordered key→value collection of
// per-type block tables, account index, pending index, frontiers, unchecked
// park, vote cache, checksum grid and meta, backed by an embedded bbolt
// database. Every exported operation takes an explicit *bbolt.Tx so callers
// control transaction boundaries (a single write transaction per block
// processed, a fresh read transaction per query).
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) the bbolt-backed block-store at path
// and applies any pending schema migrations.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open block store: %v", ErrStoreIO, err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketFrontiers, bucketAccounts, bucketSend, bucketReceive, bucketOpen,
			bucketChange, bucketState, bucketPending, bucketBlocksInfo, bucketUnchecked,
			bucketChecksum, bucketVote, bucketMeta, bucketStake, bucketPenalty,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrStoreIO, err)
	}
	if err := s.DoUpgrades(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Update runs fn inside a single read-write transaction, matching the
// "at most one concurrent writer" invariant (bbolt itself serializes
// writers; this is a thin, intention-revealing wrapper).
func (s *Store) Update(fn func(*bbolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// View runs fn inside a read-only snapshot transaction.
func (s *Store) View(fn func(*bbolt.Tx) error) error {
	if err := s.db.View(fn); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// --- block table operations -------------------------------------------------

// PutBlock writes block into its variant's table with a zeroed successor
// slot, and patches the predecessor's successor field to point at it (except
// for open blocks, which anchor on Source rather than Previous). Fails if
// the predecessor does not exist.
func (s *Store) PutBlock(tx *bbolt.Tx, b *Block) (Hash, error) {
	hash := b.Hash()
	bucketName, err := bucketForKind(b.Kind)
	if err != nil {
		return hash, err
	}
	bucket := tx.Bucket(bucketName)
	body, err := b.MarshalBinary()
	if err != nil {
		return hash, err
	}
	if b.RequiresPredecessor() && b.Previous != (U256{}) {
		if err := s.setSuccessor(tx, b.Previous, hash); err != nil {
			return hash, err
		}
	}
	record := append(append([]byte{}, body...), make([]byte, 32)...)
	if err := bucket.Put(hash[:], record); err != nil {
		return hash, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	s.xorChecksum(tx, hash)
	return hash, nil
}

// GetBlock scans the variant tables in the fixed order §4.1 specifies and
// returns the decoded block, or ErrBlockNotFound.
func (s *Store) GetBlock(tx *bbolt.Tx, hash Hash) (*Block, error) {
	for _, vb := range variantBuckets {
		bucket := tx.Bucket(vb.bucket)
		raw := bucket.Get(hash[:])
		if raw == nil {
			continue
		}
		b := &Block{Kind: vb.kind}
		bodyLen := len(raw) - 32
		if bodyLen < 0 {
			return nil, ErrSchemaCorrupt
		}
		if err := b.UnmarshalBinary(raw[:bodyLen]); err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, ErrBlockNotFound
}

// DelBlock removes hash from its variant table only; callers (the rollback
// path) are responsible for index maintenance (frontier, account, pending).
func (s *Store) DelBlock(tx *bbolt.Tx, hash Hash, kind Kind) error {
	bucketName, err := bucketForKind(kind)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketName).Delete(hash[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// Successor returns the trailing 32-byte successor slot for hash, or the
// zero hash if unset. Per §9's resolved open question, a record too short to
// hold the 32-byte slot is a schema-corruption error, never silently coerced to
// zero.
func (s *Store) Successor(tx *bbolt.Tx, hash Hash) (Hash, error) {
	for _, vb := range variantBuckets {
		raw := tx.Bucket(vb.bucket).Get(hash[:])
		if raw == nil {
			continue
		}
		if len(raw) < 32 {
			return Hash{}, ErrSchemaCorrupt
		}
		var succ Hash
		copy(succ[:], raw[len(raw)-32:])
		return succ, nil
	}
	return Hash{}, ErrBlockNotFound
}

func (s *Store) setSuccessor(tx *bbolt.Tx, predecessor, successor Hash) error {
	for _, vb := range variantBuckets {
		bucket := tx.Bucket(vb.bucket)
		raw := bucket.Get(predecessor[:])
		if raw == nil {
			continue
		}
		if len(raw) < 32 {
			return ErrSchemaCorrupt
		}
		out := append([]byte{}, raw...)
		copy(out[len(out)-32:], successor[:])
		return bucket.Put(predecessor[:], out)
	}
	return fmt.Errorf("core: predecessor %s not found", predecessor.Hex())
}

// BlockCount aggregates the per-variant key counts.
func (s *Store) BlockCount(tx *bbolt.Tx) uint64 {
	var total uint64
	for _, vb := range variantBuckets {
		total += uint64(tx.Bucket(vb.bucket).Stats().KeyN)
	}
	return total
}

// BlockRandom returns a uniformly sampled stored block, used by rep-crawling
// to spot-check peer liveness against known chain content.
func (s *Store) BlockRandom(tx *bbolt.Tx) (*Block, error) {
	counts := make([]int, len(variantBuckets))
	total := 0
	for i, vb := range variantBuckets {
		counts[i] = tx.Bucket(vb.bucket).Stats().KeyN
		total += counts[i]
	}
	if total == 0 {
		return nil, ErrBlockNotFound
	}
	n, err := randIntn(total)
	if err != nil {
		return nil, err
	}
	for i, vb := range variantBuckets {
		if n < counts[i] {
			c := tx.Bucket(vb.bucket).Cursor()
			k, v := c.First()
			for j := 0; j < n && k != nil; j++ {
				k, v = c.Next()
			}
			if k == nil {
				return nil, ErrBlockNotFound
			}
			b := &Block{Kind: vb.kind}
			if err := b.UnmarshalBinary(v[:len(v)-32]); err != nil {
				return nil, err
			}
			return b, nil
		}
		n -= counts[i]
	}
	return nil, ErrBlockNotFound
}

func randIntn(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// --- account_info ------------------------------------------------------------

// AccountInfo is the per-account chain-head cache: head, open, balance,
// last-modified timestamp and block count.
type AccountInfo struct {
	Head            Hash
	Open            Hash
	Balance         U128
	ModifiedSeconds uint64
	BlockCount      uint64
}

func (a AccountInfo) encode() []byte {
	out := make([]byte, 32+32+16+8+8)
	copy(out[0:32], a.Head[:])
	copy(out[32:64], a.Open[:])
	copy(out[64:80], a.Balance[:])
	putU64BE(out[80:88], a.ModifiedSeconds)
	putU64BE(out[88:96], a.BlockCount)
	return out
}

func decodeAccountInfo(raw []byte) (AccountInfo, error) {
	var a AccountInfo
	if len(raw) < 96 {
		return a, ErrSchemaCorrupt
	}
	copy(a.Head[:], raw[0:32])
	copy(a.Open[:], raw[32:64])
	copy(a.Balance[:], raw[64:80])
	a.ModifiedSeconds = getU64BE(raw[80:88])
	a.BlockCount = getU64BE(raw[88:96])
	return a, nil
}

func (s *Store) AccountPut(tx *bbolt.Tx, account Account, info AccountInfo) error {
	return tx.Bucket(bucketAccounts).Put(account[:], info.encode())
}

func (s *Store) AccountGet(tx *bbolt.Tx, account Account) (AccountInfo, error) {
	raw := tx.Bucket(bucketAccounts).Get(account[:])
	if raw == nil {
		return AccountInfo{}, ErrAccountNotFound
	}
	return decodeAccountInfo(raw)
}

func (s *Store) AccountDel(tx *bbolt.Tx, account Account) error {
	return tx.Bucket(bucketAccounts).Delete(account[:])
}

func (s *Store) AccountExists(tx *bbolt.Tx, account Account) bool {
	return tx.Bucket(bucketAccounts).Get(account[:]) != nil
}

// LatestBegin returns a ranged cursor over accounts starting at account
// (inclusive), yielding decoded (Account, AccountInfo) pairs in
// byte-lexicographic key order.
func (s *Store) LatestBegin(tx *bbolt.Tx, account Account) *AccountIterator {
	c := tx.Bucket(bucketAccounts).Cursor()
	k, v := c.Seek(account[:])
	return &AccountIterator{cursor: c, key: k, val: v}
}

// AccountIterator yields decoded account records in key order.
type AccountIterator struct {
	cursor *bbolt.Cursor
	key    []byte
	val    []byte
}

func (it *AccountIterator) Valid() bool { return it.key != nil }
func (it *AccountIterator) Next()       { it.key, it.val = it.cursor.Next() }
func (it *AccountIterator) Account() (a Account) {
	copy(a[:], it.key)
	return
}
func (it *AccountIterator) Info() (AccountInfo, error) { return decodeAccountInfo(it.val) }

// --- pending -----------------------------------------------------------------

// PendingEntry is the source account and amount of a send awaiting receive.
type PendingEntry struct {
	Source Account
	Amount U128
}

// pendingKey encodes (destination, send_hash) as the 64-byte bucket key.
func pendingKey(destination Account, sendHash Hash) []byte {
	out := make([]byte, 64)
	copy(out[0:32], destination[:])
	copy(out[32:64], sendHash[:])
	return out
}

func (s *Store) PendingPut(tx *bbolt.Tx, destination Account, sendHash Hash, e PendingEntry) error {
	out := make([]byte, 48)
	copy(out[0:32], e.Source[:])
	copy(out[32:48], e.Amount[:])
	return tx.Bucket(bucketPending).Put(pendingKey(destination, sendHash), out)
}

func (s *Store) PendingGet(tx *bbolt.Tx, destination Account, sendHash Hash) (PendingEntry, error) {
	raw := tx.Bucket(bucketPending).Get(pendingKey(destination, sendHash))
	if raw == nil {
		return PendingEntry{}, ErrPendingNotFound
	}
	if len(raw) < 48 {
		return PendingEntry{}, ErrSchemaCorrupt
	}
	var e PendingEntry
	copy(e.Source[:], raw[0:32])
	copy(e.Amount[:], raw[32:48])
	return e, nil
}

func (s *Store) PendingDel(tx *bbolt.Tx, destination Account, sendHash Hash) error {
	return tx.Bucket(bucketPending).Delete(pendingKey(destination, sendHash))
}

func (s *Store) PendingExists(tx *bbolt.Tx, destination Account, sendHash Hash) bool {
	return tx.Bucket(bucketPending).Get(pendingKey(destination, sendHash)) != nil
}

// PendingBegin ranges over pending entries whose key is >= the supplied
// (destination, send_hash) pair.
func (s *Store) PendingBegin(tx *bbolt.Tx, destination Account, sendHash Hash) *PendingIterator {
	c := tx.Bucket(bucketPending).Cursor()
	k, v := c.Seek(pendingKey(destination, sendHash))
	return &PendingIterator{cursor: c, key: k, val: v}
}

type PendingIterator struct {
	cursor *bbolt.Cursor
	key    []byte
	val    []byte
}

func (it *PendingIterator) Valid() bool { return it.key != nil }
func (it *PendingIterator) Next()       { it.key, it.val = it.cursor.Next() }
func (it *PendingIterator) Key() (destination Account, sendHash Hash) {
	copy(destination[:], it.key[0:32])
	copy(sendHash[:], it.key[32:64])
	return
}
func (it *PendingIterator) Entry() (PendingEntry, error) {
	if len(it.val) < 48 {
		return PendingEntry{}, ErrSchemaCorrupt
	}
	var e PendingEntry
	copy(e.Source[:], it.val[0:32])
	copy(e.Amount[:], it.val[32:48])
	return e, nil
}

// --- frontiers -----------------------------------------------------------------

func (s *Store) FrontierPut(tx *bbolt.Tx, head Hash, account Account) error {
	return tx.Bucket(bucketFrontiers).Put(head[:], account[:])
}

func (s *Store) FrontierGet(tx *bbolt.Tx, head Hash) (Account, error) {
	raw := tx.Bucket(bucketFrontiers).Get(head[:])
	if raw == nil {
		return Account{}, ErrAccountNotFound
	}
	var a Account
	copy(a[:], raw)
	return a, nil
}

func (s *Store) FrontierDel(tx *bbolt.Tx, head Hash) error {
	return tx.Bucket(bucketFrontiers).Delete(head[:])
}

// --- blocks_info (balance cache) ----------------------------------------------

func (s *Store) BlockInfoPut(tx *bbolt.Tx, hash Hash, account Account, balance U128) error {
	out := make([]byte, 48)
	copy(out[0:32], account[:])
	copy(out[32:48], balance[:])
	return tx.Bucket(bucketBlocksInfo).Put(hash[:], out)
}

func (s *Store) BlockInfoGet(tx *bbolt.Tx, hash Hash) (account Account, balance U128, err error) {
	raw := tx.Bucket(bucketBlocksInfo).Get(hash[:])
	if raw == nil {
		return Account{}, U128{}, ErrBlockNotFound
	}
	if len(raw) < 48 {
		return Account{}, U128{}, ErrSchemaCorrupt
	}
	copy(account[:], raw[0:32])
	copy(balance[:], raw[32:48])
	return account, balance, nil
}

func (s *Store) BlockInfoDel(tx *bbolt.Tx, hash Hash) error {
	return tx.Bucket(bucketBlocksInfo).Delete(hash[:])
}

// BlockInfoBegin ranges over blocks_info starting at hash.
func (s *Store) BlockInfoBegin(tx *bbolt.Tx, hash Hash) *bbolt.Cursor {
	c := tx.Bucket(bucketBlocksInfo).Cursor()
	c.Seek(hash[:])
	return c
}

// --- unchecked -----------------------------------------------------------------

// UncheckedPut parks a block whose predecessor/source is not yet applied,
// keyed by the missing hash so it can be requeued once that hash lands.
func (s *Store) UncheckedPut(tx *bbolt.Tx, missing Hash, b *Block) error {
	body, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	key := append(append([]byte{}, missing[:]...), byte(b.Kind))
	blockHash := b.Hash()
	key = append(key, blockHash[:]...)
	return tx.Bucket(bucketUnchecked).Put(key, body)
}

// UncheckedGet returns every block parked on the given missing hash.
func (s *Store) UncheckedGet(tx *bbolt.Tx, missing Hash) ([]*Block, error) {
	c := tx.Bucket(bucketUnchecked).Cursor()
	var out []*Block
	prefix := missing[:]
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if len(k) < 33 {
			continue
		}
		kind := Kind(k[32])
		b := &Block{Kind: kind}
		if err := b.UnmarshalBinary(v); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// UncheckedDel removes one parked block identified by (missing, blockHash).
func (s *Store) UncheckedDel(tx *bbolt.Tx, missing Hash, kind Kind, blockHash Hash) error {
	key := append(append([]byte{}, missing[:]...), byte(kind))
	key = append(key, blockHash[:]...)
	return tx.Bucket(bucketUnchecked).Delete(key)
}

// --- vote cache ------------------------------------------------------------

// VoteGet returns the highest-sequence vote stored for account.
func (s *Store) VoteGet(tx *bbolt.Tx, account Account) (*Vote, error) {
	raw := tx.Bucket(bucketVote).Get(account[:])
	if raw == nil {
		return nil, ErrBlockNotFound
	}
	v := &Vote{}
	if err := v.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return v, nil
}

// VoteMax returns the highest sequence stored for account (zero if none)
// without mutating the store, letting callers decide whether a vote is a replay
// before committing it.
func (s *Store) VoteMax(tx *bbolt.Tx, account Account) (uint64, error) {
	v, err := s.VoteGet(tx, account)
	if err != nil {
		if err == ErrBlockNotFound {
			return 0, nil
		}
		return 0, err
	}
	return v.Sequence, nil
}

// VotePut stores v only if its sequence exceeds the currently stored
// sequence for the same account (§3: "store keeps the highest-sequence vote
// per account"). Returns false without error if v was a replay.
func (s *Store) VotePut(tx *bbolt.Tx, v *Vote) (bool, error) {
	cur, err := s.VoteMax(tx, v.Account)
	if err != nil {
		return false, err
	}
	if v.Sequence <= cur {
		return false, nil
	}
	raw, err := v.MarshalBinary()
	if err != nil {
		return false, err
	}
	if err := tx.Bucket(bucketVote).Put(v.Account[:], raw); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return true, nil
}

// VoteCurrent is an alias for VoteGet, named to match the §4.1 operation
// list ("vote_{get,put,max,current}").
func (s *Store) VoteCurrent(tx *bbolt.Tx, account Account) (*Vote, error) {
	return s.VoteGet(tx, account)
}

// --- checksum grid -----------------------------------------------------------

// xorChecksum folds hash into the running XOR accumulator used by bootstrap
// servers in checksum mode (§4.8) to let a client cheaply confirm it
// streamed the complete, unmodified block set.
func (s *Store) xorChecksum(tx *bbolt.Tx, hash Hash) {
	bucket := tx.Bucket(bucketChecksum)
	cur := bucket.Get(checksumKey)
	var acc Hash
	if cur != nil {
		copy(acc[:], cur)
	}
	for i := range acc {
		acc[i] ^= hash[i]
	}
	bucket.Put(checksumKey, acc[:])
}

// Checksum returns the current running XOR of every block hash ever put.
func (s *Store) Checksum(tx *bbolt.Tx) Hash {
	var acc Hash
	raw := tx.Bucket(bucketChecksum).Get(checksumKey)
	copy(acc[:], raw)
	return acc
}

// --- meta: schema version & node identity -------------------------------------

func (s *Store) VersionGet(tx *bbolt.Tx) uint32 {
	raw := tx.Bucket(bucketMeta).Get(metaVersionKey)
	if len(raw) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(raw)
}

func (s *Store) VersionPut(tx *bbolt.Tx, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return tx.Bucket(bucketMeta).Put(metaVersionKey, b[:])
}

// GetNodeID returns this store's persisted 256-bit node identity, generating
// and persisting a fresh random one on first call.
func (s *Store) GetNodeID() (U256, error) {
	var id U256
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		raw := bucket.Get(nodeIDMetaKey)
		if raw != nil && len(raw) == 32 {
			copy(id[:], raw)
			return nil
		}
		if _, err := rand.Read(id[:]); err != nil {
			return err
		}
		return bucket.Put(nodeIDMetaKey, id[:])
	})
	if err != nil {
		return U256{}, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return id, nil
}
