package core

import (
	"crypto/rand"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	epochBucketHeaders  = []byte("epoch_blocks")
	epochBucketChecksum = []byte("checksum")
	epochBucketMeta     = []byte("meta")
)

// EpochStore is the parallel durable store for committed epoch headers,
// mirroring Store's shape (content-addressed table, running checksum, meta
// bucket holding the node identity) over its own bbolt file so
// epoch traffic never contends with block-store writes.
type EpochStore struct {
	db *bbolt.DB
}

// OpenEpochStore opens (creating if absent) the epoch header store at path.
func OpenEpochStore(path string) (*EpochStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open epoch store: %v", ErrStoreIO, err)
	}
	es := &EpochStore{db: db}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{epochBucketHeaders, epochBucketChecksum, epochBucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init epoch buckets: %v", ErrStoreIO, err)
	}
	return es, nil
}

func (es *EpochStore) Close() error { return es.db.Close() }

func (es *EpochStore) Update(fn func(*bbolt.Tx) error) error {
	if err := es.db.Update(fn); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

func (es *EpochStore) View(fn func(*bbolt.Tx) error) error {
	if err := es.db.View(fn); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// PutHeader stores a committed epoch header keyed by its own hash.
func (es *EpochStore) PutHeader(tx *bbolt.Tx, h *EpochHeader) (Hash, error) {
	hash := h.Hash()
	body, err := h.MarshalBinary()
	if err != nil {
		return hash, err
	}
	if err := tx.Bucket(epochBucketHeaders).Put(hash[:], body); err != nil {
		return hash, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	bucket := tx.Bucket(epochBucketChecksum)
	cur := bucket.Get(checksumKey)
	var acc Hash
	if cur != nil {
		copy(acc[:], cur)
	}
	for i := range acc {
		acc[i] ^= hash[i]
	}
	bucket.Put(checksumKey, acc[:])
	return hash, nil
}

// GetHeader looks up a committed header by hash.
func (es *EpochStore) GetHeader(tx *bbolt.Tx, hash Hash) (*EpochHeader, error) {
	raw := tx.Bucket(epochBucketHeaders).Get(hash[:])
	if raw == nil {
		return nil, ErrBlockNotFound
	}
	h := &EpochHeader{}
	if err := h.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return h, nil
}

// DelHeader removes a header by hash. It leaves the running checksum
// unchanged and has no caller in this package.
func (es *EpochStore) DelHeader(tx *bbolt.Tx, hash Hash) error {
	if err := tx.Bucket(epochBucketHeaders).Delete(hash[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// Count returns the number of committed epoch headers.
func (es *EpochStore) Count(tx *bbolt.Tx) uint64 {
	return uint64(tx.Bucket(epochBucketHeaders).Stats().KeyN)
}

// Latest walks every stored header and returns the one with the highest
// Timestamp — epoch headers form a singly linked list via Prev, but a fresh
// node resyncing needs this linear scan only once at startup; thereafter the
// node tracks its own chain tip in memory.
func (es *EpochStore) Latest(tx *bbolt.Tx) (*EpochHeader, error) {
	c := tx.Bucket(epochBucketHeaders).Cursor()
	var best *EpochHeader
	for k, v := c.First(); k != nil; k, v = c.Next() {
		h := &EpochHeader{}
		if err := h.UnmarshalBinary(v); err != nil {
			return nil, err
		}
		if best == nil || h.Timestamp > best.Timestamp {
			best = h
		}
	}
	if best == nil {
		return nil, ErrBlockNotFound
	}
	return best, nil
}

// Checksum returns the running XOR of every committed header hash.
func (es *EpochStore) Checksum(tx *bbolt.Tx) Hash {
	var acc Hash
	raw := tx.Bucket(epochBucketChecksum).Get(checksumKey)
	copy(acc[:], raw)
	return acc
}

// GetNodeID returns this epoch store's persisted node identity, generating
// one on first call. Kept independent of Store.GetNodeID so a deployment
// that splits block-store and epoch-store onto different volumes still has
// a single source of truth per volume. The two identities are generated
// independently, so they differ unless set to the same value externally.
func (es *EpochStore) GetNodeID() (U256, error) {
	var id U256
	err := es.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(epochBucketMeta)
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
