package core

import "encoding/binary"

// workHash folds a work candidate into an 8-byte digest whose little-endian
// value is compared against a difficulty threshold. root is the hash the
// work is anchored to — a block's Previous for send/receive/change/state, or
// its Source for an open block (§4.9).
func workHash(root Hash, work uint64) uint64 {
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], work)
	digest := Blake2b256(nonce[:], root[:])
	return binary.LittleEndian.Uint64(digest[:8])
}

// ValidateWork reports whether work meets threshold for root. Higher digest
// values are harder to find, matching the scheme ValidateWork/PrecomputeWork
// agree on: a valid nonce is one whose workHash is >= threshold.
func ValidateWork(root Hash, work uint64, threshold uint64) bool {
	return workHash(root, work) >= threshold
}

// BlockWorkRoot returns the hash a block's Work field is anchored to.
func BlockWorkRoot(b *Block) Hash {
	if b.Kind == KindOpen {
		return b.Source
	}
	return b.Previous
}
