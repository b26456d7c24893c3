package core

import (
	"encoding/binary"
	"fmt"

	"github.com/herumi/bls-eth-go-binary/bls"
)

// EpochHeader batches recent transactions and is committed by the current
// witness committee. §6's binary layout: timestamp(8) || prev(32) ||
// txs_len(4) || txs_len*32 || pre_votes_len(4) || pre_votes_len*64 ||
// votes_len(4) || votes_len*64 || signature(64).
type EpochHeader struct {
	Timestamp uint64
	Prev      Hash
	Txs       []Hash
	PreVotes  []U512 // individual witness pre_vote signatures, audit trail
	Votes     []U512 // individual witness vote signatures, audit trail

	// Signature is the header author's own signature (the witness that
	// assembled and broadcast the candidate header).
	Signature U512

	// AggregateAuth is the BLS aggregate of the committee's BLS vote
	// signatures, set by Committee.AssembleHeader once ≥⅔ quorum is reached
	// and BLS signatures were supplied (§4.5, §10.2); nil otherwise.
	// MarshalBinary does not encode it.
	AggregateAuth []byte
}

// committeeBounds names the 15-22 witness committee size from §3.
// UnmarshalBinary rejects pre_vote/vote lists longer than MaxCommitteeSize;
// MinCommitteeSize is not checked anywhere.
const (
	MinCommitteeSize = 15
	MaxCommitteeSize = 22
	WitnessCount     = 21
)

// Hash commits to every field via a Merkle-style fold: timestamp/prev first,
// then the tx-list root (so an unbounded Txs slice still yields a fixed-cost
// hash), then the pre_vote/vote counts (the signatures themselves are
// authentication, not identity, so they are excluded from the header hash).
func (e *EpochHeader) Hash() Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], e.Timestamp)
	txRoot := MerkleRootOfHashes(e.Txs)
	var counts [8]byte
	binary.BigEndian.PutUint32(counts[0:4], uint32(len(e.PreVotes)))
	binary.BigEndian.PutUint32(counts[4:8], uint32(len(e.Votes)))
	return Blake2b256(ts[:], e.Prev[:], txRoot[:], counts[:])
}

// MarshalBinary renders the header per §6's exact layout.
func (e *EpochHeader) MarshalBinary() ([]byte, error) {
	size := 8 + 32 + 4 + len(e.Txs)*32 + 4 + len(e.PreVotes)*64 + 4 + len(e.Votes)*64 + 64
	out := make([]byte, size)
	off := 0
	putU64BE(out[off:off+8], e.Timestamp)
	off += 8
	copy(out[off:off+32], e.Prev[:])
	off += 32
	putU32BE(out[off:off+4], uint32(len(e.Txs)))
	off += 4
	for _, h := range e.Txs {
		copy(out[off:off+32], h[:])
		off += 32
	}
	putU32BE(out[off:off+4], uint32(len(e.PreVotes)))
	off += 4
	for _, s := range e.PreVotes {
		copy(out[off:off+64], s[:])
		off += 64
	}
	putU32BE(out[off:off+4], uint32(len(e.Votes)))
	off += 4
	for _, s := range e.Votes {
		copy(out[off:off+64], s[:])
		off += 64
	}
	copy(out[off:off+64], e.Signature[:])
	return out, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (e *EpochHeader) UnmarshalBinary(data []byte) error {
	if len(data) < 8+32+4 {
		return fmt.Errorf("core: epoch header too short: %d bytes", len(data))
	}
	off := 0
	e.Timestamp = getU64BE(data[off : off+8])
	off += 8
	copy(e.Prev[:], data[off:off+32])
	off += 32
	txLen := int(getU32BE(data[off : off+4]))
	off += 4
	if off+txLen*32 > len(data) {
		return fmt.Errorf("core: epoch header truncated tx list")
	}
	e.Txs = make([]Hash, txLen)
	for i := 0; i < txLen; i++ {
		copy(e.Txs[i][:], data[off:off+32])
		off += 32
	}
	if off+4 > len(data) {
		return fmt.Errorf("core: epoch header truncated before pre_votes length")
	}
	preLen := int(getU32BE(data[off : off+4]))
	off += 4
	if preLen > MaxCommitteeSize || off+preLen*64 > len(data) {
		return fmt.Errorf("core: epoch header truncated pre_votes")
	}
	e.PreVotes = make([]U512, preLen)
	for i := 0; i < preLen; i++ {
		copy(e.PreVotes[i][:], data[off:off+64])
		off += 64
	}
	if off+4 > len(data) {
		return fmt.Errorf("core: epoch header truncated before votes length")
	}
	voteLen := int(getU32BE(data[off : off+4]))
	off += 4
	if voteLen > MaxCommitteeSize || off+voteLen*64 > len(data) {
		return fmt.Errorf("core: epoch header truncated votes")
	}
	e.Votes = make([]U512, voteLen)
	for i := 0; i < voteLen; i++ {
		copy(e.Votes[i][:], data[off:off+64])
		off += 64
	}
	if off+64 > len(data) {
		return fmt.Errorf("core: epoch header truncated signature")
	}
	copy(e.Signature[:], data[off:off+64])
	return nil
}

// MerkleRootOfHashes folds a list of 32-byte leaves into a single commitment
// by hashing adjacent pairs once with Blake2b, duplicating the last node of an
// odd level; leaves enter unhashed, so this root differs from the SHA-256 tree
// in merkle_tree_operations.go. An empty list commits to the zero hash.
func MerkleRootOfHashes(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}
	level := make([]Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = Blake2b256(level[i][:], level[i+1][:])
		}
		level = next
	}
	return level[0]
}

// AggregateVotes combines individual BLS vote signatures into one aggregate
// authenticator, used once pre_vote/vote quorum is reached so a light client
// can verify commitment with a single pairing check (§4.5, §10.2).
func AggregateVotes(sigs []bls.Sign) []byte {
	if len(sigs) == 0 {
		return nil
	}
	var agg bls.Sign
	agg.Aggregate(sigs)
	return agg.Serialize()
}
