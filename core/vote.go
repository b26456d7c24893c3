package core

import (
	"crypto/ed25519"
	"encoding/binary"
)

// Vote is the wire record a rep casts for a block it believes is the correct
// successor at a contested root: (account, sequence, block, signature). Its
// hash is Blake2b(block.hash || sequence_le) so two votes for the same block
// at different sequences hash differently (required for the store's
// highest-sequence-per-account retention rule).
type Vote struct {
	Account  Account
	Sequence uint64
	Block    Hash
	Sig      U512
}

// Hash returns Blake2b(block.hash || sequence_le), matching §3's vote-hash
// definition exactly (little-endian sequence, unlike every other on-wire
// integer in this codec — a deliberate carry-over from the source format
// this vote hash convention descends from).
func (v *Vote) Hash() Hash {
	var seqLE [8]byte
	binary.LittleEndian.PutUint64(seqLE[:], v.Sequence)
	return Blake2b256(v.Block[:], seqLE[:])
}

// SigningRoot is the message the rep actually signs over.
func (v *Vote) SigningRoot() Hash { return v.Hash() }

// Sign populates Sig using the rep's Ed25519 private key.
func (v *Vote) Sign(priv ed25519.PrivateKey) {
	root := v.SigningRoot()
	sig := ed25519.Sign(priv, root[:])
	copy(v.Sig[:], sig)
}

// Verify checks the vote's signature against the claimed account.
func (v *Vote) Verify() bool {
	root := v.SigningRoot()
	return ed25519.Verify(ed25519.PublicKey(v.Account[:]), root[:], v.Sig[:])
}

// MarshalBinary renders a vote as account(32) || sequence(8 LE) || block(32)
// || sig(64) = 136 bytes, mirroring the block binary layouts' fixed-width
// no-padding convention.
func (v *Vote) MarshalBinary() ([]byte, error) {
	out := make([]byte, 136)
	copy(out[0:32], v.Account[:])
	binary.LittleEndian.PutUint64(out[32:40], v.Sequence)
	copy(out[40:72], v.Block[:])
	copy(out[72:136], v.Sig[:])
	return out, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (v *Vote) UnmarshalBinary(data []byte) error {
	if len(data) != 136 {
		return errInvalidVoteLength
	}
	copy(v.Account[:], data[0:32])
	v.Sequence = binary.LittleEndian.Uint64(data[32:40])
	copy(v.Block[:], data[40:72])
	copy(v.Sig[:], data[72:136])
	return nil
}
