package core

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fixed-width big-endian integers used throughout the block lattice. u128
// carries balances and amounts, u256 carries hashes, accounts and public
// keys, u512 carries signatures. All three round-trip through big.Int only
// for arithmetic; on the wire and in hashes they are always fixed-width
// big-endian byte arrays.

// U128 is a 128-bit big-endian unsigned integer, used for balances/amounts.
type U128 [16]byte

// U256 is a 256-bit big-endian value: block hash, account public key, seed.
type U256 [32]byte

// U512 is a 512-bit big-endian value: an Ed25519 signature slot.
type U512 [64]byte

// Hash is an alias for U256 used wherever the value denotes a block hash
// rather than an account/public key, to keep call sites self-documenting.
type Hash = U256

// Account is an alias for U256 used wherever the value denotes an account
// (equivalently, its Ed25519 public key).
type Account = U256

var (
	ZeroU256 = U256{}
	ZeroU128 = U128{}
)

// BigInt converts a U128 to a big.Int for arithmetic.
func (u U128) BigInt() *big.Int {
	return new(big.Int).SetBytes(u[:])
}

// U128FromBigInt renders a big.Int into a big-endian U128, panicking if the
// value does not fit (callers are expected to range-check balances before
// encoding; this mirrors the fixed-width wire contract in §6).
func U128FromBigInt(v *big.Int) U128 {
	var out U128
	b := v.Bytes()
	if len(b) > 16 {
		panic("core: u128 overflow")
	}
	copy(out[16-len(b):], b)
	return out
}

// Cmp compares two U128 values as big-endian unsigned integers.
func (u U128) Cmp(other U128) int {
	for i := 0; i < 16; i++ {
		if u[i] != other[i] {
			if u[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Sub returns u-other and reports underflow rather than wrapping, since a
// negative balance can never be valid on the wire.
func (u U128) Sub(other U128) (U128, bool) {
	if u.Cmp(other) < 0 {
		return U128{}, false
	}
	return U128FromBigInt(new(big.Int).Sub(u.BigInt(), other.BigInt())), true
}

// Add returns u+other.
func (u U128) Add(other U128) U128 {
	return U128FromBigInt(new(big.Int).Add(u.BigInt(), other.BigInt()))
}

func (u U128) String() string { return u.BigInt().String() }
func (u U256) Hex() string    { return hex.EncodeToString(u[:]) }
func (u U512) Hex() string    { return hex.EncodeToString(u[:]) }

// Short renders the first four bytes of the hash, the teacher's prevailing
// log-friendly truncation for 256-bit identifiers.
func (u U256) Short() string { return hex.EncodeToString(u[:4]) }

// IsZero reports whether this is the all-zero value (the ledger's "burn"
// account and the sentinel "no predecessor" marker both use it).
func (u U256) IsZero() bool { return u == U256{} }

// HashFromHex decodes a 64-character hex string into a U256.
func HashFromHex(s string) (U256, error) {
	var out U256
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errors.New("core: hash must be 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}

// Blake2b256 hashes the concatenation of parts with Blake2b-256, the ledger's
// block/vote hash function.
func Blake2b256(parts ...[]byte) U256 {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // only fails on invalid key/size, never at these call sites
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out U256
	copy(out[:], h.Sum(nil))
	return out
}

// --- account address codec -------------------------------------------------
//
// Accounts are encoded as base-32 strings using the Nano-style non-standard
// alphabet, prefixed with a fixed network tag and suffixed with a 5-byte
// (40-bit) Blake2b checksum of the raw public key. Decoding rejects any
// single-character mutation because the checksum covers the entire payload.

const (
	accountPrefix  = "ntc_"
	accountAlpha   = "13456789abcdefghijkmnopqrstuwxyz"
	accountEncLen  = 52 // 260 bits / 5 bits-per-symbol, rounded up
	checksumSymLen = 8  // 40-bit checksum encoded in 8 symbols
)

// EncodeAccount renders a 256-bit public key as a checksummed account string.
func EncodeAccount(pub U256) string {
	checksum := accountChecksum(pub)
	payload := append(append([]byte{}, pub[:]...), checksum[:]...)
	return accountPrefix + base32Encode(payload)
}

// DecodeAccount parses an account string back into its 256-bit public key,
// validating the embedded checksum.
func DecodeAccount(s string) (U256, error) {
	var out U256
	if !strings.HasPrefix(s, accountPrefix) {
		return out, errors.New("core: bad account prefix")
	}
	body := s[len(accountPrefix):]
	raw, err := base32Decode(body)
	if err != nil {
		return out, err
	}
	if len(raw) != 32+5 {
		return out, errors.New("core: bad account length")
	}
	copy(out[:], raw[:32])
	want := accountChecksum(out)
	if !bytesEqual(raw[32:], want[:]) {
		return out, errors.New("core: bad account checksum")
	}
	return out, nil
}

func accountChecksum(pub U256) [5]byte {
	h, _ := blake2b.New(5, nil)
	h.Write(pub[:])
	sum := h.Sum(nil)
	// Checksum is stored little-endian per the reversed-byte convention used
	// by the upstream account encoding this format descends from.
	var out [5]byte
	for i := range sum {
		out[len(sum)-1-i] = sum[i]
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// base32Encode/base32Decode implement the 5-bit-per-symbol alphabet above;
// the standard library's encoding/base32 cannot be reused because the
// alphabet and bit-packing direction are both non-standard (MSB-first over
// an arbitrary bit length, not byte-aligned groups of 5).
func base32Encode(data []byte) string {
	var bitBuf uint64
	var bitCount uint
	var sb strings.Builder
	// Walk bits MSB-first; pad on the left so the symbol count divides evenly.
	totalBits := len(data) * 8
	pad := (5 - totalBits%5) % 5
	bitBuf = 0
	bitCount = uint(pad)
	for _, b := range data {
		bitBuf = (bitBuf << 8) | uint64(b)
		bitCount += 8
		for bitCount >= 5 {
			bitCount -= 5
			idx := (bitBuf >> bitCount) & 0x1f
			sb.WriteByte(accountAlpha[idx])
		}
	}
	return sb.String()
}

func base32Decode(s string) ([]byte, error) {
	rev := make(map[byte]uint64, len(accountAlpha))
	for i := 0; i < len(accountAlpha); i++ {
		rev[accountAlpha[i]] = uint64(i)
	}
	var bitBuf uint64
	var bitCount uint
	// Drop the left padding base32Encode added ahead of the first data bit.
	skip := uint(len(s) * 5 % 8)
	out := make([]byte, 0, len(s)*5/8+1)
	for i := 0; i < len(s); i++ {
		v, ok := rev[s[i]]
		if !ok {
			return nil, errors.New("core: invalid account character")
		}
		bitBuf = (bitBuf << 5) | v
		bitCount += 5
		if skip > 0 && bitCount >= skip {
			bitCount -= skip
			skip = 0
		}
		if bitCount >= 8 {
			bitCount -= 8
			out = append(out, byte((bitBuf>>bitCount)&0xff))
		}
	}
	return out, nil
}

// Big-endian u32/u64 put/get helpers keep framing code (network.go, blocks.go) free of raw
// binary.BigEndian/LittleEndian noise at each call site.
func putU32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getU32BE(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
func putU64BE(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func getU64BE(b []byte) uint64    { return binary.BigEndian.Uint64(b) }
