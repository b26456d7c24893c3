package core

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// Kind tags the six block variants (send, receive, open, change, state,
// epoch), plus KindInvalid; votes are a separate record type, not a Kind. The
// tagged-union-plus-exhaustive-match shape replaces the inheritance
// hierarchy a visitor-based design would otherwise need: a Block carries all
// possible fields but only the ones relevant to Kind are populated, and every
// operation switches on Kind rather than dispatching through an interface.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindSend
	KindReceive
	KindOpen
	KindChange
	KindState
	KindEpoch
)

// stateVariantTag is the value prepended to a state block's hash preamble so
// that a state block's hash cannot collide with a legacy-variant block that
// happens to share the same field bytes.
const stateVariantTag = 6

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	case KindOpen:
		return "open"
	case KindChange:
		return "change"
	case KindState:
		return "state"
	case KindEpoch:
		return "epoch"
	default:
		return "invalid"
	}
}

// Block is the tagged union over every on-chain variant. Wire sizes (§6):
// send=152B, receive=136B, open=136B, change=104B, state=184B.
type Block struct {
	Kind Kind

	// Legacy-variant fields (send/receive/open/change).
	Previous    U256 // send, receive, change
	Destination U256 // send
	Source      U256 // receive, open
	Account     U256 // open, state
	Balance     U128 // send, state

	// state-only field: destination when sending, source hash when
	// receiving, the new representative-equivalent account when changing.
	// Representatives are not modelled (spec §9); Link is only ever used as
	// a send destination or receive source in this implementation.
	Link U256

	Signature U512
	Work      uint64
}

// Hash computes the content hash of the block, domain-separated per variant.
// State blocks prepend a 32-byte preamble whose low byte encodes the variant
// tag so that a state block's byte-field layout can never collide with a
// legacy block's hash even when fields happen to coincide.
func (b *Block) Hash() Hash {
	switch b.Kind {
	case KindSend:
		return Blake2b256(b.Previous[:], b.Destination[:], b.Balance[:])
	case KindReceive:
		return Blake2b256(b.Previous[:], b.Source[:])
	case KindOpen:
		return Blake2b256(b.Source[:], b.Account[:])
	case KindChange:
		return Blake2b256(b.Previous[:])
	case KindState:
		var preamble [32]byte
		preamble[31] = stateVariantTag
		return Blake2b256(preamble[:], b.Account[:], b.Previous[:], b.Balance[:], b.Link[:])
	default:
		return Hash{}
	}
}

// SigningRoot is the message actually signed: identical to Hash() for every
// variant in this implementation (no separate sighash pre-image).
func (b *Block) SigningRoot() Hash { return b.Hash() }

// VerifySignature checks the block's signature against the claimed signer's
// public key (the block's Account for state/open, the chain owner looked up
// externally for legacy variants).
func (b *Block) VerifySignature(signer Account) bool {
	root := b.SigningRoot()
	return ed25519.Verify(ed25519.PublicKey(signer[:]), root[:], b.Signature[:])
}

// Sign populates Signature in place using an Ed25519 private key.
func (b *Block) Sign(priv ed25519.PrivateKey) {
	root := b.SigningRoot()
	sig := ed25519.Sign(priv, root[:])
	copy(b.Signature[:], sig)
}

// RequiresPredecessor reports whether Previous must already exist in the
// store for this block to be a candidate for processing (every variant
// except open, which instead anchors on Source).
func (b *Block) RequiresPredecessor() bool { return b.Kind != KindOpen }

// IsSend reports whether this block (send, or a state block acting as a
// send) transfers funds away from Account.
func (b *Block) IsSend(previousBalance U128) bool {
	switch b.Kind {
	case KindSend:
		return true
	case KindState:
		return b.Balance.Cmp(previousBalance) < 0
	default:
		return false
	}
}

// MarshalBinary renders the block using the exact big-endian layouts in §6.
func (b *Block) MarshalBinary() ([]byte, error) {
	switch b.Kind {
	case KindSend:
		out := make([]byte, 152)
		copy(out[0:32], b.Previous[:])
		copy(out[32:64], b.Destination[:])
		copy(out[64:80], b.Balance[:])
		copy(out[80:144], b.Signature[:])
		putU64BE(out[144:152], b.Work)
		return out, nil
	case KindReceive:
		out := make([]byte, 136)
		copy(out[0:32], b.Previous[:])
		copy(out[32:64], b.Source[:])
		copy(out[64:128], b.Signature[:])
		putU64BE(out[128:136], b.Work)
		return out, nil
	case KindOpen:
		out := make([]byte, 136)
		copy(out[0:32], b.Source[:])
		copy(out[32:64], b.Account[:])
		copy(out[64:128], b.Signature[:])
		putU64BE(out[128:136], b.Work)
		return out, nil
	case KindChange:
		out := make([]byte, 104)
		copy(out[0:32], b.Previous[:])
		copy(out[32:96], b.Signature[:])
		putU64BE(out[96:104], b.Work)
		return out, nil
	case KindState:
		out := make([]byte, 184)
		copy(out[0:32], b.Account[:])
		copy(out[32:64], b.Previous[:])
		copy(out[64:80], b.Balance[:])
		copy(out[80:112], b.Link[:])
		copy(out[112:176], b.Signature[:])
		putU64BE(out[176:184], b.Work)
		return out, nil
	default:
		return nil, fmt.Errorf("core: cannot marshal block kind %v", b.Kind)
	}
}

// UnmarshalBinary decodes a block of the receiver's already-set Kind.
func (b *Block) UnmarshalBinary(data []byte) error {
	switch b.Kind {
	case KindSend:
		if len(data) != 152 {
			return fmt.Errorf("core: send block must be 152 bytes, got %d", len(data))
		}
		copy(b.Previous[:], data[0:32])
		copy(b.Destination[:], data[32:64])
		copy(b.Balance[:], data[64:80])
		copy(b.Signature[:], data[80:144])
		b.Work = getU64BE(data[144:152])
	case KindReceive:
		if len(data) != 136 {
			return fmt.Errorf("core: receive block must be 136 bytes, got %d", len(data))
		}
		copy(b.Previous[:], data[0:32])
		copy(b.Source[:], data[32:64])
		copy(b.Signature[:], data[64:128])
		b.Work = getU64BE(data[128:136])
	case KindOpen:
		if len(data) != 136 {
			return fmt.Errorf("core: open block must be 136 bytes, got %d", len(data))
		}
		copy(b.Source[:], data[0:32])
		copy(b.Account[:], data[32:64])
		copy(b.Signature[:], data[64:128])
		b.Work = getU64BE(data[128:136])
	case KindChange:
		if len(data) != 104 {
			return fmt.Errorf("core: change block must be 104 bytes, got %d", len(data))
		}
		copy(b.Previous[:], data[0:32])
		copy(b.Signature[:], data[32:96])
		b.Work = getU64BE(data[96:104])
	case KindState:
		if len(data) != 184 {
			return fmt.Errorf("core: state block must be 184 bytes, got %d", len(data))
		}
		copy(b.Account[:], data[0:32])
		copy(b.Previous[:], data[32:64])
		copy(b.Balance[:], data[64:80])
		copy(b.Link[:], data[80:112])
		copy(b.Signature[:], data[112:176])
		b.Work = getU64BE(data[176:184])
	default:
		return fmt.Errorf("core: cannot unmarshal block kind %v", b.Kind)
	}
	return nil
}

// jsonBlock mirrors Block's fields with hex/decimal textual encodings, per
// §6's JSON encoding rule (hex 256/512-bit values, decimal u128 balances).
type jsonBlock struct {
	Type        string `json:"type"`
	Previous    string `json:"previous,omitempty"`
	Destination string `json:"destination,omitempty"`
	Source      string `json:"source,omitempty"`
	Account     string `json:"account,omitempty"`
	Balance     string `json:"balance,omitempty"`
	Link        string `json:"link,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Work        string `json:"work,omitempty"`
}

// MarshalJSON implements json.Marshaler using the textual field encoding.
func (b *Block) MarshalJSON() ([]byte, error) {
	jb := jsonBlock{
		Type:      b.Kind.String(),
		Signature: hex.EncodeToString(b.Signature[:]),
		Work:      fmt.Sprintf("%016x", b.Work),
	}
	if b.Previous != (U256{}) {
		jb.Previous = b.Previous.Hex()
	}
	if b.Destination != (U256{}) {
		jb.Destination = b.Destination.Hex()
	}
	if b.Source != (U256{}) {
		jb.Source = b.Source.Hex()
	}
	if b.Account != (U256{}) {
		jb.Account = b.Account.Hex()
	}
	if b.Kind == KindSend || b.Kind == KindState {
		jb.Balance = b.Balance.String()
	}
	if b.Kind == KindState {
		jb.Link = b.Link.Hex()
	}
	return json.Marshal(jb)
}

// UnmarshalJSON implements json.Unmarshaler, inferring Kind from the "type"
// field and populating only the variant's relevant fields.
func (b *Block) UnmarshalJSON(data []byte) error {
	var jb jsonBlock
	if err := json.Unmarshal(data, &jb); err != nil {
		return err
	}
	switch jb.Type {
	case "send":
		b.Kind = KindSend
	case "receive":
		b.Kind = KindReceive
	case "open":
		b.Kind = KindOpen
	case "change":
		b.Kind = KindChange
	case "state":
		b.Kind = KindState
	default:
		return fmt.Errorf("core: unknown block type %q", jb.Type)
	}
	var err error
	if jb.Previous != "" {
		if b.Previous, err = HashFromHex(jb.Previous); err != nil {
			return err
		}
	}
	if jb.Destination != "" {
		if b.Destination, err = HashFromHex(jb.Destination); err != nil {
			return err
		}
	}
	if jb.Source != "" {
		if b.Source, err = HashFromHex(jb.Source); err != nil {
			return err
		}
	}
	if jb.Account != "" {
		if b.Account, err = HashFromHex(jb.Account); err != nil {
			return err
		}
	}
	if jb.Link != "" {
		if b.Link, err = HashFromHex(jb.Link); err != nil {
			return err
		}
	}
	if jb.Balance != "" {
		bi, ok := new(big.Int).SetString(jb.Balance, 10)
		if !ok {
			return errors.New("core: bad balance")
		}
		b.Balance = U128FromBigInt(bi)
	}
	if jb.Signature != "" {
		sig, err := hex.DecodeString(jb.Signature)
		if err != nil || len(sig) != 64 {
			return errors.New("core: bad signature encoding")
		}
		copy(b.Signature[:], sig)
	}
	if jb.Work != "" {
		wb, err := hex.DecodeString(jb.Work)
		if err != nil {
			return errors.New("core: bad work encoding")
		}
		for _, x := range wb {
			b.Work = b.Work<<8 | uint64(x)
		}
	}
	return nil
}
