package core

// Wallet implementation for the lattice node.
//
// Features
// --------
//   * Ed25519 key-pairs only (fast, deterministic and quantum-resistant).
//   * Hierarchical Deterministic derivation (SLIP-0010 / BIP-32-like).
//   * BIP-39 mnemonic utilities (12-/24-word human recovery phrases).
//   * Block building: an account's pubkey IS its Account (§3), so derivation
//     hands back signed send/receive/open/change/state blocks directly,
//     ready for Processor.Submit/SubmitForced.
//
// Import hygiene: wallet depends only on core's primitive types (numbers,
// blocks) plus crypto/bip39 libraries. It never reads a block store or
// network connection directly — it is the boundary the rest of core treats
// as an external signer (§4.9). Mining the work nonce in PrecomputeWork is a
// reference CPU loop; a faster OpenCL kernel is an external collaborator's
// concern, not core's.

import (
	"crypto/ed25519"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

const (
	hardenedOffset uint32 = 0x80000000

	masterHMACKey = "ed25519 seed" // SLIP-0010 master-key string
)

func SetWalletLogger(l *log.Logger) { globalLogger = l }

var globalLogger = log.New()

// HDWallet keeps master key material in-memory only.
// NEVER persist the private fields directly — use encrypted keystores instead.
//
// Derivation model: SLIP-0010 hardened children only, path m / account' / index'
// (change path omitted; wallets may overlay a change=1 hardened level if desired).
type HDWallet struct {
	seed        []byte
	masterKey   []byte
	masterChain []byte
	logger      *log.Logger
}

// Seed returns a copy of the wallet's master seed. Callers should securely
// wipe the returned slice after use.
func (w *HDWallet) Seed() []byte {
	out := make([]byte, len(w.seed))
	copy(out, w.seed)
	return out
}

// NewRandomWallet generates entropyBits (128/256) of RNG entropy, returns wallet + mnemonic.
// The caller MUST wipe the mnemonic or store it securely.
func NewRandomWallet(entropyBits int) (*HDWallet, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("unsupported entropy size %d", entropyBits)
	}

	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	w, err := NewHDWalletFromSeed(seed, globalLogger)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// WalletFromMnemonic imports an existing BIP-39 phrase.
func WalletFromMnemonic(mnemonic, passphrase string) (*HDWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic checksum")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewHDWalletFromSeed(seed, globalLogger)
}

func NewHDWalletFromSeed(seed []byte, lg *log.Logger) (*HDWallet, error) {
	if len(seed) < 16 {
		return nil, errors.New("seed too short")
	}
	if lg == nil {
		lg = globalLogger
	}

	I := hmacSHA512([]byte(masterHMACKey), seed)

	w := &HDWallet{
		seed:        seed,
		masterKey:   I[:32],
		masterChain: I[32:],
		logger:      lg,
	}

	lg.Infof("wallet: master key initialised (%d bytes seed)", len(seed))
	return w, nil
}

// derivePrivate returns the key material & new chain-code for a (hardened) index.
// Only hardened derivation is supported for ed25519 — index MUST already carry the hardened offset.
func derivePrivate(parentKey, parentChain []byte, index uint32) (key, ccode []byte, err error) {
	if index < hardenedOffset {
		return nil, nil, errors.New("non-hardened derivation not supported for ed25519")
	}
	// Data = 0x00 || parentKey || index(be)
	data := make([]byte, 1+32+4)
	copy(data[1:], parentKey)
	binary.BigEndian.PutUint32(data[33:], index)

	I := hmacSHA512(parentChain, data)
	key = I[:32]
	ccode = I[32:]
	return key, ccode, nil
}

// hmacSHA512 is a plain HMAC-SHA512 helper.
func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// PrivateKey returns the (ed25519) private key for derivation path m / account' / index'.
// account, index are hardened internally.
func (w *HDWallet) PrivateKey(account, index uint32) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	account |= hardenedOffset
	index |= hardenedOffset

	// First level: account'
	k1, c1, err := derivePrivate(w.masterKey, w.masterChain, account)
	if err != nil {
		return nil, nil, err
	}
	// Second level: index'
	k2, _, err := derivePrivate(k1, c1, index)
	if err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(k2)       // 64-byte private key (seed+pub)
	pub := priv.Public().(ed25519.PublicKey) // 32-byte
	return priv, pub, nil
}

// Account derives account+index and returns its on-chain Account — the
// derived ed25519 public key itself, with no intermediate hashing (§3: an
// account's identity IS its public key).
func (w *HDWallet) Account(account, index uint32) (Account, error) {
	_, pub, err := w.PrivateKey(account, index)
	if err != nil {
		return Account{}, err
	}
	var a Account
	copy(a[:], pub)
	return a, nil
}

// Sign implements the core's wallet-boundary contract: sign(raw_key,
// account, hash) -> signature. account/index select the derivation path;
// hash is the block's SigningRoot. The core never holds raw_key itself —
// this method is the only place private material is touched.
func (w *HDWallet) Sign(account, index uint32, hash Hash) (U512, error) {
	priv, _, err := w.PrivateKey(account, index)
	if err != nil {
		return U512{}, err
	}
	sig, err := Sign(AlgoEd25519, priv, hash[:])
	if err != nil {
		return U512{}, err
	}
	var out U512
	copy(out[:], sig)
	return out, nil
}

// PrecomputeWork searches for a nonce whose workHash against root clears
// threshold, returning the first one found. This is a reference CPU
// implementation of the anti-spam proof-of-work named in §4.9/§7/glossary;
// an OpenCL-accelerated kernel is explicitly out of scope for core and is
// expected to live in an external collaborator wired to the same
// ValidateWork/workHash contract.
func (w *HDWallet) PrecomputeWork(root Hash, threshold uint64) uint64 {
	var nonce uint64
	for {
		if ValidateWork(root, nonce, threshold) {
			return nonce
		}
		nonce++
	}
}

// BuildOpen constructs and signs an open block for a freshly-received
// account, anchored on sendHash (the pending send being accepted) and
// account's own PrivateKey(account, index).
func (w *HDWallet) BuildOpen(account, index uint32, sendHash Hash, threshold uint64) (*Block, error) {
	priv, pub, err := w.PrivateKey(account, index)
	if err != nil {
		return nil, err
	}
	var acct Account
	copy(acct[:], pub)
	b := &Block{Kind: KindOpen, Source: sendHash, Account: acct}
	b.Work = w.PrecomputeWork(BlockWorkRoot(b), threshold)
	b.Sign(priv)
	return b, nil
}

// BuildSend constructs and signs a send block moving the chain at previous
// down to newBalance, directed at dest.
func (w *HDWallet) BuildSend(account, index uint32, previous Hash, newBalance U128, dest Account, threshold uint64) (*Block, error) {
	priv, _, err := w.PrivateKey(account, index)
	if err != nil {
		return nil, err
	}
	b := &Block{Kind: KindSend, Previous: previous, Destination: dest, Balance: newBalance}
	b.Work = w.PrecomputeWork(BlockWorkRoot(b), threshold)
	b.Sign(priv)
	return b, nil
}

// BuildReceive constructs and signs a receive block accepting the pending
// send at sourceHash onto the chain at previous.
func (w *HDWallet) BuildReceive(account, index uint32, previous, sourceHash Hash, threshold uint64) (*Block, error) {
	priv, _, err := w.PrivateKey(account, index)
	if err != nil {
		return nil, err
	}
	b := &Block{Kind: KindReceive, Previous: previous, Source: sourceHash}
	b.Work = w.PrecomputeWork(BlockWorkRoot(b), threshold)
	b.Sign(priv)
	return b, nil
}

// BuildChange constructs and signs a change block occupying the next chain
// position at previous without moving funds (§9: representatives are not
// modelled, so this exists purely for wire/chain-position compatibility).
func (w *HDWallet) BuildChange(account, index uint32, previous Hash, threshold uint64) (*Block, error) {
	priv, _, err := w.PrivateKey(account, index)
	if err != nil {
		return nil, err
	}
	b := &Block{Kind: KindChange, Previous: previous}
	b.Work = w.PrecomputeWork(BlockWorkRoot(b), threshold)
	b.Sign(priv)
	return b, nil
}

// BuildState constructs and signs a unified state block: a send if
// newBalance < previousBalance, a receive if newBalance > previousBalance
// (link must be the corresponding pending send hash), a no-op pass-through
// if equal.
func (w *HDWallet) BuildState(account, index uint32, acct Account, previous Hash, newBalance U128, link Hash, threshold uint64) (*Block, error) {
	priv, _, err := w.PrivateKey(account, index)
	if err != nil {
		return nil, err
	}
	b := &Block{Kind: KindState, Account: acct, Previous: previous, Balance: newBalance, Link: link}
	b.Work = w.PrecomputeWork(BlockWorkRoot(b), threshold)
	b.Sign(priv)
	return b, nil
}

// RandomMnemonicEntropy produces cryptographically-secure random entropy of given bits.
func RandomMnemonicEntropy(bits int) ([]byte, error) {
	if bits%32 != 0 {
		return nil, errors.New("entropy bits must be multiple of 32")
	}
	b := make([]byte, bits/8)
	if _, err := crand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Wipe zeroes a byte slice in-place (best-effort — GC might still copy).
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
