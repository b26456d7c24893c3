package core

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// Ledger is the block-lattice state machine: one independent chain per
// account, advanced one block at a time through Process. All mutation goes
// through a single bbolt write transaction per block, so Process is the only
// place account state actually changes; every other method is a read.
type Ledger struct {
	store  *Store
	params NetworkParams
	log    *logrus.Entry
}

// NewLedger wraps store as a Ledger, logging through log (or a discard
// logger if nil).
func NewLedger(store *Store, params NetworkParams, log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.New()
		log.Out = discardWriter{}
	}
	return &Ledger{store: store, params: params, log: log.WithField("component", "ledger")}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Process validates and, if valid, applies b to the ledger inside a single
// write transaction. The validation order is fixed (§4.3): existence, then
// predecessor continuity, then variant position, then signature, then
// balance/amount arithmetic, then pending lookup, then apply. Any Validation-
// class outcome is reported through ProcessResult.Code, never as an error;
// the returned error is reserved for store I/O and codec failures.
func (l *Ledger) Process(b *Block) (ProcessResult, error) {
	if !ValidateWork(BlockWorkRoot(b), b.Work, l.params.WorkThreshold) {
		return ProcessResult{}, ErrWorkInsufficient
	}
	var result ProcessResult
	err := l.store.Update(func(tx *bbolt.Tx) error {
		r, err := l.process(tx, b)
		result = r
		return err
	})
	return result, err
}

func (l *Ledger) process(tx *bbolt.Tx, b *Block) (ProcessResult, error) {
	hash := b.Hash()

	if _, err := l.store.GetBlock(tx, hash); err == nil {
		return ProcessResult{Code: CodeOld}, nil
	} else if err != ErrBlockNotFound {
		return ProcessResult{}, err
	}

	account, isOpen, err := l.resolveAccount(tx, b)
	if err != nil {
		return ProcessResult{}, err
	}
	if account.IsZero() && isOpen {
		return ProcessResult{Code: CodeOpenedBurnAccount}, nil
	}

	info, hasInfo := AccountInfo{}, false
	if existing, err := l.store.AccountGet(tx, account); err == nil {
		info, hasInfo = existing, true
	} else if err != ErrAccountNotFound {
		return ProcessResult{}, err
	}

	if isOpen && hasInfo {
		return ProcessResult{Code: CodeBlockPosition}, nil
	}
	if !isOpen && !hasInfo {
		return ProcessResult{Code: CodeGapPrevious}, nil
	}

	if b.RequiresPredecessor() && hasInfo && b.Previous != info.Head {
		if _, err := l.store.GetBlock(tx, b.Previous); err == nil {
			return ProcessResult{Code: CodeFork}, nil
		}
		return ProcessResult{Code: CodeGapPrevious}, nil
	}

	if !b.VerifySignature(account) {
		return ProcessResult{Code: CodeBadSignature}, nil
	}

	previousBalance := U128{}
	if hasInfo {
		previousBalance = info.Balance
	}

	switch b.Kind {
	case KindSend:
		return l.applySend(tx, b, hash, account, hasInfo, previousBalance)
	case KindReceive:
		return l.applyReceive(tx, b, hash, account, hasInfo, previousBalance, b.Source, false)
	case KindOpen:
		return l.applyReceive(tx, b, hash, account, hasInfo, previousBalance, b.Source, true)
	case KindChange:
		return l.applyChange(tx, b, hash, account, previousBalance)
	case KindState:
		return l.applyState(tx, b, hash, account, hasInfo, previousBalance)
	default:
		return ProcessResult{Code: CodeBlockPosition}, nil
	}
}

// resolveAccount determines which account's chain b belongs to and whether
// b is that account's opening block. Open/state blocks carry Account
// directly; legacy send/receive/change blocks are anchored by looking up the
// owning account of their Previous block through the balance cache.
func (l *Ledger) resolveAccount(tx *bbolt.Tx, b *Block) (Account, bool, error) {
	switch b.Kind {
	case KindOpen:
		return b.Account, true, nil
	case KindState:
		_, err := l.store.AccountGet(tx, b.Account)
		return b.Account, err == ErrAccountNotFound, nil
	default:
		account, _, err := l.store.BlockInfoGet(tx, b.Previous)
		if err == ErrBlockNotFound {
			return Account{}, false, nil // surfaces as gap_previous via the caller's hasInfo check
		}
		if err != nil {
			return Account{}, false, err
		}
		return account, false, nil
	}
}

func (l *Ledger) applySend(tx *bbolt.Tx, b *Block, hash Hash, account Account, hasInfo bool, previousBalance U128) (ProcessResult, error) {
	amount, ok := previousBalance.Sub(b.Balance)
	if !ok {
		return ProcessResult{Code: CodeNegativeSpend}, nil
	}
	if err := l.commit(tx, b, hash, account, b.Balance, hasInfo, false); err != nil {
		return ProcessResult{}, err
	}
	if err := l.store.PendingPut(tx, b.Destination, hash, PendingEntry{Source: account, Amount: amount}); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: CodeProgress, Account: account, Amount: amount, PendingAccount: b.Destination, StateIsSend: true}, nil
}

func (l *Ledger) applyReceive(tx *bbolt.Tx, b *Block, hash Hash, account Account, hasInfo bool, previousBalance U128, sendHash Hash, isOpenBlock bool) (ProcessResult, error) {
	pending, err := l.store.PendingGet(tx, account, sendHash)
	if err != nil {
		if err == ErrPendingNotFound {
			if _, gerr := l.store.GetBlock(tx, sendHash); gerr == ErrBlockNotFound {
				return ProcessResult{Code: CodeGapSource}, nil
			}
			return ProcessResult{Code: CodeUnreceivable}, nil
		}
		return ProcessResult{}, err
	}
	newBalance := previousBalance.Add(pending.Amount)
	if err := l.commit(tx, b, hash, account, newBalance, hasInfo, isOpenBlock); err != nil {
		return ProcessResult{}, err
	}
	if err := l.store.PendingDel(tx, account, sendHash); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: CodeProgress, Account: account, Amount: pending.Amount, PendingAccount: pending.Source}, nil
}

func (l *Ledger) applyChange(tx *bbolt.Tx, b *Block, hash Hash, account Account, previousBalance U128) (ProcessResult, error) {
	// Representatives are not modelled; a change block carries no balance
	// effect and exists only to occupy a chain position (kept for wire
	// compatibility with legacy senders during bootstrap/replay).
	if err := l.commit(tx, b, hash, account, previousBalance, true, false); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: CodeProgress, Account: account}, nil
}

func (l *Ledger) applyState(tx *bbolt.Tx, b *Block, hash Hash, account Account, hasInfo bool, previousBalance U128) (ProcessResult, error) {
	isOpenBlock := !hasInfo
	switch {
	case b.Balance.Cmp(previousBalance) < 0:
		amount, _ := previousBalance.Sub(b.Balance)
		if err := l.commit(tx, b, hash, account, b.Balance, hasInfo, false); err != nil {
			return ProcessResult{}, err
		}
		if err := l.store.PendingPut(tx, b.Link, hash, PendingEntry{Source: account, Amount: amount}); err != nil {
			return ProcessResult{}, err
		}
		return ProcessResult{Code: CodeProgress, Account: account, Amount: amount, PendingAccount: b.Link, StateIsSend: true}, nil

	case b.Balance.Cmp(previousBalance) > 0:
		pending, err := l.store.PendingGet(tx, account, b.Link)
		if err != nil {
			if err == ErrPendingNotFound {
				if _, gerr := l.store.GetBlock(tx, b.Link); gerr == ErrBlockNotFound {
					return ProcessResult{Code: CodeGapSource}, nil
				}
				return ProcessResult{Code: CodeUnreceivable}, nil
			}
			return ProcessResult{}, err
		}
		wantBalance := previousBalance.Add(pending.Amount)
		if wantBalance.Cmp(b.Balance) != 0 {
			return ProcessResult{Code: CodeBalanceMismatch}, nil
		}
		if err := l.commit(tx, b, hash, account, b.Balance, hasInfo, isOpenBlock); err != nil {
			return ProcessResult{}, err
		}
		if err := l.store.PendingDel(tx, account, b.Link); err != nil {
			return ProcessResult{}, err
		}
		return ProcessResult{Code: CodeProgress, Account: account, Amount: pending.Amount, PendingAccount: pending.Source}, nil

	default:
		if err := l.commit(tx, b, hash, account, b.Balance, hasInfo, isOpenBlock); err != nil {
			return ProcessResult{}, err
		}
		return ProcessResult{Code: CodeProgress, Account: account}, nil
	}
}

// commit writes b into its variant table, updates the account's head/balance
// cache, and re-points the frontier index from the old head to the new one.
func (l *Ledger) commit(tx *bbolt.Tx, b *Block, hash Hash, account Account, newBalance U128, accountExisted, isOpenBlock bool) error {
	if _, err := l.store.PutBlock(tx, b); err != nil {
		return err
	}
	if err := l.store.BlockInfoPut(tx, hash, account, newBalance); err != nil {
		return err
	}
	info := AccountInfo{Balance: newBalance, ModifiedSeconds: uint64(time.Now().Unix())}
	if isOpenBlock || !accountExisted {
		info.Open = hash
		info.BlockCount = 1
	} else {
		prev, err := l.store.AccountGet(tx, account)
		if err != nil {
			return err
		}
		info.Open = prev.Open
		info.BlockCount = prev.BlockCount + 1
		if err := l.store.FrontierDel(tx, prev.Head); err != nil {
			return err
		}
	}
	info.Head = hash
	if err := l.store.AccountPut(tx, account, info); err != nil {
		return err
	}
	if err := l.store.FrontierPut(tx, hash, account); err != nil {
		return err
	}
	l.log.WithFields(logrus.Fields{
		"account": account.Short(),
		"block":   hash.Short(),
		"kind":    b.Kind.String(),
	}).Debug("block applied")
	return nil
}

// Rollback removes hash and every descendant of hash from account's chain,
// restoring the account to the state it held just before hash was applied.
// Used when active elections confirms a competing block at the same height
// (§4.4's fork-loss path).
func (l *Ledger) Rollback(hash Hash) error {
	return l.store.Update(func(tx *bbolt.Tx) error {
		return l.rollbackChain(tx, hash)
	})
}

func (l *Ledger) rollbackChain(tx *bbolt.Tx, hash Hash) error {
	account, _, err := l.store.BlockInfoGet(tx, hash)
	if err != nil {
		return err
	}
	b, err := l.store.GetBlock(tx, hash)
	if err != nil {
		return err
	}

	// Roll back descendants first so we never leave a dangling successor
	// pointer mid-rollback.
	if succ, err := l.store.Successor(tx, hash); err == nil && succ != (Hash{}) {
		if err := l.rollbackChain(tx, succ); err != nil {
			return err
		}
	}

	if isSendBlock(b, l.previousBalance(tx, b)) {
		_ = l.store.PendingDel(tx, destinationOf(b), hash)
	}
	if err := l.store.BlockInfoDel(tx, hash); err != nil {
		return err
	}
	if err := l.store.FrontierDel(tx, hash); err != nil {
		return err
	}
	if err := l.store.DelBlock(tx, hash, b.Kind); err != nil {
		return err
	}

	if b.RequiresPredecessor() && b.Previous != (Hash{}) {
		prevAccount, prevBalance, err := l.store.BlockInfoGet(tx, b.Previous)
		if err != nil {
			return err
		}
		info, err := l.store.AccountGet(tx, account)
		if err != nil {
			return err
		}
		info.Head = b.Previous
		info.Balance = prevBalance
		if info.BlockCount > 0 {
			info.BlockCount--
		}
		if err := l.store.AccountPut(tx, prevAccount, info); err != nil {
			return err
		}
		return l.store.FrontierPut(tx, b.Previous, prevAccount)
	}
	return l.store.AccountDel(tx, account)
}

func isSendBlock(b *Block, previousBalance U128) bool {
	return b.IsSend(previousBalance)
}

func destinationOf(b *Block) Account {
	if b.Kind == KindState {
		return b.Link
	}
	return b.Destination
}

func (l *Ledger) previousBalance(tx *bbolt.Tx, b *Block) U128 {
	if b.Previous == (Hash{}) {
		return U128{}
	}
	_, bal, err := l.store.BlockInfoGet(tx, b.Previous)
	if err != nil {
		return U128{}
	}
	return bal
}

// --- read-only queries -------------------------------------------------------

func (l *Ledger) Balance(account Account) (U128, error) {
	var out U128
	err := l.store.View(func(tx *bbolt.Tx) error {
		info, err := l.store.AccountGet(tx, account)
		if err != nil {
			return err
		}
		out = info.Balance
		return nil
	})
	return out, err
}

func (l *Ledger) Latest(account Account) (Hash, error) {
	var out Hash
	err := l.store.View(func(tx *bbolt.Tx) error {
		info, err := l.store.AccountGet(tx, account)
		if err != nil {
			return err
		}
		out = info.Head
		return nil
	})
	return out, err
}

// Weight returns the account's voting weight, which this implementation
// derives directly from its ledger balance (§9 — representatives are not
// modelled, so weight is never delegated).
func (l *Ledger) Weight(account Account) (U128, error) { return l.Balance(account) }

func (l *Ledger) BlockExists(hash Hash) bool {
	var ok bool
	_ = l.store.View(func(tx *bbolt.Tx) error {
		_, err := l.store.GetBlock(tx, hash)
		ok = err == nil
		return nil
	})
	return ok
}

func (l *Ledger) Account(hash Hash) (Account, error) {
	var out Account
	err := l.store.View(func(tx *bbolt.Tx) error {
		account, _, err := l.store.BlockInfoGet(tx, hash)
		out = account
		return err
	})
	return out, err
}

func (l *Ledger) Successor(hash Hash) (Hash, error) {
	var out Hash
	err := l.store.View(func(tx *bbolt.Tx) error {
		s, err := l.store.Successor(tx, hash)
		out = s
		return err
	})
	return out, err
}

// Store returns the underlying block-store, for callers (bootstrap,
// processor) that need raw transactional access the ledger's higher-level
// API doesn't expose.
func (l *Ledger) Store() *Store { return l.store }
