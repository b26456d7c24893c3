package core

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DepositState is a witness/deposit's position in the lifecycle described in
// §4.5: pledge -> warmup -> active candidate -> (top-21) witness ->
// unpledge request -> cooldown -> released.
type DepositState uint8

const (
	DepositWarmup DepositState = iota
	DepositActive
	DepositWitness
	DepositCooldown
	DepositReleased
)

func (s DepositState) String() string {
	switch s {
	case DepositWarmup:
		return "warmup"
	case DepositActive:
		return "active"
	case DepositWitness:
		return "witness"
	case DepositCooldown:
		return "cooldown"
	case DepositReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Deposit is a pledged stake entry: the account, its pledge amount, the
// epoch it first qualified as a candidate, and the two lifecycle counters
// (warmup rounds observed, cooldown rounds remaining). BLSPubKey is the
// account's registered BLS12-381 key, used only to fold into the epoch
// header's aggregate authenticator — the per-round pre_vote/vote signatures
// that gate quorum are ordinary Ed25519 over the account key itself, so a
// witness never needs a second signing key to participate in quorum, only
// to contribute to the optional aggregate.
type Deposit struct {
	Account           Account
	BLSPubKey         []byte
	Amount            U128
	State             DepositState
	WarmupRound       int
	CooldownRemaining int
	QualifiedEpoch    uint64
}

// Committee tracks every pledged deposit and derives the current witness set
// (top-21 by pledge amount among active/witness deposits) each epoch tick.
type Committee struct {
	mu       sync.Mutex
	params   NetworkParams
	stake    *StakePenaltyManager
	log      *log.Entry
	deposits map[Account]*Deposit
	witness  []Account // snapshot recomputed by AdvanceEpoch
	round    int
	epoch    uint64
}

// NewCommittee constructs an empty committee over params, backed by stake
// for pledge/penalty bookkeeping.
func NewCommittee(params NetworkParams, stake *StakePenaltyManager, logger *log.Logger) *Committee {
	if logger == nil {
		logger = log.New()
	}
	return &Committee{
		params:   params,
		stake:    stake,
		log:      logger.WithField("component", "committee"),
		deposits: make(map[Account]*Deposit),
	}
}

// Pledge registers a new deposit in the warmup state. Re-pledging an account
// already tracked (in any non-released state) is rejected.
func (c *Committee) Pledge(account Account, blsPub []byte, amount U128) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.deposits[account]; ok && d.State != DepositReleased {
		return fmt.Errorf("core: %s already has an active deposit in state %s", account.Short(), d.State)
	}
	if err := c.stake.AdjustStake(account, int64(amount.BigInt().Uint64())); err != nil {
		return err
	}
	c.deposits[account] = &Deposit{
		Account:   account,
		BLSPubKey: blsPub,
		Amount:    amount,
		State:     DepositWarmup,
	}
	c.log.WithField("account", account.Short()).Info("deposit pledged, entering warmup")
	return nil
}

// RequestUnpledge moves an active candidate or serving witness into
// cooldown. A deposit still in warmup is simply released immediately (it
// never earned committee duty, so there is nothing to cool down from).
func (c *Committee) RequestUnpledge(account Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deposits[account]
	if !ok {
		return fmt.Errorf("core: no deposit for %s", account.Short())
	}
	switch d.State {
	case DepositWarmup:
		return c.release(d)
	case DepositActive, DepositWitness:
		d.State = DepositCooldown
		d.CooldownRemaining = c.params.CooldownEpochs
		c.log.WithField("account", account.Short()).Info("unpledge requested, entering cooldown")
		return nil
	default:
		return fmt.Errorf("core: %s cannot unpledge from state %s", account.Short(), d.State)
	}
}

func (c *Committee) release(d *Deposit) error {
	if err := c.stake.AdjustStake(d.Account, -int64(d.Amount.BigInt().Uint64())); err != nil {
		return err
	}
	d.State = DepositReleased
	c.log.WithField("account", d.Account.Short()).Info("deposit released")
	return nil
}

// AdvanceRound is called once per consensus round (not per epoch); it ages
// warmup deposits and promotes any that have observed enough rounds.
// Returns the accounts that transitioned into DepositActive this round.
func (c *Committee) AdvanceRound() []Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.round++
	var promoted []Account
	for _, d := range c.deposits {
		if d.State != DepositWarmup {
			continue
		}
		d.WarmupRound++
		if d.WarmupRound >= c.params.WarmupRounds {
			d.State = DepositActive
			d.QualifiedEpoch = c.epoch
			promoted = append(promoted, d.Account)
		}
	}
	return promoted
}

// AdvanceEpoch is called once per committed epoch; it ages cooldown
// deposits (releasing stake once the counter reaches zero) and recomputes
// the witness snapshot from the current candidate pool. Returns the
// accounts released this epoch.
func (c *Committee) AdvanceEpoch() ([]Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	var released []Account
	for _, d := range c.deposits {
		if d.State != DepositCooldown {
			continue
		}
		d.CooldownRemaining--
		if d.CooldownRemaining <= 0 {
			if err := c.release(d); err != nil {
				return nil, err
			}
			released = append(released, d.Account)
		}
	}
	c.recomputeWitnesses()
	return released, nil
}

// recomputeWitnesses selects the top WitnessCount candidates/witnesses by
// pledge amount; ties break on the lexicographically smaller account, the
// same tie-break active elections uses for block contests.
func (c *Committee) recomputeWitnesses() {
	var pool []*Deposit
	for _, d := range c.deposits {
		if d.State == DepositActive || d.State == DepositWitness {
			pool = append(pool, d)
		}
	}
	sort.Slice(pool, func(i, j int) bool {
		cmp := pool[i].Amount.Cmp(pool[j].Amount)
		if cmp != 0 {
			return cmp > 0
		}
		return lessHash(pool[i].Account, pool[j].Account)
	})
	limit := c.params.WitnessCount
	if limit > len(pool) {
		limit = len(pool)
	}
	next := make([]Account, 0, limit)
	for i := 0; i < limit; i++ {
		pool[i].State = DepositWitness
		next = append(next, pool[i].Account)
	}
	for i := limit; i < len(pool); i++ {
		if pool[i].State == DepositWitness {
			pool[i].State = DepositActive
		}
	}
	c.witness = next
	setCommitteeSize(len(c.witness))
}

func lessHash(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Candidates returns the top TopCandidateCount deposits by pledge amount
// among all non-released states.
func (c *Committee) Candidates() []*Deposit {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pool []*Deposit
	for _, d := range c.deposits {
		if d.State != DepositReleased {
			pool = append(pool, d)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Amount.Cmp(pool[j].Amount) > 0 })
	if len(pool) > c.params.TopCandidateCount {
		pool = pool[:c.params.TopCandidateCount]
	}
	return pool
}

// Witnesses returns the current top-21 committee snapshot.
func (c *Committee) Witnesses() []Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Account(nil), c.witness...)
}

// IsWitness reports whether account is in the current committee.
func (c *Committee) IsWitness(account Account) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.witness {
		if w == account {
			return true
		}
	}
	return false
}

// Deposit returns the tracked deposit for account, if any.
func (c *Committee) Deposit(account Account) (Deposit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deposits[account]
	if !ok {
		return Deposit{}, false
	}
	return *d, true
}

// quorumSigs counts how many of the current witnesses have a verifiable
// Ed25519 signature over root in sigs, returning the verified subset.
func (c *Committee) quorumSigs(root Hash, sigs map[Account]U512) map[Account]U512 {
	c.mu.Lock()
	witnesses := append([]Account(nil), c.witness...)
	c.mu.Unlock()
	verified := make(map[Account]U512)
	for _, w := range witnesses {
		sig, ok := sigs[w]
		if !ok {
			continue
		}
		if ok, _ := Verify(AlgoEd25519, accountPubKey(w), root[:], sig[:]); ok {
			verified[w] = sig
		}
	}
	return verified
}

func accountPubKey(a Account) ed25519.PublicKey { return ed25519.PublicKey(a[:]) }

// VerifyPreVoteQuorum reports whether sigs contains at least ⅔ of the
// current committee's valid pre_vote signatures over header's hash, and
// returns the verified subset in committee order.
func (c *Committee) VerifyPreVoteQuorum(header *EpochHeader, sigs map[Account]U512) (bool, []U512, error) {
	return c.checkQuorum(header.Hash(), sigs)
}

// VerifyVoteQuorum is VerifyPreVoteQuorum's counterpart for the vote round.
func (c *Committee) VerifyVoteQuorum(header *EpochHeader, sigs map[Account]U512) (bool, []U512, error) {
	return c.checkQuorum(header.Hash(), sigs)
}

func (c *Committee) checkQuorum(root Hash, sigs map[Account]U512) (bool, []U512, error) {
	verified := c.quorumSigs(root, sigs)
	c.mu.Lock()
	witnesses := append([]Account(nil), c.witness...)
	c.mu.Unlock()
	need := c.params.CommitteeQuorum(len(witnesses))
	if len(verified) < need {
		return false, nil, ErrCommitteeNotReached
	}
	out := make([]U512, 0, len(verified))
	for _, w := range witnesses {
		if s, ok := verified[w]; ok {
			out = append(out, s)
		}
	}
	return true, out, nil
}

// AssembleHeader builds and commits a candidate epoch header once both the
// pre_vote and vote rounds have reached quorum, optionally folding a BLS
// aggregate over blsVoteSigs into AggregateAuth for O(1) light-client
// verification (§4.5, §10.2). authorSig is the header assembler's own
// Ed25519 signature over the header hash.
func (c *Committee) AssembleHeader(timestamp uint64, prev Hash, txs []Hash, preVotes, votes map[Account]U512, blsVoteSigs [][]byte, authorSig U512) (*EpochHeader, error) {
	header := &EpochHeader{Timestamp: timestamp, Prev: prev, Txs: txs}
	okPre, preList, err := c.VerifyPreVoteQuorum(header, preVotes)
	if err != nil {
		return nil, err
	}
	if !okPre {
		return nil, ErrCommitteeNotReached
	}
	okVote, voteList, err := c.VerifyVoteQuorum(header, votes)
	if err != nil {
		return nil, err
	}
	if !okVote {
		return nil, ErrCommitteeNotReached
	}
	header.PreVotes = preList
	header.Votes = voteList
	header.Signature = authorSig
	if len(blsVoteSigs) > 0 {
		agg, err := AggregateBLSSigs(blsVoteSigs)
		if err != nil {
			return nil, fmt.Errorf("core: aggregate committee signatures: %w", err)
		}
		header.AggregateAuth = agg
	}
	return header, nil
}
