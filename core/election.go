package core

import (
	"fmt"
	"math/big"
	"sync"

	log "github.com/sirupsen/logrus"
)

// rationalize renders a fraction in [0,1] as an integer numerator/denominator
// pair at 1e9 precision, letting quorum comparisons use exact big.Int
// arithmetic instead of floating point on u128 weights.
func rationalize(fraction float64) (*big.Int, *big.Int) {
	const scale = 1_000_000_000
	num := big.NewInt(int64(fraction * scale))
	den := big.NewInt(scale)
	return num, den
}

// ElectionStatus is an active election's position in its lifecycle:
// observing competing blocks, having reached quorum for one of them, and
// finally either confirmed (quorum held) or aged out (no quorum within the
// round budget).
type ElectionStatus uint8

const (
	ElectionObserving ElectionStatus = iota
	ElectionQuorumReached
	ElectionConfirmed
	ElectionAgedOut
)

func (s ElectionStatus) String() string {
	switch s {
	case ElectionObserving:
		return "observing"
	case ElectionQuorumReached:
		return "quorum_reached"
	case ElectionConfirmed:
		return "confirmed"
	case ElectionAgedOut:
		return "aged_out"
	default:
		return "unknown"
	}
}

// Election tracks every competing block hash at one contested chain
// position (the "root" — the shared Previous/Account the competitors fork
// from) and the weighted votes each has accrued.
type Election struct {
	Root     Hash
	Status   ElectionStatus
	Rounds   int
	Tally    map[Hash]U128    // candidate block hash -> accumulated weight
	Voters   map[Account]Hash // last block each account voted for at this root, for replay rejection
	Blocks   map[Hash]*Block  // candidate hash -> its full body, for re-applying the winner on confirm
	Winner   Hash
}

func newElection(root Hash) *Election {
	return &Election{
		Root:   root,
		Status: ElectionObserving,
		Tally:  make(map[Hash]U128),
		Voters: make(map[Account]Hash),
		Blocks: make(map[Hash]*Block),
	}
}

// totalWeight sums every candidate's tally.
func (e *Election) totalWeight() U128 {
	total := U128{}
	for _, w := range e.Tally {
		total = total.Add(w)
	}
	return total
}

// leader returns the highest-weighted candidate, tie-broken by the
// lexicographically smaller hash (§4.4's deterministic tie-break).
func (e *Election) leader() (Hash, U128) {
	var best Hash
	var bestWeight U128
	first := true
	for h, w := range e.Tally {
		if first || w.Cmp(bestWeight) > 0 || (w.Cmp(bestWeight) == 0 && lessHash(h, best)) {
			best, bestWeight = h, w
			first = false
		}
	}
	return best, bestWeight
}

// ElectionManager runs every active election for the node: it ingests votes
// and fork candidates, tallies weighted support, and detects quorum against
// an onlineWeight snapshot supplied by the caller each round (the processor
// owns when a round ticks; this type only owns the state machine).
type ElectionManager struct {
	mu             sync.Mutex
	ledger         *Ledger
	params         NetworkParams
	log            *log.Entry
	byRoot         map[Hash]*Election
	onlineWeightFn func() U128
}

// NewElectionManager constructs a manager over ledger for weight lookups.
func NewElectionManager(ledger *Ledger, params NetworkParams, logger *log.Logger) *ElectionManager {
	if logger == nil {
		logger = log.New()
	}
	return &ElectionManager{
		ledger: ledger,
		params: params,
		log:    logger.WithField("component", "election"),
		byRoot: make(map[Hash]*Election),
	}
}

// Start begins (or returns the existing) election at root, registering
// candidate as one of the competing blocks. candidate's full body is kept so
// that Confirm can re-apply the winner to the ledger even though the ledger
// itself never committed a forked candidate (Ledger.process rejects it with
// CodeFork before it ever reaches commit/PutBlock).
func (m *ElectionManager) Start(root Hash, candidate *Block) *Election {
	hash := candidate.Hash()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byRoot[root]
	if !ok {
		e = newElection(root)
		m.byRoot[root] = e
		setActiveElections(len(m.byRoot))
	}
	if _, ok := e.Tally[hash]; !ok {
		e.Tally[hash] = U128{}
	}
	e.Blocks[hash] = candidate
	return e
}

// RootFor returns the contested root tracking candidate, if any election is
// currently observing it — the network layer needs this to route an
// incoming confirm_ack (which names only the candidate block, not its root)
// to the right election.
func (m *ElectionManager) RootFor(candidate Hash) (Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for root, e := range m.byRoot {
		if _, ok := e.Tally[candidate]; ok {
			return root, true
		}
	}
	return Hash{}, false
}

// CastVote records voter's weighted support for candidate at root. A voter
// that already voted for a different candidate at this root has its prior
// weight moved, not double-counted, matching the single-vote-per-account
// invariant real consensus requires. A repeated vote for the same candidate
// is a no-op. CastVote takes no vote sequence: it does not reject
// lower-sequence votes and never returns ErrElectionReplay.
func (m *ElectionManager) CastVote(root Hash, voter Account, candidate Hash) (*Election, error) {
	weight, err := m.ledger.Weight(voter)
	if err != nil {
		weight = U128{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byRoot[root]
	if !ok {
		return nil, ErrElectionNotFound
	}
	if e.Status == ElectionConfirmed || e.Status == ElectionAgedOut {
		return e, nil
	}
	if prior, voted := e.Voters[voter]; voted {
		if prior == candidate {
			return e, nil
		}
		priorWeight := e.Tally[prior]
		if updated, ok := priorWeight.Sub(weight); ok {
			e.Tally[prior] = updated
		}
	}
	e.Voters[voter] = candidate
	e.Tally[candidate] = e.Tally[candidate].Add(weight)

	onlineWeight := m.onlineWeightLocked()
	_, leaderWeight := e.leader()
	if hasQuorum(leaderWeight, onlineWeight, m.params.QuorumFraction) {
		e.Status = ElectionQuorumReached
		e.Winner, _ = e.leader()
	}
	return e, nil
}

// onlineWeightLocked estimates total online voting weight as the sum of
// every account that has cast a vote in any currently tracked election;
// callers that track a richer peer-liveness signal may substitute their own
// estimate by calling SetOnlineWeightEstimator.
func (m *ElectionManager) onlineWeightLocked() U128 {
	if m.onlineWeightFn != nil {
		return m.onlineWeightFn()
	}
	total := U128{}
	seen := make(map[Account]bool)
	for _, e := range m.byRoot {
		for voter := range e.Voters {
			if seen[voter] {
				continue
			}
			seen[voter] = true
			if w, err := m.ledger.Weight(voter); err == nil {
				total = total.Add(w)
			}
		}
	}
	return total
}

func hasQuorum(leaderWeight, onlineWeight U128, fraction float64) bool {
	if onlineWeight.Cmp(U128{}) == 0 {
		return false
	}
	// leaderWeight/onlineWeight > fraction, computed without floating point
	// division on the u128 values: leaderWeight*denominator > onlineWeight*numerator.
	num, den := rationalize(fraction)
	lhs := leaderWeight.BigInt()
	lhs.Mul(lhs, den)
	rhs := onlineWeight.BigInt()
	rhs.Mul(rhs, num)
	return lhs.Cmp(rhs) > 0
}

// Confirm finalizes an election whose status is quorum_reached (it does not
// check how long quorum has held): it rolls back every losing candidate already
// applied to the ledger, then re-applies the winner (which Ledger.process
// never committed — a forked candidate is rejected with CodeFork before it
// ever reaches commit/PutBlock) so the account chain has a head again.
// Returns the winning block hash.
func (m *ElectionManager) Confirm(root Hash) (Hash, error) {
	m.mu.Lock()
	e, ok := m.byRoot[root]
	m.mu.Unlock()
	if !ok {
		return Hash{}, ErrElectionNotFound
	}
	m.mu.Lock()
	if e.Status != ElectionQuorumReached {
		m.mu.Unlock()
		return Hash{}, ErrCommitteeNotReached
	}
	winner := e.Winner
	winnerBlock := e.Blocks[winner]
	losers := make([]Hash, 0, len(e.Tally))
	for h := range e.Tally {
		if h != winner {
			losers = append(losers, h)
		}
	}
	e.Status = ElectionConfirmed
	m.mu.Unlock()

	for _, loser := range losers {
		if m.ledger.BlockExists(loser) {
			if err := m.ledger.Rollback(loser); err != nil {
				return Hash{}, err
			}
		}
	}

	if winnerBlock != nil && !m.ledger.BlockExists(winner) {
		if _, err := m.ledger.Process(winnerBlock); err != nil {
			return Hash{}, fmt.Errorf("applying confirmed winner %s: %w", winner.Short(), err)
		}
	}

	m.log.WithFields(log.Fields{"root": root.Short(), "winner": winner.Short()}).Info("election confirmed")
	return winner, nil
}

// Tick advances every observing election's round counter, aging out any
// that have run past ElectionAgeOutRounds without reaching quorum.
func (m *ElectionManager) Tick() []Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	var agedOut []Hash
	for root, e := range m.byRoot {
		if e.Status != ElectionObserving && e.Status != ElectionQuorumReached {
			continue
		}
		e.Rounds++
		if e.Rounds >= m.params.ElectionAgeOutRounds && e.Status == ElectionObserving {
			e.Status = ElectionAgedOut
			agedOut = append(agedOut, root)
		}
	}
	return agedOut
}

// QuorumReachedRoots returns the roots of every election currently sitting
// at quorum_reached, for the scheduler to confirm.
func (m *ElectionManager) QuorumReachedRoots() []Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	var roots []Hash
	for root, e := range m.byRoot {
		if e.Status == ElectionQuorumReached {
			roots = append(roots, root)
		}
	}
	return roots
}

// Get returns the election tracked at root, if any.
func (m *ElectionManager) Get(root Hash) (*Election, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byRoot[root]
	return e, ok
}

// Remove drops a finished (confirmed or aged-out) election from tracking.
func (m *ElectionManager) Remove(root Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byRoot, root)
	setActiveElections(len(m.byRoot))
}

// SetOnlineWeightEstimator installs a callback used instead of the built-in
// voter-set estimate, letting the network layer feed a peer-liveness-derived
// figure once it has one.
func (m *ElectionManager) SetOnlineWeightEstimator(fn func() U128) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onlineWeightFn = fn
}
