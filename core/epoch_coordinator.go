package core

import "go.etcd.io/bbolt"

// EpochCoordinator drives one node's side of the epoch pipeline (§4.5): it
// assembles a candidate header from pending transactions, signs its own
// pre_vote/vote, and collects the rest of the committee's signatures
// (delivered by the network layer via Offer*) until quorum lets it commit
// through Committee.AssembleHeader into the epoch-store.
type EpochCoordinator struct {
	committee  *Committee
	epochStore *EpochStore
	signer     func(Hash) (U512, error)
	account    Account

	candidate *EpochHeader
	preVotes  map[Account]U512
	votes     map[Account]U512
}

// NewEpochCoordinator constructs a coordinator; signer is typically
// HDWallet.Sign bound to this node's committee-registered account.
func NewEpochCoordinator(committee *Committee, epochStore *EpochStore, account Account, signer func(Hash) (U512, error)) *EpochCoordinator {
	return &EpochCoordinator{
		committee:  committee,
		epochStore: epochStore,
		signer:     signer,
		account:    account,
		preVotes:   make(map[Account]U512),
		votes:      make(map[Account]U512),
	}
}

// BeginCandidate starts a new round over txs since prev, returning this
// node's own pre_vote signature to broadcast to the rest of the committee.
func (c *EpochCoordinator) BeginCandidate(timestamp uint64, prev Hash, txs []Hash) (*EpochHeader, U512, error) {
	c.candidate = &EpochHeader{Timestamp: timestamp, Prev: prev, Txs: txs}
	c.preVotes = make(map[Account]U512)
	c.votes = make(map[Account]U512)
	sig, err := c.signer(c.candidate.Hash())
	if err != nil {
		return nil, U512{}, err
	}
	c.preVotes[c.account] = sig
	return c.candidate, sig, nil
}

// OfferPreVote records a peer witness's pre_vote signature for the current
// candidate.
func (c *EpochCoordinator) OfferPreVote(from Account, sig U512) {
	if c.candidate == nil {
		return
	}
	c.preVotes[from] = sig
}

// PreVoteQuorumReached reports whether enough pre_votes have accumulated to
// advance to the vote round, and if so returns this node's own vote
// signature to broadcast.
func (c *EpochCoordinator) PreVoteQuorumReached() (U512, bool, error) {
	if c.candidate == nil {
		return U512{}, false, nil
	}
	ok, _, err := c.committee.VerifyPreVoteQuorum(c.candidate, c.preVotes)
	if err != nil || !ok {
		return U512{}, false, nil
	}
	sig, err := c.signer(c.candidate.Hash())
	if err != nil {
		return U512{}, false, err
	}
	c.votes[c.account] = sig
	return sig, true, nil
}

// OfferVote records a peer witness's vote signature for the current
// candidate.
func (c *EpochCoordinator) OfferVote(from Account, sig U512) {
	if c.candidate == nil {
		return
	}
	c.votes[from] = sig
}

// TryCommit assembles and persists the header once both rounds have reached
// quorum, returning the committed hash. authorSig is this node's own
// signature over the header as its assembler.
func (c *EpochCoordinator) TryCommit(authorSig U512, blsVoteSigs [][]byte) (Hash, error) {
	if c.candidate == nil {
		return Hash{}, ErrCommitteeNotReached
	}
	header, err := c.committee.AssembleHeader(c.candidate.Timestamp, c.candidate.Prev, c.candidate.Txs, c.preVotes, c.votes, blsVoteSigs, authorSig)
	if err != nil {
		return Hash{}, err
	}
	var hash Hash
	err = c.epochStore.Update(func(tx *bbolt.Tx) error {
		h, err := c.epochStore.PutHeader(tx, header)
		hash = h
		return err
	})
	if err != nil {
		return Hash{}, err
	}
	c.candidate = nil
	return hash, nil
}
