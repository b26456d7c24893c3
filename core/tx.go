package core

// TxKind is the derived classification of a Tx envelope, computed from which
// of Destination/Source are populated rather than stored explicitly.
type TxKind uint8

const (
	TxNotABlock TxKind = iota
	TxSend
	TxReceive
)

// Tx is the generalized envelope used by wallet-side block construction and
// by the wire protocol before a concrete Block variant is materialized. It
// widens send/receive/change into one shape carrying an opaque payload, so
// callers that only care about "is this a transfer and for how much" do not
// need to switch on Block.Kind themselves.
type Tx struct {
	Previous    U256
	Destination U256
	Source      U256
	Balance     U128
	Account     U256
	Signature   U512

	// Info is an opaque, non-interpreted payload. Per §1 non-goals this
	// implementation never executes it; it is carried verbatim for
	// higher-level protocols layered on top of this node.
	Info TxInfo

	// Epoch optionally pins the tx to a specific committed epoch header,
	// letting light clients prove finality without replaying the whole
	// account chain.
	Epoch Hash
}

// TxInfo is the non-interpreted payload carried by a Tx. Every field is
// opaque to the ledger: it is persisted and forwarded but never parsed.
type TxInfo struct {
	Value    U128
	Data     []byte
	Gas      uint64
	GasPrice uint64
}

// Kind derives the transaction's classification: nonzero Destination means
// send, else nonzero Source means receive, else not_a_block.
func (t *Tx) Kind() TxKind {
	switch {
	case t.Destination != (U256{}):
		return TxSend
	case t.Source != (U256{}):
		return TxReceive
	default:
		return TxNotABlock
	}
}

// ToBlock materializes a Tx into a concrete state Block (the only variant
// this implementation issues for new wallet-originated transfers; legacy
// send/receive/open/change blocks are accepted on ingest for chain
// continuity with older peers but never authored locally).
func (t *Tx) ToBlock() *Block {
	link := t.Destination
	if t.Kind() == TxReceive {
		link = t.Source
	}
	return &Block{
		Kind:      KindState,
		Account:   t.Account,
		Previous:  t.Previous,
		Balance:   t.Balance,
		Link:      link,
		Signature: t.Signature,
	}
}
