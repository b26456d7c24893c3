package core

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, f *testLedgerFixture, onResult func(*Block, ProcessResult)) *Processor {
	t.Helper()
	elections := NewElectionManager(f.ledger, DefaultNetworkParams(), nil)
	p := NewProcessor(f.ledger, elections, 8, nil, onResult)
	go p.Run()
	t.Cleanup(p.Stop)
	return p
}

func TestProcessorSubmitAppliesBlockAsynchronously(t *testing.T) {
	f := newLedgerFixture(t)
	results := make(chan ProcessResult, 1)
	p := newTestProcessor(t, f, func(_ *Block, r ProcessResult) { results <- r })

	head := f.genesisHead(t)
	send := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: U128FromBigInt(big.NewInt(1))}
	send.Sign(f.genesisPriv)

	require.NoError(t, p.Submit(send))
	p.Flush()

	select {
	case r := <-results:
		require.Equal(t, CodeProgress, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for processor result")
	}
	require.True(t, f.ledger.BlockExists(send.Hash()))
}

func TestProcessorParksGapPreviousThenRequeuesOnArrival(t *testing.T) {
	f := newLedgerFixture(t)
	type outcome struct {
		hash Hash
		code ProcessCode
	}
	results := make(chan outcome, 4)
	p := newTestProcessor(t, f, func(b *Block, r ProcessResult) { results <- outcome{b.Hash(), r.Code} })

	head := f.genesisHead(t)
	send1 := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: U128FromBigInt(big.NewInt(10))}
	send1.Sign(f.genesisPriv)
	send2 := &Block{Kind: KindState, Account: f.genesisAccount, Previous: send1.Hash(), Balance: U128FromBigInt(big.NewInt(5))}
	send2.Sign(f.genesisPriv)

	// Submit send2 first: its predecessor send1 doesn't exist yet, so it
	// must park rather than apply.
	require.NoError(t, p.Submit(send2))
	p.Flush()
	select {
	case r := <-results:
		require.Equal(t, send2.Hash(), r.hash)
		require.Equal(t, CodeGapPrevious, r.code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gap_previous result")
	}
	require.False(t, f.ledger.BlockExists(send2.Hash()))

	// Now land send1; the processor should requeue send2 automatically.
	require.NoError(t, p.Submit(send1))
	p.Flush()

	seen := map[Hash]ProcessCode{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case r := <-results:
			seen[r.hash] = r.code
		case <-deadline:
			t.Fatalf("timed out, got %d results", len(seen))
		}
	}
	require.Equal(t, CodeProgress, seen[send1.Hash()])
	require.Equal(t, CodeProgress, seen[send2.Hash()])
	require.True(t, f.ledger.BlockExists(send1.Hash()))
	require.True(t, f.ledger.BlockExists(send2.Hash()))
}

func TestProcessorSubmitReturnsErrorWhenQueueFull(t *testing.T) {
	f := newLedgerFixture(t)
	elections := NewElectionManager(f.ledger, DefaultNetworkParams(), nil)
	p := NewProcessor(f.ledger, elections, 0, nil, nil) // no Run loop draining the queue

	head := f.genesisHead(t)
	send := &Block{Kind: KindState, Account: f.genesisAccount, Previous: head, Balance: U128FromBigInt(big.NewInt(1))}
	send.Sign(f.genesisPriv)

	err := p.Submit(send)
	require.Error(t, err)
}
