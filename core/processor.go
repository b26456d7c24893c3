package core

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// Processor is the single-writer block ingest queue: every block offered to
// the node funnels through here before it ever reaches Ledger.Process, so
// the ledger's single bbolt writer transaction per block is never contended
// by concurrent callers. Blocks with an unmet predecessor or source are
// parked in the store's unchecked table and retried once the missing hash
// lands; a confirmed fork hands its losing side to the election manager
// instead of being retried.
type Processor struct {
	ledger    *Ledger
	elections *ElectionManager
	log       *log.Entry

	queue  chan *Block
	forced chan *Block
	stop   chan struct{}

	mu      sync.Mutex
	pending int
	drained *sync.Cond

	onResult func(*Block, ProcessResult)
}

// NewProcessor constructs a processor over ledger/elections with a queue of
// the given capacity. onResult, if non-nil, is called on the processing
// goroutine with every outcome Ledger.Process returns without error — the network
// layer uses it to decide what to rebroadcast.
func NewProcessor(ledger *Ledger, elections *ElectionManager, queueSize int, logger *log.Logger, onResult func(*Block, ProcessResult)) *Processor {
	if logger == nil {
		logger = log.New()
	}
	p := &Processor{
		ledger:    ledger,
		elections: elections,
		log:       logger.WithField("component", "processor"),
		queue:     make(chan *Block, queueSize),
		forced:    make(chan *Block, queueSize),
		stop:      make(chan struct{}),
		onResult:  onResult,
	}
	p.drained = sync.NewCond(&p.mu)
	return p
}

// Submit enqueues b for ordinary processing, returning an error if the
// queue is full (backpressure — callers are expected to drop or retry, not
// block indefinitely on gossip traffic).
func (p *Processor) Submit(b *Block) error {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
	select {
	case p.queue <- b:
		return nil
	default:
		p.mu.Lock()
		p.pending--
		p.drained.Broadcast()
		p.mu.Unlock()
		return fmt.Errorf("core: processor queue full")
	}
}

// SubmitForced enqueues b on the forced path, which the run loop always
// drains ahead of the ordinary queue and never rejects for being full
// (the bootstrap client feeds pulled blocks through this so a slow gossip
// consumer can never stall a catch-up sync).
func (p *Processor) SubmitForced(b *Block) {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
	p.forced <- b
}

// Flush blocks until every block submitted so far (forced or not) has been
// processed to a terminal outcome.
func (p *Processor) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		p.drained.Wait()
	}
}

// Run drives the processing loop until Stop is called. Intended to be
// launched in its own goroutine by node.go.
func (p *Processor) Run() {
	for {
		select {
		case <-p.stop:
			return
		case b := <-p.forced:
			p.handle(b)
		default:
			select {
			case <-p.stop:
				return
			case b := <-p.forced:
				p.handle(b)
			case b := <-p.queue:
				p.handle(b)
			}
		}
	}
}

// Stop terminates Run.
func (p *Processor) Stop() { close(p.stop) }

func (p *Processor) handle(b *Block) {
	defer func() {
		p.mu.Lock()
		p.pending--
		p.drained.Broadcast()
		p.mu.Unlock()
	}()

	result, err := p.ledger.Process(b)
	if err != nil {
		p.log.WithError(err).Warn("process error")
		return
	}
	observeBlockProcessed(result.Code)

	switch result.Code {
	case CodeProgress:
		hash := b.Hash()
		p.requeueUnchecked(hash)
	case CodeFork:
		p.handleFork(b)
	case CodeGapPrevious:
		if b.RequiresPredecessor() {
			p.park(b.Previous, b)
		}
	case CodeGapSource:
		p.park(gapSourceOf(b), b)
	}

	if p.onResult != nil {
		p.onResult(b, result)
	}
}

func gapSourceOf(b *Block) Hash {
	if b.Kind == KindState {
		return b.Link
	}
	return b.Source
}

// handleFork starts (or joins) an election at the contested root and casts
// this block as a candidate; CastVote/Confirm are driven by vote traffic and
// Tick from the network/consensus loop, not from here.
func (p *Processor) handleFork(b *Block) {
	root := b.Previous
	if b.Kind == KindOpen {
		root = b.Source
	}
	p.elections.Start(root, b)
	p.log.WithFields(log.Fields{"root": root.Short(), "candidate": b.Hash().Short()}).Info("fork detected, election started")
}

// park stores b in the unchecked table keyed by the hash it is waiting on.
func (p *Processor) park(missing Hash, b *Block) {
	if err := p.ledger.Store().Update(func(tx *bbolt.Tx) error {
		return p.ledger.Store().UncheckedPut(tx, missing, b)
	}); err != nil {
		p.log.WithError(err).Warn("park unchecked block failed")
	}
}

// requeueUnchecked resubmits every block parked waiting on hash, now that
// hash has landed.
func (p *Processor) requeueUnchecked(hash Hash) {
	var blocks []*Block
	err := p.ledger.Store().Update(func(tx *bbolt.Tx) error {
		parked, err := p.ledger.Store().UncheckedGet(tx, hash)
		if err != nil {
			return err
		}
		for _, blk := range parked {
			if err := p.ledger.Store().UncheckedDel(tx, hash, blk.Kind, blk.Hash()); err != nil {
				return err
			}
		}
		blocks = parked
		return nil
	})
	if err != nil {
		p.log.WithError(err).Warn("requeue unchecked failed")
		return
	}
	for _, blk := range blocks {
		if err := p.Submit(blk); err != nil {
			p.log.WithError(err).Warn("requeue submit failed")
		}
	}
}
