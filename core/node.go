package core

// LatticeNode wires every component named in §5's concurrency model into one
// runnable process: ledger + block-store, consensus (committee + active
// elections), the UDP gossip transport, the TCP bootstrap client/server, and
// periodic scheduling (keepalive is owned by Node itself; committee/election
// ticks and bootstrap sync are driven from here).

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	committeeRoundPeriod  = 15 * time.Second
	electionTickPeriod    = 1 * time.Second
	bootstrapSyncPeriod   = 10 * time.Second
	storeFlushPeriod      = 5 * time.Second
)

// Observer receives the node's externally-visible lifecycle events (§10.4).
// LatticeNode invokes OnBlockApplied and OnStarted; OnVoteObserved,
// OnPeerAdded and OnDisconnect are never called. Any field left nil is
// simply not called.
type Observer struct {
	OnBlockApplied func(*Block, ProcessResult)
	OnVoteObserved func(*Vote)
	OnPeerAdded    func(PeerEndpoint)
	OnDisconnect   func(PeerEndpoint)
	OnStarted      func()
}

// LatticeNode is the assembled node: every subsystem plus the goroutines
// that schedule their periodic work.
type LatticeNode struct {
	params NetworkParams
	log    *log.Entry

	// RunID correlates every log line this process instance emits across
	// restarts of the same node identity, independent of its account.
	RunID uuid.UUID

	Store      *Store
	EpochStore *EpochStore
	Ledger     *Ledger
	Stake      *StakePenaltyManager
	Committee  *Committee
	Elections  *ElectionManager
	Processor  *Processor
	Network    *Node
	BootServer *BootstrapServer
	Bootstrap  *BootstrapAttempt
	nat        *NATManager

	observer Observer
	peers    []string

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewLatticeNode opens the stores and constructs every subsystem over
// params, wiring the observer's OnBlockApplied into the processor's result
// callback. signer is this node's own Ed25519 key, handed to the network
// layer, which signs handshake responses with it.
func NewLatticeNode(params NetworkParams, nodeID Account, signer ed25519.PrivateKey, peers []string, observer Observer, logger *log.Logger) (*LatticeNode, error) {
	if logger == nil {
		logger = log.New()
	}
	store, err := OpenStore(params.BlockStorePath)
	if err != nil {
		return nil, fmt.Errorf("core: open block store: %w", err)
	}
	epochStore, err := OpenEpochStore(params.EpochStorePath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("core: open epoch store: %w", err)
	}

	ledger := NewLedger(store, params, logger)
	stake := NewStakePenaltyManager(logger, store)
	committee := NewCommittee(params, stake, logger)
	elections := NewElectionManager(ledger, params, logger)

	runID := uuid.New()
	n := &LatticeNode{
		params:     params,
		RunID:      runID,
		log:        logger.WithFields(log.Fields{"component": "node", "run_id": runID.String()}),
		Store:      store,
		EpochStore: epochStore,
		Ledger:     ledger,
		Stake:      stake,
		Committee:  committee,
		Elections:  elections,
		observer:   observer,
		peers:      peers,
		stop:       make(chan struct{}),
	}

	n.Processor = NewProcessor(ledger, elections, 4096, logger, n.onProcessResult)

	netNode, err := NewNode(NodeConfig{
		ListenAddr:    params.ListenAddr,
		Magic:         params.NetworkMagic,
		NodeID:        nodeID,
		Signer:        signer,
		PeerTableSize: params.PeerTableSize,
	}, n.Processor, elections, committee, logger)
	if err != nil {
		store.Close()
		epochStore.Close()
		return nil, fmt.Errorf("core: start network: %w", err)
	}
	n.Network = netNode

	n.BootServer = NewBootstrapServer(ledger, epochStore, logger)
	dialer := &Dialer{Timeout: 10 * time.Second}
	n.Bootstrap = NewBootstrapAttempt(dialer, n.Processor, ledger, 8, logger)

	if nat, err := NewNATManager(); err == nil {
		n.nat = nat
	} else {
		n.log.WithError(err).Debug("NAT discovery unavailable")
	}

	return n, nil
}

func (n *LatticeNode) onProcessResult(b *Block, result ProcessResult) {
	if result.Code == CodeProgress {
		n.Network.Publish(b)
	}
	if n.observer.OnBlockApplied != nil {
		n.observer.OnBlockApplied(b, result)
	}
}

// Start launches every background goroutine and returns without waiting;
// Stop terminates them. Intended to be run from cmd/synnergy's `node start`.
func (n *LatticeNode) Start(ctx context.Context) {
	if port, err := portFromHostPort(n.params.ListenAddr); err == nil && n.nat != nil {
		if err := n.nat.Map(port); err != nil {
			n.log.WithError(err).Debug("NAT port mapping failed")
		}
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Processor.Run()
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Network.Run()
	}()

	n.wg.Add(4)
	go n.committeeLoop()
	go n.electionLoop()
	go n.bootstrapLoop(ctx)
	go n.flushLoop()

	if n.observer.OnStarted != nil {
		n.observer.OnStarted()
	}
}

// Stop terminates every subsystem and blocks until they have all exited.
func (n *LatticeNode) Stop() {
	close(n.stop)
	n.Processor.Stop()
	n.Network.Stop()
	n.Bootstrap.Close()
	n.wg.Wait()
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	n.Store.Close()
	n.EpochStore.Close()
}

func (n *LatticeNode) committeeLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(committeeRoundPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			promoted := n.Committee.AdvanceRound()
			for _, a := range promoted {
				n.log.WithField("account", a.Short()).Info("deposit promoted to active candidate")
			}
		}
	}
}

func (n *LatticeNode) electionLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(electionTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			for _, root := range n.Elections.QuorumReachedRoots() {
				if _, err := n.Elections.Confirm(root); err != nil {
					n.log.WithError(err).WithField("root", root.Short()).Debug("election confirm failed")
					continue
				}
				n.Elections.Remove(root)
			}
			for _, root := range n.Elections.Tick() {
				n.Elections.Remove(root)
			}
		}
	}
}

func (n *LatticeNode) bootstrapLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(bootstrapSyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			if len(n.peers) == 0 {
				continue
			}
			syncCtx, cancel := context.WithTimeout(ctx, bootstrapSyncPeriod)
			n.Bootstrap.Run(syncCtx, n.peers)
			cancel()
		}
	}
}

func (n *LatticeNode) flushLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(storeFlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.Processor.Flush()
		}
	}
}
