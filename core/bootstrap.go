package core

// TCP bootstrap protocol (§4.8): frontier reconciliation followed by a
// bulk_pull stream per differing account, then a bulk_push of blocks the
// peer is missing. Epoch bootstrap mirrors the same shape over the
// epoch-store. Each framed request gets a streamed response terminated by a
// not_a_block marker; a connection may carry several requests in sequence.

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// BootstrapMessageType tags a framed TCP bootstrap request/response record.
type BootstrapMessageType uint8

const (
	BootstrapFrontierReq BootstrapMessageType = iota + 1
	BootstrapBulkPull
	BootstrapBulkPullBlocks
	BootstrapBulkPush
	BootstrapEpochReq
	BootstrapEpochBulkPull
	BootstrapEpochBulkPush
	bootstrapNotABlock // terminal marker, never sent as a request type
)

const (
	maxPullRequeues      = 16
	slowConnThreshold    = 10 // blocks/sec
	slowConnGrace        = 30 * time.Second
	newConnectionsPerTick = 10

	// bootstrapPoolMaxIdle/bootstrapPoolIdleTTL size the idle-connection pool
	// kept warm against known-good peers (§4.8): a handful of reusable
	// sockets per peer, reaped after a short idle period.
	bootstrapPoolMaxIdle = 4
	bootstrapPoolIdleTTL = 30 * time.Second

	// dropSlowConnFraction is the fraction of targetConcurrency that, once
	// in use, triggers dropping the slowest observed connections (§4.8).
	dropSlowConnFraction = 2.0 / 3.0
)

// writeBootstrapFrame writes a length-prefixed (type || body) record to w.
func writeBootstrapFrame(w io.Writer, t BootstrapMessageType, body []byte) error {
	header := make([]byte, 5)
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// readBootstrapFrame reads one length-prefixed record from r.
func readBootstrapFrame(r io.Reader) (BootstrapMessageType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	t := BootstrapMessageType(header[0])
	n := binary.BigEndian.Uint32(header[1:5])
	if n == 0 {
		return t, nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return t, body, nil
}

func writeNotABlock(w io.Writer, checksum *Hash) error {
	var body []byte
	if checksum != nil {
		body = checksum[:]
	}
	return writeBootstrapFrame(w, bootstrapNotABlock, body)
}

// frontierEntry is one (account, head) pair exchanged by frontier_req.
type frontierEntry struct {
	Account Account
	Head    Hash
}

func encodeFrontierEntry(f frontierEntry) []byte {
	out := make([]byte, 64)
	copy(out[0:32], f.Account[:])
	copy(out[32:64], f.Head[:])
	return out
}

func decodeFrontierEntry(b []byte) (frontierEntry, error) {
	if len(b) != 64 {
		return frontierEntry{}, fmt.Errorf("core: frontier entry must be 64 bytes")
	}
	var f frontierEntry
	copy(f.Account[:], b[0:32])
	copy(f.Head[:], b[32:64])
	return f, nil
}

// BootstrapServer answers frontier_req/bulk_pull/bulk_push/epoch_* requests
// against this node's ledger and epoch-store. One TCP connection carries a
// sequence of requests, each answered by its streamed response.
type BootstrapServer struct {
	ledger     *Ledger
	epochStore *EpochStore
	log        *log.Entry
}

// NewBootstrapServer constructs a server over ledger and epochStore.
func NewBootstrapServer(ledger *Ledger, epochStore *EpochStore, logger *log.Logger) *BootstrapServer {
	if logger == nil {
		logger = log.New()
	}
	return &BootstrapServer{ledger: ledger, epochStore: epochStore, log: logger.WithField("component", "bootstrap_server")}
}

// Serve accepts a request, streams its response, then awaits the next on the
// same connection — this is what lets a client-side pool keep the connection
// warm across consecutive bootstrap requests instead of redialing (§4.8).
// The connection closes only once the peer stops sending requests or a read
// fails.
func (s *BootstrapServer) Serve(conn net.Conn) {
	defer conn.Close()
	for {
		t, body, err := readBootstrapFrame(conn)
		if err != nil {
			return
		}
		switch t {
		case BootstrapFrontierReq:
			s.serveFrontierReq(conn)
		case BootstrapBulkPull, BootstrapBulkPullBlocks:
			s.serveBulkPull(conn, body)
		case BootstrapBulkPush:
			s.serveBulkPush(conn)
		case BootstrapEpochReq:
			s.serveEpochReq(conn)
		case BootstrapEpochBulkPull:
			s.serveEpochBulkPull(conn, body)
		case BootstrapEpochBulkPush:
			s.serveEpochBulkPush(conn)
		default:
			s.log.WithField("type", t).Debug("unknown bootstrap request")
			return
		}
	}
}

func (s *BootstrapServer) serveFrontierReq(conn net.Conn) {
	var checksum Hash
	err := s.ledger.Store().View(func(tx *bbolt.Tx) error {
		checksum = s.ledger.Store().Checksum(tx)
		it := s.ledger.Store().LatestBegin(tx, Account{})
		for it.Valid() {
			info, err := it.Info()
			if err != nil {
				it.Next()
				continue
			}
			entry := frontierEntry{Account: it.Account(), Head: info.Head}
			if err := writeBootstrapFrame(conn, BootstrapFrontierReq, encodeFrontierEntry(entry)); err != nil {
				return err
			}
			it.Next()
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Warn("frontier_req stream failed")
		return
	}
	_ = writeNotABlock(conn, &checksum)
}

// serveBulkPull streams every block of the requested account's chain,
// starting at its open block, oldest first.
func (s *BootstrapServer) serveBulkPull(conn net.Conn, body []byte) {
	if len(body) != 32 {
		_ = writeNotABlock(conn, nil)
		return
	}
	var account Account
	copy(account[:], body)

	var chain []*Block
	err := s.ledger.Store().View(func(tx *bbolt.Tx) error {
		info, err := s.ledger.Store().AccountGet(tx, account)
		if err != nil {
			return nil
		}
		hash := info.Head
		for !hash.IsZero() {
			b, err := s.ledger.Store().GetBlock(tx, hash)
			if err != nil {
				return err
			}
			chain = append(chain, b)
			if b.Kind == KindOpen {
				break
			}
			hash = b.Previous
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Warn("bulk_pull stream failed")
	}
	for i := len(chain) - 1; i >= 0; i-- {
		raw, err := chain[i].MarshalBinary()
		if err != nil {
			continue
		}
		_ = writeBootstrapFrame(conn, BootstrapBulkPull, append([]byte{byte(chain[i].Kind)}, raw...))
	}
	_ = writeNotABlock(conn, nil)
}

// serveBulkPush accepts a stream of blocks from the client until
// not_a_block, applying each through the ledger's forced path semantics
// (process result is not required to be progress — the client is catching
// the server up, not the other way around, so stale/duplicate is fine).
func (s *BootstrapServer) serveBulkPush(conn net.Conn) {
	for {
		t, body, err := readBootstrapFrame(conn)
		if err != nil || t == bootstrapNotABlock {
			return
		}
		if len(body) < 1 {
			continue
		}
		b := &Block{Kind: Kind(body[0])}
		if err := b.UnmarshalBinary(body[1:]); err != nil {
			continue
		}
		if _, err := s.ledger.Process(b); err != nil {
			s.log.WithError(err).Debug("bulk_push block rejected")
		}
	}
}

func (s *BootstrapServer) serveEpochReq(conn net.Conn) {
	var checksum Hash
	_ = s.epochStore.View(func(tx *bbolt.Tx) error {
		checksum = s.epochStore.Checksum(tx)
		return nil
	})
	_ = writeNotABlock(conn, &checksum)
}

// serveEpochBulkPull streams every header after the requested hash (or every
// header, if the request carries the zero hash — a full epoch-store sync).
func (s *BootstrapServer) serveEpochBulkPull(conn net.Conn, body []byte) {
	var after Hash
	if len(body) == 32 {
		copy(after[:], body)
	}
	seenAfter := after.IsZero()
	err := s.epochStore.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(epochBucketHeaders).ForEach(func(k, v []byte) error {
			if !seenAfter {
				var k32 Hash
				copy(k32[:], k)
				if k32 == after {
					seenAfter = true
				}
				return nil
			}
			return writeBootstrapFrame(conn, BootstrapEpochBulkPull, append([]byte(nil), v...))
		})
	})
	if err != nil {
		s.log.WithError(err).Warn("epoch_bulk_pull stream failed")
	}
	_ = writeNotABlock(conn, nil)
}

func (s *BootstrapServer) serveEpochBulkPush(conn net.Conn) {
	for {
		t, body, err := readBootstrapFrame(conn)
		if err != nil || t == bootstrapNotABlock {
			return
		}
		h := &EpochHeader{}
		if err := h.UnmarshalBinary(body); err != nil {
			continue
		}
		_ = s.epochStore.Update(func(tx *bbolt.Tx) error {
			_, err := s.epochStore.PutHeader(tx, h)
			return err
		})
	}
}

// pullStats tracks a connection's observed throughput, used to rank and
// drop slow connections once the attempt is near its target concurrency.
type pullStats struct {
	blocks    int
	started   time.Time
	belowSlow time.Time
}

func (p *pullStats) rate() float64 {
	elapsed := time.Since(p.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.blocks) / elapsed
}

// BootstrapAttempt drives the client side of §4.8 against a set of peers: a
// frontier_req diff, then bulk_pull per differing account, then a bulk_push
// of blocks the peer is missing.
type BootstrapAttempt struct {
	dialer    *Dialer
	pool      *ConnPool
	processor *Processor
	ledger    *Ledger
	log       *log.Entry

	mu    sync.Mutex
	conns map[string]*pullStats

	targetConcurrency int
}

// NewBootstrapAttempt constructs an attempt over dialer, feeding pulled
// blocks into processor via the forced path. Connections to peers are kept
// warm in a small idle pool (§4.8) rather than dialed and closed per request.
func NewBootstrapAttempt(dialer *Dialer, processor *Processor, ledger *Ledger, targetConcurrency int, logger *log.Logger) *BootstrapAttempt {
	if logger == nil {
		logger = log.New()
	}
	return &BootstrapAttempt{
		dialer:            dialer,
		pool:              NewConnPool(dialer, bootstrapPoolMaxIdle, bootstrapPoolIdleTTL),
		processor:         processor,
		ledger:            ledger,
		log:               logger.WithField("component", "bootstrap_attempt"),
		conns:             make(map[string]*pullStats),
		targetConcurrency: targetConcurrency,
	}
}

// Close releases the attempt's pooled connections and stops its reaper.
func (a *BootstrapAttempt) Close() {
	a.pool.Close()
}

// Run synchronizes against peers: spawns at most newConnectionsPerTick
// connections per call, up to min(targetConcurrency, len(peers)). Call
// repeatedly (e.g. on a ticker) until it returns false (nothing left to do).
func (a *BootstrapAttempt) Run(ctx context.Context, peers []string) bool {
	if len(peers) == 0 {
		return false
	}
	n := a.targetConcurrency
	if n > len(peers) {
		n = len(peers)
	}
	if n > newConnectionsPerTick {
		n = newConnectionsPerTick
	}

	a.dropSlowest()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		peer := peers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.syncOne(ctx, peer)
		}()
	}
	wg.Wait()
	return true
}

// dropSlowest flags the slowest tracked connections whose rate is below
// slowConnThreshold for force-stop once at least ⅔ of targetConcurrency is in
// use, per §4.8: it back-dates their belowSlow mark so pullAccount stops on
// its next slow check. It does not close any connection itself.
func (a *BootstrapAttempt) dropSlowest() {
	a.mu.Lock()
	inUse := len(a.conns)
	a.mu.Unlock()
	if a.targetConcurrency <= 0 || float64(inUse) < float64(a.targetConcurrency)*dropSlowConnFraction {
		return
	}
	ranked := a.rankByRate()
	excess := inUse - int(float64(a.targetConcurrency)*dropSlowConnFraction) + 1
	for i := len(ranked) - 1; i >= 0 && excess > 0; i-- {
		addr := ranked[i]
		a.mu.Lock()
		stats, ok := a.conns[addr]
		a.mu.Unlock()
		if !ok {
			continue
		}
		if stats.rate() >= slowConnThreshold {
			continue
		}
		a.log.WithFields(log.Fields{"peer": addr, "rate": stats.rate()}).Debug("dropping slow bootstrap connection")
		stats.belowSlow = time.Now().Add(-slowConnGrace - time.Second)
		excess--
	}
}

func (a *BootstrapAttempt) syncOne(ctx context.Context, addr string) {
	conn, err := a.pool.Acquire(ctx, addr)
	if err != nil {
		a.log.WithError(err).WithField("peer", addr).Debug("dial failed")
		return
	}

	stats := &pullStats{started: time.Now()}
	a.mu.Lock()
	a.conns[addr] = stats
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.conns, addr)
		a.mu.Unlock()
	}()

	diffs, err := a.frontierDiff(conn)
	if err != nil {
		a.log.WithError(err).WithField("peer", addr).Warn("frontier_req failed")
		conn.Close()
		return
	}
	a.pool.Release(conn)

	for _, account := range diffs {
		a.pullAccount(ctx, addr, account, stats)
	}
}

// frontierDiff issues a frontier_req over conn (pooled by the caller) and
// diffs the peer's reported heads against the local ledger.
func (a *BootstrapAttempt) frontierDiff(conn net.Conn) ([]Account, error) {
	if err := writeBootstrapFrame(conn, BootstrapFrontierReq, nil); err != nil {
		return nil, err
	}
	var diffs []Account
	for {
		t, body, err := readBootstrapFrame(conn)
		if err != nil {
			return nil, err
		}
		if t == bootstrapNotABlock {
			return diffs, nil
		}
		entry, err := decodeFrontierEntry(body)
		if err != nil {
			continue
		}
		local, err := a.ledger.Latest(entry.Account)
		if err != nil || local != entry.Head {
			diffs = append(diffs, entry.Account)
		}
	}
}

// pullAccount runs bulk_pull for one account over a pooled connection,
// requeuing up to maxPullRequeues times on an unexpected terminal outcome.
func (a *BootstrapAttempt) pullAccount(ctx context.Context, addr string, account Account, stats *pullStats) {
	for attempt := 0; attempt < maxPullRequeues; attempt++ {
		conn, err := a.pool.Acquire(ctx, addr)
		if err != nil {
			return
		}
		ok := a.pullAccountOnce(conn, account, stats)
		if ok {
			a.pool.Release(conn)
		} else {
			conn.Close()
		}
		if ok {
			return
		}
		if stats.rate() < slowConnThreshold {
			if stats.belowSlow.IsZero() {
				stats.belowSlow = time.Now()
			} else if time.Since(stats.belowSlow) > slowConnGrace {
				return
			}
		} else {
			stats.belowSlow = time.Time{}
		}
	}
}

func (a *BootstrapAttempt) pullAccountOnce(conn net.Conn, account Account, stats *pullStats) bool {
	if err := writeBootstrapFrame(conn, BootstrapBulkPull, account[:]); err != nil {
		return false
	}
	for {
		t, body, err := readBootstrapFrame(conn)
		if err != nil {
			return false
		}
		if t == bootstrapNotABlock {
			return true
		}
		if len(body) < 1 {
			continue
		}
		b := &Block{Kind: Kind(body[0])}
		if err := b.UnmarshalBinary(body[1:]); err != nil {
			continue
		}
		a.processor.SubmitForced(b)
		stats.blocks++
		addBootstrapBlocksPulled(1)
	}
}

// PushMissing sends every block the peer lacks, as determined by a prior
// frontier_req round; blocks is the set the caller determined to be ahead.
func (a *BootstrapAttempt) PushMissing(ctx context.Context, addr string, blocks []*Block) error {
	conn, err := a.pool.Acquire(ctx, addr)
	if err != nil {
		return err
	}
	if err := writeBootstrapFrame(conn, BootstrapBulkPush, nil); err != nil {
		conn.Close()
		return err
	}
	for _, b := range blocks {
		raw, err := b.MarshalBinary()
		if err != nil {
			continue
		}
		if err := writeBootstrapFrame(conn, BootstrapBulkPush, append([]byte{byte(b.Kind)}, raw...)); err != nil {
			conn.Close()
			return err
		}
		addBootstrapBlocksPushed(1)
	}
	if err := writeNotABlock(conn, nil); err != nil {
		conn.Close()
		return err
	}
	a.pool.Release(conn)
	return nil
}

// rankByRate sorts addresses by observed pull rate, descending — used to
// pick drop candidates when connections exceed ⅔ of target concurrency.
func (a *BootstrapAttempt) rankByRate() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	addrs := make([]string, 0, len(a.conns))
	for addr := range a.conns {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return a.conns[addrs[i]].rate() > a.conns[addrs[j]].rate()
	})
	return addrs
}
