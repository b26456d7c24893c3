package core

// UDP gossip transport (§4.7). Framing is bit-exact on the wire, which rules
// out a stream/pubsub abstraction like libp2p (see DESIGN.md) — this layer
// talks directly to net.UDPConn. NAT traversal for the bound port still goes
// through nat_traversal.go's UPnP/NAT-PMP helper, adapted to plain
// host:port addresses instead of libp2p multiaddrs.

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MessageType tags the body following a frame header.
type MessageType uint8

const (
	MsgKeepalive MessageType = iota + 1
	MsgPublish
	MsgConfirmReq
	MsgConfirmAck
	MsgNodeIDHandshake
	MsgEpochReq
	MsgEpochBulkPull
	MsgEpochBulkPush
	MsgTransaction
)

const (
	protocolVersionMax   uint8 = 1
	protocolVersionUsing uint8 = 1
	protocolVersionMin   uint8 = 1

	frameHeaderLen     = 2 + 1 + 1 + 1 + 1 + 2 // magic, max, using, min, type, extensions
	keepalivePeerCount = 8
	keepalivePeriod    = 60 * time.Second
	peerPruneFactor    = 5

	maxPeersPerIP       = 10
	maxLegacyPeersPerIP = 5
	maxLegacyPeersTotal = 500

	synCookieTTL = 5 * time.Second
)

// blockTypeExtensionShift places the block-type hint in bits 8-11 of the
// extensions bitfield, per §4.7.
const blockTypeExtensionShift = 8

// Frame is a decoded wire message: the fixed header plus its raw body.
type Frame struct {
	Magic        [2]byte
	VersionMax   uint8
	VersionUsing uint8
	VersionMin   uint8
	Type         MessageType
	Extensions   uint16
	Body         []byte
}

// EncodeFrame renders f using §4.7's exact byte layout.
func EncodeFrame(f *Frame) []byte {
	out := make([]byte, frameHeaderLen+len(f.Body))
	copy(out[0:2], f.Magic[:])
	out[2] = f.VersionMax
	out[3] = f.VersionUsing
	out[4] = f.VersionMin
	out[5] = byte(f.Type)
	binary.LittleEndian.PutUint16(out[6:8], f.Extensions)
	copy(out[8:], f.Body)
	return out
}

// DecodeFrame parses a raw datagram into a Frame, validating the claimed
// network magic against expected.
func DecodeFrame(data []byte, expected [2]byte) (*Frame, error) {
	if len(data) < frameHeaderLen {
		return nil, fmt.Errorf("core: frame shorter than header (%d bytes)", len(data))
	}
	f := &Frame{
		VersionMax:   data[2],
		VersionUsing: data[3],
		VersionMin:   data[4],
		Type:         MessageType(data[5]),
		Extensions:   binary.LittleEndian.Uint16(data[6:8]),
		Body:         append([]byte(nil), data[8:]...),
	}
	copy(f.Magic[:], data[0:2])
	if f.Magic != expected {
		return nil, fmt.Errorf("core: network magic mismatch")
	}
	return f, nil
}

// blockTypeHint extracts the block-type hint carried in extensions bits 8-11.
func blockTypeHint(extensions uint16) Kind {
	return Kind((extensions >> blockTypeExtensionShift) & 0xF)
}

func withBlockTypeHint(k Kind) uint16 {
	return uint16(k) << blockTypeExtensionShift
}

// PeerEndpoint is a UDP peer address as both a resolved net.UDPAddr and its
// stable string key for map lookups.
type PeerEndpoint struct {
	IP   net.IP
	Port int
}

func (e PeerEndpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

func (e PeerEndpoint) udpAddr() *net.UDPAddr { return &net.UDPAddr{IP: e.IP, Port: e.Port} }

// PeerEntry is the peer table's per-endpoint record (§4.7).
type PeerEntry struct {
	Endpoint       PeerEndpoint
	NodeID         Account
	HasNodeID      bool
	LastContact    time.Time
	LastAttempt    time.Time
	LastRepRequest time.Time
	RepWeight      U128
}

// PeerTable tracks every known peer, capped by the IP/legacy rules in §4.7.
// All mutations are short critical sections under a single RWMutex, matching
// the concurrency texture the rest of core uses for shared maps.
type PeerTable struct {
	mu         sync.RWMutex
	byEndpoint map[string]*PeerEntry
	capacity   int
}

// NewPeerTable constructs an empty table bounded by capacity entries.
func NewPeerTable(capacity int) *PeerTable {
	return &PeerTable{byEndpoint: make(map[string]*PeerEntry), capacity: capacity}
}

// Insert adds or refreshes a peer, enforcing the per-IP and legacy caps.
// Returns false if the peer was rejected by a cap.
func (t *PeerTable) Insert(e PeerEndpoint, nodeID Account, hasNodeID bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := e.String()
	if existing, ok := t.byEndpoint[key]; ok {
		existing.LastContact = time.Now()
		if hasNodeID {
			existing.NodeID, existing.HasNodeID = nodeID, true
		}
		return true
	}

	sameIP, legacySameIP, legacyTotal := 0, 0, 0
	for _, p := range t.byEndpoint {
		if p.Endpoint.IP.Equal(e.IP) {
			sameIP++
			if !p.HasNodeID {
				legacySameIP++
			}
		}
		if !p.HasNodeID {
			legacyTotal++
		}
	}
	if sameIP >= maxPeersPerIP {
		return false
	}
	if !hasNodeID {
		if legacySameIP >= maxLegacyPeersPerIP || legacyTotal >= maxLegacyPeersTotal {
			return false
		}
	}
	if t.capacity > 0 && len(t.byEndpoint) >= t.capacity {
		return false
	}

	t.byEndpoint[key] = &PeerEntry{
		Endpoint:    e,
		NodeID:      nodeID,
		HasNodeID:   hasNodeID,
		LastContact: time.Now(),
	}
	setPeerTableSize(len(t.byEndpoint))
	return true
}

// Touch refreshes LastContact for an existing peer.
func (t *PeerTable) Touch(e PeerEndpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byEndpoint[e.String()]; ok {
		p.LastContact = time.Now()
	}
}

// SetRepWeight records a peer's last-observed representative weight, used to
// order the rep list confirm_ack rebroadcast targets.
func (t *PeerTable) SetRepWeight(e PeerEndpoint, weight U128) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byEndpoint[e.String()]; ok {
		p.RepWeight = weight
		p.LastRepRequest = time.Now()
	}
}

// Prune drops every peer whose last contact exceeds period*peerPruneFactor,
// returning the dropped endpoints.
func (t *PeerTable) Prune(period time.Duration) []PeerEndpoint {
	cutoff := time.Now().Add(-period * peerPruneFactor)
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []PeerEndpoint
	for k, p := range t.byEndpoint {
		if p.LastContact.Before(cutoff) {
			dropped = append(dropped, p.Endpoint)
			delete(t.byEndpoint, k)
		}
	}
	setPeerTableSize(len(t.byEndpoint))
	return dropped
}

// All returns a snapshot of every tracked peer.
func (t *PeerTable) All() []*PeerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerEntry, 0, len(t.byEndpoint))
	for _, p := range t.byEndpoint {
		out = append(out, p)
	}
	return out
}

// RepList returns every peer with a nonzero rep weight, descending by
// weight — the confirm_ack rebroadcast target set (§4.7).
func (t *PeerTable) RepList() []*PeerEntry {
	all := t.All()
	reps := all[:0]
	for _, p := range all {
		if p.RepWeight.Cmp(U128{}) > 0 {
			reps = append(reps, p)
		}
	}
	for i := 1; i < len(reps); i++ {
		for j := i; j > 0 && reps[j-1].RepWeight.Cmp(reps[j].RepWeight) < 0; j-- {
			reps[j-1], reps[j] = reps[j], reps[j-1]
		}
	}
	return reps
}

// Sample returns n randomly chosen peers, used for the publish fanout.
func (t *PeerTable) Sample(n int) []*PeerEntry {
	all := t.All()
	if n >= len(all) {
		return all
	}
	out := make([]*PeerEntry, 0, n)
	idx := make(map[int]bool, n)
	for len(out) < n {
		i, err := randIntn(len(all))
		if err != nil {
			break
		}
		if idx[i] {
			continue
		}
		idx[i] = true
		out = append(out, all[i])
	}
	return out
}

// synCookie is a time-bounded, per-endpoint handshake challenge.
type synCookie struct {
	query  Hash
	issued time.Time
}

// cookieJar issues and validates syn-cookies, rate-limited per source IP.
type cookieJar struct {
	mu     sync.Mutex
	byPeer map[string]*synCookie
	byIP   map[string]time.Time
}

func newCookieJar() *cookieJar {
	return &cookieJar{byPeer: make(map[string]*synCookie), byIP: make(map[string]time.Time)}
}

// Issue returns a fresh random query for endpoint, rejecting if the source
// IP has requested one within the last second (anti-spoofing rate limit).
func (j *cookieJar) Issue(e PeerEndpoint) (Hash, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if last, ok := j.byIP[e.IP.String()]; ok && time.Since(last) < time.Second {
		return Hash{}, false
	}
	var q Hash
	_, _ = crand.Read(q[:])
	j.byPeer[e.String()] = &synCookie{query: q, issued: time.Now()}
	j.byIP[e.IP.String()] = time.Now()
	return q, true
}

// Validate checks that response answers the outstanding cookie for
// endpoint within synCookieTTL.
func (j *cookieJar) Validate(e PeerEndpoint, response Hash) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.byPeer[e.String()]
	if !ok || time.Since(c.issued) > synCookieTTL {
		return false
	}
	delete(j.byPeer, e.String())
	return c.query == response
}

// Node is the UDP gossip endpoint: it owns the socket, the peer table, and
// the hooks into the block processor / election manager / committee that
// incoming messages feed.
type Node struct {
	conn   *net.UDPConn
	magic  [2]byte
	nodeID Account
	signer ed25519.PrivateKey

	peers   *PeerTable
	cookies *cookieJar

	processor *Processor
	elections *ElectionManager
	committee *Committee

	log *log.Entry

	stop chan struct{}
	wg   sync.WaitGroup
}

// NodeConfig bundles what NewNode needs beyond the core components it wires
// together.
type NodeConfig struct {
	ListenAddr    string
	Magic         [2]byte
	NodeID        Account
	Signer        ed25519.PrivateKey
	PeerTableSize int
}

// NewNode binds the UDP socket and wires processor/elections/committee as
// the message handlers for incoming traffic.
func NewNode(cfg NodeConfig, processor *Processor, elections *ElectionManager, committee *Committee, logger *log.Logger) (*Node, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("core: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("core: listen udp: %w", err)
	}
	if logger == nil {
		logger = log.New()
	}
	n := &Node{
		conn:      conn,
		magic:     cfg.Magic,
		nodeID:    cfg.NodeID,
		signer:    cfg.Signer,
		peers:     NewPeerTable(cfg.PeerTableSize),
		cookies:   newCookieJar(),
		processor: processor,
		elections: elections,
		committee: committee,
		log:       logger.WithField("component", "network"),
		stop:      make(chan struct{}),
	}
	return n, nil
}

// Run starts the read loop and the keepalive ticker; it blocks until Stop.
func (n *Node) Run() {
	n.wg.Add(2)
	go n.readLoop()
	go n.keepaliveLoop()
	n.wg.Wait()
}

// Stop terminates Run and closes the socket.
func (n *Node) Stop() {
	close(n.stop)
	_ = n.conn.Close()
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, 1500)
	for {
		select {
		case <-n.stop:
			return
		default:
		}
		nRead, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
				n.log.WithError(err).Warn("udp read error")
				continue
			}
		}
		frame, err := DecodeFrame(buf[:nRead], n.magic)
		if err != nil {
			continue
		}
		endpoint := PeerEndpoint{IP: addr.IP, Port: addr.Port}
		n.handle(endpoint, frame)
	}
}

func (n *Node) handle(from PeerEndpoint, f *Frame) {
	n.peers.Touch(from)
	switch f.Type {
	case MsgKeepalive:
		n.handleKeepalive(from, f.Body)
	case MsgPublish:
		n.handlePublish(from, f)
	case MsgConfirmReq:
		n.handleConfirmReq(from, f)
	case MsgConfirmAck:
		n.handleConfirmAck(from, f)
	case MsgNodeIDHandshake:
		n.handleHandshake(from, f.Body)
	default:
		n.log.WithField("type", f.Type).Debug("unhandled message type")
	}
}

// handleKeepalive parses up to keepalivePeerCount endpoints and records the
// sender as contacted.
func (n *Node) handleKeepalive(from PeerEndpoint, body []byte) {
	const entryLen = 18 // 16-byte IP + 2-byte port
	for off := 0; off+entryLen <= len(body) && off/entryLen < keepalivePeerCount; off += entryLen {
		ip := net.IP(append([]byte(nil), body[off:off+16]...))
		port := binary.BigEndian.Uint16(body[off+16 : off+18])
		if port == 0 {
			continue
		}
		n.peers.Insert(PeerEndpoint{IP: ip, Port: int(port)}, Account{}, false)
	}
}

func (n *Node) handlePublish(from PeerEndpoint, f *Frame) {
	kind := blockTypeHint(f.Extensions)
	b := &Block{Kind: kind}
	if err := b.UnmarshalBinary(f.Body); err != nil {
		n.log.WithError(err).Debug("publish decode failed")
		return
	}
	if n.processor != nil {
		if err := n.processor.Submit(b); err != nil {
			n.log.WithError(err).Debug("publish submit dropped")
		}
	}
}

func (n *Node) handleConfirmReq(from PeerEndpoint, f *Frame) {
	kind := blockTypeHint(f.Extensions)
	b := &Block{Kind: kind}
	if err := b.UnmarshalBinary(f.Body); err != nil {
		return
	}
	if n.processor != nil {
		_ = n.processor.Submit(b)
	}
}

func (n *Node) handleConfirmAck(from PeerEndpoint, f *Frame) {
	v := &Vote{}
	if err := v.UnmarshalBinary(f.Body); err != nil {
		return
	}
	if !v.Verify() {
		return
	}
	if n.elections != nil {
		root, ok := n.elections.RootFor(v.Block)
		if !ok {
			return
		}
		if _, err := n.elections.CastVote(root, v.Account, v.Block); err != nil {
			n.log.WithError(err).Debug("cast vote failed")
		}
	}
}

// handleHandshake implements the node-id handshake: first contact issues a
// syn-cookie query; a reply carrying (pubkey, signature-over-query) is
// validated and promotes the peer out of legacy status.
func (n *Node) handleHandshake(from PeerEndpoint, body []byte) {
	if len(body) == 0 {
		query, ok := n.cookies.Issue(from)
		if !ok {
			return
		}
		n.sendHandshakeQuery(from, query)
		return
	}
	if len(body) < 32+32+64 {
		return
	}
	var query Hash
	copy(query[:], body[0:32])
	var pub Account
	copy(pub[:], body[32:64])
	var sig [64]byte
	copy(sig[:], body[64:128])

	if !n.cookies.Validate(from, query) {
		return
	}
	if !ed25519.Verify(ed25519.PublicKey(pub[:]), query[:], sig[:]) {
		return
	}
	n.peers.Insert(from, pub, true)
}

func (n *Node) sendHandshakeQuery(to PeerEndpoint, query Hash) {
	f := &Frame{Magic: n.magic, VersionMax: protocolVersionMax, VersionUsing: protocolVersionUsing, VersionMin: protocolVersionMin, Type: MsgNodeIDHandshake, Body: query[:]}
	n.send(to, f)
}

// RespondHandshake answers a received query with this node's (pubkey,
// signature) pair, optionally piggybacking its own query for the peer.
func (n *Node) RespondHandshake(to PeerEndpoint, query Hash) {
	sig := ed25519.Sign(n.signer, query[:])
	body := make([]byte, 0, 32+32+64)
	body = append(body, query[:]...)
	body = append(body, n.nodeID[:]...)
	body = append(body, sig...)
	f := &Frame{Magic: n.magic, VersionMax: protocolVersionMax, VersionUsing: protocolVersionUsing, VersionMin: protocolVersionMin, Type: MsgNodeIDHandshake, Body: body}
	n.send(to, f)
}

func (n *Node) send(to PeerEndpoint, f *Frame) {
	if _, err := n.conn.WriteToUDP(EncodeFrame(f), to.udpAddr()); err != nil {
		n.log.WithError(err).Debug("udp write failed")
	}
}

// Publish broadcasts b to a fanout of sqrt(|peers|) random peers (§4.7).
func (n *Node) Publish(b *Block) {
	body, err := b.MarshalBinary()
	if err != nil {
		n.log.WithError(err).Warn("publish marshal failed")
		return
	}
	f := &Frame{Magic: n.magic, VersionMax: protocolVersionMax, VersionUsing: protocolVersionUsing, VersionMin: protocolVersionMin, Type: MsgPublish, Extensions: withBlockTypeHint(b.Kind), Body: body}
	fanout := int(math.Sqrt(float64(len(n.peers.All()))))
	if fanout < 1 {
		fanout = 1
	}
	for _, p := range n.peers.Sample(fanout) {
		n.send(p.Endpoint, f)
	}
}

// BroadcastVote sends a confirm_ack only to the active rep list (§4.7).
func (n *Node) BroadcastVote(v *Vote) {
	body, err := v.MarshalBinary()
	if err != nil {
		return
	}
	f := &Frame{Magic: n.magic, VersionMax: protocolVersionMax, VersionUsing: protocolVersionUsing, VersionMin: protocolVersionMin, Type: MsgConfirmAck, Body: body}
	for _, p := range n.peers.RepList() {
		n.send(p.Endpoint, f)
	}
}

func (n *Node) keepaliveLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(keepalivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.broadcastKeepalive()
			dropped := n.peers.Prune(keepalivePeriod)
			for _, e := range dropped {
				n.log.WithField("peer", e.String()).Debug("pruned stale peer")
			}
		}
	}
}

func (n *Node) broadcastKeepalive() {
	all := n.peers.All()
	body := make([]byte, 0, keepalivePeerCount*18)
	for i, p := range all {
		if i >= keepalivePeerCount {
			break
		}
		ip16 := p.Endpoint.IP.To16()
		if ip16 == nil {
			continue
		}
		var portB [2]byte
		binary.BigEndian.PutUint16(portB[:], uint16(p.Endpoint.Port))
		body = append(body, ip16...)
		body = append(body, portB[:]...)
	}
	f := &Frame{Magic: n.magic, VersionMax: protocolVersionMax, VersionUsing: protocolVersionUsing, VersionMin: protocolVersionMin, Type: MsgKeepalive, Body: body}
	for _, p := range all {
		n.send(p.Endpoint, f)
	}
}

// Dialer opens outbound TCP connections for the bootstrap protocol
// (connection_pool.go pools what this produces).
type Dialer struct {
	Timeout time.Duration
}

// Dial opens a TCP connection to addr, respecting ctx cancellation.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := dialer.Dial("tcp", addr)
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("core: dial %s: %w", addr, ctx.Err())
	case r := <-ch:
		return r.conn, r.err
	}
}
