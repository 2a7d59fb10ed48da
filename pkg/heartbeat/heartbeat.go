// Package heartbeat runs the periodic liveness broadcast and lease-expiry
// sweep that keeps every peer's routing table honest as nodes come and
// go without a graceful goodbye.
package heartbeat

import (
	"sync"
	"time"

	"github.com/openbmx/lobbymesh/pkg/nodeid"
	"github.com/openbmx/lobbymesh/pkg/proto"
)

// Broadcaster is the narrow transport slice the manager needs to emit
// heartbeats.
type Broadcaster interface {
	Broadcast(frame []byte, reliable bool)
}

// nodeEntry is one row of the node table: everything known about a peer
// from its most recent heartbeat.
type nodeEntry struct {
	node     nodeid.NodeID
	peer     uint64
	ip       uint32
	lastSeen int64 // ms
	name     string
	local    bool
}

// Manager runs the 1Hz heartbeat tick described in §4.6: emitting our
// own heartbeat on interval, and evicting expired peers from the node
// table.
type Manager struct {
	self     nodeid.NodeID
	selfPeer uint64
	bcast    Broadcaster

	intervalMS int64
	expiryMS   int64

	nowMS func() int64

	mu        sync.RWMutex
	byNode    map[nodeid.NodeID]*nodeEntry
	ipToNode  map[uint32]nodeid.NodeID
	lastEmit  int64
	localIP   uint32

	onExpired func(node nodeid.NodeID, ip uint32)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a heartbeat manager for the local node.
func New(self nodeid.NodeID, selfPeer uint64, bcast Broadcaster, intervalMS, expiryMS int64) *Manager {
	return &Manager{
		self:       self,
		selfPeer:   selfPeer,
		bcast:      bcast,
		intervalMS: intervalMS,
		expiryMS:   expiryMS,
		nowMS:      defaultNowMS,
		byNode:     make(map[nodeid.NodeID]*nodeEntry),
		ipToNode:   make(map[uint32]nodeid.NodeID),
		stopCh:     make(chan struct{}),
	}
}

func defaultNowMS() int64 { return time.Now().UnixMilli() }

// OnExpired registers the callback fired for each peer evicted by the
// lease sweep. The bridge uses this to drop the route and free the IP.
func (m *Manager) OnExpired(fn func(node nodeid.NodeID, ip uint32)) {
	m.mu.Lock()
	m.onExpired = fn
	m.mu.Unlock()
}

// SetLocalIP registers this node's own claimed address, called once
// negotiation reaches STABLE. A zero IP suppresses heartbeat emission.
func (m *Manager) SetLocalIP(ip uint32) {
	m.mu.Lock()
	m.localIP = ip
	m.byNode[m.self] = &nodeEntry{node: m.self, peer: m.selfPeer, ip: ip, lastSeen: m.nowMS(), local: true}
	m.ipToNode[ip] = m.self
	m.mu.Unlock()
}

// Start spawns the 1Hz ticker goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop signals the ticker to exit and waits for it.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	now := m.nowMS()

	m.mu.RLock()
	localIP := m.localIP
	since := now - m.lastEmit
	m.mu.RUnlock()

	if localIP != 0 && since >= m.intervalMS {
		frame := proto.EncodeHeartbeat(proto.Heartbeat{IP: localIP, Sender: m.self, Timestamp: now})
		m.bcast.Broadcast(frame, true)
		m.mu.Lock()
		m.lastEmit = now
		m.mu.Unlock()
	}

	m.sweepExpired(now)
}

func (m *Manager) sweepExpired(now int64) {
	var expired []*nodeEntry

	m.mu.Lock()
	for node, e := range m.byNode {
		if e.local {
			continue
		}
		if now-e.lastSeen > m.expiryMS {
			expired = append(expired, e)
			delete(m.byNode, node)
			delete(m.ipToNode, e.ip)
		}
	}
	cb := m.onExpired
	m.mu.Unlock()

	if cb == nil {
		return
	}
	for _, e := range expired {
		cb(e.node, e.ip)
	}
}

// HandleHeartbeat processes an inbound HEARTBEAT, refreshing or creating
// the node table entry for its sender.
func (m *Manager) HandleHeartbeat(msg proto.Heartbeat, senderPeer uint64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byNode[msg.Sender]; ok && old.ip != msg.IP {
		delete(m.ipToNode, old.ip)
	}
	m.byNode[msg.Sender] = &nodeEntry{
		node:     msg.Sender,
		peer:     senderPeer,
		ip:       msg.IP,
		lastSeen: m.nowMS(),
		name:     name,
	}
	m.ipToNode[msg.IP] = msg.Sender
}

// CheckPacketConflict inspects the IP -> node-ID index for srcIP and
// reports the node that should be evicted if it disagrees with
// claimedSender: whichever of the two has lower priority. ok is false if
// there is no conflict to report. This is exposed for the bridge's
// optional data-plane paranoia mode; nothing requires it be called on
// every packet.
func (m *Manager) CheckPacketConflict(srcIP uint32, claimedSender nodeid.NodeID) (loser nodeid.NodeID, ok bool) {
	m.mu.RLock()
	known, exists := m.ipToNode[srcIP]
	m.mu.RUnlock()

	if !exists || known == claimedSender {
		return nodeid.NodeID{}, false
	}
	if nodeid.HasPriority(known, claimedSender) {
		return claimedSender, true
	}
	return known, true
}

// Deregister removes a node explicitly, e.g. on a lobby departure event
// rather than lease expiry.
func (m *Manager) Deregister(node nodeid.NodeID) {
	m.mu.Lock()
	if e, ok := m.byNode[node]; ok {
		delete(m.ipToNode, e.ip)
		delete(m.byNode, node)
	}
	m.mu.Unlock()
}
