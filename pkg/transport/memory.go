package transport

import (
	"sync"
	"time"
)

// Memory is an in-process Adapter implementation with no network I/O,
// used to exercise the negotiator, route table and bridge in tests
// without opening real sockets. Peers sharing a *Hub deliver directly to
// each other's inbound queues.
type Memory struct {
	self uint64
	hub  *Hub

	mu               sync.Mutex
	q                chan Inbound
	onSessionRequest func(peer uint64) bool
	onSessionFailed  func(peer uint64)
}

// Hub wires a set of Memory adapters together, standing in for the
// shared lobby transport.
type Hub struct {
	mu      sync.RWMutex
	members map[uint64]*Memory
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[uint64]*Memory)}
}

// NewAdapter creates a Memory adapter for peer identity self and joins it
// to the hub's lobby.
func (h *Hub) NewAdapter(self uint64) *Memory {
	m := &Memory{self: self, hub: h}
	h.mu.Lock()
	h.members[self] = m
	h.mu.Unlock()
	return m
}

// Leave removes a peer from the hub, simulating a lobby departure.
func (h *Hub) Leave(peer uint64) {
	h.mu.Lock()
	delete(h.members, peer)
	h.mu.Unlock()
}

func (h *Hub) chanFor(peer uint64) chan Inbound {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if p, ok := h.members[peer]; ok {
		return p.queue()
	}
	return nil
}

func (m *Memory) queue() chan Inbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q == nil {
		m.q = make(chan Inbound, inboundQueueDepth)
	}
	return m.q
}

func (m *Memory) SendTo(peer uint64, data []byte, reliable bool) error {
	ch := m.hub.chanFor(peer)
	if ch == nil {
		return errPeerNotFound(peer)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case ch <- Inbound{Sender: m.self, Data: cp}:
	default:
	}
	return nil
}

func (m *Memory) Broadcast(data []byte, reliable bool) {
	for _, peer := range m.Members() {
		if peer == m.self {
			continue
		}
		_ = m.SendTo(peer, data, reliable)
	}
}

func (m *Memory) PollInbound(maxBatch int) []Inbound {
	ch := m.queue()
	out := make([]Inbound, 0, maxBatch)
	for len(out) < maxBatch {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

func (m *Memory) IsConnected(peer uint64) bool {
	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	_, ok := m.hub.members[peer]
	return ok
}

func (m *Memory) Ping(peer uint64) (time.Duration, bool) {
	return time.Millisecond, m.IsConnected(peer)
}

func (m *Memory) Class(peer uint64) Class {
	if m.IsConnected(peer) {
		return ClassDirect
	}
	return ClassUnknown
}

func (m *Memory) Members() []uint64 {
	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	out := make([]uint64, 0, len(m.hub.members))
	for peer := range m.hub.members {
		out = append(out, peer)
	}
	return out
}

func (m *Memory) OnSessionRequest(fn func(peer uint64) bool) {
	m.mu.Lock()
	m.onSessionRequest = fn
	m.mu.Unlock()
}

func (m *Memory) OnSessionFailed(fn func(peer uint64)) {
	m.mu.Lock()
	m.onSessionFailed = fn
	m.mu.Unlock()
}

// UnreliableMTUBudget implements Adapter. In-process delivery has no wire
// framing limit worth enforcing, so this reports a generous ceiling.
func (m *Memory) UnreliableMTUBudget() int { return 65000 }

type errPeerNotFound uint64

func (e errPeerNotFound) Error() string {
	return "transport: no such peer in hub"
}
