// Package transport implements the peer message transport adapter: an
// opaque, per-peer datagram channel over UDP plus NAT traversal and
// session bookkeeping. The bridge only ever talks to the Adapter
// interface; Manager is the concrete UDP-backed implementation.
package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Class describes how a session with a peer is currently routed.
type Class int

const (
	ClassUnknown Class = iota
	ClassDirect
	ClassRelayed
)

func (c Class) String() string {
	switch c {
	case ClassDirect:
		return "direct"
	case ClassRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// Inbound is one datagram returned by PollInbound.
type Inbound struct {
	Sender uint64
	Data   []byte
}

// Adapter is the narrow contract the bridge and message pump depend on.
// A concrete peer-to-peer messaging library satisfies this; Manager is
// the UDP-based implementation used when no such library is configured.
type Adapter interface {
	SendTo(peer uint64, data []byte, reliable bool) error
	Broadcast(data []byte, reliable bool)
	PollInbound(maxBatch int) []Inbound

	IsConnected(peer uint64) bool
	Ping(peer uint64) (time.Duration, bool)
	Class(peer uint64) Class
	Members() []uint64

	// OnSessionRequest/OnSessionFailed register the session-event hooks
	// spec.md §4.3 describes: the core decides whether to accept a
	// session request and how to react to a session failure.
	OnSessionRequest(func(peer uint64) bool)
	OnSessionFailed(func(peer uint64))

	// UnreliableMTUBudget reports the largest payload this adapter can
	// deliver unfragmented, so the bridge can size the TUN interface's
	// MTU to fit inside it.
	UnreliableMTUBudget() int
}

const (
	handshakeAttempts  = 5
	handshakeInterval  = 200 * time.Millisecond
	readTimeout        = 1 * time.Second
	localConnTimeout   = 2 * time.Second
	inboundQueueDepth  = 256
	unreliableSendSize = 100

	// sessionTimeout is how long a connected session may go without any
	// inbound traffic (application data or a handshake hello) before it's
	// declared failed, per §4.3/§4.8's session-failure/retry contract.
	sessionTimeout = 20 * handshakeInterval
)

// session is one peer's UDP endpoint and connection bookkeeping.
type session struct {
	peer       uint64
	remoteAddr *net.UDPAddr
	localAddr  *net.UDPAddr
	isLocal    bool
	connected  bool
	lastSeen   time.Time
	latency    time.Duration
}

// Manager is a UDP-backed Adapter, grounded on the same handshake/NAT
// hole-punching shape as a classic P2P connection manager: send
// unsolicited datagrams to both candidate addresses until one answers,
// then keep talking to whichever answered.
type Manager struct {
	localPort int
	listener  *net.UDPConn

	mu       sync.RWMutex
	sessions map[uint64]*session
	members  map[uint64]bool // current lobby membership, set externally

	natDetector *natDetector
	myNATClass  atomic.Int32 // holds a natClass, set once shortly after Start

	inbound chan Inbound
	stopCh  chan struct{}
	wg      sync.WaitGroup

	onSessionRequest func(peer uint64) bool
	onSessionFailed  func(peer uint64)
}

// NewManager creates a Manager bound to localPort (0 = OS-assigned).
// stunServer, if non-empty, is used to classify the local NAT via STUN;
// otherwise Manager falls back to a coarse local-address heuristic.
func NewManager(localPort int, stunServer string) *Manager {
	m := &Manager{
		localPort:   localPort,
		sessions:    make(map[uint64]*session),
		members:     make(map[uint64]bool),
		natDetector: newNATDetector(stunServer, 5*time.Second),
		inbound:     make(chan Inbound, inboundQueueDepth),
		stopCh:      make(chan struct{}),
	}
	m.myNATClass.Store(int32(natUnknown))
	return m
}

// Start opens the UDP listener and begins receiving datagrams.
func (m *Manager) Start() error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: m.localPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("transport: listen udp: %w", err)
	}
	m.listener = conn
	if m.localPort == 0 {
		m.localPort = conn.LocalAddr().(*net.UDPAddr).Port
	}
	log.Printf("transport: listening on udp %d", m.localPort)

	m.wg.Add(1)
	go m.receiveLoop()

	m.wg.Add(1)
	go m.sessionSweepLoop()

	go m.detectNATClass()
	return nil
}

// detectNATClass runs the (possibly slow, network-bound) NAT probe in the
// background so Start doesn't block on it.
func (m *Manager) detectNATClass() {
	class := m.natDetector.detect(m.localPort)
	m.myNATClass.Store(int32(class))
	log.Printf("transport: local nat class detected as %s", class)
}

// Stop closes the listener and waits for the receive loop to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.listener != nil {
		m.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("transport: timeout waiting for receive loop to stop")
	}
}

// LocalPort returns the UDP port actually bound.
func (m *Manager) LocalPort() int { return m.localPort }

// RegisterPeer records a lobby member's candidate addresses and kicks off
// hole-punching. The lobby package calls this once it learns a peer's
// public/local address (e.g. from mDNS TXT records or a signaling
// exchange); spec.md abstracts that discovery away, so this is the seam
// where a concrete lobby implementation feeds the transport.
func (m *Manager) RegisterPeer(peer uint64, publicAddr, localAddr string) error {
	m.mu.Lock()
	m.members[peer] = true
	s, exists := m.sessions[peer]
	if !exists {
		s = &session{peer: peer}
		m.sessions[peer] = s
	}
	m.mu.Unlock()

	if localAddr != "" && localAddr != publicAddr {
		if addr, err := net.ResolveUDPAddr("udp4", localAddr); err == nil {
			m.mu.Lock()
			s.remoteAddr = addr
			s.isLocal = true
			m.mu.Unlock()
			go m.handshakeWithFallback(peer, publicAddr)
			return nil
		}
	}

	addr, err := net.ResolveUDPAddr("udp4", publicAddr)
	if err != nil {
		return fmt.Errorf("transport: resolve peer address: %w", err)
	}
	m.mu.Lock()
	s.remoteAddr = addr
	s.isLocal = false
	m.mu.Unlock()
	go m.handshake(peer, handshakeAttempts)
	return nil
}

func (m *Manager) handshakeWithFallback(peer uint64, publicAddr string) {
	deadline := time.Now().Add(localConnTimeout)
	for time.Now().Before(deadline) {
		if m.sendHandshake(peer) {
			if m.IsConnected(peer) {
				return
			}
		}
		time.Sleep(handshakeInterval)
	}

	addr, err := net.ResolveUDPAddr("udp4", publicAddr)
	if err != nil {
		log.Printf("transport: fallback resolve failed for peer %d: %v", peer, err)
		return
	}
	m.mu.Lock()
	if s, ok := m.sessions[peer]; ok {
		s.remoteAddr = addr
		s.isLocal = false
	}
	m.mu.Unlock()
	m.handshake(peer, handshakeAttempts)
}

func (m *Manager) handshake(peer uint64, attempts int) {
	for i := 0; i < attempts; i++ {
		m.sendHandshake(peer)
		time.Sleep(handshakeInterval)
	}
}

func (m *Manager) sendHandshake(peer uint64) bool {
	m.mu.RLock()
	s, ok := m.sessions[peer]
	m.mu.RUnlock()
	if !ok || s.remoteAddr == nil {
		return false
	}
	_, err := m.listener.WriteToUDP([]byte("LOBBYMESH_HELLO"), s.remoteAddr)
	if err != nil {
		log.Printf("transport: handshake send to peer %d failed: %v", peer, err)
		return false
	}
	return true
}

// SendTo implements Adapter.
func (m *Manager) SendTo(peer uint64, data []byte, reliable bool) error {
	m.mu.RLock()
	s, ok := m.sessions[peer]
	m.mu.RUnlock()
	if !ok || s.remoteAddr == nil {
		return fmt.Errorf("transport: no session for peer %d", peer)
	}
	_, err := m.listener.WriteToUDP(data, s.remoteAddr)
	if err != nil && reliable {
		log.Printf("transport: reliable send to peer %d failed, will retry on next hello: %v", peer, err)
		go m.handshake(peer, 1)
	}
	return err
}

// Broadcast implements Adapter.
func (m *Manager) Broadcast(data []byte, reliable bool) {
	for _, peer := range m.Members() {
		if err := m.SendTo(peer, data, reliable); err != nil {
			log.Printf("transport: broadcast to peer %d failed: %v", peer, err)
		}
	}
}

// PollInbound implements Adapter. The concrete Manager delivers inbound
// datagrams via a channel fed by receiveLoop; PollInbound simply drains
// up to maxBatch of them without blocking.
func (m *Manager) PollInbound(maxBatch int) []Inbound {
	out := make([]Inbound, 0, maxBatch)
	for len(out) < maxBatch {
		select {
		case msg := <-m.inbound:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

// IsConnected implements Adapter.
func (m *Manager) IsConnected(peer uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peer]
	return ok && s.connected
}

// Ping implements Adapter.
func (m *Manager) Ping(peer uint64) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peer]
	if !ok || !s.connected {
		return 0, false
	}
	return s.latency, true
}

// Class implements Adapter.
func (m *Manager) Class(peer uint64) Class {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peer]
	if !ok || !s.connected {
		return ClassUnknown
	}
	if s.isLocal {
		return ClassDirect
	}
	if natClass(m.myNATClass.Load()) == natSymmetric {
		return ClassRelayed
	}
	return ClassDirect
}

// Members implements Adapter, returning the current lobby membership.
func (m *Manager) Members() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.members))
	for peer := range m.members {
		out = append(out, peer)
	}
	return out
}

// RemoveMember drops a peer from the lobby membership and its session
// state, called when the lobby reports a departure.
func (m *Manager) RemoveMember(peer uint64) {
	m.mu.Lock()
	delete(m.members, peer)
	delete(m.sessions, peer)
	m.mu.Unlock()
}

// OnSessionRequest implements Adapter.
func (m *Manager) OnSessionRequest(fn func(peer uint64) bool) {
	m.mu.Lock()
	m.onSessionRequest = fn
	m.mu.Unlock()
}

// OnSessionFailed implements Adapter.
func (m *Manager) OnSessionFailed(fn func(peer uint64)) {
	m.mu.Lock()
	m.onSessionFailed = fn
	m.mu.Unlock()
}

// UnreliableMTUBudget implements Adapter. A conservative figure that
// stays well under the common Internet path MTU of 1500 once IP/UDP
// headers are accounted for.
func (m *Manager) UnreliableMTUBudget() int { return 1200 }

// sessionSweepLoop periodically evicts sessions that have gone quiet,
// firing onSessionFailed so the pump can retry the handshake (§4.3/§4.8).
func (m *Manager) sessionSweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sessionTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStaleSessions()
		}
	}
}

func (m *Manager) sweepStaleSessions() {
	var failed []uint64
	m.mu.Lock()
	for peer, s := range m.sessions {
		if s.connected && time.Since(s.lastSeen) > sessionTimeout {
			s.connected = false
			failed = append(failed, peer)
		}
	}
	cb := m.onSessionFailed
	m.mu.Unlock()

	if cb == nil {
		return
	}
	for _, peer := range failed {
		log.Printf("transport: session with peer %d timed out", peer)
		cb(peer)
	}
}

func (m *Manager) receiveLoop() {
	defer m.wg.Done()
	buf := make([]byte, 65536)

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.listener.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := m.listener.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-m.stopCh:
				return
			default:
				log.Printf("transport: read error: %v", err)
				continue
			}
		}

		peer, isNew := m.markSeen(addr)
		if peer == 0 {
			continue // unknown sender address; not a registered peer
		}
		if isNew {
			m.mu.RLock()
			cb := m.onSessionRequest
			m.mu.RUnlock()
			if cb != nil && !cb(peer) {
				continue
			}
		}

		if n == len("LOBBYMESH_HELLO") && string(buf[:n]) == "LOBBYMESH_HELLO" {
			continue // handshake keepalive, not application data
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case m.inbound <- Inbound{Sender: peer, Data: data}:
		default:
			log.Printf("transport: inbound queue full, dropping datagram from peer %d", peer)
		}
	}
}

// markSeen finds the session matching addr, marks it connected/refreshed,
// and reports whether this is the first time it has been seen connected.
func (m *Manager) markSeen(addr *net.UDPAddr) (peer uint64, firstTime bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, s := range m.sessions {
		if s.remoteAddr != nil && s.remoteAddr.IP.Equal(addr.IP) && s.remoteAddr.Port == addr.Port {
			firstTime = !s.connected
			s.connected = true
			s.lastSeen = time.Now()
			return p, firstTime
		}
	}
	return 0, false
}
