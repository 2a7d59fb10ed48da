// Package negotiator implements the leaderless virtual-IP self-assignment
// state machine: IDLE -> PROBING -> STABLE, with priority arbitration by
// node ID and forced-release challenges. This is the hardest subsystem
// in the system: it runs without a coordinator and must converge even
// under simultaneous collisions.
package negotiator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openbmx/lobbymesh/pkg/ipmath"
	"github.com/openbmx/lobbymesh/pkg/nodeid"
	"github.com/openbmx/lobbymesh/pkg/proto"
)

// State is the negotiator's coarse lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateProbing
	StateStable
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "PROBING"
	case StateStable:
		return "STABLE"
	default:
		return "IDLE"
	}
}

// Sink is the single interface the bridge supplies in place of the four
// separate callback fields a naive port would carry (send, broadcast,
// success, used-ip-changed) per the "callback soup" note in the design.
type Sink interface {
	Send(peer uint64, frame []byte) error
	Broadcast(frame []byte)
	OnSuccess(ip uint32, node nodeid.NodeID)
}

// conflictRecord is one PROBE_RESPONSE received for the current candidate.
type conflictRecord struct {
	node        nodeid.NodeID
	heartbeatMS int64
	reporter    uint64
}

// Negotiator runs the self-assignment state machine for one local node.
type Negotiator struct {
	self     nodeid.NodeID
	selfPeer uint64
	subnet   ipmath.Subnet
	sink     Sink

	probeTimeoutMS    int64
	heartbeatExpiryMS int64

	// nowMS is overridable in tests; defaults to wall-clock milliseconds.
	nowMS func() int64

	state       atomic.Int32
	localIP     atomic.Uint32
	candidateIP atomic.Uint32
	offset      atomic.Uint32
	probeStart  atomic.Int64

	usedMu sync.Mutex
	used   map[uint32]bool

	conflictMu sync.Mutex
	conflicts  []conflictRecord
}

// New creates a negotiator for the given local identity within subnet.
func New(self nodeid.NodeID, selfPeer uint64, subnet ipmath.Subnet, probeTimeoutMS, heartbeatExpiryMS int64, sink Sink) *Negotiator {
	return &Negotiator{
		self:              self,
		selfPeer:          selfPeer,
		subnet:            subnet,
		sink:              sink,
		probeTimeoutMS:    probeTimeoutMS,
		heartbeatExpiryMS: heartbeatExpiryMS,
		nowMS:             defaultNowMS,
		used:              make(map[uint32]bool),
	}
}

func defaultNowMS() int64 { return time.Now().UnixMilli() }

// State returns the current lifecycle state.
func (n *Negotiator) State() State { return State(n.state.Load()) }

// LocalIP returns the stably-owned address, or 0 if not yet STABLE.
func (n *Negotiator) LocalIP() uint32 { return n.localIP.Load() }

// CandidateIP returns the address currently being probed, meaningful
// only while PROBING.
func (n *Negotiator) CandidateIP() uint32 { return n.candidateIP.Load() }

// MarkUsed records ip as claimed by another node, so future candidate
// walks skip it. Advisory only.
func (n *Negotiator) MarkUsed(ip uint32) {
	n.usedMu.Lock()
	n.used[ip] = true
	n.usedMu.Unlock()
}

// ReleaseUsed forgets that ip is claimed, called when the bridge learns
// (via heartbeat lease expiry or an explicit departure) that whoever held
// it is gone.
func (n *Negotiator) ReleaseUsed(ip uint32) {
	n.usedMu.Lock()
	delete(n.used, ip)
	n.usedMu.Unlock()
}

// Start begins negotiation: IDLE -> PROBING with offset 0.
func (n *Negotiator) Start() {
	n.beginProbe(0)
}

// beginProbe computes a fresh candidate for offset, clears the conflict
// list, and broadcasts a PROBE_REQUEST.
func (n *Negotiator) beginProbe(offset uint32) {
	n.offset.Store(offset)
	candidate := n.candidateFor(offset)
	n.candidateIP.Store(candidate)
	n.probeStart.Store(n.nowMS())
	n.state.Store(int32(StateProbing))

	n.conflictMu.Lock()
	n.conflicts = nil
	n.conflictMu.Unlock()

	frame := proto.EncodeProbeRequest(proto.ProbeRequest{IP: candidate, Sender: n.self})
	n.sink.Broadcast(frame)
}

// candidateFor derives the deterministic seed candidate for offset, then
// walks forward through the usable host range skipping addresses marked
// used, per §4.5.
func (n *Negotiator) candidateFor(offset uint32) uint32 {
	usable := n.subnet.UsableHostCount()
	if usable == 0 {
		return n.subnet.Base
	}
	seed := n.self.Low24() + offset
	base := n.subnet.Base & n.subnet.Mask
	start := 1 + seed%(usable)

	n.usedMu.Lock()
	defer n.usedMu.Unlock()
	for i := uint32(0); i < usable; i++ {
		hostBits := 1 + (start-1+i)%usable
		candidate := base | hostBits
		if !n.used[candidate] {
			return candidate
		}
	}
	return base | start
}

// restart moves PROBING -> PROBING with an incremented offset.
func (n *Negotiator) restart() {
	n.beginProbe(n.offset.Load() + 1)
}

// CheckTimeout is driven by the bridge at least every 50ms while
// PROBING. It resolves the current candidate to STABLE if every
// recorded conflict is stale or lower priority, otherwise restarts.
func (n *Negotiator) CheckTimeout() {
	if n.State() != StateProbing {
		return
	}
	if n.nowMS()-n.probeStart.Load() < n.probeTimeoutMS {
		return
	}

	n.conflictMu.Lock()
	conflicts := append([]conflictRecord(nil), n.conflicts...)
	n.conflictMu.Unlock()

	now := n.nowMS()
	var losers []conflictRecord
	for _, c := range conflicts {
		stale := now-c.heartbeatMS > n.heartbeatExpiryMS
		lowerPriority := !nodeid.HasPriority(c.node, n.self)
		if !stale && !lowerPriority {
			// A live, higher-priority conflict blocks this candidate.
			n.restart()
			return
		}
		if !stale {
			losers = append(losers, c)
		}
	}

	candidate := n.candidateIP.Load()
	for _, loser := range losers {
		frame := proto.EncodeForcedRelease(proto.ForcedRelease{IP: candidate, Winner: n.self})
		if err := n.sink.Send(loser.reporter, frame); err != nil {
			continue
		}
	}

	n.localIP.Store(candidate)
	n.state.Store(int32(StateStable))
	frame := proto.EncodeAddressAnnounce(proto.AddressAnnounce{IP: candidate, Sender: n.self})
	n.sink.Broadcast(frame)
	n.sink.OnSuccess(candidate, n.self)
}

// HandleProbeRequest processes an inbound PROBE_REQUEST from senderPeer.
func (n *Negotiator) HandleProbeRequest(m proto.ProbeRequest, senderPeer uint64) {
	switch n.State() {
	case StateStable:
		if m.IP == n.localIP.Load() {
			resp := proto.EncodeProbeResponse(proto.ProbeResponse{IP: m.IP, Sender: n.self, LastHeartbeat: n.nowMS()})
			_ = n.sink.Send(senderPeer, resp)
		}
	case StateProbing:
		if m.IP != n.candidateIP.Load() {
			return
		}
		if nodeid.HasPriority(n.self, m.Sender) {
			resp := proto.EncodeProbeResponse(proto.ProbeResponse{IP: m.IP, Sender: n.self, LastHeartbeat: n.nowMS()})
			_ = n.sink.Send(senderPeer, resp)
		} else {
			n.restart()
		}
	}
}

// HandleProbeResponse records a conflict response for the current
// candidate; ignored if we've moved on or it isn't for our candidate.
func (n *Negotiator) HandleProbeResponse(m proto.ProbeResponse, senderPeer uint64) {
	if n.State() != StateProbing || m.IP != n.candidateIP.Load() {
		return
	}
	n.conflictMu.Lock()
	n.conflicts = append(n.conflicts, conflictRecord{node: m.Sender, heartbeatMS: m.LastHeartbeat, reporter: senderPeer})
	n.conflictMu.Unlock()
}

// HandleAddressAnnounce processes an inbound ADDRESS_ANNOUNCE. It always
// marks the announced IP used. It returns true if this IP was previously
// unknown to the caller's used-set, signalling the bridge should
// re-broadcast the local route table.
func (n *Negotiator) HandleAddressAnnounce(m proto.AddressAnnounce, senderPeer uint64) (previouslyUnknown bool) {
	n.usedMu.Lock()
	previouslyUnknown = !n.used[m.IP]
	n.used[m.IP] = true
	n.usedMu.Unlock()

	if n.State() == StateStable && m.IP == n.localIP.Load() {
		if nodeid.HasPriority(m.Sender, n.self) {
			n.restart()
		} else {
			frame := proto.EncodeForcedRelease(proto.ForcedRelease{IP: m.IP, Winner: n.self})
			_ = n.sink.Send(senderPeer, frame)
		}
	}
	return previouslyUnknown
}

// HandleForcedRelease processes an inbound FORCED_RELEASE, restarting
// negotiation only if the winner outranks us and the release targets our
// current address (STABLE) or candidate (PROBING).
func (n *Negotiator) HandleForcedRelease(m proto.ForcedRelease) {
	if !nodeid.HasPriority(m.Winner, n.self) {
		return
	}
	switch n.State() {
	case StateStable:
		if m.IP == n.localIP.Load() {
			n.restart()
		}
	case StateProbing:
		if m.IP == n.candidateIP.Load() {
			n.restart()
		}
	}
}
