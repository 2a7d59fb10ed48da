// Package routing maintains the in-memory map from virtual IP addresses to
// the peers that own them, and knows how to serialize and ingest that map
// as a ROUTE_UPDATE payload.
package routing

import (
	"sync"

	"github.com/openbmx/lobbymesh/pkg/ipmath"
	"github.com/openbmx/lobbymesh/pkg/nodeid"
	"github.com/openbmx/lobbymesh/pkg/proto"
)

// Entry is one row of the routing table.
type Entry struct {
	IP    uint32 // host byte order
	Peer  uint64
	Node  nodeid.NodeID
	Name  string
	Local bool
}

// Sender is the narrow slice of the transport adapter the table needs to
// disseminate route updates. It is satisfied by the transport package's
// Adapter without either package importing the other.
type Sender interface {
	SendTo(peer uint64, data []byte, reliable bool) error
	Broadcast(data []byte, reliable bool)
}

// NameResolver looks up a display name for a peer identity. The bridge
// wires this to the lobby's directory service.
type NameResolver interface {
	NameOf(peer uint64) string
}

// Table is the thread-safe virtual-IP routing table described in §4.4.
// Every mutation happens under mu in a single critical section; the
// route-added callback runs after the lock is released to avoid
// reentrancy if the callback itself touches the table.
type Table struct {
	mu        sync.RWMutex
	byIP      map[uint32]Entry
	self      uint64
	totalSeen uint64

	onAdded func(Entry)
}

// New creates an empty table for the process whose own peer identity is
// self (used to set Entry.Local on insert).
func New(self uint64) *Table {
	return &Table{
		byIP: make(map[uint32]Entry),
		self: self,
	}
}

// TotalSeen returns the number of successful Upsert calls across the
// table's lifetime, including ones that later got replaced or removed.
// Unlike Snapshot's length, this never decreases.
func (t *Table) TotalSeen() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSeen
}

// OnRouteAdded registers the callback fired after every successful Upsert.
func (t *Table) OnRouteAdded(fn func(Entry)) {
	t.mu.Lock()
	t.onAdded = fn
	t.mu.Unlock()
}

// Upsert deletes any existing entry for peer (regardless of its IP), then
// inserts the new one. At most one entry per peer and at most one
// local-flagged entry are table invariants maintained here.
func (t *Table) Upsert(node nodeid.NodeID, peer uint64, ip uint32, name string) Entry {
	entry := Entry{IP: ip, Peer: peer, Node: node, Name: name, Local: peer == t.self}

	t.mu.Lock()
	for existingIP, e := range t.byIP {
		if e.Peer == peer && existingIP != ip {
			delete(t.byIP, existingIP)
		}
	}
	t.byIP[ip] = entry
	t.totalSeen++
	cb := t.onAdded
	t.mu.Unlock()

	if cb != nil {
		cb(entry)
	}
	return entry
}

// Remove deletes the entry for ip, if any.
func (t *Table) Remove(ip uint32) {
	t.mu.Lock()
	delete(t.byIP, ip)
	t.mu.Unlock()
}

// RemoveAllForPeer deletes every entry belonging to peer, invoking onEach
// for each removed IP after the lock is released.
func (t *Table) RemoveAllForPeer(peer uint64, onEach func(ip uint32, node nodeid.NodeID)) {
	var removed []Entry
	t.mu.Lock()
	for ip, e := range t.byIP {
		if e.Peer == peer {
			delete(t.byIP, ip)
			removed = append(removed, e)
		}
	}
	t.mu.Unlock()

	if onEach != nil {
		for _, e := range removed {
			onEach(e.IP, e.Node)
		}
	}
}

// Clear removes every entry, used when tearing down a bridge session.
// TotalSeen is left untouched: it counts lifetime insertions, not the
// current table size.
func (t *Table) Clear() {
	t.mu.Lock()
	t.byIP = make(map[uint32]Entry)
	t.mu.Unlock()
}

// Lookup returns the entry for ip, if present.
func (t *Table) Lookup(ip uint32) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byIP[ip]
	return e, ok
}

// Snapshot returns a point-in-time copy of the table, safe to range over
// without holding any lock.
func (t *Table) Snapshot() map[uint32]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint32]Entry, len(t.byIP))
	for ip, e := range t.byIP {
		out[ip] = e
	}
	return out
}

// IngestPeerRoutes decodes a ROUTE_UPDATE payload and upserts every tuple
// that passes the acceptance checks in §4.4: not ourselves, not already
// known, and within the configured subnet.
func (t *Table) IngestPeerRoutes(payload []byte, subnet ipmath.Subnet, myPeer uint64, salt []byte, names NameResolver) error {
	tuples, err := proto.DecodeRouteUpdate(payload)
	if err != nil {
		return err
	}

	for _, tup := range tuples {
		if tup.Peer == myPeer {
			continue
		}
		if _, exists := t.Lookup(tup.IP); exists {
			continue
		}
		if !subnet.Contains(tup.IP) {
			continue
		}
		node := nodeid.Generate(tup.Peer, salt)
		name := ""
		if names != nil {
			name = names.NameOf(tup.Peer)
		}
		t.Upsert(node, tup.Peer, tup.IP, name)
	}
	return nil
}

// encode serializes the current snapshot as the ROUTE_UPDATE wire tuples.
func (t *Table) encode() []byte {
	snap := t.Snapshot()
	tuples := make([]proto.RouteTuple, 0, len(snap))
	for ip, e := range snap {
		tuples = append(tuples, proto.RouteTuple{Peer: e.Peer, IP: ip})
	}
	return proto.EncodeRouteUpdate(tuples)
}

// BroadcastTable disseminates the current table to every lobby peer. The
// bridge calls this only on local self-assignment, on learning a new
// address, or when a new peer arrives -- never in response to receiving a
// ROUTE_UPDATE, to avoid update storms.
func (t *Table) BroadcastTable(s Sender) {
	s.Broadcast(t.encode(), true)
}

// SendTableTo sends the current table to a single peer, reliably.
func (t *Table) SendTableTo(s Sender, peer uint64) error {
	return s.SendTo(peer, t.encode(), true)
}
