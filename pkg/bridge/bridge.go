// Package bridge composes the TUN device, IP negotiator, routing table,
// heartbeat manager and message pump into the running mesh session
// described in §4.7: the thing a CLI actually starts and stops.
package bridge

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openbmx/lobbymesh/internal/config"
	"github.com/openbmx/lobbymesh/pkg/heartbeat"
	"github.com/openbmx/lobbymesh/pkg/ipmath"
	"github.com/openbmx/lobbymesh/pkg/negotiator"
	"github.com/openbmx/lobbymesh/pkg/nodeid"
	"github.com/openbmx/lobbymesh/pkg/proto"
	"github.com/openbmx/lobbymesh/pkg/routing"
	"github.com/openbmx/lobbymesh/pkg/transport"
	"github.com/openbmx/lobbymesh/pkg/tun"
)

// checkTimeoutInterval is how often the negotiator's timeout is driven
// while probing, per §4.5's "at least every 50ms" requirement.
const checkTimeoutInterval = 50 * time.Millisecond

// vpnOverhead is the wire cost of framing one IP packet as an IP_PACKET
// message: the frame header plus the sender's node ID.
const vpnOverhead = proto.HeaderLen + nodeid.Size

// Stats holds the running counters exposed by Statistics.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsDropped  uint64
}

// Bridge wires the mesh subsystems together and drives the TUN read loop.
type Bridge struct {
	cfg      *config.Config
	selfPeer uint64
	selfNode nodeid.NodeID
	subnet   ipmath.Subnet
	salt     []byte

	adapter transport.Adapter
	names   routing.NameResolver
	members func() map[uint64]bool

	tunDev *tun.Device
	table  *routing.Table
	neg    *negotiator.Negotiator
	hb     *heartbeat.Manager

	EnablePacketConflictChecks bool

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New creates a bridge for selfPeer within the given config, driving
// traffic over adapter. names resolves display names for route-table
// entries (typically a lobby directory); members reports current lobby
// membership for broadcast fan-out and forwarding decisions.
func New(cfg *config.Config, selfPeer uint64, adapter transport.Adapter, names routing.NameResolver, members func() map[uint64]bool) (*Bridge, error) {
	subnet, err := ipmath.ParseSubnet(cfg.SubnetBase, cfg.SubnetMask)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse subnet: %w", err)
	}
	salt := []byte(cfg.AppSecretSalt)
	self := nodeid.Generate(selfPeer, salt)

	b := &Bridge{
		cfg:      cfg,
		selfPeer: selfPeer,
		selfNode: self,
		subnet:   subnet,
		salt:     salt,
		adapter:  adapter,
		names:    names,
		members:  members,
		table:    routing.New(selfPeer),
	}
	b.hb = heartbeat.New(self, selfPeer, adapter, int64(cfg.HeartbeatIntervalMS), int64(cfg.LeaseExpiryMS))
	b.neg = negotiator.New(self, selfPeer, subnet, int64(cfg.ProbeTimeoutMS), int64(cfg.HeartbeatExpiryMS), &negotiatorSink{b})
	return b, nil
}

// negotiatorSink adapts the transport adapter and bridge callbacks to the
// single Sink interface the negotiator depends on, per the "callback
// soup" note: control-plane negotiation traffic always goes out reliably.
type negotiatorSink struct{ b *Bridge }

func (s *negotiatorSink) Send(peer uint64, frame []byte) error {
	return s.b.adapter.SendTo(peer, frame, true)
}

func (s *negotiatorSink) Broadcast(frame []byte) {
	s.b.adapter.Broadcast(frame, true)
}

func (s *negotiatorSink) OnSuccess(ip uint32, node nodeid.NodeID) {
	s.b.onNegotiationSuccess(ip, node)
}

// Start opens the TUN device, wires every subsystem's callbacks, and
// kicks off IP negotiation. tunNameHint is passed to tun.Open; an empty
// hint lets the kernel assign the next free device name.
func (b *Bridge) Start(tunNameHint string) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge: already running")
	}

	tunMTU := b.computeTunMTU()
	dev, err := tun.Open(tunNameHint, tunMTU)
	if err != nil {
		b.running.Store(false)
		return fmt.Errorf("bridge: open tun: %w", err)
	}
	b.tunDev = dev

	if err := dev.SetUp(true); err != nil {
		dev.Close()
		b.running.Store(false)
		return fmt.Errorf("bridge: bring tun up: %w", err)
	}

	b.table.OnRouteAdded(func(e routing.Entry) {
		b.neg.MarkUsed(e.IP)
	})
	b.hb.OnExpired(func(node nodeid.NodeID, ip uint32) {
		b.table.Remove(ip)
		b.neg.ReleaseUsed(ip)
	})

	b.stopCh = make(chan struct{})
	b.hb.Start()

	b.wg.Add(1)
	go b.timeoutLoop()

	b.wg.Add(1)
	go b.tunReadLoop()

	b.neg.Start()

	log.Printf("bridge: started on %s, mtu=%d, subnet=%s/%s", dev.Name(), tunMTU, b.cfg.SubnetBase, b.cfg.SubnetMask)
	return nil
}

// Stop tears down the running session: stops the periodic tasks, closes
// the TUN device (unblocking the read loop), waits for goroutines to
// exit, and clears per-session state.
func (b *Bridge) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	close(b.stopCh)
	b.hb.Stop()
	if b.tunDev != nil {
		b.tunDev.Close()
	}
	b.wg.Wait()
	b.table.Clear()
	log.Println("bridge: stopped")
}

// IsRunning reports whether the bridge is currently active.
func (b *Bridge) IsRunning() bool { return b.running.Load() }

// LocalIP returns the stably-owned virtual address, or 0 before
// negotiation completes.
func (b *Bridge) LocalIP() uint32 { return b.neg.LocalIP() }

// DeviceName returns the OS-level TUN interface name, empty if not yet
// started.
func (b *Bridge) DeviceName() string {
	if b.tunDev == nil {
		return ""
	}
	return b.tunDev.Name()
}

// RoutingTableSnapshot exposes the current virtual-IP routing table.
func (b *Bridge) RoutingTableSnapshot() map[uint32]routing.Entry {
	return b.table.Snapshot()
}

// Statistics returns a point-in-time copy of the traffic counters.
func (b *Bridge) Statistics() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// computeTunMTU clamps the configured MTU to whatever the transport
// adapter can deliver unfragmented, minus the VPN framing overhead, per
// §4.7's "query the transport for its unreliable MTU budget" step.
func (b *Bridge) computeTunMTU() int {
	budget := b.adapter.UnreliableMTUBudget() - vpnOverhead
	mtu := b.cfg.MTU
	if budget < mtu {
		mtu = budget
	}
	if mtu > 1500 {
		mtu = 1500
	}
	if mtu < 576 {
		mtu = 576
	}
	return mtu
}

// onNegotiationSuccess fires once the negotiator reaches STABLE: it
// assigns the address to the TUN device, seeds the routing table's local
// entry, starts announcing heartbeats, and shares the route table with
// the lobby.
func (b *Bridge) onNegotiationSuccess(ip uint32, node nodeid.NodeID) {
	addr := ipmath.String(ip)
	mask := b.cfg.SubnetMask
	if err := b.tunDev.SetIP(addr, mask); err != nil {
		log.Printf("bridge: assign tun address %s: %v", addr, err)
	}
	name := b.cfg.DeviceName
	b.table.Upsert(node, b.selfPeer, ip, name)
	b.hb.SetLocalIP(ip)
	b.table.BroadcastTable(b.adapter)
	log.Printf("bridge: negotiated local address %s", addr)
}

// timeoutLoop drives the negotiator's probe timeout at a fixed cadence
// for as long as the bridge runs; CheckTimeout is a no-op outside the
// PROBING state.
func (b *Bridge) timeoutLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(checkTimeoutInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.neg.CheckTimeout()
		}
	}
}

// tunReadLoop reads whole IP packets off the TUN device and either
// broadcasts them (destination is the subnet broadcast, limited
// broadcast, or a multicast address) or forwards them to the peer that
// owns the destination address per the routing table.
func (b *Bridge) tunReadLoop() {
	defer b.wg.Done()
	buf := make([]byte, b.tunDev.MTU()+64)

	for {
		n, err := b.tunDev.Read(buf)
		if err != nil {
			if !b.running.Load() {
				return
			}
			log.Printf("bridge: tun read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		dest, err := ipmath.DestinationOf(packet)
		if err != nil {
			b.addDropped(1)
			continue
		}

		if b.isBroadcastDest(dest) {
			frame := proto.EncodeIPPacket(b.selfNode, packet)
			b.adapter.Broadcast(frame, false)
			peers := len(b.members())
			b.addSent(uint64(peers), uint64(peers)*uint64(len(packet)))
			continue
		}

		entry, ok := b.table.Lookup(dest)
		if !ok || entry.Local {
			b.addDropped(1)
			continue
		}
		frame := proto.EncodeIPPacket(b.selfNode, packet)
		if err := b.adapter.SendTo(entry.Peer, frame, false); err != nil {
			b.addDropped(1)
			continue
		}
		b.addSent(1, uint64(len(packet)))
	}
}

func (b *Bridge) isBroadcastDest(ip uint32) bool {
	return ipmath.IsBroadcastAddr(ip) || ip == b.subnet.Broadcast() || ipmath.IsMulticast(ip)
}

// Dispatch implements pump.Dispatcher: it demultiplexes one inbound
// datagram from the transport adapter to the right subsystem per §4.7
// step 5.
func (b *Bridge) Dispatch(sender uint64, data []byte) {
	frame, err := proto.Decode(data)
	if err != nil {
		b.addDropped(1)
		return
	}

	switch frame.Type {
	case proto.TypeIPPacket:
		b.handleIPPacket(sender, data, frame.Payload)
	case proto.TypeProbeRequest:
		m, err := proto.DecodeProbeRequest(frame.Payload)
		if err == nil {
			b.neg.HandleProbeRequest(m, sender)
		}
	case proto.TypeProbeResponse:
		m, err := proto.DecodeProbeResponse(frame.Payload)
		if err == nil {
			b.neg.HandleProbeResponse(m, sender)
		}
	case proto.TypeAddressAnnounce:
		m, err := proto.DecodeAddressAnnounce(frame.Payload)
		if err == nil {
			b.handleAddressAnnounce(sender, m)
		}
	case proto.TypeForcedRelease:
		m, err := proto.DecodeForcedRelease(frame.Payload)
		if err == nil {
			b.neg.HandleForcedRelease(m)
		}
	case proto.TypeHeartbeat:
		m, err := proto.DecodeHeartbeat(frame.Payload)
		if err == nil {
			b.hb.HandleHeartbeat(m, sender, b.names.NameOf(sender))
		}
	case proto.TypeRouteUpdate:
		if err := b.table.IngestPeerRoutes(frame.Payload, b.subnet, b.selfPeer, b.salt, b.names); err != nil {
			b.addDropped(1)
		}
	default:
		b.addDropped(1)
	}
}

func (b *Bridge) handleIPPacket(sender uint64, raw, payload []byte) {
	pkt, err := proto.DecodeIPPacket(payload)
	if err != nil {
		b.addDropped(1)
		return
	}

	if b.EnablePacketConflictChecks {
		if srcIP, err := ipmath.SourceOf(pkt.Data); err == nil {
			if loser, conflict := b.hb.CheckPacketConflict(srcIP, pkt.Sender); conflict && loser == pkt.Sender {
				// The packet's claimed sender lost arbitration against the
				// node our heartbeat table already has on file for srcIP.
				frame := proto.EncodeForcedRelease(proto.ForcedRelease{IP: srcIP, Winner: b.selfNode})
				_ = b.adapter.SendTo(sender, frame, true)
			}
		}
	}

	dest, err := ipmath.DestinationOf(pkt.Data)
	if err != nil {
		b.addDropped(1)
		return
	}

	if dest == b.neg.LocalIP() || b.isBroadcastDest(dest) {
		if _, err := b.tunDev.Write(pkt.Data); err != nil {
			b.addDropped(1)
			return
		}
		b.addReceived(1, uint64(len(pkt.Data)))
		return
	}

	// Not for us: forward it on if we know a route, otherwise drop.
	entry, ok := b.table.Lookup(dest)
	if !ok || entry.Peer == sender {
		b.addDropped(1)
		return
	}
	if err := b.adapter.SendTo(entry.Peer, raw, false); err != nil {
		b.addDropped(1)
		return
	}
	b.addSent(1, uint64(len(pkt.Data)))
}

func (b *Bridge) handleAddressAnnounce(sender uint64, m proto.AddressAnnounce) {
	novel := b.neg.HandleAddressAnnounce(m, sender)
	name := b.names.NameOf(sender)
	b.table.Upsert(m.Sender, sender, m.IP, name)
	if novel {
		b.table.BroadcastTable(b.adapter)
	}
}

// OnPeerJoined announces our own address and shares the route table with
// a newly discovered peer, once we have a stable address to announce.
func (b *Bridge) OnPeerJoined(peer uint64) {
	if b.neg.State() != negotiator.StateStable {
		return
	}
	frame := proto.EncodeAddressAnnounce(proto.AddressAnnounce{IP: b.neg.LocalIP(), Sender: b.selfNode})
	_ = b.adapter.SendTo(peer, frame, true)
	_ = b.table.SendTableTo(b.adapter, peer)
}

// OnPeerLeft releases whatever address the departing peer held and drops
// its routes.
func (b *Bridge) OnPeerLeft(peer uint64) {
	b.table.RemoveAllForPeer(peer, func(ip uint32, node nodeid.NodeID) {
		b.hb.Deregister(node)
		b.neg.ReleaseUsed(ip)
	})
}

func (b *Bridge) addSent(packets, bytes uint64) {
	b.statsMu.Lock()
	b.stats.PacketsSent += packets
	b.stats.BytesSent += bytes
	b.statsMu.Unlock()
}

func (b *Bridge) addReceived(packets, bytes uint64) {
	b.statsMu.Lock()
	b.stats.PacketsReceived += packets
	b.stats.BytesReceived += bytes
	b.statsMu.Unlock()
}

func (b *Bridge) addDropped(n uint64) {
	b.statsMu.Lock()
	b.stats.PacketsDropped += n
	b.statsMu.Unlock()
}
