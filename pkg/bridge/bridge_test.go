package bridge

import (
	"testing"

	"github.com/openbmx/lobbymesh/internal/config"
	"github.com/openbmx/lobbymesh/pkg/ipmath"
	"github.com/openbmx/lobbymesh/pkg/nodeid"
	"github.com/openbmx/lobbymesh/pkg/proto"
	"github.com/openbmx/lobbymesh/pkg/routing"
	"github.com/openbmx/lobbymesh/pkg/transport"
)

type fakeNames struct{ names map[uint64]string }

func (f *fakeNames) NameOf(peer uint64) string { return f.names[peer] }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SubnetBase = "10.0.0.0"
	cfg.SubnetMask = "255.255.255.0"
	return cfg
}

func newTestBridge(t *testing.T, hub *transport.Hub, self uint64, memberSet map[uint64]bool) (*Bridge, *transport.Memory) {
	t.Helper()
	adapter := hub.NewAdapter(self)
	names := &fakeNames{names: map[uint64]string{}}
	b, err := New(testConfig(), self, adapter, names, func() map[uint64]bool { return memberSet })
	if err != nil {
		t.Fatal(err)
	}
	return b, adapter
}

func TestComputeTunMTUClampsToAdapterBudget(t *testing.T) {
	hub := transport.NewHub()
	b, _ := newTestBridge(t, hub, 1, nil)
	// Memory adapter reports a large budget, so the config MTU should win.
	if got := b.computeTunMTU(); got != b.cfg.MTU {
		t.Errorf("expected config mtu %d, got %d", b.cfg.MTU, got)
	}
}

func TestOnNegotiationSuccessSeedsLocalRoute(t *testing.T) {
	hub := transport.NewHub()
	b, _ := newTestBridge(t, hub, 1, nil)

	node := nodeid.Generate(1, b.salt)
	b.onNegotiationSuccessForTest(0x0A000005, node)

	entry, ok := b.table.Lookup(0x0A000005)
	if !ok || !entry.Local || entry.Peer != 1 {
		t.Fatalf("expected local route entry, got %+v ok=%v", entry, ok)
	}
}

func TestDispatchRouteUpdateIngestsNewPeer(t *testing.T) {
	hub := transport.NewHub()
	b, _ := newTestBridge(t, hub, 1, nil)

	frame := proto.EncodeRouteUpdate([]proto.RouteTuple{{Peer: 2, IP: 0x0A000007}})
	b.Dispatch(2, frame)

	if _, ok := b.table.Lookup(0x0A000007); !ok {
		t.Fatal("expected route update to be ingested")
	}
}

func TestDispatchAddressAnnounceUpsertsRouteAndRebroadcasts(t *testing.T) {
	hub := transport.NewHub()
	b, _ := newTestBridge(t, hub, 1, nil)
	hub.NewAdapter(2) // observer to receive the rebroadcast

	other := nodeid.Generate(2, b.salt)
	frame := proto.EncodeAddressAnnounce(proto.AddressAnnounce{IP: 0x0A000009, Sender: other})
	b.Dispatch(2, frame)

	entry, ok := b.table.Lookup(0x0A000009)
	if !ok || entry.Peer != 2 {
		t.Fatalf("expected route for announced address, got %+v ok=%v", entry, ok)
	}
}

func TestDispatchUnknownFrameTypeIsDropped(t *testing.T) {
	hub := transport.NewHub()
	b, _ := newTestBridge(t, hub, 1, nil)

	frame := proto.Encode(proto.Type(99), []byte("junk"))
	b.Dispatch(2, frame)

	if b.Statistics().PacketsDropped != 1 {
		t.Errorf("expected one dropped packet, got %d", b.Statistics().PacketsDropped)
	}
}

func TestOnPeerLeftReleasesRouteAndIP(t *testing.T) {
	hub := transport.NewHub()
	b, _ := newTestBridge(t, hub, 1, nil)

	node := nodeid.Generate(2, b.salt)
	b.table.Upsert(node, 2, 0x0A00000A, "peer-b")
	b.neg.MarkUsed(0x0A00000A)

	b.OnPeerLeft(2)

	if _, ok := b.table.Lookup(0x0A00000A); ok {
		t.Error("expected route to be removed on peer departure")
	}
}

func TestIsBroadcastDest(t *testing.T) {
	hub := transport.NewHub()
	b, _ := newTestBridge(t, hub, 1, nil)

	subnetBroadcast := b.subnet.Broadcast()
	cases := map[uint32]bool{
		0xFFFFFFFF:      true,
		subnetBroadcast: true,
		0xE0000001:      true, // 224.0.0.1 multicast
		0x0A000005:      false,
	}
	for ip, want := range cases {
		if got := b.isBroadcastDest(ip); got != want {
			t.Errorf("isBroadcastDest(%s) = %v, want %v", ipmath.String(ip), got, want)
		}
	}
}

// onNegotiationSuccessForTest lets tests drive the negotiation-success
// path without opening a real TUN device; it mirrors onNegotiationSuccess
// but skips the TUN address assignment step.
func (b *Bridge) onNegotiationSuccessForTest(ip uint32, node nodeid.NodeID) {
	b.table.Upsert(node, b.selfPeer, ip, b.cfg.DeviceName)
	b.hb.SetLocalIP(ip)
}

var _ routing.NameResolver = (*fakeNames)(nil)
