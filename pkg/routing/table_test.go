package routing

import (
	"testing"

	"github.com/openbmx/lobbymesh/pkg/ipmath"
	"github.com/openbmx/lobbymesh/pkg/nodeid"
	"github.com/openbmx/lobbymesh/pkg/proto"
)

const testSalt = "test-salt"

func TestUpsertFiresCallbackOutsideLock(t *testing.T) {
	table := New(1)
	var gotEntry Entry
	fired := false
	table.OnRouteAdded(func(e Entry) {
		fired = true
		gotEntry = e
		// If this were still under the table's lock, Snapshot would deadlock.
		table.Snapshot()
	})

	node := nodeid.Generate(1, []byte(testSalt))
	table.Upsert(node, 1, 0x0A000002, "me")

	if !fired {
		t.Fatal("expected callback to fire")
	}
	if !gotEntry.Local {
		t.Error("expected entry for self peer to be marked local")
	}
}

func TestUpsertReplacesExistingEntryForSamePeer(t *testing.T) {
	table := New(1)
	node := nodeid.Generate(2, []byte(testSalt))
	table.Upsert(node, 2, 0x0A000002, "a")
	table.Upsert(node, 2, 0x0A000003, "a")

	if _, ok := table.Lookup(0x0A000002); ok {
		t.Error("expected old IP entry to be gone")
	}
	if e, ok := table.Lookup(0x0A000003); !ok || e.Peer != 2 {
		t.Error("expected new IP entry to be present")
	}
	if len(table.Snapshot()) != 1 {
		t.Error("expected exactly one entry per peer")
	}
}

func TestRemoveAllForPeer(t *testing.T) {
	table := New(1)
	node := nodeid.Generate(2, []byte(testSalt))
	table.Upsert(node, 2, 0x0A000002, "a")

	var removedIP uint32
	table.RemoveAllForPeer(2, func(ip uint32, n nodeid.NodeID) {
		removedIP = ip
	})

	if removedIP != 0x0A000002 {
		t.Errorf("expected removal callback for 0x0A000002, got %x", removedIP)
	}
	if len(table.Snapshot()) != 0 {
		t.Error("expected table to be empty")
	}
}

func TestIngestPeerRoutesSkipsSelfUnknownAndOutOfSubnet(t *testing.T) {
	subnet, err := ipmath.ParseSubnet("10.0.0.0", "255.255.255.0")
	if err != nil {
		t.Fatal(err)
	}
	table := New(1)

	payload := proto.EncodeRouteUpdate([]proto.RouteTuple{
		{Peer: 1, IP: 0x0A000005},          // self, should be skipped
		{Peer: 2, IP: 0x0A000006},          // valid
		{Peer: 3, IP: 0xC0A80101},          // out of subnet, should be skipped
	})
	frame, err := proto.Decode(payload)
	if err != nil {
		t.Fatal(err)
	}

	if err := table.IngestPeerRoutes(frame.Payload, subnet, 1, []byte(testSalt), nil); err != nil {
		t.Fatal(err)
	}

	snap := table.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly one ingested entry, got %d", len(snap))
	}
	if _, ok := snap[0x0A000006]; !ok {
		t.Error("expected the valid tuple to be ingested")
	}
}

func TestIngestPeerRoutesDoesNotOverwriteKnownIP(t *testing.T) {
	subnet, _ := ipmath.ParseSubnet("10.0.0.0", "255.255.255.0")
	table := New(1)
	node := nodeid.Generate(9, []byte(testSalt))
	table.Upsert(node, 9, 0x0A000006, "existing")

	payload := proto.EncodeRouteUpdate([]proto.RouteTuple{{Peer: 2, IP: 0x0A000006}})
	frame, _ := proto.Decode(payload)
	if err := table.IngestPeerRoutes(frame.Payload, subnet, 1, []byte(testSalt), nil); err != nil {
		t.Fatal(err)
	}

	e, _ := table.Lookup(0x0A000006)
	if e.Peer != 9 {
		t.Errorf("expected existing entry to be preserved, got peer %d", e.Peer)
	}
}

func TestTotalSeenNeverDecreases(t *testing.T) {
	table := New(1)
	node := nodeid.Generate(2, []byte(testSalt))
	table.Upsert(node, 2, 0x0A000002, "a")
	table.Upsert(node, 2, 0x0A000003, "a") // replaces the same peer's entry
	table.Remove(0x0A000003)

	if got := table.TotalSeen(); got != 2 {
		t.Errorf("expected TotalSeen to count both upserts, got %d", got)
	}
	if len(table.Snapshot()) != 0 {
		t.Error("expected table to be empty after remove")
	}
}

type fakeSender struct {
	broadcasts [][]byte
	sentTo     map[uint64][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{sentTo: make(map[uint64][]byte)}
}

func (f *fakeSender) SendTo(peer uint64, data []byte, reliable bool) error {
	f.sentTo[peer] = data
	return nil
}

func (f *fakeSender) Broadcast(data []byte, reliable bool) {
	f.broadcasts = append(f.broadcasts, data)
}

func TestBroadcastTableAndSendTableTo(t *testing.T) {
	table := New(1)
	node := nodeid.Generate(1, []byte(testSalt))
	table.Upsert(node, 1, 0x0A000002, "me")

	sender := newFakeSender()
	table.BroadcastTable(sender)
	if len(sender.broadcasts) != 1 {
		t.Fatal("expected one broadcast")
	}

	if err := table.SendTableTo(sender, 42); err != nil {
		t.Fatal(err)
	}
	if _, ok := sender.sentTo[42]; !ok {
		t.Error("expected direct send to peer 42")
	}

	frame, err := proto.Decode(sender.broadcasts[0])
	if err != nil {
		t.Fatal(err)
	}
	tuples, err := proto.DecodeRouteUpdate(frame.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(tuples) != 1 || tuples[0].IP != 0x0A000002 {
		t.Errorf("unexpected broadcast tuples: %+v", tuples)
	}
}

func TestClearRemovesEntriesButNotTotalSeen(t *testing.T) {
	table := New(1)
	node := nodeid.Generate(1, []byte(testSalt))
	table.Upsert(node, 1, 0x0A000002, "me")

	table.Clear()

	if len(table.Snapshot()) != 0 {
		t.Error("expected snapshot to be empty after Clear")
	}
	if table.TotalSeen() != 1 {
		t.Errorf("expected TotalSeen to remain 1 after Clear, got %d", table.TotalSeen())
	}
}
