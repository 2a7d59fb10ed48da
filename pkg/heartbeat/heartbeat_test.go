package heartbeat

import (
	"sync"
	"testing"

	"github.com/openbmx/lobbymesh/pkg/nodeid"
	"github.com/openbmx/lobbymesh/pkg/proto"
)

const testSalt = "test-salt"

type fakeBroadcaster struct {
	mu    sync.Mutex
	sent  [][]byte
}

func (f *fakeBroadcaster) Broadcast(frame []byte, reliable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestManager(clock *int64) (*Manager, *fakeBroadcaster) {
	self := nodeid.Generate(1, []byte(testSalt))
	b := &fakeBroadcaster{}
	m := New(self, 1, b, 60000, 360000)
	m.nowMS = func() int64 { return *clock }
	return m, b
}

func TestTickEmitsHeartbeatWhenIntervalElapsed(t *testing.T) {
	clock := int64(0)
	m, b := newTestManager(&clock)
	m.SetLocalIP(0x0A000002)

	clock = 60000
	m.tick()

	if b.count() != 1 {
		t.Fatalf("expected one heartbeat emitted, got %d", b.count())
	}
}

func TestTickDoesNotEmitBeforeInterval(t *testing.T) {
	clock := int64(0)
	m, b := newTestManager(&clock)
	m.SetLocalIP(0x0A000002)

	clock = 100
	m.tick()

	if b.count() != 0 {
		t.Fatalf("expected no heartbeat before interval elapses, got %d", b.count())
	}
}

func TestTickDoesNotEmitWithoutLocalIP(t *testing.T) {
	clock := int64(0)
	m, b := newTestManager(&clock)

	clock = 60000
	m.tick()

	if b.count() != 0 {
		t.Fatal("expected no heartbeat emission before a local IP is assigned")
	}
}

func TestHandleHeartbeatThenExpirySweep(t *testing.T) {
	clock := int64(0)
	m, _ := newTestManager(&clock)

	other := nodeid.Generate(2, []byte(testSalt))
	m.HandleHeartbeat(proto.Heartbeat{IP: 0x0A000003, Sender: other, Timestamp: 0}, 2, "peer-b")

	var expiredNode nodeid.NodeID
	var expiredIP uint32
	fired := false
	m.OnExpired(func(node nodeid.NodeID, ip uint32) {
		fired = true
		expiredNode = node
		expiredIP = ip
	})

	clock = 100 // well within expiry
	m.sweepExpired(clock)
	if fired {
		t.Fatal("expected no expiry before LEASE_EXPIRY_MS elapses")
	}

	clock = 360001
	m.sweepExpired(clock)
	if !fired {
		t.Fatal("expected expiry callback to fire after lease expiry")
	}
	if expiredNode != other || expiredIP != 0x0A000003 {
		t.Errorf("unexpected expiry payload: node=%v ip=%x", expiredNode, expiredIP)
	}
}

func TestLocalEntryNeverExpires(t *testing.T) {
	clock := int64(0)
	m, _ := newTestManager(&clock)
	m.SetLocalIP(0x0A000002)

	fired := false
	m.OnExpired(func(node nodeid.NodeID, ip uint32) { fired = true })

	clock = 10_000_000
	m.sweepExpired(clock)

	if fired {
		t.Fatal("local entry should never be evicted by the lease sweep")
	}
}

func TestCheckPacketConflictDetectsDisagreement(t *testing.T) {
	clock := int64(0)
	m, _ := newTestManager(&clock)

	owner := nodeid.Generate(2, []byte(testSalt))
	m.HandleHeartbeat(proto.Heartbeat{IP: 0x0A000005, Sender: owner, Timestamp: 0}, 2, "owner")

	impostor := nodeid.Generate(3, []byte(testSalt))
	loser, ok := m.CheckPacketConflict(0x0A000005, impostor)
	if !ok {
		t.Fatal("expected a conflict to be detected")
	}
	if loser != owner && loser != impostor {
		t.Errorf("loser should be one of the two contenders, got %v", loser)
	}
}

func TestCheckPacketConflictNoConflictWhenAgreeing(t *testing.T) {
	clock := int64(0)
	m, _ := newTestManager(&clock)
	owner := nodeid.Generate(2, []byte(testSalt))
	m.HandleHeartbeat(proto.Heartbeat{IP: 0x0A000005, Sender: owner, Timestamp: 0}, 2, "owner")

	if _, ok := m.CheckPacketConflict(0x0A000005, owner); ok {
		t.Error("expected no conflict when sender matches known owner")
	}
}
