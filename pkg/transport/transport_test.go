package transport

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestMemoryHubSendToAndBroadcast(t *testing.T) {
	hub := NewHub()
	a := hub.NewAdapter(1)
	b := hub.NewAdapter(2)
	c := hub.NewAdapter(3)

	if err := a.SendTo(2, []byte("hi"), true); err != nil {
		t.Fatal(err)
	}
	msgs := b.PollInbound(10)
	if len(msgs) != 1 || string(msgs[0].Data) != "hi" || msgs[0].Sender != 1 {
		t.Fatalf("unexpected inbound: %+v", msgs)
	}

	a.Broadcast([]byte("all"), true)
	if got := b.PollInbound(10); len(got) != 1 {
		t.Fatalf("expected b to receive broadcast, got %d", len(got))
	}
	if got := c.PollInbound(10); len(got) != 1 {
		t.Fatalf("expected c to receive broadcast, got %d", len(got))
	}
	if got := a.PollInbound(10); len(got) != 0 {
		t.Fatalf("expected broadcast to skip sender, got %d messages", len(got))
	}
}

func TestMemorySendToUnknownPeerErrors(t *testing.T) {
	hub := NewHub()
	a := hub.NewAdapter(1)
	if err := a.SendTo(99, []byte("x"), true); err == nil {
		t.Fatal("expected error sending to unknown peer")
	}
}

func TestMemoryMembersAndLeave(t *testing.T) {
	hub := NewHub()
	hub.NewAdapter(1)
	hub.NewAdapter(2)
	a := hub.NewAdapter(3)

	if len(a.Members()) != 3 {
		t.Fatalf("expected 3 members, got %d", len(a.Members()))
	}
	hub.Leave(2)
	if len(a.Members()) != 2 {
		t.Fatalf("expected 2 members after leave, got %d", len(a.Members()))
	}
}

func TestManagerSendReceiveOverLoopback(t *testing.T) {
	a := NewManager(0, "")
	b := NewManager(0, "")
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	addrA := "127.0.0.1:" + strconv.Itoa(a.LocalPort())
	addrB := "127.0.0.1:" + strconv.Itoa(b.LocalPort())

	if err := a.RegisterPeer(2, addrB, ""); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterPeer(1, addrA, ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a.IsConnected(2) && b.IsConnected(1) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !a.IsConnected(2) {
		t.Fatal("expected a to observe peer 2 as connected after handshake")
	}

	if err := a.SendTo(2, []byte("payload"), false); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	var got []Inbound
	for time.Now().Before(deadline) {
		got = b.PollInbound(10)
		if len(got) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(got) != 1 || string(got[0].Data) != "payload" {
		t.Fatalf("expected b to receive payload from a, got %+v", got)
	}
}

func TestSweepStaleSessionsFiresOnSessionFailed(t *testing.T) {
	m := NewManager(0, "")
	m.sessions[7] = &session{peer: 7, connected: true, lastSeen: time.Now().Add(-2 * sessionTimeout)}
	m.sessions[8] = &session{peer: 8, connected: true, lastSeen: time.Now()}

	var mu sync.Mutex
	var failed []uint64
	m.OnSessionFailed(func(peer uint64) {
		mu.Lock()
		failed = append(failed, peer)
		mu.Unlock()
	})

	m.sweepStaleSessions()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0] != 7 {
		t.Fatalf("expected only peer 7 to be reported failed, got %v", failed)
	}
	if m.sessions[8].connected != true {
		t.Fatalf("expected fresh session to remain connected")
	}
	if m.sessions[7].connected {
		t.Fatalf("expected stale session to be marked disconnected")
	}
}
