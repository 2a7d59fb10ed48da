package pump

import (
	"sync"
	"testing"
	"time"

	"github.com/openbmx/lobbymesh/pkg/transport"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingDispatcher) Dispatch(sender uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(data))
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestPumpDeliversInboundMessages(t *testing.T) {
	hub := transport.NewHub()
	a := hub.NewAdapter(1)
	b := hub.NewAdapter(2)

	d := &recordingDispatcher{}
	p := New(b, d)
	p.Start(func() map[uint64]bool { return map[uint64]bool{1: true} }, func(peer uint64) {})
	defer p.Stop()

	if err := a.SendTo(2, []byte("hello"), true); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.count() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if d.count() != 1 {
		t.Fatalf("expected one delivered message, got %d", d.count())
	}
}

func TestPumpResetsIntervalOnTraffic(t *testing.T) {
	hub := transport.NewHub()
	a := hub.NewAdapter(1)
	b := hub.NewAdapter(2)

	d := &recordingDispatcher{}
	p := New(b, d)
	p.Start(func() map[uint64]bool { return map[uint64]bool{1: true} }, func(peer uint64) {})
	defer p.Stop()

	// Let it idle and back off.
	time.Sleep(20 * time.Millisecond)
	if p.Interval() < minInterval {
		t.Fatalf("interval should never fall below the floor, got %v", p.Interval())
	}

	if err := a.SendTo(2, []byte("hi"), true); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.count() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// Give it one more loop iteration to reset the interval.
	time.Sleep(2 * time.Millisecond)
	if p.Interval() != minInterval {
		t.Errorf("expected interval reset to minimum after traffic, got %v", p.Interval())
	}
}
