// Package pump drives inbound polling of the transport adapter with
// adaptive backoff, and dispatches session lifecycle events, per §4.8.
package pump

import (
	"log"
	"sync"
	"time"

	"github.com/openbmx/lobbymesh/pkg/transport"
)

const (
	minInterval  = 100 * time.Microsecond
	maxInterval  = 1 * time.Millisecond
	stepInterval = 100 * time.Microsecond
	batchSize    = 64
)

// Dispatcher receives every inbound datagram polled from the transport.
type Dispatcher interface {
	Dispatch(sender uint64, data []byte)
}

// Pump polls an Adapter for inbound messages, backing off when idle and
// resetting to the minimum interval the moment traffic resumes.
type Pump struct {
	adapter    transport.Adapter
	dispatcher Dispatcher

	mu       sync.Mutex
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pump over adapter that hands every received datagram to
// dispatcher.
func New(adapter transport.Adapter, dispatcher Dispatcher) *Pump {
	return &Pump{
		adapter:    adapter,
		dispatcher: dispatcher,
		interval:   minInterval,
		stopCh:     make(chan struct{}),
	}
}

// Start spawns the polling goroutine and wires session lifecycle
// callbacks onto the adapter.
func (p *Pump) Start(members func() map[uint64]bool, retryHello func(peer uint64)) {
	p.adapter.OnSessionRequest(func(peer uint64) bool {
		ok := members()[peer]
		if !ok {
			log.Printf("pump: rejecting session request from non-member peer %d", peer)
		}
		return ok
	})
	p.adapter.OnSessionFailed(func(peer uint64) {
		if members()[peer] {
			log.Printf("pump: session with peer %d failed, scheduling retry", peer)
			retryHello(peer)
		}
	})

	p.wg.Add(1)
	go p.run()
}

// Stop signals the polling goroutine to exit and waits for it.
func (p *Pump) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pump) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		msgs := p.adapter.PollInbound(batchSize)
		for _, m := range msgs {
			p.dispatcher.Dispatch(m.Sender, m.Data)
		}

		p.mu.Lock()
		if len(msgs) > 0 {
			p.interval = minInterval
		} else if p.interval < maxInterval {
			p.interval += stepInterval
			if p.interval > maxInterval {
				p.interval = maxInterval
			}
		}
		wait := p.interval
		p.mu.Unlock()

		select {
		case <-p.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// Interval returns the pump's current polling interval, mainly for tests
// and diagnostics.
func (p *Pump) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}
