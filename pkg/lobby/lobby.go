// Package lobby gives concrete shape to the "lobby-membership service"
// spec.md abstracts away: local-network peer discovery over mDNS, and
// the directory-service name lookup the route table needs when ingesting
// a peer it hasn't seen before.
package lobby

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

// Member is one discovered lobby participant.
type Member struct {
	Peer uint64
	Name string
	Addr string // host:port for the transport adapter to dial
}

// Directory answers "what is this peer's display name" for route table
// ingestion (§4.4, §6's name_of collaborator).
type Directory struct {
	mu    sync.RWMutex
	names map[uint64]string
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{names: make(map[uint64]string)}
}

// NameOf implements routing.NameResolver.
func (d *Directory) NameOf(peer uint64) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[peer]
}

func (d *Directory) set(peer uint64, name string) {
	d.mu.Lock()
	d.names[peer] = name
	d.mu.Unlock()
}

// Lobby advertises this process on the local network via mDNS and
// discovers other members of the same lobby, feeding both a Directory
// and a stream of join/leave events the bridge consumes.
type Lobby struct {
	instanceID string // per-run identifier, disambiguates multiple browse sessions on the same host
	serviceName string
	selfPeer    uint64
	selfName    string
	port        int

	dir *Directory

	server *zeroconf.Server

	mu      sync.Mutex
	members map[uint64]Member

	onJoin  func(Member)
	onLeave func(peer uint64)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a lobby session for selfPeer, advertised under
// serviceName on port.
func New(serviceName string, selfPeer uint64, selfName string, port int) *Lobby {
	return &Lobby{
		instanceID:  uuid.NewString(),
		serviceName: serviceName,
		selfPeer:    selfPeer,
		selfName:    selfName,
		port:        port,
		dir:         NewDirectory(),
		members:     make(map[uint64]Member),
	}
}

// Directory returns the resolver backing route-table name lookups.
func (l *Lobby) Directory() *Directory { return l.dir }

// OnJoin registers the callback fired when a new member is discovered.
func (l *Lobby) OnJoin(fn func(Member)) {
	l.mu.Lock()
	l.onJoin = fn
	l.mu.Unlock()
}

// OnLeave registers the callback fired when a member's advertisement
// disappears.
func (l *Lobby) OnLeave(fn func(peer uint64)) {
	l.mu.Lock()
	l.onLeave = fn
	l.mu.Unlock()
}

// Start registers this process's mDNS advertisement and begins the
// discovery loop.
func (l *Lobby) Start(retryInterval time.Duration) error {
	txt := []string{
		fmt.Sprintf("peer=%d", l.selfPeer),
		fmt.Sprintf("name=%s", l.selfName),
		fmt.Sprintf("instance=%s", l.instanceID),
	}

	var server *zeroconf.Server
	register := func() error {
		s, err := zeroconf.Register(fmt.Sprintf("lobbymesh-%d", l.selfPeer), l.serviceName, "local.", l.port, txt, nil)
		if err != nil {
			return err
		}
		server = s
		return nil
	}
	// mDNS registration can transiently fail while the local interface is
	// still coming up right after boot; retry with backoff rather than
	// failing start outright.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(register, bo); err != nil {
		return fmt.Errorf("lobby: register mdns service: %w", err)
	}
	l.server = server
	l.dir.set(l.selfPeer, l.selfName)

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go l.discoverLoop(ctx, retryInterval)
	return nil
}

// Stop tears down the mDNS advertisement and discovery loop.
func (l *Lobby) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.server != nil {
		l.server.Shutdown()
	}
	l.wg.Wait()
}

// Members returns the current known membership set (excluding self).
func (l *Lobby) Members() map[uint64]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uint64]bool, len(l.members))
	for peer := range l.members {
		out[peer] = true
	}
	return out
}

// MemberByPeer looks up a known member's full record, e.g. to retry a
// transport handshake after a session failure.
func (l *Lobby) MemberByPeer(peer uint64) (Member, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[peer]
	return m, ok
}

func (l *Lobby) discoverLoop(ctx context.Context, retryInterval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	seenThisRound := make(map[uint64]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for k := range seenThisRound {
				delete(seenThisRound, k)
			}
			if err := l.browseOnce(ctx, seenThisRound); err != nil {
				log.Printf("lobby: discovery cycle failed: %v", err)
				continue
			}
			l.reapMissing(seenThisRound)
		}
	}
}

func (l *Lobby) browseOnce(parent context.Context, seen map[uint64]bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("lobby: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	ctx, cancel := context.WithTimeout(parent, 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			l.handleEntry(entry, seen)
		}
	}()

	if err := resolver.Browse(ctx, l.serviceName, "local.", entries); err != nil {
		return fmt.Errorf("lobby: browse: %w", err)
	}
	<-ctx.Done()
	<-done
	return nil
}

func (l *Lobby) handleEntry(entry *zeroconf.ServiceEntry, seen map[uint64]bool) {
	fields := make(map[string]string)
	for _, txt := range entry.Text {
		if kv := strings.SplitN(txt, "=", 2); len(kv) == 2 {
			fields[kv[0]] = kv[1]
		}
	}

	peerStr, ok := fields["peer"]
	if !ok {
		return
	}
	peer, err := strconv.ParseUint(peerStr, 10, 64)
	if err != nil || peer == l.selfPeer {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}

	seen[peer] = true
	name := fields["name"]
	l.dir.set(peer, name)

	addr := fmt.Sprintf("%s:%d", entry.AddrIPv4[0].String(), entry.Port)
	member := Member{Peer: peer, Name: name, Addr: addr}

	l.mu.Lock()
	_, existed := l.members[peer]
	l.members[peer] = member
	cb := l.onJoin
	l.mu.Unlock()

	if !existed && cb != nil {
		cb(member)
	}
}

func (l *Lobby) reapMissing(seen map[uint64]bool) {
	var left []uint64
	l.mu.Lock()
	for peer := range l.members {
		if !seen[peer] {
			delete(l.members, peer)
			left = append(left, peer)
		}
	}
	cb := l.onLeave
	l.mu.Unlock()

	if cb == nil {
		return
	}
	for _, peer := range left {
		cb(peer)
	}
}
