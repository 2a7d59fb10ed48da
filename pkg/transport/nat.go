package transport

import (
	"log"
	"net"
	"time"
)

// natClass is how permissive the local host's NAT/firewall is, learned
// once at startup and used only to decide whether Class() reports a
// session as direct or relayed (§4.3's transport-class query). It is a
// narrower question than full NAT-behavior classification, so this only
// keeps the states Class() actually branches on.
type natClass int

const (
	natUnknown natClass = iota
	natOpen             // public IP, no NAT in the way
	natFullCone
	natRestrictedCone
	natPortRestrictedCone
	natSymmetric // worst case: a fresh mapping per destination, breaks direct P2P
)

func (n natClass) String() string {
	switch n {
	case natOpen:
		return "open"
	case natFullCone:
		return "full-cone"
	case natRestrictedCone:
		return "restricted-cone"
	case natPortRestrictedCone:
		return "port-restricted-cone"
	case natSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// natDetector learns the local natClass, preferring a STUN-based probe
// when a server is configured and falling back to a coarse public/
// private address heuristic otherwise.
type natDetector struct {
	stunServer string
	timeout    time.Duration
}

func newNATDetector(stunServer string, timeout time.Duration) *natDetector {
	if timeout == 0 {
		timeout = stunTimeout
	}
	return &natDetector{stunServer: stunServer, timeout: timeout}
}

// detect runs the probe against localPort, the port the Manager's UDP
// socket is already bound to (STUN mappings must be observed from the
// same socket the mesh actually sends traffic from).
func (d *natDetector) detect(localPort int) natClass {
	if d.stunServer != "" {
		local := &net.UDPAddr{Port: localPort}
		client := newSTUNClient(d.stunServer, d.timeout)
		class, err := client.detectClass(local)
		if err == nil {
			return class
		}
		log.Printf("transport: stun detection via %s failed, falling back to address heuristic: %v", d.stunServer, err)
	}
	return detectFromLocalAddrs()
}

// detectFromLocalAddrs assumes a public interface address means no NAT is
// present and otherwise guesses port-restricted cone, the most common
// consumer-router behavior; it never actually talks to the network.
func detectFromLocalAddrs() natClass {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return natUnknown
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		if !isPrivateIPv4(ipnet.IP) {
			return natOpen
		}
	}
	return natPortRestrictedCone
}

// isPrivateIPv4 reports whether ip falls in an RFC 1918 range or is
// otherwise non-routable (loopback/link-local).
func isPrivateIPv4(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	default:
		return false
	}
}
