// Package ipmath provides the v4 address and subnet arithmetic shared by
// the routing table, negotiator and bridge. Addresses are kept in host
// byte order internally and only converted to network order at the wire
// boundary.
package ipmath

import (
	"encoding/binary"
	"errors"
	"net"
)

// IPv4 header field offsets used when inspecting packets on the data path.
const (
	VersionIHLOffset = 0
	SrcOffset        = 12
	DstOffset        = 16
	MinHeaderLen     = 20
)

// Subnet describes the configured tunnel network in host byte order.
type Subnet struct {
	Base uint32 // network address, e.g. 10.0.0.0
	Mask uint32 // e.g. 255.255.255.0
}

// ParseSubnet parses dotted-quad base and mask strings into a Subnet.
func ParseSubnet(baseStr, maskStr string) (Subnet, error) {
	base, err := ParseV4(baseStr)
	if err != nil {
		return Subnet{}, err
	}
	mask, err := ParseV4(maskStr)
	if err != nil {
		return Subnet{}, err
	}
	return Subnet{Base: base & mask, Mask: mask}, nil
}

// ParseV4 parses a dotted-quad IPv4 address into a host-byte-order uint32.
func ParseV4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, errors.New("ipmath: invalid IPv4 address " + s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, errors.New("ipmath: not an IPv4 address " + s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// ToNet4 converts a host-byte-order address into a 4-byte network-order
// wire representation.
func ToNet4(ip uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return b
}

// FromNet4 converts a 4-byte network-order wire representation into a
// host-byte-order address.
func FromNet4(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// String renders a host-byte-order address as dotted quad.
func String(ip uint32) string {
	b := ToNet4(ip)
	return net.IPv4(b[0], b[1], b[2], b[3]).String()
}

// HostCount returns the number of addresses in the subnet, including the
// network and broadcast addresses.
func (s Subnet) HostCount() uint32 {
	return ^s.Mask + 1
}

// UsableHostCount returns the number of addresses that may be assigned to
// a peer: total addresses minus the network and broadcast addresses.
func (s Subnet) UsableHostCount() uint32 {
	count := s.HostCount()
	if count <= 2 {
		return 0
	}
	return count - 2
}

// Broadcast returns the all-ones host-bits address of the subnet.
func (s Subnet) Broadcast() uint32 {
	return s.Base | ^s.Mask
}

// Contains reports whether ip falls within the subnet, excluding the
// network and broadcast addresses.
func (s Subnet) Contains(ip uint32) bool {
	if ip&s.Mask != s.Base {
		return false
	}
	return ip != s.Base && ip != s.Broadcast()
}

// IsMulticast reports whether ip (host byte order) falls in 224.0.0.0/4.
func IsMulticast(ip uint32) bool {
	return ip>>28 == 0xE
}

// IsBroadcastAddr reports whether ip is the all-ones limited broadcast
// address 255.255.255.255.
func IsBroadcastAddr(ip uint32) bool {
	return ip == 0xFFFFFFFF
}

// IsVersion4 reports whether the first byte of an IP packet declares IPv4.
func IsVersion4(packet []byte) bool {
	return len(packet) > 0 && packet[0]>>4 == 4
}

// DestinationOf extracts the destination address (host byte order) from an
// IPv4 packet. The caller must have already validated the packet length.
func DestinationOf(packet []byte) (uint32, error) {
	if len(packet) < MinHeaderLen {
		return 0, errors.New("ipmath: packet shorter than an IPv4 header")
	}
	if !IsVersion4(packet) {
		return 0, errors.New("ipmath: not an IPv4 packet")
	}
	return binary.BigEndian.Uint32(packet[DstOffset : DstOffset+4]), nil
}

// SourceOf extracts the source address (host byte order) from an IPv4
// packet. The caller must have already validated the packet length.
func SourceOf(packet []byte) (uint32, error) {
	if len(packet) < MinHeaderLen {
		return 0, errors.New("ipmath: packet shorter than an IPv4 header")
	}
	if !IsVersion4(packet) {
		return 0, errors.New("ipmath: not an IPv4 packet")
	}
	return binary.BigEndian.Uint32(packet[SrcOffset : SrcOffset+4]), nil
}
