package ipmath

import "testing"

func TestParseSubnet(t *testing.T) {
	sn, err := ParseSubnet("10.0.0.0", "255.255.255.0")
	if err != nil {
		t.Fatal(err)
	}
	if sn.UsableHostCount() != 253 {
		t.Errorf("expected 253 usable hosts, got %d", sn.UsableHostCount())
	}
	if got := String(sn.Broadcast()); got != "10.0.0.255" {
		t.Errorf("expected 10.0.0.255, got %s", got)
	}
}

func TestSubnetContains(t *testing.T) {
	sn, _ := ParseSubnet("10.0.0.0", "255.255.255.0")

	network, _ := ParseV4("10.0.0.0")
	broadcast, _ := ParseV4("10.0.0.255")
	host, _ := ParseV4("10.0.0.5")
	outside, _ := ParseV4("10.0.1.5")

	if sn.Contains(network) {
		t.Error("network address must not be usable")
	}
	if sn.Contains(broadcast) {
		t.Error("broadcast address must not be usable")
	}
	if !sn.Contains(host) {
		t.Error("expected 10.0.0.5 to be usable")
	}
	if sn.Contains(outside) {
		t.Error("expected address outside subnet to be rejected")
	}
}

func TestNetByteOrderRoundTrip(t *testing.T) {
	ip, _ := ParseV4("192.168.1.42")
	wire := ToNet4(ip)
	back := FromNet4(wire[:])
	if back != ip {
		t.Errorf("round trip mismatch: got %s want %s", String(back), String(ip))
	}
}

func TestIsMulticastAndBroadcast(t *testing.T) {
	mc, _ := ParseV4("224.0.0.1")
	if !IsMulticast(mc) {
		t.Error("expected 224.0.0.1 to be multicast")
	}
	if !IsBroadcastAddr(0xFFFFFFFF) {
		t.Error("expected all-ones to be the limited broadcast address")
	}
}

func TestDestinationOfRejectsShortOrNonV4(t *testing.T) {
	if _, err := DestinationOf(make([]byte, 10)); err == nil {
		t.Error("expected error for short packet")
	}
	pkt := make([]byte, MinHeaderLen)
	pkt[0] = 0x60 // version 6
	if _, err := DestinationOf(pkt); err == nil {
		t.Error("expected error for non-v4 packet")
	}
}

func TestDestinationOfExtracts(t *testing.T) {
	pkt := make([]byte, MinHeaderLen)
	pkt[0] = 0x45
	dst, _ := ParseV4("10.0.0.9")
	wire := ToNet4(dst)
	copy(pkt[DstOffset:DstOffset+4], wire[:])

	got, err := DestinationOf(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if got != dst {
		t.Errorf("expected %s, got %s", String(dst), String(got))
	}
}
