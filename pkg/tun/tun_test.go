package tun

import "testing"

func TestDeviceNameForIsStableAndShort(t *testing.T) {
	a := DeviceNameFor("my-lobby")
	b := DeviceNameFor("my-lobby")
	if a != b {
		t.Fatalf("expected deterministic name, got %q and %q", a, b)
	}
	if len(a) > 15 {
		t.Errorf("expected name within IFNAMSIZ-1, got %d bytes: %q", len(a), a)
	}
	if DeviceNameFor("other-lobby") == a {
		t.Error("expected different hints to produce different names")
	}
}

func TestDeviceNameForEmptyHint(t *testing.T) {
	if got := DeviceNameFor(""); got != "" {
		t.Errorf("expected empty hint to produce empty name, got %q", got)
	}
}

func TestOpenRejectsMTUOutOfRange(t *testing.T) {
	if _, err := Open("test", 100); err == nil {
		t.Error("expected error for MTU below minimum")
	}
	if _, err := Open("test", 20000); err == nil {
		t.Error("expected error for MTU above maximum")
	}
}

func TestMaskToPrefixLen(t *testing.T) {
	cases := map[string]int{
		"255.255.255.0": 24,
		"255.255.0.0":   16,
		"255.0.0.0":     8,
		"255.255.255.255": 32,
	}
	for mask, want := range cases {
		if got := maskToPrefixLen(mask); got != want {
			t.Errorf("maskToPrefixLen(%q) = %d, want %d", mask, got, want)
		}
	}
}
