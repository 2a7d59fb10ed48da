// Package tun implements the layer-3 virtual network interface adapter:
// creating a TUN device, assigning it an address, and reading/writing
// whole IP packets.
package tun

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	minMTU = 576
	maxMTU = 9000

	// deviceNamePrefix is used when deriving a stable device name from a
	// hint (§4.2's deterministic-naming note, generalized from the
	// original's GUID derivation since Linux TUN devices are named, not
	// GUID-identified).
	deviceNamePrefix = "lm"
)

// Device is a single open TUN interface.
type Device struct {
	file *os.File
	name string
	mtu  int

	nonBlocking atomic.Bool
	lastErr     atomic.Value // string
}

// DeviceNameFor derives a short, stable interface name from an arbitrary
// hint string, so repeated runs against the same configured lobby reuse
// the same OS-level device instead of colliding with sequential
// auto-naming.
func DeviceNameFor(hint string) string {
	if hint == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(hint))
	// Linux interface names are capped at IFNAMSIZ-1 (15) bytes.
	name := fmt.Sprintf("%s%08x", deviceNamePrefix, binary.BigEndian.Uint32(sum[:4]))
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// Open acquires a TUN device. If nameHint is empty the kernel assigns the
// next free tunN name; otherwise DeviceNameFor(nameHint) is requested.
func Open(nameHint string, mtu int) (*Device, error) {
	if mtu < minMTU || mtu > maxMTU {
		return nil, fmt.Errorf("tun: mtu %d out of range [%d,%d]", mtu, minMTU, maxMTU)
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(DeviceNameFor(nameHint))
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: build ifreq: %w", err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", err)
	}

	d := &Device{
		file: os.NewFile(uintptr(fd), "/dev/net/tun"),
		name: ifr.Name(),
		mtu:  mtu,
	}
	return d, nil
}

// Close releases the OS file descriptor. Any blocked Read unblocks with
// an error.
func (d *Device) Close() error {
	return d.file.Close()
}

// SetIP assigns the interface's address, prefix length (derived from
// netmask), and MTU by shelling out to `ip`, the same mechanism the
// teacher uses for interface configuration.
func (d *Device) SetIP(address, netmask string) error {
	prefix := maskToPrefixLen(netmask)
	cmd := exec.Command("ip", "addr", "add", fmt.Sprintf("%s/%d", address, prefix), "dev", d.name)
	if out, err := cmd.CombinedOutput(); err != nil {
		d.setLastErr(err)
		return fmt.Errorf("tun: ip addr add: %w (%s)", err, out)
	}
	cmd = exec.Command("ip", "link", "set", "dev", d.name, "mtu", fmt.Sprintf("%d", d.mtu))
	if out, err := cmd.CombinedOutput(); err != nil {
		d.setLastErr(err)
		return fmt.Errorf("tun: ip link set mtu: %w (%s)", err, out)
	}
	return nil
}

// SetUp brings the interface administratively up or down.
func (d *Device) SetUp(up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	cmd := exec.Command("ip", "link", "set", "dev", d.name, state)
	if out, err := cmd.CombinedOutput(); err != nil {
		d.setLastErr(err)
		return fmt.Errorf("tun: ip link set %s: %w (%s)", state, err, out)
	}
	return nil
}

// Read returns exactly one IP datagram into buf, per §4.2's contract
// that partial reads are not possible for a TUN device.
func (d *Device) Read(buf []byte) (int, error) {
	n, err := d.file.Read(buf)
	if err != nil {
		d.setLastErr(err)
	}
	return n, err
}

// Write submits one IP packet. Writing more than the configured MTU is
// rejected without a partial send.
func (d *Device) Write(buf []byte) (int, error) {
	if len(buf) > d.mtu {
		return 0, fmt.Errorf("tun: packet of %d bytes exceeds mtu %d", len(buf), d.mtu)
	}
	n, err := d.file.Write(buf)
	if err != nil {
		d.setLastErr(err)
	}
	return n, err
}

// SetNonBlocking toggles non-blocking mode on the underlying descriptor.
func (d *Device) SetNonBlocking(nb bool) error {
	if err := unix.SetNonblock(int(d.file.Fd()), nb); err != nil {
		return fmt.Errorf("tun: set non-blocking: %w", err)
	}
	d.nonBlocking.Store(nb)
	return nil
}

// MTU returns the device's configured MTU.
func (d *Device) MTU() int { return d.mtu }

// Name returns the OS-level device name actually assigned by the kernel.
func (d *Device) Name() string { return d.name }

// LastError returns the most recent I/O error observed by this device,
// or nil if none has occurred.
func (d *Device) LastError() error {
	v := d.lastErr.Load()
	if v == nil {
		return nil
	}
	return errors.New(v.(string))
}

func (d *Device) setLastErr(err error) {
	d.lastErr.Store(err.Error())
}

// maskToPrefixLen converts a dotted-quad netmask to a CIDR prefix length.
func maskToPrefixLen(netmask string) int {
	var b [4]byte
	parts := 0
	var octet int
	for _, c := range netmask {
		if c == '.' {
			b[parts] = byte(octet)
			parts++
			octet = 0
			continue
		}
		octet = octet*10 + int(c-'0')
	}
	if parts < 4 {
		b[parts] = byte(octet)
	}
	n := 0
	for _, oct := range b {
		for oct != 0 {
			n += int(oct & 1)
			oct >>= 1
		}
	}
	return n
}
