// Package proto defines the on-wire framing shared by every peer message:
// a one-byte type tag, a network-order length, and a type-specific
// payload. Encoders/decoders here are pure functions with no I/O.
package proto

import (
	"encoding/binary"
	"errors"

	"github.com/openbmx/lobbymesh/pkg/nodeid"
)

// Type identifies the payload that follows the frame header.
type Type uint8

const (
	TypeIPPacket        Type = 1
	TypeRouteUpdate     Type = 3
	TypeProbeRequest    Type = 10
	TypeProbeResponse   Type = 11
	TypeAddressAnnounce Type = 12
	TypeForcedRelease   Type = 13
	TypeHeartbeat       Type = 14
)

// HeaderLen is the size in bytes of the frame header (type + length).
const HeaderLen = 3

var (
	ErrShortFrame     = errors.New("proto: frame shorter than header")
	ErrLengthMismatch = errors.New("proto: declared length exceeds buffer")
	ErrShortPayload   = errors.New("proto: payload too short for message type")
	ErrBadRouteTuple  = errors.New("proto: route update length not a multiple of 12")
)

// Frame wraps a decoded message type with its raw payload.
type Frame struct {
	Type    Type
	Payload []byte
}

// Encode frames payload with the type tag and network-order length.
func Encode(t Type, payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	out[0] = byte(t)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[3:], payload)
	return out
}

// Decode splits a wire buffer into its frame header and payload, validating
// that the declared length does not exceed the available bytes.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderLen {
		return Frame{}, ErrShortFrame
	}
	length := binary.BigEndian.Uint16(buf[1:3])
	if len(buf) < HeaderLen+int(length) {
		return Frame{}, ErrLengthMismatch
	}
	return Frame{Type: Type(buf[0]), Payload: buf[3 : 3+int(length)]}, nil
}

// IPPacket is the payload of an IP_PACKET frame: the sender's node ID
// followed by the raw IP datagram.
type IPPacket struct {
	Sender nodeid.NodeID
	Data   []byte
}

func EncodeIPPacket(sender nodeid.NodeID, data []byte) []byte {
	payload := make([]byte, nodeid.Size+len(data))
	copy(payload, sender[:])
	copy(payload[nodeid.Size:], data)
	return Encode(TypeIPPacket, payload)
}

func DecodeIPPacket(payload []byte) (IPPacket, error) {
	if len(payload) < nodeid.Size {
		return IPPacket{}, ErrShortPayload
	}
	var pkt IPPacket
	copy(pkt.Sender[:], payload[:nodeid.Size])
	pkt.Data = payload[nodeid.Size:]
	return pkt, nil
}

// RouteTuple is one entry of a ROUTE_UPDATE payload.
type RouteTuple struct {
	Peer uint64
	IP   uint32
}

const routeTupleLen = 12

func EncodeRouteUpdate(tuples []RouteTuple) []byte {
	payload := make([]byte, len(tuples)*routeTupleLen)
	for i, t := range tuples {
		off := i * routeTupleLen
		binary.LittleEndian.PutUint64(payload[off:off+8], t.Peer)
		wire := [4]byte{}
		binary.BigEndian.PutUint32(wire[:], t.IP)
		copy(payload[off+8:off+12], wire[:])
	}
	return Encode(TypeRouteUpdate, payload)
}

func DecodeRouteUpdate(payload []byte) ([]RouteTuple, error) {
	if len(payload)%routeTupleLen != 0 {
		return nil, ErrBadRouteTuple
	}
	n := len(payload) / routeTupleLen
	out := make([]RouteTuple, n)
	for i := 0; i < n; i++ {
		off := i * routeTupleLen
		out[i] = RouteTuple{
			Peer: binary.LittleEndian.Uint64(payload[off : off+8]),
			IP:   binary.BigEndian.Uint32(payload[off+8 : off+12]),
		}
	}
	return out, nil
}

// ProbeRequest is the payload of a PROBE_REQUEST frame.
type ProbeRequest struct {
	IP     uint32
	Sender nodeid.NodeID
}

func EncodeProbeRequest(m ProbeRequest) []byte {
	payload := make([]byte, 4+nodeid.Size)
	wire := [4]byte{}
	binary.BigEndian.PutUint32(wire[:], m.IP)
	copy(payload[:4], wire[:])
	copy(payload[4:], m.Sender[:])
	return Encode(TypeProbeRequest, payload)
}

func DecodeProbeRequest(payload []byte) (ProbeRequest, error) {
	if len(payload) < 4+nodeid.Size {
		return ProbeRequest{}, ErrShortPayload
	}
	var m ProbeRequest
	m.IP = binary.BigEndian.Uint32(payload[:4])
	copy(m.Sender[:], payload[4:4+nodeid.Size])
	return m, nil
}

// ProbeResponse is the payload of a PROBE_RESPONSE frame. The heartbeat
// timestamp is carried host-endian per the wire table in the spec.
type ProbeResponse struct {
	IP            uint32
	Sender        nodeid.NodeID
	LastHeartbeat int64
}

func EncodeProbeResponse(m ProbeResponse) []byte {
	payload := make([]byte, 4+nodeid.Size+8)
	wire := [4]byte{}
	binary.BigEndian.PutUint32(wire[:], m.IP)
	copy(payload[:4], wire[:])
	copy(payload[4:4+nodeid.Size], m.Sender[:])
	binary.NativeEndian.PutUint64(payload[4+nodeid.Size:], uint64(m.LastHeartbeat))
	return Encode(TypeProbeResponse, payload)
}

func DecodeProbeResponse(payload []byte) (ProbeResponse, error) {
	if len(payload) < 4+nodeid.Size+8 {
		return ProbeResponse{}, ErrShortPayload
	}
	var m ProbeResponse
	m.IP = binary.BigEndian.Uint32(payload[:4])
	copy(m.Sender[:], payload[4:4+nodeid.Size])
	m.LastHeartbeat = int64(binary.NativeEndian.Uint64(payload[4+nodeid.Size:]))
	return m, nil
}

// AddressAnnounce is the payload of an ADDRESS_ANNOUNCE frame.
type AddressAnnounce struct {
	IP     uint32
	Sender nodeid.NodeID
}

func EncodeAddressAnnounce(m AddressAnnounce) []byte {
	payload := make([]byte, 4+nodeid.Size)
	wire := [4]byte{}
	binary.BigEndian.PutUint32(wire[:], m.IP)
	copy(payload[:4], wire[:])
	copy(payload[4:], m.Sender[:])
	return Encode(TypeAddressAnnounce, payload)
}

func DecodeAddressAnnounce(payload []byte) (AddressAnnounce, error) {
	if len(payload) < 4+nodeid.Size {
		return AddressAnnounce{}, ErrShortPayload
	}
	var m AddressAnnounce
	m.IP = binary.BigEndian.Uint32(payload[:4])
	copy(m.Sender[:], payload[4:4+nodeid.Size])
	return m, nil
}

// ForcedRelease is the payload of a FORCED_RELEASE frame.
type ForcedRelease struct {
	IP     uint32
	Winner nodeid.NodeID
}

func EncodeForcedRelease(m ForcedRelease) []byte {
	payload := make([]byte, 4+nodeid.Size)
	wire := [4]byte{}
	binary.BigEndian.PutUint32(wire[:], m.IP)
	copy(payload[:4], wire[:])
	copy(payload[4:], m.Winner[:])
	return Encode(TypeForcedRelease, payload)
}

func DecodeForcedRelease(payload []byte) (ForcedRelease, error) {
	if len(payload) < 4+nodeid.Size {
		return ForcedRelease{}, ErrShortPayload
	}
	var m ForcedRelease
	m.IP = binary.BigEndian.Uint32(payload[:4])
	copy(m.Winner[:], payload[4:4+nodeid.Size])
	return m, nil
}

// Heartbeat is the payload of a HEARTBEAT frame.
type Heartbeat struct {
	IP        uint32
	Sender    nodeid.NodeID
	Timestamp int64
}

func EncodeHeartbeat(m Heartbeat) []byte {
	payload := make([]byte, 4+nodeid.Size+8)
	wire := [4]byte{}
	binary.BigEndian.PutUint32(wire[:], m.IP)
	copy(payload[:4], wire[:])
	copy(payload[4:4+nodeid.Size], m.Sender[:])
	binary.NativeEndian.PutUint64(payload[4+nodeid.Size:], uint64(m.Timestamp))
	return Encode(TypeHeartbeat, payload)
}

func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	if len(payload) < 4+nodeid.Size+8 {
		return Heartbeat{}, ErrShortPayload
	}
	var m Heartbeat
	m.IP = binary.BigEndian.Uint32(payload[:4])
	copy(m.Sender[:], payload[4:4+nodeid.Size])
	m.Timestamp = int64(binary.NativeEndian.Uint64(payload[4+nodeid.Size:]))
	return m, nil
}
