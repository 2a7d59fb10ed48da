package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// STUN protocol constants (RFC 5389), trimmed to the binding request/
// response fields natDetector actually reads.
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunMagicCookie     = 0x2112A442

	stunAttrMappedAddress    = 0x0001
	stunAttrChangeRequest    = 0x0003
	stunAttrChangedAddress   = 0x0005
	stunAttrXorMappedAddress = 0x0020
	stunAttrOtherAddress     = 0x802c

	stunHeaderSize = 20
	stunTimeout    = 3 * time.Second
)

var (
	errSTUNTimeout         = errors.New("transport: stun request timeout")
	errSTUNInvalidResponse = errors.New("transport: invalid stun response")
	errSTUNNoMappedAddress = errors.New("transport: no mapped address in stun response")
)

// stunClient speaks just enough of RFC 5389/3489 to classify the local
// NAT: send a binding request, optionally asking the server to reply
// from a different IP/port, and see which variants get through.
type stunClient struct {
	serverAddr string
	timeout    time.Duration
}

func newSTUNClient(serverAddr string, timeout time.Duration) *stunClient {
	if timeout == 0 {
		timeout = stunTimeout
	}
	return &stunClient{serverAddr: serverAddr, timeout: timeout}
}

type stunResult struct {
	MappedAddr  *net.UDPAddr
	ChangedAddr *net.UDPAddr
	OtherAddr   *net.UDPAddr
}

func (c *stunClient) query(localAddr *net.UDPAddr, changeIP, changePort bool) (*stunResult, error) {
	serverUDPAddr, err := net.ResolveUDPAddr("udp4", c.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve stun server: %w", err)
	}

	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, fmt.Errorf("bind stun socket: %w", err)
	}
	defer conn.Close()

	transactionID := make([]byte, 12)
	if _, err := rand.Read(transactionID); err != nil {
		return nil, fmt.Errorf("generate stun transaction id: %w", err)
	}

	request := buildBindingRequest(transactionID, changeIP, changePort)
	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.WriteToUDP(request, serverUDPAddr); err != nil {
		return nil, fmt.Errorf("send stun request: %w", err)
	}

	buffer := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errSTUNTimeout
		}
		return nil, fmt.Errorf("read stun response: %w", err)
	}

	return parseBindingResponse(buffer[:n], transactionID)
}

func buildBindingRequest(transactionID []byte, changeIP, changePort bool) []byte {
	message := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(message[0:2], stunBindingRequest)
	binary.BigEndian.PutUint32(message[4:8], stunMagicCookie)
	copy(message[8:20], transactionID)

	messageLength := 0
	if changeIP || changePort {
		attr := make([]byte, 8)
		binary.BigEndian.PutUint16(attr[0:2], stunAttrChangeRequest)
		binary.BigEndian.PutUint16(attr[2:4], 4)
		var flags uint32
		if changeIP {
			flags |= 0x04
		}
		if changePort {
			flags |= 0x02
		}
		binary.BigEndian.PutUint32(attr[4:8], flags)
		message = append(message, attr...)
		messageLength += 8
	}

	binary.BigEndian.PutUint16(message[2:4], uint16(messageLength))
	return message
}

func parseBindingResponse(data []byte, expectedTransactionID []byte) (*stunResult, error) {
	if len(data) < stunHeaderSize {
		return nil, errSTUNInvalidResponse
	}
	if binary.BigEndian.Uint16(data[0:2]) != stunBindingResponse {
		return nil, errSTUNInvalidResponse
	}
	if binary.BigEndian.Uint32(data[4:8]) != stunMagicCookie {
		return nil, errSTUNInvalidResponse
	}
	transactionID := data[8:20]
	for i := 0; i < 12; i++ {
		if transactionID[i] != expectedTransactionID[i] {
			return nil, errSTUNInvalidResponse
		}
	}

	messageLength := binary.BigEndian.Uint16(data[2:4])
	result := &stunResult{}

	offset := stunHeaderSize
	for offset < stunHeaderSize+int(messageLength) {
		if offset+4 > len(data) {
			break
		}
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += 4
		if offset+int(attrLength) > len(data) {
			break
		}
		attrValue := data[offset : offset+int(attrLength)]

		switch attrType {
		case stunAttrMappedAddress:
			result.MappedAddr = parseAddress(attrValue)
		case stunAttrXorMappedAddress:
			result.MappedAddr = parseXorAddress(attrValue)
		case stunAttrChangedAddress:
			result.ChangedAddr = parseAddress(attrValue)
		case stunAttrOtherAddress:
			result.OtherAddr = parseAddress(attrValue)
		}

		offset += int(attrLength)
		if attrLength%4 != 0 {
			offset += 4 - int(attrLength)%4
		}
	}

	if result.MappedAddr == nil {
		return nil, errSTUNNoMappedAddress
	}
	return result, nil
}

func parseAddress(data []byte) *net.UDPAddr {
	if len(data) < 8 || data[1] != 0x01 {
		return nil
	}
	port := binary.BigEndian.Uint16(data[2:4])
	ip := net.IPv4(data[4], data[5], data[6], data[7])
	return &net.UDPAddr{IP: ip, Port: int(port)}
}

func parseXorAddress(data []byte) *net.UDPAddr {
	if len(data) < 8 || data[1] != 0x01 {
		return nil
	}
	port := binary.BigEndian.Uint16(data[2:4]) ^ uint16(stunMagicCookie>>16)
	ipVal := binary.BigEndian.Uint32(data[4:8]) ^ uint32(stunMagicCookie)
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, ipVal)
	return &net.UDPAddr{IP: ip, Port: int(port)}
}

// detectClass runs the RFC 3489 NAT behavior discovery sequence: query
// the server plainly, then ask it to answer from a different IP and/or
// port, and see which variants make it back through the local NAT.
func (c *stunClient) detectClass(localAddr *net.UDPAddr) (natClass, error) {
	result1, err := c.query(localAddr, false, false)
	if err != nil {
		return natUnknown, fmt.Errorf("stun test 1: %w", err)
	}

	if localAddrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range localAddrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(result1.MappedAddr.IP) {
				return natOpen, nil
			}
		}
	}

	if result2, err := c.query(localAddr, true, true); err == nil && result2 != nil {
		return natFullCone, nil
	}

	if result3, err := c.query(localAddr, false, true); err == nil && result3 != nil {
		return natRestrictedCone, nil
	}

	alternate := result1.ChangedAddr
	if alternate == nil {
		alternate = result1.OtherAddr
	}
	if alternate != nil {
		altClient := newSTUNClient(alternate.String(), c.timeout)
		if result4, err := altClient.query(localAddr, false, false); err == nil && result4 != nil {
			if result1.MappedAddr.Port != result4.MappedAddr.Port {
				return natSymmetric, nil
			}
		}
	}

	return natPortRestrictedCone, nil
}
