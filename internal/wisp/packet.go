package wisp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the first byte of a packet.
type PacketType uint8

const (
	TypeConnect  PacketType = 0x01
	TypeData     PacketType = 0x02
	TypeContinue PacketType = 0x03
	TypeClose    PacketType = 0x04
)

func (t PacketType) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeData:
		return "DATA"
	case TypeContinue:
		return "CONTINUE"
	case TypeClose:
		return "CLOSE"
	}
	return fmt.Sprintf("PacketType(%#x)", uint8(t))
}

// StreamType selects the transport of a new stream.
type StreamType uint8

const (
	StreamTCP StreamType = 0x01
	StreamUDP StreamType = 0x02
)

// Reason is the payload of a CLOSE packet.
type Reason uint8

const (
	ReasonUnknown     Reason = 0x01
	ReasonVoluntary   Reason = 0x02
	ReasonNetwork     Reason = 0x03
	ReasonInvalid     Reason = 0x41
	ReasonUnreachable Reason = 0x42
	ReasonTimeout     Reason = 0x43
	ReasonRefused     Reason = 0x44
	ReasonBlocked     Reason = 0x47
	ReasonThrottled   Reason = 0x48
)

func (r Reason) String() string {
	switch r {
	case ReasonUnknown:
		return "unknown"
	case ReasonVoluntary:
		return "voluntary"
	case ReasonNetwork:
		return "network_error"
	case ReasonInvalid:
		return "invalid"
	case ReasonUnreachable:
		return "unreachable"
	case ReasonTimeout:
		return "timeout"
	case ReasonRefused:
		return "refused"
	case ReasonBlocked:
		return "blocked"
	case ReasonThrottled:
		return "throttled"
	}
	return fmt.Sprintf("reason_%#x", uint8(r))
}

const headerLen = 5

var (
	ErrShortPacket  = errors.New("wisp: packet shorter than header")
	ErrShortPayload = errors.New("wisp: payload too short for packet type")
)

// Packet is one decoded wisp frame.
type Packet struct {
	Type     PacketType
	StreamID uint32
	Payload  []byte
}

// ConnectPayload is the body of a CONNECT packet.
type ConnectPayload struct {
	StreamType StreamType
	Port       uint16
	Hostname   string
}

// Encode renders the packet into a new buffer.
func (p Packet) Encode() []byte {
	buf := make([]byte, headerLen+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.LittleEndian.PutUint32(buf[1:5], p.StreamID)
	copy(buf[headerLen:], p.Payload)
	return buf
}

// DecodePacket parses a frame. The payload aliases b.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < headerLen {
		return Packet{}, ErrShortPacket
	}
	return Packet{
		Type:     PacketType(b[0]),
		StreamID: binary.LittleEndian.Uint32(b[1:5]),
		Payload:  b[headerLen:],
	}, nil
}

// ConnectPacket builds a CONNECT packet.
func ConnectPacket(id uint32, c ConnectPayload) Packet {
	payload := make([]byte, 3+len(c.Hostname))
	payload[0] = byte(c.StreamType)
	binary.LittleEndian.PutUint16(payload[1:3], c.Port)
	copy(payload[3:], c.Hostname)
	return Packet{Type: TypeConnect, StreamID: id, Payload: payload}
}

// DataPacket builds a DATA packet.
func DataPacket(id uint32, data []byte) Packet {
	return Packet{Type: TypeData, StreamID: id, Payload: data}
}

// ContinuePacket builds a CONTINUE packet granting remaining buffer slots.
func ContinuePacket(id uint32, remaining uint32) Packet {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, remaining)
	return Packet{Type: TypeContinue, StreamID: id, Payload: payload}
}

// ClosePacket builds a CLOSE packet.
func ClosePacket(id uint32, reason Reason) Packet {
	return Packet{Type: TypeClose, StreamID: id, Payload: []byte{byte(reason)}}
}

// Connect decodes a CONNECT payload.
func (p Packet) Connect() (ConnectPayload, error) {
	if len(p.Payload) < 3 {
		return ConnectPayload{}, ErrShortPayload
	}
	return ConnectPayload{
		StreamType: StreamType(p.Payload[0]),
		Port:       binary.LittleEndian.Uint16(p.Payload[1:3]),
		Hostname:   string(p.Payload[3:]),
	}, nil
}

// Continue decodes a CONTINUE payload.
func (p Packet) Continue() (uint32, error) {
	if len(p.Payload) < 4 {
		return 0, ErrShortPayload
	}
	return binary.LittleEndian.Uint32(p.Payload[:4]), nil
}

// Close decodes a CLOSE payload.
func (p Packet) Close() (Reason, error) {
	if len(p.Payload) < 1 {
		return 0, ErrShortPayload
	}
	return Reason(p.Payload[0]), nil
}
