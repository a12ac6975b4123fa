// Package datagram implements the file transfer engine over UDP.
//
// In raw mode the wire format carries no framing of its own: the first
// datagram from a source is the file name, every following non-empty datagram
// is appended in arrival order, a zero-length datagram ends the upload and the
// receiver answers with the reply artifact in a single datagram. Loss,
// duplication and reordering go undetected.
//
// Framed mode tags every datagram with a type, a session token and a sequence
// number so the receiver can demultiplex senders, drop duplicates and detect
// gaps. The sender is stop-and-wait and retransmits until acknowledged. A
// receiver that gives up on a session answers with REJECT instead of staying
// silent.
package datagram

import (
	"encoding/binary"
	"fmt"

	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// PacketType identifies a framed-mode datagram.
type PacketType byte

const (
	// PacketBegin opens a session; the payload is the file name.
	PacketBegin PacketType = iota + 1
	// PacketData carries one content chunk, seq starting at 1.
	PacketData
	// PacketEnd closes the content; the payload is its checksum.
	PacketEnd
	// PacketAck acknowledges BEGIN or DATA with the same seq.
	PacketAck
	// PacketReply carries one fragment of the reply artifact, seq starting at 1.
	PacketReply
	// PacketReplyEnd closes the reply; seq is the fragment count and the payload its checksum.
	PacketReplyEnd
	// PacketReject ends a session the receiver failed; the payload is one reason byte.
	PacketReject
)

// Reject reasons.
const (
	RejectChecksum byte = iota + 1
	RejectOther
)

var packetTypeNames = map[PacketType]string{
	PacketBegin:    "BEGIN",
	PacketData:     "DATA",
	PacketEnd:      "END",
	PacketAck:      "ACK",
	PacketReply:    "REPLY",
	PacketReplyEnd: "REPLY_END",
	PacketReject:   "REJECT",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", byte(t))
}

// HeaderSize is the fixed framed-mode header: type u8 | session u32 | seq u32.
const HeaderSize = 9

// Packet is one framed-mode datagram.
type Packet struct {
	Type    PacketType
	Session uint32
	Seq     uint32
	Payload []byte
}

// Marshal encodes the packet for transmission. All integers are big-endian.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[1:5], p.Session)
	binary.BigEndian.PutUint32(buf[5:9], p.Seq)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// ParsePacket decodes a framed-mode datagram. Short datagrams and unknown
// types are reported as ErrProtocolAmbiguity.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: datagram of %d bytes is shorter than the header", transfer.ErrProtocolAmbiguity, len(data))
	}
	t := PacketType(data[0])
	if _, ok := packetTypeNames[t]; !ok {
		return nil, fmt.Errorf("%w: unknown packet type %d", transfer.ErrProtocolAmbiguity, data[0])
	}

	p := &Packet{
		Type:    t,
		Session: binary.BigEndian.Uint32(data[1:5]),
		Seq:     binary.BigEndian.Uint32(data[5:9]),
		Payload: make([]byte, len(data)-HeaderSize),
	}
	copy(p.Payload, data[HeaderSize:])
	return p, nil
}
