package transfer

import (
	"fmt"
	"strings"
)

// Chunk and field limits shared by both engines.
const (
	// DefaultChunkSize is the content chunk size used when none is configured.
	DefaultChunkSize = 4096
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
	// MaxChunkSize bounds chunk sizes so a framed datagram still fits in one packet.
	MaxChunkSize = MaxDatagramSize - 64
	// MaxFileNameLength matches common filesystem limits and fits in a uint16.
	MaxFileNameLength = 255
	// DefaultReplyMaxSize is the documented reply limit for the stream engine.
	DefaultReplyMaxSize = 64 * 1024
)

// State is a step in a sender or receiver state machine.
type State uint8

const (
	StateConnecting State = iota
	StateListening
	StateResolved
	StateSendingName
	StateReadingName
	StateAwaitingFirstPacket
	StateSendingContent
	StateReadingContent
	StateSendingEndMarker
	StateAwaitingReply
	StateSendingReply
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateConnecting:          "connecting",
	StateListening:           "listening",
	StateResolved:            "resolved",
	StateSendingName:         "sending_name",
	StateReadingName:         "reading_name",
	StateAwaitingFirstPacket: "awaiting_first_packet",
	StateSendingContent:      "sending_content",
	StateReadingContent:      "reading_content",
	StateSendingEndMarker:    "sending_end_marker",
	StateAwaitingReply:       "awaiting_reply",
	StateSendingReply:        "sending_reply",
	StateDone:                "done",
	StateFailed:              "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Direction tells whether the local side sends or receives the file.
type Direction uint8

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "receive"
}

// Transport identifies the engine a session runs on.
type Transport string

const (
	TransportStream   Transport = "tcp"
	TransportDatagram Transport = "udp"
)

// ParseTransport accepts "tcp"/"stream" and "udp"/"datagram".
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "stream":
		return TransportStream, nil
	case "udp", "datagram":
		return TransportDatagram, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Mode selects the wire format.
type Mode string

const (
	// ModeRaw is the unframed legacy wire format.
	ModeRaw Mode = "raw"
	// ModeFramed adds length prefixes, sequencing and checksums.
	ModeFramed Mode = "framed"
)

// ParseMode validates a configured wire mode. Empty means raw.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRaw:
		return ModeRaw, nil
	case ModeFramed:
		return ModeFramed, nil
	default:
		return "", fmt.Errorf("unknown wire mode %q", s)
	}
}

// ValidateChunkSize falls back to DefaultChunkSize for zero and rejects oversized chunks.
func ValidateChunkSize(size int) (int, error) {
	if size == 0 {
		return DefaultChunkSize, nil
	}
	if size < 0 || size > MaxChunkSize {
		return 0, fmt.Errorf("chunk size %d out of range (1..%d)", size, MaxChunkSize)
	}
	return size, nil
}
