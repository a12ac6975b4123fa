// Package stream implements the file transfer engine over a reliable,
// ordered, connection-oriented transport (TCP).
//
// Two wire modes are supported. In raw mode the file name is one unframed
// write, content follows as raw bytes and the sender's half-close marks the
// end; the receiver answers with the reply artifact and closes. In framed
// mode every field is length-delimited:
//
//	header:  name_len u16 | name | flags u8
//	content: (len u32 | payload)*  terminated by a zero-length frame
//	trailer: BLAKE2b-256 of the uncompressed content
//	reply:   len u32 | reply | BLAKE2b-256 of the reply
//
// All integers are big-endian.
package stream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// Header flags.
const (
	FlagCompressed byte = 1 << 0
)

// maxFramePayload leaves room for LZ4 frame overhead on incompressible chunks.
const maxFramePayload = transfer.MaxChunkSize + transfer.MaxChunkSize/16 + 1024

// encodeHeader builds the framed-mode header.
func encodeHeader(name string, flags byte) ([]byte, error) {
	if len(name) == 0 || len(name) > transfer.MaxFileNameLength {
		return nil, fmt.Errorf("invalid name length %d", len(name))
	}
	buf := make([]byte, 2+len(name)+1)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(name)))
	copy(buf[2:], name)
	buf[len(buf)-1] = flags
	return buf, nil
}

// readHeader reads the framed-mode header. The name is only returned once all
// of its declared bytes have arrived.
func readHeader(r io.Reader) (string, byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", 0, err
	}
	nameLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	if nameLen == 0 {
		return "", 0, transfer.ErrEmptyFileName
	}
	if nameLen > transfer.MaxFileNameLength {
		return "", 0, transfer.ErrFileNameTooLong
	}

	rest := make([]byte, nameLen+1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return "", 0, noEOF(err)
	}
	return string(rest[:nameLen]), rest[nameLen], nil
}

// encodeFrame prefixes payload with its length. An empty payload encodes the end marker.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// readFrame reads one length-prefixed frame. A zero-length frame returns an empty, non-nil slice.
func readFrame(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, noEOF(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", transfer.ErrProtocolAmbiguity, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, noEOF(err)
	}
	return payload, nil
}

// encodeReply frames the reply artifact together with its checksum.
func encodeReply(reply []byte) []byte {
	buf := make([]byte, 0, 4+len(reply)+transfer.ChecksumSize)
	buf = append(buf, encodeFrame(reply)...)
	return append(buf, transfer.SumBytes(reply)...)
}

// readReply reads and verifies a framed reply no larger than max.
func readReply(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, noEOF(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: reply of %d bytes exceeds %d", transfer.ErrTruncatedReply, n, max)
	}
	body := make([]byte, int(n)+transfer.ChecksumSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, noEOF(err)
	}
	reply, sum := body[:n], body[n:]
	sumCheck := transfer.NewChecksum()
	sumCheck.Write(reply)
	if err := sumCheck.Verify(sum); err != nil {
		return nil, err
	}
	return reply, nil
}

// noEOF turns a clean EOF in the middle of a field into ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
