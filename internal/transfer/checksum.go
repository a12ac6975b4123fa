package transfer

import (
	"bytes"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the length of a BLAKE2b-256 digest on the wire.
const ChecksumSize = blake2b.Size256

// Checksum accumulates a BLAKE2b-256 digest of everything written to it.
type Checksum struct {
	h hash.Hash
	n int64
}

// NewChecksum returns an empty digest.
func NewChecksum() *Checksum {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	return &Checksum{h: h}
}

func (c *Checksum) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return c.h.Write(p)
}

// Sum returns the digest of the bytes written so far.
func (c *Checksum) Sum() []byte {
	return c.h.Sum(nil)
}

// Hex returns Sum as lowercase hex.
func (c *Checksum) Hex() string {
	return hex.EncodeToString(c.Sum())
}

// Len is the number of bytes hashed.
func (c *Checksum) Len() int64 {
	return c.n
}

// Verify compares the running digest with a digest received from the peer.
func (c *Checksum) Verify(remote []byte) error {
	if !bytes.Equal(c.Sum(), remote) {
		return ErrChecksumMismatch
	}
	return nil
}

// SumBytes hashes a complete buffer.
func SumBytes(p []byte) []byte {
	sum := blake2b.Sum256(p)
	return sum[:]
}
