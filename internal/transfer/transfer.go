package transfer

import (
	"fmt"
	"io"
	"os"
)

// ReplySource supplies the fixed reply artifact. It is read once per session.
type ReplySource interface {
	Reply() ([]byte, error)
}

// StaticReply is an in-memory reply artifact.
type StaticReply []byte

// Reply returns a copy of the artifact.
func (r StaticReply) Reply() ([]byte, error) {
	out := make([]byte, len(r))
	copy(out, r)
	return out, nil
}

// FileReply reads the reply artifact from disk on every call.
type FileReply struct {
	Path    string
	MaxSize int
}

// Reply reads the artifact. Artifacts larger than MaxSize are rejected rather
// than truncated.
func (r FileReply) Reply() ([]byte, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, Wrap(ErrIO, "open reply artifact", err)
	}
	defer f.Close()

	limit := r.MaxSize
	if limit <= 0 {
		limit = DefaultReplyMaxSize
	}

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, Wrap(ErrIO, "read reply artifact", err)
	}
	if len(data) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrReplyTooLarge, r.Path, limit)
	}
	return data, nil
}
