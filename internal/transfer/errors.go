package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Failure kinds. Engines wrap the triggering error with one of these so callers
// can classify failures with errors.Is.
var (
	// ErrConnection is a transport failure during connect, accept, read or write.
	ErrConnection = errors.New("connection error")
	// ErrIO is a local source or sink failure.
	ErrIO = errors.New("local i/o error")
	// ErrTruncatedTransfer means content ended without a consistent end marker.
	ErrTruncatedTransfer = errors.New("truncated transfer")
	// ErrProtocolAmbiguity marks a unit that cannot be classified in the current state.
	ErrProtocolAmbiguity = errors.New("protocol ambiguity")
	// ErrTruncatedReply means the reply did not fit within the documented maximum.
	ErrTruncatedReply = errors.New("truncated reply")
	// ErrReplyTooLarge means the reply artifact exceeds what the transport can carry.
	ErrReplyTooLarge = errors.New("reply artifact too large")
	// ErrChecksumMismatch means received content does not match the sender's digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSessionTimeout means no data arrived for longer than the session timeout.
	ErrSessionTimeout = errors.New("session timed out")
	// ErrSessionClosed is returned for transitions attempted after a terminal state.
	ErrSessionClosed = errors.New("session already finished")
)

// File name validation errors.
var (
	ErrEmptyFileName      = errors.New("file name is empty")
	ErrFileNameTooLong    = errors.New("file name too long")
	ErrDirectoryTraversal = errors.New("file name escapes destination directory")
)

// Wrap tags err with a failure kind and the operation that hit it.
// A nil err yields a bare kind error.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", kind, op)
	}
	if errors.Is(err, kind) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}

var kinds = []error{
	ErrConnection, ErrIO, ErrTruncatedTransfer, ErrProtocolAmbiguity, ErrTruncatedReply,
	ErrReplyTooLarge, ErrChecksumMismatch, ErrSessionTimeout, ErrSessionClosed,
	ErrEmptyFileName, ErrFileNameTooLong, ErrDirectoryTraversal,
}

// Classify tags err with a failure kind. Errors that already carry a kind keep
// it, deadline expiries become ErrSessionTimeout, an EOF in the middle of a
// field becomes ErrTruncatedTransfer, and everything else gets fallback.
func Classify(fallback error, op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(ErrSessionTimeout, op, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return Wrap(ErrTruncatedTransfer, op, err)
	}
	return Wrap(fallback, op, err)
}
