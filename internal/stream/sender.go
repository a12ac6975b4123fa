package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/DisktroDrop/internal/chunker"
	"github.com/jaywantadh/DisktroDrop/internal/compressor"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// Conn is a stream connection whose sending side can be shut down on its own.
// *net.TCPConn satisfies it.
type Conn interface {
	io.ReadWriter
	CloseWrite() error
	Close() error
}

var errNoReply = fmt.Errorf("%w: receiver closed without a reply", transfer.ErrConnection)

// DefaultNameSettle is how long a raw sender pauses between the file name and
// the first content chunk.
const DefaultNameSettle = 50 * time.Millisecond

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Sender uploads one file per connection and captures the reply artifact.
type Sender struct {
	Mode         transfer.Mode
	ChunkSize    int
	Compress     bool
	ReplyMaxSize int
	// Timeout bounds every single read or write. Zero disables it.
	Timeout time.Duration
	// NameSettle is the raw-mode pause after the name write so the receiver
	// reads the name on its own. Zero means DefaultNameSettle, negative disables it.
	NameSettle time.Duration
	Progress   *transfer.ProgressTracker
}

// Dial connects to a receiver.
func (s *Sender) Dial(ctx context.Context, addr string) (*net.TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transfer.Wrap(transfer.ErrConnection, "dial "+addr, err)
	}
	return conn.(*net.TCPConn), nil
}

// SendFile dials addr and uploads the file at path under its base name.
func (s *Sender) SendFile(ctx context.Context, addr, path string) (*transfer.Session, []byte, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, nil, transfer.Wrap(transfer.ErrIO, "open "+path, err)
	}
	defer src.Close()

	conn, err := s.Dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	return s.Send(ctx, conn, filepath.Base(path), src)
}

// Send runs one upload over conn: name, content, end of data, then the reply.
// The returned session is always non-nil once the configuration is valid and
// ends in Done or Failed.
func (s *Sender) Send(ctx context.Context, conn Conn, name string, src io.Reader) (*transfer.Session, []byte, error) {
	mode, err := transfer.ParseMode(string(s.Mode))
	if err != nil {
		return nil, nil, err
	}
	chunkSize, err := transfer.ValidateChunkSize(s.ChunkSize)
	if err != nil {
		return nil, nil, err
	}

	sess := transfer.NewSession(transfer.DirectionSend, transfer.TransportStream, mode, transfer.StateConnecting, remoteAddr(conn))
	sess.SetFileName(name)
	s.Progress.StartTracking(sess)
	defer s.Progress.RemoveTransfer(sess.ID)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reply, err := s.run(ctx, sess, conn, name, src, mode, chunkSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%w)", err, ctxErr)
		}
		sess.Fail(err)
		return sess, nil, err
	}
	sess.Complete()
	return sess, reply, nil
}

func (s *Sender) run(ctx context.Context, sess *transfer.Session, conn Conn, name string, src io.Reader, mode transfer.Mode, chunkSize int) ([]byte, error) {
	if _, err := transfer.ValidateName(name); err != nil {
		return nil, err
	}
	compress := mode == transfer.ModeFramed && s.Compress && !compressor.ShouldSkipCompression(name)

	if err := sess.Advance(transfer.StateSendingName); err != nil {
		return nil, err
	}
	if err := s.sendName(conn, name, mode, compress); err != nil {
		return nil, err
	}
	if mode == transfer.ModeRaw {
		if err := s.settle(ctx); err != nil {
			return nil, err
		}
	}

	if err := sess.Advance(transfer.StateSendingContent); err != nil {
		return nil, err
	}
	sum, err := s.sendContent(sess, conn, src, mode, chunkSize, compress)
	if err != nil {
		return nil, err
	}

	// End of content: framed mode carries its own marker, both modes half-close.
	if mode == transfer.ModeFramed {
		trailer := append(encodeFrame(nil), sum.Sum()...)
		if err := s.write(conn, trailer); err != nil {
			return nil, transfer.Classify(transfer.ErrConnection, "write end marker", err)
		}
	}
	if err := conn.CloseWrite(); err != nil {
		return nil, transfer.Wrap(transfer.ErrConnection, "half-close", err)
	}

	if err := sess.Advance(transfer.StateAwaitingReply); err != nil {
		return nil, err
	}
	return s.readReply(conn, mode)
}

func (s *Sender) sendName(conn Conn, name string, mode transfer.Mode, compress bool) error {
	payload := []byte(name)
	if mode == transfer.ModeFramed {
		var flags byte
		if compress {
			flags |= FlagCompressed
		}
		header, err := encodeHeader(name, flags)
		if err != nil {
			return err
		}
		payload = header
	}
	// Raw mode relies on this being a single write.
	if err := s.write(conn, payload); err != nil {
		return transfer.Classify(transfer.ErrConnection, "write file name", err)
	}
	return nil
}

// settle keeps the raw name and the first chunk out of the same receiver read.
func (s *Sender) settle(ctx context.Context) error {
	d := s.NameSettle
	if d == 0 {
		d = DefaultNameSettle
	}
	if d < 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return transfer.Wrap(transfer.ErrConnection, "write file name", ctx.Err())
	}
}

func (s *Sender) sendContent(sess *transfer.Session, conn Conn, src io.Reader, mode transfer.Mode, chunkSize int, compress bool) (*transfer.Checksum, error) {
	sum := transfer.NewChecksum()
	chunks := chunker.New(src, chunkSize)

	for {
		chunk, err := chunks.Next()
		if err == io.EOF {
			return sum, nil
		}
		if err != nil {
			return nil, transfer.Wrap(transfer.ErrIO, "read source", err)
		}
		sum.Write(chunk)

		out := chunk
		if mode == transfer.ModeFramed {
			payload := chunk
			if compress {
				if payload, err = compressor.CompressChunk(chunk); err != nil {
					return nil, transfer.Wrap(transfer.ErrIO, "compress chunk", err)
				}
			}
			out = encodeFrame(payload)
		}
		if err := s.write(conn, out); err != nil {
			return nil, transfer.Classify(transfer.ErrConnection, fmt.Sprintf("write chunk %d", chunks.Index()), err)
		}

		sess.AddChunk(len(chunk))
		s.Progress.Update(sess)
	}
}

func (s *Sender) readReply(conn Conn, mode transfer.Mode) ([]byte, error) {
	max := s.ReplyMaxSize
	if max <= 0 {
		max = transfer.DefaultReplyMaxSize
	}
	s.arm(conn)

	if mode == transfer.ModeFramed {
		reply, err := readReply(conn, max)
		if err != nil {
			return nil, transfer.Classify(transfer.ErrConnection, "read reply", err)
		}
		return reply, nil
	}

	// Raw replies are unframed: read until the receiver closes.
	reply, err := io.ReadAll(io.LimitReader(conn, int64(max)+1))
	if err != nil {
		return nil, transfer.Classify(transfer.ErrConnection, "read reply", err)
	}
	if len(reply) > max {
		return nil, fmt.Errorf("%w: reply exceeds %d bytes", transfer.ErrTruncatedReply, max)
	}
	// An empty reply is indistinguishable from a receiver that gave up.
	if len(reply) == 0 {
		return nil, errNoReply
	}

	logrus.WithFields(logrus.Fields{
		"function": "readReply",
		"bytes":    len(reply),
	}).Debug("Reply received")
	return reply, nil
}

func (s *Sender) write(conn Conn, p []byte) error {
	s.arm(conn)
	_, err := conn.Write(p)
	return err
}

func (s *Sender) arm(conn Conn) {
	if s.Timeout <= 0 {
		return
	}
	if d, ok := conn.(deadliner); ok {
		_ = d.SetDeadline(time.Now().Add(s.Timeout))
	}
}

func remoteAddr(conn any) string {
	if c, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && c.RemoteAddr() != nil {
		return c.RemoteAddr().String()
	}
	return ""
}
