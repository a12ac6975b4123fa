package datagram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/DisktroDrop/internal/chunker"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// Engine defaults applied when the corresponding field is zero.
const (
	DefaultRetransmitTimeout = 200 * time.Millisecond
	DefaultMaxRetries        = 10
	DefaultSessionTimeout    = 30 * time.Second
)

// readBufferSize holds any UDP payload plus one byte.
const readBufferSize = 64 * 1024

// Sender uploads one file per call and captures the reply artifact.
type Sender struct {
	Mode         transfer.Mode
	ChunkSize    int
	ReplyMaxSize int
	// RetransmitTimeout and MaxRetries drive framed-mode retransmission.
	RetransmitTimeout time.Duration
	MaxRetries        int
	// Timeout bounds the wait for a raw-mode reply.
	Timeout  time.Duration
	Progress *transfer.ProgressTracker
}

// SendFile resolves addr, opens an ephemeral local socket and uploads the
// file at path under its base name.
func (s *Sender) SendFile(ctx context.Context, addr, path string) (*transfer.Session, []byte, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, nil, transfer.Wrap(transfer.ErrIO, "open "+path, err)
	}
	defer src.Close()

	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, transfer.Wrap(transfer.ErrConnection, "resolve "+addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, transfer.Wrap(transfer.ErrConnection, "open socket", err)
	}
	defer conn.Close()

	return s.Send(ctx, conn, remote, filepath.Base(path), src)
}

// Send uploads src to remote over conn. The returned session is always
// non-nil once the configuration is valid and ends in Done or Failed.
func (s *Sender) Send(ctx context.Context, conn net.PacketConn, remote net.Addr, name string, src io.Reader) (*transfer.Session, []byte, error) {
	mode, err := transfer.ParseMode(string(s.Mode))
	if err != nil {
		return nil, nil, err
	}
	chunkSize, err := transfer.ValidateChunkSize(s.ChunkSize)
	if err != nil {
		return nil, nil, err
	}

	sess := transfer.NewSession(transfer.DirectionSend, transfer.TransportDatagram, mode, transfer.StateResolved, remote.String())
	sess.SetFileName(name)
	s.Progress.StartTracking(sess)
	defer s.Progress.RemoveTransfer(sess.ID)

	// Wake any pending read so cancellation is noticed promptly.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	x := &exchange{
		ctx:     ctx,
		conn:    conn,
		remote:  remote,
		sess:    sess,
		rto:     orDefault(s.RetransmitTimeout, DefaultRetransmitTimeout),
		retries: s.MaxRetries,
		buf:     make([]byte, readBufferSize),
	}
	if x.retries <= 0 {
		x.retries = DefaultMaxRetries
	}

	var reply []byte
	if mode == transfer.ModeFramed {
		reply, err = s.sendFramed(x, name, src, chunkSize)
	} else {
		reply, err = s.sendRaw(x, name, src, chunkSize)
	}
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

func (s *Sender) sendRaw(x *exchange, name string, src io.Reader, chunkSize int) ([]byte, error) {
	if _, err := transfer.ValidateName(name); err != nil {
		return nil, err
	}

	if err := x.sess.Advance(transfer.StateSendingName); err != nil {
		return nil, err
	}
	if err := x.write([]byte(name), "write file name"); err != nil {
		return nil, err
	}

	if err := x.sess.Advance(transfer.StateSendingContent); err != nil {
		return nil, err
	}
	chunks := chunker.New(src, chunkSize)
	for {
		chunk, err := chunks.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, transfer.Wrap(transfer.ErrIO, "read source", err)
		}
		if err := x.write(chunk, fmt.Sprintf("write chunk %d", chunks.Index())); err != nil {
			return nil, err
		}
		x.sess.AddChunk(len(chunk))
		s.Progress.Update(x.sess)
	}

	if err := x.sess.Advance(transfer.StateSendingEndMarker); err != nil {
		return nil, err
	}
	if err := x.write(nil, "write end marker"); err != nil {
		return nil, err
	}

	if err := x.sess.Advance(transfer.StateAwaitingReply); err != nil {
		return nil, err
	}
	return x.awaitRawReply(orDefault(s.Timeout, DefaultSessionTimeout), s.replyMax())
}

func (s *Sender) sendFramed(x *exchange, name string, src io.Reader, chunkSize int) ([]byte, error) {
	if _, err := transfer.ValidateName(name); err != nil {
		return nil, err
	}
	x.token = uuid.MustParse(x.sess.ID).ID()

	if err := x.sess.Advance(transfer.StateSendingName); err != nil {
		return nil, err
	}
	if err := x.deliver(&Packet{Type: PacketBegin, Session: x.token, Payload: []byte(name)}); err != nil {
		return nil, err
	}

	if err := x.sess.Advance(transfer.StateSendingContent); err != nil {
		return nil, err
	}
	sum := transfer.NewChecksum()
	chunks := chunker.New(src, chunkSize)
	var seq uint32
	for {
		chunk, err := chunks.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, transfer.Wrap(transfer.ErrIO, "read source", err)
		}
		seq++
		sum.Write(chunk)
		if err := x.deliver(&Packet{Type: PacketData, Session: x.token, Seq: seq, Payload: chunk}); err != nil {
			return nil, err
		}
		x.sess.AddChunk(len(chunk))
		s.Progress.Update(x.sess)
	}

	if err := x.sess.Advance(transfer.StateSendingEndMarker); err != nil {
		return nil, err
	}
	end := &Packet{Type: PacketEnd, Session: x.token, Seq: seq + 1, Payload: sum.Sum()}

	// The reply doubles as the acknowledgement of END.
	if err := x.sess.Advance(transfer.StateAwaitingReply); err != nil {
		return nil, err
	}
	return x.collectReply(end, s.replyMax())
}

func (s *Sender) replyMax() int {
	if s.ReplyMaxSize > 0 {
		return s.ReplyMaxSize
	}
	return transfer.DefaultReplyMaxSize
}

// exchange is the sender's view of one session on a shared packet conn.
type exchange struct {
	ctx     context.Context
	conn    net.PacketConn
	remote  net.Addr
	sess    *transfer.Session
	token   uint32
	rto     time.Duration
	retries int
	buf     []byte
}

func (x *exchange) write(p []byte, op string) error {
	if err := x.ctx.Err(); err != nil {
		return err
	}
	if _, err := x.conn.WriteTo(p, x.remote); err != nil {
		return transfer.Classify(transfer.ErrConnection, op, err)
	}
	return nil
}

// awaitRawReply takes the first datagram from the receiver as the whole reply.
func (x *exchange) awaitRawReply(timeout time.Duration, max int) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := x.ctx.Err(); err != nil {
			return nil, err
		}
		_ = x.conn.SetReadDeadline(deadline)
		n, from, err := x.conn.ReadFrom(x.buf)
		if err != nil {
			if ctxErr := x.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, transfer.Classify(transfer.ErrConnection, "read reply", err)
		}
		if from.String() != x.remote.String() {
			logrus.WithFields(logrus.Fields{
				"function": "awaitRawReply",
				"from":     from.String(),
			}).Debug("Ignoring datagram from unexpected source")
			continue
		}
		if n > max {
			return nil, fmt.Errorf("%w: reply of %d bytes exceeds %d", transfer.ErrTruncatedReply, n, max)
		}
		return append([]byte(nil), x.buf[:n]...), nil
	}
}

// roundTrip sends p and retransmits it every rto until handle reports
// completion or the retry budget runs out.
func (x *exchange) roundTrip(p *Packet, handle func(*Packet) (bool, error)) error {
	wire := p.Marshal()
	for attempt := 0; attempt <= x.retries; attempt++ {
		if attempt > 0 {
			logrus.WithFields(logrus.Fields{
				"function":   "roundTrip",
				"session_id": x.sess.ID,
				"type":       p.Type.String(),
				"seq":        p.Seq,
				"attempt":    attempt,
			}).Debug("Retransmitting")
			x.sess.Touch()
		}
		if err := x.write(wire, "write "+p.Type.String()); err != nil {
			return err
		}

		deadline := time.Now().Add(x.rto)
		for {
			in, err := x.read(deadline)
			if err != nil {
				if ctxErr := x.ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if isTimeout(err) {
					break
				}
				return transfer.Classify(transfer.ErrConnection, "read", err)
			}
			if in == nil {
				continue
			}
			if in.Type == PacketReject {
				return rejection(in)
			}
			done, err := handle(in)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no answer to %s seq %d after %d attempts",
		transfer.ErrSessionTimeout, p.Type, p.Seq, x.retries+1)
}

// read returns the next packet of this session, or nil for anything else.
func (x *exchange) read(deadline time.Time) (*Packet, error) {
	_ = x.conn.SetReadDeadline(deadline)
	n, from, err := x.conn.ReadFrom(x.buf)
	if err != nil {
		return nil, err
	}
	if from.String() != x.remote.String() {
		return nil, nil
	}
	p, err := ParsePacket(x.buf[:n])
	if err != nil || p.Session != x.token {
		return nil, nil
	}
	return p, nil
}

// deliver sends p until the receiver acknowledges its sequence number.
func (x *exchange) deliver(p *Packet) error {
	return x.roundTrip(p, func(in *Packet) (bool, error) {
		return in.Type == PacketAck && in.Seq == p.Seq, nil
	})
}

// collectReply sends END until every reply fragment and REPLY_END have arrived.
func (x *exchange) collectReply(end *Packet, max int) ([]byte, error) {
	var (
		fragments = make(map[uint32][]byte)
		size      int
		count     uint32
		sum       []byte
		haveEnd   bool
		reply     []byte
	)

	err := x.roundTrip(end, func(in *Packet) (bool, error) {
		switch in.Type {
		case PacketReply:
			if in.Seq == 0 || len(in.Payload) == 0 {
				return false, nil
			}
			if _, dup := fragments[in.Seq]; dup {
				return false, nil
			}
			size += len(in.Payload)
			if size > max {
				return false, fmt.Errorf("%w: reply exceeds %d bytes", transfer.ErrTruncatedReply, max)
			}
			fragments[in.Seq] = in.Payload
		case PacketReplyEnd:
			count, sum, haveEnd = in.Seq, in.Payload, true
		default:
			return false, nil
		}

		if !haveEnd || uint32(len(fragments)) < count {
			return false, nil
		}
		assembled := make([]byte, 0, size)
		for seq := uint32(1); seq <= count; seq++ {
			frag, ok := fragments[seq]
			if !ok {
				return false, nil
			}
			assembled = append(assembled, frag...)
		}
		check := transfer.NewChecksum()
		check.Write(assembled)
		if err := check.Verify(sum); err != nil {
			return false, fmt.Errorf("reply: %w", err)
		}
		reply = assembled
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// rejection maps a REJECT from the receiver onto the error taxonomy.
func rejection(p *Packet) error {
	if len(p.Payload) > 0 && p.Payload[0] == RejectChecksum {
		return fmt.Errorf("%w: receiver rejected the content", transfer.ErrChecksumMismatch)
	}
	return fmt.Errorf("%w: receiver rejected the upload", transfer.ErrConnection)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
