package datagram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/DisktroDrop/internal/metadata"
	"github.com/jaywantadh/DisktroDrop/internal/storage"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// sweepInterval is how often idle sessions are checked and how long a single
// read may block.
const sweepInterval = 100 * time.Millisecond

// Receiver services uploads from any number of senders on one packet conn.
type Receiver struct {
	Storage storage.Storage
	Reply   transfer.ReplySource
	Mode    transfer.Mode
	// ChunkSize bounds framed-mode reply fragments.
	ChunkSize int
	// SessionTimeout fails sessions that stay silent this long. Zero means DefaultSessionTimeout.
	SessionTimeout time.Duration
	Metadata       metadata.Recorder
	Progress       *transfer.ProgressTracker
	// OnFinish is called from the serve loop whenever a session reaches Done or Failed.
	OnFinish func(*transfer.Session)
}

// inbound is the receiver-side state of one session.
type inbound struct {
	sess  *transfer.Session
	addr  net.Addr
	token uint32
	sink  io.WriteCloser
	sum   *transfer.Checksum
	next  uint32
	// reply holds the encoded answer (reply fragments or REJECT) so a
	// retransmitted packet can be answered again.
	reply [][]byte
}

func (in *inbound) closeSink() error {
	if in.sink == nil {
		return nil
	}
	err := in.sink.Close()
	in.sink = nil
	return err
}

type serveLoop struct {
	*Receiver
	conn      net.PacketConn
	mode      transfer.Mode
	chunkSize int
	timeout   time.Duration
	sessions  map[string]*inbound
}

// Serve reads datagrams until ctx is cancelled, demultiplexing them into
// sessions by source address (and session token in framed mode). All session
// state is owned by this loop.
func (r *Receiver) Serve(ctx context.Context, conn net.PacketConn) error {
	mode, err := transfer.ParseMode(string(r.Mode))
	if err != nil {
		return err
	}
	chunkSize, err := transfer.ValidateChunkSize(r.ChunkSize)
	if err != nil {
		return err
	}

	l := &serveLoop{
		Receiver:  r,
		conn:      conn,
		mode:      mode,
		chunkSize: chunkSize,
		timeout:   orDefault(r.SessionTimeout, DefaultSessionTimeout),
		sessions:  make(map[string]*inbound),
	}

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  conn.LocalAddr().String(),
		"mode":     mode,
	}).Info("Datagram receiver listening")

	buf := make([]byte, readBufferSize)
	lastSweep := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			l.closeAll(transfer.Wrap(transfer.ErrConnection, "receiver shutting down", err))
			return err
		}
		if time.Since(lastSweep) >= sweepInterval {
			l.sweep()
			lastSweep = time.Now()
		}

		_ = conn.SetReadDeadline(time.Now().Add(sweepInterval))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				l.closeAll(transfer.Wrap(transfer.ErrConnection, "read", err))
				return transfer.Wrap(transfer.ErrConnection, "read", err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Read failed, waiting for the next datagram")
			continue
		}

		if mode == transfer.ModeFramed {
			l.handleFramed(buf[:n], addr)
		} else {
			l.handleRaw(buf[:n], addr)
		}
	}
}

// handleRaw applies one untagged datagram to the session of its source.
func (l *serveLoop) handleRaw(data []byte, addr net.Addr) {
	key := addr.String()
	in, ok := l.sessions[key]
	if !ok {
		if len(data) == 0 {
			l.ambiguous(addr, errors.New("end marker without an open session"))
			return
		}
		in = l.newInbound(addr, 0)
		l.sessions[key] = in
		l.open(in, data)
		return
	}

	if state, _, _ := in.sess.Snapshot(); state.IsTerminal() {
		// Discard the rest of a rejected upload up to its end marker.
		in.sess.Touch()
		if len(data) == 0 {
			delete(l.sessions, key)
		}
		return
	}

	if len(data) == 0 {
		l.completeRaw(in)
		delete(l.sessions, key)
		return
	}
	l.appendChunk(in, data)
}

func (l *serveLoop) completeRaw(in *inbound) {
	reply, err := l.finishContent(in)
	if err != nil {
		l.fail(in, err)
		return
	}
	if len(reply) > transfer.MaxDatagramSize {
		l.fail(in, fmt.Errorf("%w: %d bytes do not fit in one datagram", transfer.ErrReplyTooLarge, len(reply)))
		return
	}
	if _, err := l.conn.WriteTo(reply, in.addr); err != nil {
		l.fail(in, transfer.Classify(transfer.ErrConnection, "write reply", err))
		return
	}
	l.complete(in)
}

// handleFramed dispatches one tagged datagram.
func (l *serveLoop) handleFramed(data []byte, addr net.Addr) {
	p, err := ParsePacket(data)
	if err != nil {
		l.ambiguous(addr, err)
		return
	}
	key := fmt.Sprintf("%s/%08x", addr, p.Session)
	in := l.sessions[key]

	switch p.Type {
	case PacketBegin:
		l.begin(in, key, p, addr)
	case PacketData:
		l.data(in, p, addr)
	case PacketEnd:
		l.end(in, p, addr)
	default:
		l.ambiguous(addr, fmt.Errorf("%w: %s is not sent by senders", transfer.ErrProtocolAmbiguity, p.Type))
	}
}

func (l *serveLoop) begin(in *inbound, key string, p *Packet, addr net.Addr) {
	if in != nil {
		// Retransmitted BEGIN: the ACK or REJECT was lost.
		in.sess.Touch()
		switch state, _, _ := in.sess.Snapshot(); state {
		case transfer.StateFailed:
			l.resend(in)
		case transfer.StateDone:
		default:
			l.ack(in, 0)
		}
		return
	}
	if p.Seq != 0 {
		l.ambiguous(addr, fmt.Errorf("%w: BEGIN with seq %d", transfer.ErrProtocolAmbiguity, p.Seq))
		return
	}

	in = l.newInbound(addr, p.Session)
	in.next = 1
	l.sessions[key] = in
	if l.open(in, p.Payload) {
		l.ack(in, 0)
	} else {
		l.reject(in)
	}
}

func (l *serveLoop) data(in *inbound, p *Packet, addr net.Addr) {
	if in == nil {
		l.ambiguous(addr, fmt.Errorf("%w: DATA seq %d for unknown session %08x", transfer.ErrProtocolAmbiguity, p.Seq, p.Session))
		return
	}
	in.sess.Touch()
	if state, _, _ := in.sess.Snapshot(); state.IsTerminal() {
		if state == transfer.StateFailed {
			l.resend(in)
		}
		return
	}

	switch {
	case p.Seq < in.next:
		l.ack(in, p.Seq)
	case p.Seq > in.next:
		l.ambiguous(addr, fmt.Errorf("%w: expected seq %d, got %d", transfer.ErrProtocolAmbiguity, in.next, p.Seq))
	default:
		if l.appendChunk(in, p.Payload) {
			in.next++
			l.ack(in, p.Seq)
		} else {
			l.reject(in)
		}
	}
}

func (l *serveLoop) end(in *inbound, p *Packet, addr net.Addr) {
	if in == nil {
		l.ambiguous(addr, fmt.Errorf("%w: END for unknown session %08x", transfer.ErrProtocolAmbiguity, p.Session))
		return
	}
	in.sess.Touch()

	if state, _, _ := in.sess.Snapshot(); state.IsTerminal() {
		// The sender missed part of the reply or the REJECT.
		l.resend(in)
		return
	}

	if p.Seq != in.next {
		l.ambiguous(addr, fmt.Errorf("%w: END at seq %d, expected %d", transfer.ErrProtocolAmbiguity, p.Seq, in.next))
		return
	}
	if err := in.sum.Verify(p.Payload); err != nil {
		l.fail(in, err)
		l.reject(in)
		return
	}

	reply, err := l.finishContent(in)
	if err != nil {
		l.fail(in, err)
		l.reject(in)
		return
	}
	in.reply = l.fragment(in.token, reply)
	if err := l.sendReply(in); err != nil {
		l.fail(in, err)
		return
	}
	l.complete(in)
}

// fragment splits the reply into REPLY packets followed by REPLY_END.
func (l *serveLoop) fragment(token uint32, reply []byte) [][]byte {
	var packets [][]byte
	var seq uint32
	for off := 0; off < len(reply); off += l.chunkSize {
		end := min(off+l.chunkSize, len(reply))
		seq++
		packets = append(packets, (&Packet{Type: PacketReply, Session: token, Seq: seq, Payload: reply[off:end]}).Marshal())
	}
	last := &Packet{Type: PacketReplyEnd, Session: token, Seq: seq, Payload: transfer.SumBytes(reply)}
	return append(packets, last.Marshal())
}

func (l *serveLoop) sendReply(in *inbound) error {
	for _, wire := range in.reply {
		if _, err := l.conn.WriteTo(wire, in.addr); err != nil {
			return transfer.Classify(transfer.ErrConnection, "write reply", err)
		}
	}
	return nil
}

// reject answers a failed session with REJECT and keeps it for retransmitted packets.
func (l *serveLoop) reject(in *inbound) {
	reason := RejectOther
	if errors.Is(in.sess.Err, transfer.ErrChecksumMismatch) {
		reason = RejectChecksum
	}
	in.reply = [][]byte{(&Packet{Type: PacketReject, Session: in.token, Payload: []byte{reason}}).Marshal()}
	l.resend(in)
}

func (l *serveLoop) resend(in *inbound) {
	if len(in.reply) == 0 {
		return
	}
	if err := l.sendReply(in); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "resend",
			"session_id": in.sess.ID,
			"error":      err.Error(),
		}).Warn("Failed to send answer")
	}
}

func (l *serveLoop) ack(in *inbound, seq uint32) {
	wire := (&Packet{Type: PacketAck, Session: in.token, Seq: seq}).Marshal()
	if _, err := l.conn.WriteTo(wire, in.addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "ack",
			"session_id": in.sess.ID,
			"seq":        seq,
			"error":      err.Error(),
		}).Warn("Failed to send ACK")
	}
}

func (l *serveLoop) newInbound(addr net.Addr, token uint32) *inbound {
	sess := transfer.NewSession(transfer.DirectionReceive, transfer.TransportDatagram, l.mode, transfer.StateListening, addr.String())
	_ = sess.Advance(transfer.StateAwaitingFirstPacket)
	l.Progress.StartTracking(sess)
	return &inbound{sess: sess, addr: addr, token: token, sum: transfer.NewChecksum()}
}

// open treats name as the file name and opens the destination. It reports
// whether the session is ready for content.
func (l *serveLoop) open(in *inbound, name []byte) bool {
	valid, err := transfer.ValidateName(string(name))
	if err != nil {
		l.fail(in, err)
		return false
	}
	in.sess.SetFileName(valid)

	sink, err := l.Storage.Create(valid)
	if err != nil {
		l.fail(in, transfer.Classify(transfer.ErrIO, "open destination", err))
		return false
	}
	in.sink = sink

	if err := in.sess.Advance(transfer.StateReadingContent); err != nil {
		l.fail(in, err)
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function":   "open",
		"session_id": in.sess.ID,
		"file_name":  valid,
		"remote":     in.sess.Remote,
	}).Info("Receiving file")
	return true
}

func (l *serveLoop) appendChunk(in *inbound, chunk []byte) bool {
	if _, err := in.sink.Write(chunk); err != nil {
		l.fail(in, transfer.Wrap(transfer.ErrIO, "append chunk", err))
		return false
	}
	in.sum.Write(chunk)
	in.sess.AddChunk(len(chunk))
	l.Progress.Update(in.sess)
	return true
}

// finishContent closes the destination and loads the reply artifact.
func (l *serveLoop) finishContent(in *inbound) ([]byte, error) {
	if err := in.closeSink(); err != nil {
		return nil, transfer.Wrap(transfer.ErrIO, "close destination", err)
	}
	path, _ := l.Storage.GetPath(in.sess.FileName)
	logrus.WithFields(logrus.Fields{
		"function":   "finishContent",
		"session_id": in.sess.ID,
		"path":       path,
		"bytes":      in.sum.Len(),
	}).Info("File received")
	if err := in.sess.Advance(transfer.StateSendingReply); err != nil {
		return nil, err
	}
	reply, err := l.Reply.Reply()
	if err != nil {
		return nil, transfer.Classify(transfer.ErrIO, "load reply artifact", err)
	}
	return reply, nil
}

func (l *serveLoop) complete(in *inbound) {
	if l.Metadata != nil {
		if err := l.Metadata.PutTransfer(metadata.RecordFromSession(in.sess, in.sum.Hex())); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "complete",
				"session_id": in.sess.ID,
				"error":      err.Error(),
			}).Warn("Failed to record completed transfer")
		}
	}
	if in.sess.Complete() == nil {
		in.sess.Touch()
		l.finished(in)
	}
}

func (l *serveLoop) fail(in *inbound, err error) {
	in.closeSink()
	if in.sess.Fail(err) == nil {
		l.finished(in)
	}
}

func (l *serveLoop) finished(in *inbound) {
	l.Progress.RemoveTransfer(in.sess.ID)
	if l.OnFinish != nil {
		l.OnFinish(in.sess)
	}
}

// sweep fails silent sessions and forgets finished ones once they have been
// quiet for a full timeout.
func (l *serveLoop) sweep() {
	for key, in := range l.sessions {
		state, _, _ := in.sess.Snapshot()
		if state.IsTerminal() {
			if in.sess.IdleFor() >= l.timeout {
				delete(l.sessions, key)
			}
			continue
		}
		if err := in.sess.CheckTimeout(l.timeout); err != nil {
			in.closeSink()
			l.finished(in)
			if l.mode == transfer.ModeRaw {
				// The next datagram from this address opens a new upload.
				delete(l.sessions, key)
			}
		}
	}
}

func (l *serveLoop) closeAll(cause error) {
	for key, in := range l.sessions {
		l.fail(in, cause)
		delete(l.sessions, key)
	}
}

func (l *serveLoop) ambiguous(addr net.Addr, err error) {
	if !errors.Is(err, transfer.ErrProtocolAmbiguity) {
		err = fmt.Errorf("%w: %w", transfer.ErrProtocolAmbiguity, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"remote":   addr.String(),
		"error":    err.Error(),
	}).Warn("Dropping unclassifiable datagram")
}
