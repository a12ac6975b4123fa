package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/DisktroDrop/internal/compressor"
	"github.com/jaywantadh/DisktroDrop/internal/metadata"
	"github.com/jaywantadh/DisktroDrop/internal/storage"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// Receiver accepts uploads, persists them and answers with the reply artifact.
type Receiver struct {
	Storage   storage.Storage
	Reply     transfer.ReplySource
	Mode      transfer.Mode
	ChunkSize int
	// Timeout bounds every single read or write. Zero disables it.
	Timeout  time.Duration
	Metadata metadata.Recorder
	Progress *transfer.ProgressTracker
}

// Serve accepts connections until ctx is cancelled. Each connection is handled
// in its own goroutine so a slow session never blocks the next accept.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  ln.Addr().String(),
		"mode":     r.Mode,
	}).Info("Stream receiver listening")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return transfer.Wrap(transfer.ErrConnection, "accept", err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Accept failed, listening for the next connection")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			// Failures are logged by the session and never stop the loop.
			_, _ = r.Handle(ctx, conn)
		}()
	}
}

// Handle runs one receive session on conn and closes it when done.
func (r *Receiver) Handle(ctx context.Context, conn net.Conn) (*transfer.Session, error) {
	defer conn.Close()

	mode, err := transfer.ParseMode(string(r.Mode))
	if err != nil {
		return nil, err
	}
	chunkSize, err := transfer.ValidateChunkSize(r.ChunkSize)
	if err != nil {
		return nil, err
	}

	sess := transfer.NewSession(transfer.DirectionReceive, transfer.TransportStream, mode, transfer.StateListening, conn.RemoteAddr().String())
	r.Progress.StartTracking(sess)
	defer r.Progress.RemoveTransfer(sess.ID)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	checksum, err := r.receive(sess, conn, mode, chunkSize)
	if err != nil {
		sess.Fail(err)
		return sess, err
	}

	if r.Metadata != nil {
		if err := r.Metadata.PutTransfer(metadata.RecordFromSession(sess, checksum)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Handle",
				"session_id": sess.ID,
				"error":      err.Error(),
			}).Warn("Failed to record completed transfer")
		}
	}
	sess.Complete()
	return sess, nil
}

func (r *Receiver) receive(sess *transfer.Session, conn net.Conn, mode transfer.Mode, chunkSize int) (string, error) {
	if err := sess.Advance(transfer.StateReadingName); err != nil {
		return "", err
	}

	var (
		name  string
		flags byte
		err   error
	)
	r.arm(conn)
	if mode == transfer.ModeFramed {
		name, flags, err = readHeader(conn)
	} else {
		name, err = readRawName(conn)
	}
	if err != nil {
		return "", transfer.Classify(transfer.ErrConnection, "read file name", err)
	}
	if name, err = transfer.ValidateName(name); err != nil {
		return "", err
	}
	sess.SetFileName(name)

	logrus.WithFields(logrus.Fields{
		"function":   "receive",
		"session_id": sess.ID,
		"file_name":  name,
		"remote":     sess.Remote,
	}).Info("Receiving file")

	sink, err := r.Storage.Create(name)
	if err != nil {
		return "", transfer.Classify(transfer.ErrIO, "open destination", err)
	}
	// The sink is closed exactly once; a partial file stays on disk on failure.
	sinkOpen := true
	defer func() {
		if sinkOpen {
			sink.Close()
		}
	}()

	if err := sess.Advance(transfer.StateReadingContent); err != nil {
		return "", err
	}
	sum := transfer.NewChecksum()
	dst := io.MultiWriter(sink, sum)
	if mode == transfer.ModeFramed {
		err = r.readFramedContent(sess, conn, dst, sum, flags&FlagCompressed != 0)
	} else {
		err = r.readRawContent(sess, conn, dst, chunkSize)
	}
	if err != nil {
		return "", err
	}

	sinkOpen = false
	if err := sink.Close(); err != nil {
		return "", transfer.Wrap(transfer.ErrIO, "close destination", err)
	}
	path, _ := r.Storage.GetPath(name)
	logrus.WithFields(logrus.Fields{
		"function":   "receive",
		"session_id": sess.ID,
		"path":       path,
		"bytes":      sum.Len(),
	}).Info("File received")

	if err := sess.Advance(transfer.StateSendingReply); err != nil {
		return "", err
	}
	if err := r.sendReply(conn, mode); err != nil {
		return "", err
	}
	return sum.Hex(), nil
}

// readRawName treats one read as the complete file name.
func readRawName(conn net.Conn) (string, error) {
	buf := make([]byte, transfer.MaxFileNameLength+1)
	for {
		n, err := conn.Read(buf)
		if n > transfer.MaxFileNameLength {
			return "", transfer.ErrFileNameTooLong
		}
		if n > 0 {
			return string(buf[:n]), nil
		}
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		if err != nil {
			return "", err
		}
	}
}

// readRawContent fills chunk-sized buffers until the sender half-closes.
func (r *Receiver) readRawContent(sess *transfer.Session, conn net.Conn, dst io.Writer, chunkSize int) error {
	buf := make([]byte, chunkSize)
	for {
		r.arm(conn)
		n, err := io.ReadFull(conn, buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return transfer.Wrap(transfer.ErrIO, "append chunk", werr)
			}
			sess.AddChunk(n)
			r.Progress.Update(sess)
		}
		switch {
		case err == nil:
			continue
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			return nil
		default:
			return transfer.Classify(transfer.ErrTruncatedTransfer, "read content", err)
		}
	}
}

// readFramedContent appends frames until the zero-length frame, then checks the trailer.
func (r *Receiver) readFramedContent(sess *transfer.Session, conn net.Conn, dst io.Writer, sum *transfer.Checksum, compressed bool) error {
	for {
		r.arm(conn)
		payload, err := readFrame(conn, maxFramePayload)
		if err != nil {
			return transfer.Classify(transfer.ErrTruncatedTransfer, "read frame", err)
		}
		if len(payload) == 0 {
			break
		}
		if compressed {
			if payload, err = compressor.DecompressData(payload, transfer.MaxChunkSize); err != nil {
				return fmt.Errorf("%w: %w", transfer.ErrProtocolAmbiguity, err)
			}
		}
		if _, err := dst.Write(payload); err != nil {
			return transfer.Wrap(transfer.ErrIO, "append chunk", err)
		}
		sess.AddChunk(len(payload))
		r.Progress.Update(sess)
	}

	remote := make([]byte, transfer.ChecksumSize)
	r.arm(conn)
	if _, err := io.ReadFull(conn, remote); err != nil {
		return transfer.Classify(transfer.ErrTruncatedTransfer, "read checksum", noEOF(err))
	}
	return sum.Verify(remote)
}

func (r *Receiver) sendReply(conn net.Conn, mode transfer.Mode) error {
	reply, err := r.Reply.Reply()
	if err != nil {
		return transfer.Classify(transfer.ErrIO, "load reply artifact", err)
	}
	if mode == transfer.ModeFramed {
		reply = encodeReply(reply)
	}
	r.arm(conn)
	if _, err := conn.Write(reply); err != nil {
		return transfer.Classify(transfer.ErrConnection, "write reply", err)
	}
	return nil
}

func (r *Receiver) arm(conn net.Conn) {
	if r.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(r.Timeout))
	}
}
