package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/DisktroDrop/internal/metadata"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

func runPipeTransfer(t *testing.T, sender *Sender, receiver *Receiver, name string, data []byte) (*transfer.Session, []byte, error, error) {
	t.Helper()
	client, server := newPipeConns()

	done := make(chan handleResult, 1)
	go func() {
		_, err := receiver.Handle(context.Background(), server)
		done <- handleResult{err: err}
	}()

	sess, reply, sendErr := sender.Send(context.Background(), client, name, bytes.NewReader(data))
	client.Close()

	select {
	case res := <-done:
		return sess, reply, sendErr, res.err
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish")
		return nil, nil, nil, nil
	}
}

func TestRawTransferTenThousandBytes(t *testing.T) {
	store := newRecordingStorage(t)
	data := randomBytes(10000, 42)

	sender := &Sender{Mode: transfer.ModeRaw, ChunkSize: 4096}
	receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeRaw, ChunkSize: 4096}

	sess, reply, sendErr, recvErr := runPipeTransfer(t, sender, receiver, "test.jpg", data)
	require.NoError(t, sendErr)
	require.NoError(t, recvErr)

	assert.Equal(t, thanks, reply)
	assert.Len(t, reply, 13)
	assert.Equal(t, []int{4096, 4096, 1808}, store.Appends())
	assert.Equal(t, data, readStored(t, store, "test.jpg"))

	assert.Equal(t, transfer.StateDone, sess.State)
	assert.Equal(t, int64(10000), sess.BytesTransferred)
	assert.Equal(t, 3, sess.Chunks)
}

func TestRawTransferChunkSizeInvariance(t *testing.T) {
	data := randomBytes(10000, 7)

	for _, chunkSize := range []int{1, 4096, len(data)} {
		store := newRecordingStorage(t)
		sender := &Sender{Mode: transfer.ModeRaw, ChunkSize: chunkSize}
		receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeRaw}

		_, reply, sendErr, recvErr := runPipeTransfer(t, sender, receiver, "data.bin", data)
		require.NoError(t, sendErr, "chunk size %d", chunkSize)
		require.NoError(t, recvErr, "chunk size %d", chunkSize)
		assert.Equal(t, thanks, reply)
		assert.Equal(t, data, readStored(t, store, "data.bin"), "chunk size %d", chunkSize)
	}
}

func TestRawTransferEmptyFile(t *testing.T) {
	store := newRecordingStorage(t)
	sender := &Sender{Mode: transfer.ModeRaw}
	receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeRaw}

	_, reply, sendErr, recvErr := runPipeTransfer(t, sender, receiver, "empty.txt", nil)
	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	assert.Equal(t, thanks, reply)
	assert.Empty(t, readStored(t, store, "empty.txt"))
}

func TestRawReplyLargerThanLimitIsTruncatedReply(t *testing.T) {
	store := newRecordingStorage(t)
	sender := &Sender{Mode: transfer.ModeRaw, ReplyMaxSize: 4}
	receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeRaw}

	// The receiver's reply write fails once the sender gives up, so only the
	// sender's outcome is checked.
	sess, reply, sendErr, _ := runPipeTransfer(t, sender, receiver, "a.txt", []byte("abc"))
	assert.ErrorIs(t, sendErr, transfer.ErrTruncatedReply)
	assert.Nil(t, reply)
	assert.Equal(t, transfer.StateFailed, sess.State)
}

func TestReceiverRejectsTraversalName(t *testing.T) {
	store := newRecordingStorage(t)
	sender := &Sender{Mode: transfer.ModeRaw}
	receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeRaw}

	client, server := newPipeConns()
	done := make(chan error, 1)
	go func() {
		_, err := receiver.Handle(context.Background(), server)
		done <- err
	}()

	// The sender refuses such names itself, so speak the raw protocol by hand.
	_, err := client.Write([]byte("../escape.txt"))
	require.NoError(t, err)
	client.Close()

	assert.ErrorIs(t, <-done, transfer.ErrDirectoryTraversal)
	_, openErr := store.Open("escape.txt")
	assert.Error(t, openErr)
	assert.Empty(t, store.Appends())

	_, _, sendErr := sender.Send(context.Background(), client, "../escape.txt", bytes.NewReader(nil))
	assert.ErrorIs(t, sendErr, transfer.ErrDirectoryTraversal)
}

func TestRawConnectionDroppedBeforeName(t *testing.T) {
	receiver := &Receiver{Storage: newRecordingStorage(t), Reply: transfer.StaticReply(thanks)}
	client, server := newPipeConns()
	client.Close()

	sess, err := receiver.Handle(context.Background(), server)
	assert.ErrorIs(t, err, transfer.ErrTruncatedTransfer)
	assert.Equal(t, transfer.StateFailed, sess.State)
}

func TestReceiverTimesOutIdleConnection(t *testing.T) {
	receiver := &Receiver{
		Storage: newRecordingStorage(t),
		Reply:   transfer.StaticReply(thanks),
		Timeout: 50 * time.Millisecond,
	}
	client, server := net.Pipe()
	defer client.Close()

	sess, err := receiver.Handle(context.Background(), server)
	assert.ErrorIs(t, err, transfer.ErrSessionTimeout)
	assert.Equal(t, transfer.StateFailed, sess.State)
}

func TestFramedDetectsCorruptedContent(t *testing.T) {
	store := newRecordingStorage(t)
	receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeFramed}

	client, server := newPipeConns()
	done := make(chan error, 1)
	go func() {
		_, err := receiver.Handle(context.Background(), server)
		done <- err
	}()

	header, err := encodeHeader("notes.txt", 0)
	require.NoError(t, err)
	_, err = client.Write(header)
	require.NoError(t, err)
	_, err = client.Write(encodeFrame([]byte("hello")))
	require.NoError(t, err)
	_, err = client.Write(encodeFrame(nil))
	require.NoError(t, err)
	_, err = client.Write(transfer.SumBytes([]byte("jello")))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())

	assert.ErrorIs(t, <-done, transfer.ErrChecksumMismatch)

	// No reply is sent for unverified content.
	reply, _ := io.ReadAll(client)
	assert.Empty(t, reply)
}

func TestFramedTruncatedContentLeavesPartialFile(t *testing.T) {
	store := newRecordingStorage(t)
	receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeFramed}

	client, server := newPipeConns()
	done := make(chan error, 1)
	go func() {
		_, err := receiver.Handle(context.Background(), server)
		done <- err
	}()

	header, err := encodeHeader("partial.bin", 0)
	require.NoError(t, err)
	_, err = client.Write(header)
	require.NoError(t, err)
	_, err = client.Write(encodeFrame([]byte("first chunk")))
	require.NoError(t, err)
	client.Close()

	assert.ErrorIs(t, <-done, transfer.ErrTruncatedTransfer)
	assert.Equal(t, []byte("first chunk"), readStored(t, store, "partial.bin"))
}

func startServe(t *testing.T, receiver *Receiver) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- receiver.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return ln.Addr().String()
}

func TestRawTransferOverTCP(t *testing.T) {
	store := newRecordingStorage(t)
	receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeRaw, Timeout: 5 * time.Second}
	addr := startServe(t, receiver)

	sender := &Sender{Mode: transfer.ModeRaw, Timeout: 5 * time.Second}
	for i := 0; i < 20; i++ {
		data := randomBytes(10000, int64(i))
		name := fmt.Sprintf("raw-%02d.bin", i)

		conn, err := sender.Dial(context.Background(), addr)
		require.NoError(t, err)
		sess, reply, err := sender.Send(context.Background(), conn, name, bytes.NewReader(data))
		conn.Close()
		require.NoError(t, err, "upload %d", i)

		assert.Equal(t, thanks, reply)
		assert.Equal(t, transfer.StateDone, sess.State)
		assert.Equal(t, data, readStored(t, store, name))
	}
}

func TestFramedTransferOverTCP(t *testing.T) {
	for _, compress := range []bool{false, true} {
		store := newRecordingStorage(t)
		meta, err := metadata.OpenMetadataStore(filepath.Join(t.TempDir(), "meta"))
		require.NoError(t, err)
		t.Cleanup(func() { meta.Close() })

		receiver := &Receiver{
			Storage:  store,
			Reply:    transfer.StaticReply(thanks),
			Mode:     transfer.ModeFramed,
			Metadata: meta,
			Timeout:  5 * time.Second,
		}
		addr := startServe(t, receiver)

		data := append(bytes.Repeat([]byte("compressible text "), 1000), randomBytes(5000, 3)...)
		sender := &Sender{Mode: transfer.ModeFramed, ChunkSize: 4096, Compress: compress, Timeout: 5 * time.Second}

		conn, err := sender.Dial(context.Background(), addr)
		require.NoError(t, err)
		sess, reply, err := sender.Send(context.Background(), conn, "report.txt", bytes.NewReader(data))
		conn.Close()
		require.NoError(t, err, "compress=%v", compress)

		assert.Equal(t, thanks, reply)
		assert.Equal(t, transfer.StateDone, sess.State)
		assert.Equal(t, data, readStored(t, store, "report.txt"))

		require.Eventually(t, func() bool {
			records, err := meta.ListTransfers()
			return err == nil && len(records) == 1
		}, 2*time.Second, 10*time.Millisecond)
		records, err := meta.ListTransfers()
		require.NoError(t, err)
		assert.Equal(t, "report.txt", records[0].FileName)
		assert.Equal(t, int64(len(data)), records[0].FileSize)
		assert.Equal(t, "framed", records[0].Mode)
		assert.Equal(t, "tcp", records[0].Transport)

		sum := transfer.NewChecksum()
		sum.Write(data)
		assert.Equal(t, sum.Hex(), records[0].Checksum)
	}
}

func TestServeKeepsAcceptingWhileSessionStalls(t *testing.T) {
	store := newRecordingStorage(t)
	receiver := &Receiver{Storage: store, Reply: transfer.StaticReply(thanks), Mode: transfer.ModeFramed}
	addr := startServe(t, receiver)

	stalled, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer stalled.Close()

	sender := &Sender{Mode: transfer.ModeFramed, Timeout: 5 * time.Second}
	conn, err := sender.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	_, reply, err := sender.Send(context.Background(), conn, "second.txt", bytes.NewReader([]byte("second")))
	require.NoError(t, err)
	assert.Equal(t, thanks, reply)
}

func TestSenderDialFailureIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	sender := &Sender{}
	_, err = sender.Dial(context.Background(), addr)
	assert.ErrorIs(t, err, transfer.ErrConnection)
}

func TestSenderHonoursContextCancellation(t *testing.T) {
	client, server := newPipeConns()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := &Sender{Mode: transfer.ModeRaw}
	sess, _, err := sender.Send(ctx, client, "late.txt", bytes.NewReader([]byte("data")))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, transfer.StateFailed, sess.State)
}

func TestSendWithInvalidConfigurationHasNoSession(t *testing.T) {
	client, server := newPipeConns()
	defer client.Close()
	defer server.Close()

	for _, sender := range []*Sender{{Mode: "carrier-pigeon"}, {ChunkSize: -1}} {
		sess, reply, err := sender.Send(context.Background(), client, "x.txt", bytes.NewReader(nil))
		assert.Error(t, err)
		assert.Nil(t, sess)
		assert.Nil(t, reply)
	}
}
