package datagram

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/DisktroDrop/internal/storage"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

var thanks = []byte("Thanks!\nBye!\n")

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newStorage(t *testing.T) *storage.LocalStorage {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return store
}

// startReceiver runs r on conn (or a fresh loopback socket) and reports every
// finished session on the returned channel.
func startReceiver(t *testing.T, r *Receiver, conn net.PacketConn) (net.Addr, <-chan *transfer.Session) {
	t.Helper()
	if conn == nil {
		conn = listenUDP(t)
	}
	finished := make(chan *transfer.Session, 16)
	r.OnFinish = func(s *transfer.Session) { finished <- s }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return conn.LocalAddr(), finished
}

func waitFinished(t *testing.T, finished <-chan *transfer.Session) *transfer.Session {
	t.Helper()
	select {
	case s := <-finished:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no session finished")
		return nil
	}
}

func readDatagram(conn net.PacketConn, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, readBufferSize)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func readStored(t *testing.T, s *storage.LocalStorage, name string) []byte {
	t.Helper()
	src, err := s.Open(name)
	require.NoError(t, err)
	defer src.Close()
	data, err := io.ReadAll(src)
	require.NoError(t, err)
	return data
}

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

// swapConn delivers write number second before write number first.
type swapConn struct {
	net.PacketConn
	first, second int

	mu       sync.Mutex
	writes   int
	held     []byte
	heldAddr net.Addr
}

func (c *swapConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.writes == c.first {
		c.held = append([]byte(nil), p...)
		c.heldAddr = addr
		return len(p), nil
	}
	n, err := c.PacketConn.WriteTo(p, addr)
	if err == nil && c.writes == c.second {
		_, err = c.PacketConn.WriteTo(c.held, c.heldAddr)
	}
	return n, err
}

// lossyConn drops or duplicates outgoing datagrams chosen by its predicates.
type lossyConn struct {
	net.PacketConn
	drop func(n int, p []byte) bool
	dup  func(n int, p []byte) bool

	mu     sync.Mutex
	writes int
}

func (c *lossyConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	c.writes++
	n := c.writes
	c.mu.Unlock()

	if c.drop != nil && c.drop(n, p) {
		return len(p), nil
	}
	written, err := c.PacketConn.WriteTo(p, addr)
	if err == nil && c.dup != nil && c.dup(n, p) {
		_, err = c.PacketConn.WriteTo(p, addr)
	}
	return written, err
}

// corruptConn flips the last byte of every outgoing DATA packet.
type corruptConn struct {
	net.PacketConn
}

func (c corruptConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if len(p) > HeaderSize && PacketType(p[0]) == PacketData {
		p = append([]byte(nil), p...)
		p[len(p)-1] ^= 0xff
	}
	return c.PacketConn.WriteTo(p, addr)
}
