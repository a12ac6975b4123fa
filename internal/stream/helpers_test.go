package stream

import (
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/DisktroDrop/internal/storage"
)

// thanks is a 13-byte reply artifact.
var thanks = []byte("Thanks!\nBye!\n")

// pipeConn is an in-memory, half-closable connection. Every Read returns bytes
// from at most one peer Write, which makes the raw name framing deterministic.
type pipeConn struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	local  net.Addr
	remote net.Addr
}

func newPipeConns() (client, server *pipeConn) {
	clientAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	serverAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
	toClientR, toClientW := io.Pipe()
	toServerR, toServerW := io.Pipe()
	client = &pipeConn{r: toClientR, w: toServerW, local: clientAddr, remote: serverAddr}
	server = &pipeConn{r: toServerR, w: toClientW, local: serverAddr, remote: clientAddr}
	return client, server
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) CloseWrite() error           { return p.w.Close() }

func (p *pipeConn) Close() error {
	p.w.Close()
	p.r.Close()
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr              { return p.local }
func (p *pipeConn) RemoteAddr() net.Addr             { return p.remote }
func (p *pipeConn) SetDeadline(time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error { return nil }

// recordingStorage wraps LocalStorage and records the size of every append.
type recordingStorage struct {
	*storage.LocalStorage
	mu      sync.Mutex
	appends []int
}

func newRecordingStorage(t *testing.T) *recordingStorage {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return &recordingStorage{LocalStorage: local}
}

func (s *recordingStorage) Create(name string) (io.WriteCloser, error) {
	sink, err := s.LocalStorage.Create(name)
	if err != nil {
		return nil, err
	}
	return &recordingSink{WriteCloser: sink, owner: s}, nil
}

func (s *recordingStorage) Appends() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.appends...)
}

type recordingSink struct {
	io.WriteCloser
	owner *recordingStorage
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.owner.mu.Lock()
	s.owner.appends = append(s.owner.appends, len(p))
	s.owner.mu.Unlock()
	return s.WriteCloser.Write(p)
}

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func readStored(t *testing.T, s *recordingStorage, name string) []byte {
	t.Helper()
	src, err := s.Open(name)
	require.NoError(t, err)
	defer src.Close()
	data, err := io.ReadAll(src)
	require.NoError(t, err)
	return data
}

type handleResult struct {
	err error
}
