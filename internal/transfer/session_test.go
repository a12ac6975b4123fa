package transfer

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                  { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }
func (c *fakeClock) Advance(d time.Duration)         { c.now = c.now.Add(d) }

func newTestSession(clock *fakeClock) *Session {
	return NewSessionWithClock(DirectionReceive, TransportDatagram, ModeRaw, StateListening, "127.0.0.1:9", clock)
}

func TestSessionLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := newTestSession(clock)

	_, err := uuid.Parse(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateListening, s.State)

	require.NoError(t, s.Advance(StateAwaitingFirstPacket))
	require.NoError(t, s.Advance(StateReadingContent))
	s.AddChunk(4096)
	s.AddChunk(1808)

	state, bytes, chunks := s.Snapshot()
	assert.Equal(t, StateReadingContent, state)
	assert.Equal(t, int64(5904), bytes)
	assert.Equal(t, 2, chunks)

	clock.Advance(2 * time.Second)
	require.NoError(t, s.Complete())
	assert.Equal(t, StateDone, s.State)
	assert.Equal(t, 2*time.Second, s.EndTime.Sub(s.StartTime))
}

func TestSessionTerminalExactlyOnce(t *testing.T) {
	s := newTestSession(&fakeClock{now: time.Now()})
	cause := errors.New("boom")

	require.NoError(t, s.Fail(cause))
	assert.ErrorIs(t, s.Complete(), ErrSessionClosed)
	assert.ErrorIs(t, s.Fail(errors.New("again")), ErrSessionClosed)
	assert.ErrorIs(t, s.Advance(StateReadingContent), ErrSessionClosed)

	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, cause, s.Err)
}

func TestSessionAdvanceRejectsTerminalStates(t *testing.T) {
	s := newTestSession(&fakeClock{now: time.Now()})
	assert.Error(t, s.Advance(StateDone))
	assert.Error(t, s.Advance(StateFailed))
	assert.Equal(t, StateListening, s.State)
}

func TestSessionCheckTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := newTestSession(clock)

	clock.Advance(20 * time.Second)
	s.Touch()
	clock.Advance(20 * time.Second)
	assert.NoError(t, s.CheckTimeout(30*time.Second))
	assert.NoError(t, s.CheckTimeout(0))

	clock.Advance(10 * time.Second)
	err := s.CheckTimeout(30 * time.Second)
	assert.ErrorIs(t, err, ErrSessionTimeout)
	assert.Equal(t, StateFailed, s.State)
	assert.ErrorIs(t, s.Err, ErrSessionTimeout)

	assert.ErrorIs(t, s.CheckTimeout(30*time.Second), ErrSessionClosed)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "awaiting_first_packet", StateAwaitingFirstPacket.String())
	assert.Equal(t, "done", StateDone.String())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateSendingReply.IsTerminal())
}

func TestParseModeAndTransport(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeRaw, mode)

	mode, err = ParseMode(" Framed ")
	require.NoError(t, err)
	assert.Equal(t, ModeFramed, mode)

	_, err = ParseMode("tls")
	assert.Error(t, err)

	tr, err := ParseTransport("datagram")
	require.NoError(t, err)
	assert.Equal(t, TransportDatagram, tr)

	_, err = ParseTransport("sctp")
	assert.Error(t, err)
}

func TestValidateChunkSize(t *testing.T) {
	size, err := ValidateChunkSize(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, size)

	size, err = ValidateChunkSize(1)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	_, err = ValidateChunkSize(MaxChunkSize + 1)
	assert.Error(t, err)
	_, err = ValidateChunkSize(-1)
	assert.Error(t, err)
}
