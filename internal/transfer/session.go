package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts the clock so idle timeouts can be tested deterministically.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock uses the standard library clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Session is one file exchange. Sessions are never reused: once Done or
// Failed, every further transition is rejected.
type Session struct {
	ID               string
	FileName         string
	Direction        Direction
	Transport        Transport
	Mode             Mode
	Remote           string
	State            State
	BytesTransferred int64
	Chunks           int
	StartTime        time.Time
	EndTime          time.Time
	Err              error

	mu           sync.Mutex
	lastActivity time.Time
	clock        TimeProvider
}

// NewSession creates a session in its initial state.
func NewSession(dir Direction, tr Transport, mode Mode, initial State, remote string) *Session {
	return NewSessionWithClock(dir, tr, mode, initial, remote, SystemClock{})
}

// NewSessionWithClock is NewSession with an injected clock.
func NewSessionWithClock(dir Direction, tr Transport, mode Mode, initial State, remote string, clock TimeProvider) *Session {
	now := clock.Now()
	s := &Session{
		ID:           uuid.New().String(),
		Direction:    dir,
		Transport:    tr,
		Mode:         mode,
		Remote:       remote,
		State:        initial,
		StartTime:    now,
		lastActivity: now,
		clock:        clock,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewSession",
		"session_id": s.ID,
		"direction":  dir.String(),
		"transport":  tr,
		"mode":       mode,
		"remote":     remote,
		"state":      initial.String(),
	}).Debug("Session created")

	return s
}

// Advance moves the session to next. Terminal states must go through Complete or Fail.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State.IsTerminal() {
		return ErrSessionClosed
	}
	if next.IsTerminal() {
		return fmt.Errorf("advance to terminal state %s", next)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Advance",
		"session_id": s.ID,
		"from":       s.State.String(),
		"to":         next.String(),
	}).Debug("Session state transition")

	s.State = next
	s.lastActivity = s.clock.Now()
	return nil
}

// SetFileName records the fully read file name.
func (s *Session) SetFileName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FileName = name
}

// AddChunk accounts for one chunk of n content bytes.
func (s *Session) AddChunk(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BytesTransferred += int64(n)
	s.Chunks++
	s.lastActivity = s.clock.Now()
}

// Touch marks activity that carries no content (acks, retransmissions).
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.clock.Now()
}

// IdleFor returns the time since the last activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Since(s.lastActivity)
}

// CheckTimeout fails the session with ErrSessionTimeout if it has been idle for
// at least timeout. A zero timeout disables the check.
func (s *Session) CheckTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	idle := s.IdleFor()
	if idle < timeout {
		return nil
	}
	err := fmt.Errorf("%w: idle for %s", ErrSessionTimeout, idle.Round(time.Millisecond))
	if ferr := s.Fail(err); ferr != nil {
		return ferr
	}
	return err
}

// Complete moves the session to Done.
func (s *Session) Complete() error {
	return s.finish(StateDone, nil)
}

// Fail moves the session to Failed and records err.
func (s *Session) Fail(err error) error {
	return s.finish(StateFailed, err)
}

func (s *Session) finish(state State, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State.IsTerminal() {
		return ErrSessionClosed
	}

	s.State = state
	s.Err = err
	s.EndTime = s.clock.Now()

	fields := logrus.Fields{
		"function":   "finish",
		"session_id": s.ID,
		"file_name":  s.FileName,
		"transport":  s.Transport,
		"remote":     s.Remote,
		"bytes":      s.BytesTransferred,
		"chunks":     s.Chunks,
		"duration":   s.EndTime.Sub(s.StartTime),
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Session failed")
	} else {
		logrus.WithFields(fields).Info("Session completed")
	}
	return nil
}

// Snapshot returns the current state and counters under the session lock.
func (s *Session) Snapshot() (State, int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, s.BytesTransferred, s.Chunks
}
