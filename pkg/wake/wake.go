package wake

import (
	"context"
	"sync"
	"time"
)

// Signal is a process-wide, level-triggered event used to end the executor's
// sleep early. The control surface pulses Set after inserting a manual
// override or deleting a schedule; the executor treats an observed signal as
// "re-evaluate now" and must not rely on it carrying data.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// New returns a cleared Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set raises the signal. Waiters return immediately until Clear is called.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Clear lowers the signal.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// IsSet reports whether the signal is currently raised.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is raised, the timeout elapses, or ctx is
// done. It returns true only when the signal was raised.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
