package orchestrator

import (
	"sync"
	"time"
)

// signal is a resettable one-shot flag. Waiters block until Set; Clear
// re-arms it for the next round.
type signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

func (s *signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

func (s *signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed when the signal is set. A later Clear does
// not reopen a channel already handed out.
func (s *signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the signal is set or timeout elapses. A non-positive
// timeout waits forever.
func (s *signal) Wait(timeout time.Duration) bool {
	ch := s.Done()
	if timeout <= 0 {
		<-ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
