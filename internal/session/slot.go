package session

import (
	"sync"
	"time"
)

type pendingFrame struct {
	data []byte
	at   time.Time
}

// frameSlot holds at most one frame waiting to be processed. A newer frame
// replaces the waiting one.
type frameSlot struct {
	mu      sync.Mutex
	pending *pendingFrame
	ready   chan struct{}
}

func newFrameSlot() *frameSlot {
	return &frameSlot{ready: make(chan struct{}, 1)}
}

// put stores p and reports whether an unprocessed frame was overwritten.
func (s *frameSlot) put(p pendingFrame) bool {
	s.mu.Lock()
	replaced := s.pending != nil
	s.pending = &p
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return replaced
}

func (s *frameSlot) take() (pendingFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return pendingFrame{}, false
	}
	p := *s.pending
	s.pending = nil
	return p, true
}
