package services

import "camrelay/internal/core/domain"

// frameSlot is the one-frame staging area between the capture goroutine and
// the process/deliver loop. A newer frame evicts a staged one that has not
// been taken yet. Only one goroutine may call put.
type frameSlot struct {
	ch chan domain.Frame
}

func newFrameSlot() *frameSlot {
	return &frameSlot{ch: make(chan domain.Frame, 1)}
}

// put stages f and reports whether an older frame was evicted.
func (s *frameSlot) put(f domain.Frame) (evicted bool) {
	for {
		select {
		case s.ch <- f:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			evicted = true
		default:
		}
	}
}

func (s *frameSlot) ready() <-chan domain.Frame {
	return s.ch
}
