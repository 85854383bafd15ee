package state

import (
	"context"
	"sync"
)

// Signal is a broadcastable gate: Wait blocks until the first Broadcast
// after it has taken its snapshot of the gate (or ctx expires); a Broadcast
// that completes before that snapshot is not seen by that Wait. It backs the "StaConnected"/"StaDisconnected"
// bit-group waits spec.md §4.5 and §5 describe, letting the MAC-clone
// transaction block on an event the event router delivers from a different
// goroutine without the two packages sharing a channel directly.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns a Signal with no broadcasts yet delivered.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Broadcast wakes every goroutine currently blocked in Wait.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

// Wait blocks until the next Broadcast, or until ctx is done. It returns
// true if a broadcast occurred, false if ctx expired first.
func (s *Signal) Wait(ctx context.Context) bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
