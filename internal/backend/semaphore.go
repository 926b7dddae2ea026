// Package backend implements the backend session state machine (L2), the
// bounded-dispatch semaphore (L3), and the supervisor that owns the set of
// backends and their routing maps (L4), per spec.md §4.2-§4.4.
package backend

import (
	"sync"

	"github.com/stacklok/vmcpgw/internal/gwerrors"
)

// Semaphore is a FIFO-fair bounded-concurrency gate, see spec.md §4.3 and
// the "slot transfer" design note in §9: release() never decrements active
// while a waiter is queued — it hands the slot directly to the head of the
// queue, which prevents a thundering-herd re-acquire race.
type Semaphore struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters []chan error
	closed  bool
}

// NewSemaphore constructs a semaphore with the given capacity.
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = 1
	}
	return &Semaphore{max: max}
}

// Acquire blocks until a slot is available or the semaphore is drained via
// Close, in which case it returns a disconnect error.
func (s *Semaphore) Acquire(backendID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gwerrors.Disconnected(backendID)
	}
	if s.active < s.max {
		s.active++
		s.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	return <-ch
}

// Release returns a slot. If waiters are queued, the slot transfers directly
// to the head of the queue (active is unchanged); otherwise active decrements.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		next <- nil
		return
	}
	if s.active > 0 {
		s.active--
	}
}

// Close drains the wait queue, failing every waiter with a disconnect error
// exactly once, and resets active to 0, per spec.md §4.3.
func (s *Semaphore) Close(backendID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, ch := range s.waiters {
		ch <- gwerrors.Disconnected(backendID)
	}
	s.waiters = nil
	s.active = 0
}

// Reopen allows a semaphore to be reused after a reconnect.
func (s *Semaphore) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	s.active = 0
	s.waiters = nil
}

// Active returns the current number of held slots, for tests/diagnostics.
func (s *Semaphore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Queued returns the current number of waiters, for tests/diagnostics.
func (s *Semaphore) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
