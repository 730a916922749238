// Package governor throttles query load: a fixed-capacity FIFO semaphore for
// upstream calls and a sequencer that lets dashboard panels load one at a time.
package governor

import (
	"context"
	"sync"

	"github.com/andydixon/metricsdeck/internal/metrics"
)

// DefaultCapacity is the number of upstream queries allowed in flight.
const DefaultCapacity = 10

// Semaphore hands out at most Capacity slots. Waiters are resumed in FIFO
// order and a released slot goes straight to the head waiter, so the pool
// never has a free slot while someone is queued.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	running  int
	queue    []chan struct{}
}

func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Semaphore{capacity: capacity}
}

// Acquire takes a slot, waiting in line if none is free. It returns ctx.Err()
// if ctx ends first; in that case no slot is held.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.running < s.capacity {
		s.running++
		s.report()
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.queue = append(s.queue, ready)
	s.report()
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, ch := range s.queue {
			if ch == ready {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.report()
				return ctx.Err()
			}
		}
		// Release already handed us the slot; pass it on.
		s.releaseLocked()
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Semaphore) releaseLocked() {
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		close(next)
		s.report()
		return
	}
	if s.running == 0 {
		panic("governor: release without acquire")
	}
	s.running--
	s.report()
}

// Do runs fn while holding a slot. The slot is released exactly once, even if
// fn panics.
func (s *Semaphore) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx)
}

// Running reports the slots currently held.
func (s *Semaphore) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Queued reports the callers waiting for a slot.
func (s *Semaphore) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Capacity reports the configured number of slots.
func (s *Semaphore) Capacity() int { return s.capacity }

func (s *Semaphore) report() {
	metrics.GovernorRunning.Set(float64(s.running))
	metrics.GovernorQueued.Set(float64(len(s.queue)))
}
