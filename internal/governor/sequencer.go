package governor

import (
	"context"
	"sync"
)

// Sequencer admits panels strictly in order. Panel i may query once the
// active index has reached i; when it settles it calls Advance so panel i+1
// can start.
type Sequencer struct {
	mu      sync.Mutex
	active  int
	changed chan struct{}
}

func NewSequencer() *Sequencer {
	return &Sequencer{changed: make(chan struct{})}
}

// Wait blocks until Active() >= i or ctx is done.
func (s *Sequencer) Wait(ctx context.Context, i int) error {
	for {
		s.mu.Lock()
		if s.active >= i {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Advance moves the active index forward by one.
func (s *Sequencer) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
	s.broadcastLocked()
}

// Reset snaps the active index back to 0 so panels reload in order again.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = 0
	s.broadcastLocked()
}

// Active returns the current active index.
func (s *Sequencer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Sequencer) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
