package hub

import (
	"sync"
	"time"
)

// ShutdownScheduler holds at most one idle timer. Every Arm and Cancel bumps a
// generation counter so an expiry racing with a Cancel can be recognised as stale.
type ShutdownScheduler struct {
	mu       sync.Mutex
	grace    time.Duration
	timer    *time.Timer
	gen      uint64
	onExpire func(token uint64)
}

// NewShutdownScheduler calls onExpire with the generation that expired.
func NewShutdownScheduler(grace time.Duration, onExpire func(token uint64)) *ShutdownScheduler {
	return &ShutdownScheduler{grace: grace, onExpire: onExpire}
}

// Arm starts the grace timer unless one is already pending.
func (s *ShutdownScheduler) Arm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return false
	}
	s.gen++
	token := s.gen
	s.timer = time.AfterFunc(s.grace, func() { s.expire(token) })
	return true
}

// Cancel stops the pending timer, if any, and invalidates any expiry in flight.
func (s *ShutdownScheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

// Pending reports whether a timer is armed.
func (s *ShutdownScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Current reports whether token is still the latest generation.
func (s *ShutdownScheduler) Current(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == token
}

func (s *ShutdownScheduler) expire(token uint64) {
	s.mu.Lock()
	if s.gen != token {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if s.onExpire != nil {
		s.onExpire(token)
	}
}
