package follower

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"aibridge/pkg/metrics"
)

// ErrHeartbeatTimeout is returned when the leader stopped answering heartbeats.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// Heartbeat sends a beat every interval and fails once no pong has been
// observed for misses intervals.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	beat     func() error
	now      func() time.Time

	lastPong atomic.Int64
}

// NewHeartbeat starts the pong clock at construction time.
func NewHeartbeat(interval time.Duration, misses int, beat func() error) *Heartbeat {
	return newHeartbeat(interval, misses, beat, time.Now)
}

func newHeartbeat(interval time.Duration, misses int, beat func() error, now func() time.Time) *Heartbeat {
	h := &Heartbeat{
		interval: interval,
		timeout:  time.Duration(misses) * interval,
		beat:     beat,
		now:      now,
	}
	h.Observe()
	return h
}

// Observe records a pong.
func (h *Heartbeat) Observe() {
	h.lastPong.Store(h.now().UnixNano())
}

// LastPong is when the last pong was observed.
func (h *Heartbeat) LastPong() time.Time {
	return time.Unix(0, h.lastPong.Load())
}

// Expired reports whether more than the timeout passed since the last pong.
func (h *Heartbeat) Expired(now time.Time) bool {
	return now.Sub(h.LastPong()) > h.timeout
}

// Run beats until ctx is done, a beat fails, or the leader goes quiet.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if h.Expired(h.now()) {
				metrics.HeartbeatTimeouts.Inc()
				return ErrHeartbeatTimeout
			}
			if err := h.beat(); err != nil {
				return err
			}
			metrics.HeartbeatsSent.Inc()
		}
	}
}
