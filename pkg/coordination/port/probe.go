// Package port decides leadership by trying to bind the well-known endpoint.
// The operating system guarantees at most one listener per address, so the
// bind itself is the election.
package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrOccupied means another process already listens on the address.
	ErrOccupied = errors.New("address already in use")
	// ErrProbeFailed covers every other bind failure (permissions, bad host...).
	ErrProbeFailed = errors.New("port probe failed")
)

// Probe binds TCP listeners.
type Probe struct {
	lc net.ListenConfig
}

// NewProbe returns a Probe using the default listen configuration.
func NewProbe() *Probe {
	return &Probe{}
}

// TryAcquire binds addr exclusively. On success the caller owns the listener
// and must close it to relinquish the endpoint.
func (p *Probe) TryAcquire(ctx context.Context, addr string) (net.Listener, error) {
	ln, err := p.lc.Listen(ctx, "tcp", addr)
	if err == nil {
		return ln, nil
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("%w: %s", ErrOccupied, addr)
	}
	return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
}
