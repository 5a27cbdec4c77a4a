package coordination

import (
	"context"
	"net"
)

// Role is what an instance currently does for the bridge.
type Role int32

const (
	RoleUnelected Role = iota
	RoleLeader
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "unelected"
	}
}

// Prober tries to bind the well-known endpoint.
type Prober interface {
	// TryAcquire returns the bound listener, or an error if another process holds it.
	TryAcquire(ctx context.Context, addr string) (net.Listener, error)
}

// Leadership is a running leader.
type Leadership interface {
	// Released is closed when the leader gave up the endpoint on its own.
	Released() <-chan struct{}

	// Close stops the leader and releases the endpoint.
	Close(ctx context.Context) error
}

// Membership is a live follower link.
type Membership interface {
	// Lost is closed when the link to the leader is gone.
	Lost() <-chan struct{}

	// Err reports why the link was lost.
	Err() error

	// Close leaves the leader.
	Close() error
}

// Host starts serving on a freshly bound listener. ctx only bounds startup;
// the returned Leadership lives until it is closed or released.
type Host func(ctx context.Context, ln net.Listener) (Leadership, error)

// Joiner connects to the current leader as a follower.
type Joiner func(ctx context.Context) (Membership, error)

// Observer is told about role transitions and failed elections.
type Observer interface {
	RoleChanged(role Role)
	ElectionFailed(err error)
}
