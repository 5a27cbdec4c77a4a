package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"aibridge/pkg/coordination/port"
	"aibridge/pkg/metrics"
	tracing "aibridge/pkg/observability"
	"aibridge/pkg/resilience"
)

// ErrElectionFailed is reported when no attempt produced a leader or a follower link.
var ErrElectionFailed = errors.New("election failed")

// errReleased ends a leadership that gave up the endpoint because nobody was connected.
var errReleased = errors.New("leadership released")

const resignTimeout = 5 * time.Second

// Config controls the election.
type Config struct {
	Address     string
	MaxAttempts int
	RetryDelay  time.Duration
}

// Elector decides whether this process leads or follows, and keeps deciding
// as leaders come and go. Exactly one process per address can win because
// winning means holding the bound listener.
type Elector struct {
	cfg      Config
	prober   Prober
	host     Host
	join     Joiner
	observer Observer
	log      *zap.Logger

	role atomic.Int32
	wake chan struct{}

	mu         sync.Mutex
	leadership Leadership
	membership Membership
}

// NewElector wires the election. observer may be nil.
func NewElector(cfg Config, prober Prober, host Host, join Joiner, observer Observer, log *zap.Logger) *Elector {
	return &Elector{
		cfg:      cfg,
		prober:   prober,
		host:     host,
		join:     join,
		observer: observer,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

// Role returns the current role.
func (e *Elector) Role() Role {
	return Role(e.role.Load())
}

// Wake asks an unelected instance to run the election again. It does nothing
// while the instance leads or follows.
func (e *Elector) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run elects, holds the resulting role, and re-elects when it ends, until ctx
// is done. A failed election or an idle release leaves the instance unelected
// until Wake is called.
func (e *Elector) Run(ctx context.Context) error {
	for {
		err := e.establish(ctx)
		for err == nil {
			err = e.hold(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}

		e.setRole(RoleUnelected)
		if !errors.Is(err, errReleased) {
			e.log.Error("Election failed", zap.Error(err))
			if e.observer != nil {
				e.observer.ElectionFailed(err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
			e.log.Info("Re-running election on request")
		}
	}
}

// Resign closes whatever role is held. Call it after Run has returned.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	lead, member := e.leadership, e.membership
	e.leadership, e.membership = nil, nil
	e.mu.Unlock()

	e.setRole(RoleUnelected)

	var err error
	if lead != nil {
		err = lead.Close(ctx)
	}
	if member != nil {
		err = errors.Join(err, member.Close())
	}
	return err
}

// establish runs bounded election attempts.
func (e *Elector) establish(ctx context.Context) error {
	policy := resilience.RetryPolicy{
		MaxAttempts: e.cfg.MaxAttempts,
		Delay:       e.cfg.RetryDelay,
		OnRetry: func(attempt int, err error) {
			e.log.Warn("Election attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", e.cfg.RetryDelay),
				zap.Error(err),
			)
		},
	}

	err := policy.Do(ctx, e.attempt)
	if errors.Is(err, resilience.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %v", ErrElectionFailed, err)
	}
	return err
}

// attempt is one probe-then-join round.
func (e *Elector) attempt(ctx context.Context, attempt int) error {
	ctx, span := tracing.StartSpan(ctx, "election.establish",
		attribute.String("address", e.cfg.Address),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	ln, err := e.prober.TryAcquire(ctx, e.cfg.Address)
	if err == nil {
		lead, err := e.host(ctx, ln)
		if err != nil {
			_ = ln.Close()
			metrics.ElectionAttempts.WithLabelValues("host_failed").Inc()
			tracing.SetError(ctx, err)
			return fmt.Errorf("failed to start leader: %w", err)
		}
		e.becomeLeader(lead)
		span.SetAttributes(attribute.String("role", RoleLeader.String()))
		return nil
	}
	if !errors.Is(err, port.ErrOccupied) {
		e.log.Warn("Probe failed, trying to join instead",
			zap.String("trace_id", tracing.TraceID(ctx)),
			zap.Error(err),
		)
	}
	tracing.AddEvent(ctx, "endpoint.occupied")

	member, err := e.join(ctx)
	if err != nil {
		metrics.ElectionAttempts.WithLabelValues("unreachable").Inc()
		tracing.SetError(ctx, err)
		return err
	}
	e.becomeFollower(member)
	span.SetAttributes(attribute.String("role", RoleFollower.String()))
	return nil
}

// hold blocks while the current role lasts. It returns nil when the role was
// replaced by a new one, errReleased after an idle release, ctx.Err() on
// cancellation, or the error of a failed recovery.
func (e *Elector) hold(ctx context.Context) error {
	e.mu.Lock()
	lead, member := e.leadership, e.membership
	e.mu.Unlock()

	switch {
	case lead != nil:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lead.Released():
		}
		e.mu.Lock()
		e.leadership = nil
		e.mu.Unlock()

		closeCtx, cancel := context.WithTimeout(context.Background(), resignTimeout)
		defer cancel()
		if err := lead.Close(closeCtx); err != nil {
			e.log.Warn("Failed to close released leader", zap.Error(err))
		}
		e.log.Info("Leadership released, instance is now unelected")
		return errReleased

	case member != nil:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-member.Lost():
		}
		e.mu.Lock()
		e.membership = nil
		e.mu.Unlock()

		e.log.Warn("Follower link lost", zap.Error(member.Err()))
		e.setRole(RoleUnelected)
		return e.recoverFollower(ctx)

	default:
		return ErrElectionFailed
	}
}

func (e *Elector) becomeLeader(lead Leadership) {
	e.mu.Lock()
	e.leadership = lead
	e.membership = nil
	e.mu.Unlock()
	e.drainWake()
	metrics.ElectionAttempts.WithLabelValues("leader").Inc()
	e.log.Info("Elected leader", zap.String("address", e.cfg.Address))
	e.setRole(RoleLeader)
}

func (e *Elector) becomeFollower(member Membership) {
	e.mu.Lock()
	e.membership = member
	e.leadership = nil
	e.mu.Unlock()
	e.drainWake()
	metrics.ElectionAttempts.WithLabelValues("follower").Inc()
	e.log.Info("Following leader", zap.String("address", e.cfg.Address))
	e.setRole(RoleFollower)
}

func (e *Elector) drainWake() {
	select {
	case <-e.wake:
	default:
	}
}

func (e *Elector) setRole(role Role) {
	prev := Role(e.role.Swap(int32(role)))
	if prev == role {
		return
	}
	metrics.SetRole(role.String())
	if e.observer != nil {
		e.observer.RoleChanged(role)
	}
}
