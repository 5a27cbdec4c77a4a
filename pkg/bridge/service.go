// Package bridge runs one bridge instance per process: it takes part in the
// election, serves as leader or follows the leader, and moves messages between
// the local event source and every other instance.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	config "aibridge/configs"
	"aibridge/pkg/coordination"
	"aibridge/pkg/coordination/port"
	"aibridge/pkg/follower"
	"aibridge/pkg/logger"
	"aibridge/pkg/models"
)

const serviceName = "aibridge"

var (
	// ErrNotConnected is returned by Publish while the instance neither leads nor follows.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrControlMessage is returned when publishing a message type reserved for the protocol.
	ErrControlMessage = errors.New("control messages cannot be published")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("bridge already started")
)

// Status is a point-in-time view of the service.
type Status struct {
	Role        string          `json:"role"`
	Identity    models.Identity `json:"identity"`
	Address     string          `json:"address"`
	Connections int             `json:"connections"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to the process logger named "bridge".
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithIdentity overrides the identity announced to the leader.
func WithIdentity(id models.Identity) Option {
	return func(s *Service) { s.identity = id }
}

// WithProber replaces the port probe.
func WithProber(p coordination.Prober) Option {
	return func(s *Service) { s.prober = p }
}

// WithObserver adds an observer of role changes and election failures.
func WithObserver(o coordination.Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

// Service is the bridge instance of one process.
type Service struct {
	cfg       *config.Config
	log       *zap.Logger
	identity  models.Identity
	prober    coordination.Prober
	observers []coordination.Observer

	elector *coordination.Elector
	broker  *broker
	errs    chan error

	mu       sync.Mutex
	started  bool
	leader   *leader
	follower *follower.Client
	cancel   context.CancelFunc
	done     chan struct{}

	first     chan error
	firstOnce sync.Once
}

// New creates a service. Nothing happens until Start.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		log:    logger.Named("bridge"),
		prober: port.NewProbe(),
		broker: newBroker(),
		errs:   make(chan error, 8),
		first:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.identity.InstanceID == "" {
		s.identity = NewIdentity()
	}
	s.log = s.log.With(zap.String("instance", s.identity.InstanceID))

	s.elector = coordination.NewElector(
		coordination.Config{
			Address:     cfg.Address(),
			MaxAttempts: cfg.MaxElectionAttempts,
			RetryDelay:  cfg.RetryDelay,
		},
		s.prober,
		s.hostLeader,
		s.joinLeader,
		(*serviceObserver)(s),
		s.log.Named("elector"),
	)
	return s, nil
}

// Start runs the election and returns once this instance leads or follows,
// or with ErrElectionFailed if every attempt failed. The election keeps
// running in the background until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("Starting bridge",
		zap.String("address", s.cfg.Address()),
		zap.Int("pid", s.identity.PID),
	)

	go func() {
		defer close(s.done)
		_ = s.elector.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.first:
		return err
	}
}

// Stop leaves the bridge: a follower says goodbye, a leader closes every
// connection and the endpoint so the others fail over right away.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := s.elector.Resign(ctx)
	s.mu.Lock()
	s.leader, s.follower = nil, nil
	s.mu.Unlock()
	s.broker.close()
	s.log.Info("Bridge stopped")
	return err
}

// Publish hands a message from the local event source to every other
// instance. While unelected it returns ErrNotConnected and triggers a new
// election.
func (s *Service) Publish(msg models.Message) error {
	if msg.Type == "" {
		return fmt.Errorf("%w: empty type", models.ErrMalformed)
	}
	if msg.IsControl() {
		return fmt.Errorf("%w: %s", ErrControlMessage, msg.Type)
	}

	s.mu.Lock()
	l, f := s.leader, s.follower
	s.mu.Unlock()

	switch s.elector.Role() {
	case coordination.RoleLeader:
		if l != nil {
			return l.publish(msg)
		}
	case coordination.RoleFollower:
		if f != nil {
			err := f.Send(msg)
			if errors.Is(err, follower.ErrClosed) {
				return ErrNotConnected
			}
			return err
		}
	default:
		s.elector.Wake()
	}
	return ErrNotConnected
}

// Subscribe returns a subscription receiving every message relayed to this
// process, including state replays. buffer bounds how far a slow reader may
// fall behind before messages are dropped.
func (s *Service) Subscribe(buffer int) *Subscription {
	return s.broker.subscribe(buffer)
}

// Errors reports election failures. It is buffered; failures are dropped when full.
func (s *Service) Errors() <-chan error { return s.errs }

// Rejoin asks an unelected instance to run the election again.
func (s *Service) Rejoin() { s.elector.Wake() }

// Role returns the current role.
func (s *Service) Role() coordination.Role { return s.elector.Role() }

// Identity returns this process's identity.
func (s *Service) Identity() models.Identity { return s.identity }

// Status describes the service.
func (s *Service) Status() Status {
	st := Status{
		Role:     s.Role().String(),
		Identity: s.identity,
		Address:  s.cfg.Address(),
	}
	s.mu.Lock()
	if l := s.leader; l != nil && s.Role() == coordination.RoleLeader {
		st.Connections = l.hub.Count()
	}
	s.mu.Unlock()
	return st
}

func (s *Service) hostLeader(ctx context.Context, ln net.Listener) (coordination.Leadership, error) {
	l, err := s.host(ctx, ln)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.leader, s.follower = l, nil
	s.mu.Unlock()
	return l, nil
}

func (s *Service) joinLeader(ctx context.Context) (coordination.Membership, error) {
	c, err := follower.Dial(ctx, follower.Options{
		URL:               s.cfg.URL(),
		DialTimeout:       s.cfg.DialTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatMisses:   s.cfg.HeartbeatMisses,
		Identity:          s.identity,
	}, s.broker.publish, s.log.Named("follower"))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.follower, s.leader = c, nil
	s.mu.Unlock()
	return c, nil
}

// serviceObserver keeps the observer methods off the Service API.
type serviceObserver Service

func (o *serviceObserver) RoleChanged(role coordination.Role) {
	s := (*Service)(o)
	if role != coordination.RoleUnelected {
		s.firstOnce.Do(func() { s.first <- nil })
	}
	for _, obs := range s.observers {
		obs.RoleChanged(role)
	}
}

func (o *serviceObserver) ElectionFailed(err error) {
	s := (*Service)(o)
	s.firstOnce.Do(func() { s.first <- err })
	select {
	case s.errs <- err:
	default:
	}
	for _, obs := range s.observers {
		obs.ElectionFailed(err)
	}
}
