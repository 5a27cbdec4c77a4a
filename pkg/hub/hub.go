// Package hub is the leader side of the bridge: it owns every websocket
// connection, relays payloads between them, answers heartbeats, and lets go of
// the endpoint once nobody has been connected for the grace period.
package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"aibridge/pkg/metrics"
	"aibridge/pkg/models"
)

// Options configures a Hub.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownGrace     time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	StateTypes        []string
}

// Hub is created when an instance wins the election and discarded when it
// releases the endpoint.
type Hub struct {
	opts     Options
	log      *zap.Logger
	registry *Registry
	cache    *StateCache
	relay    *Relay
	idle     *ShutdownScheduler

	idleCh   chan struct{}
	idleOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a hub. local receives every payload that arrives from a
// connection; it may be nil.
func New(opts Options, local func(models.Message), log *zap.Logger) *Hub {
	h := &Hub{
		opts:   opts,
		log:    log,
		cache:  NewStateCache(opts.StateTypes),
		idleCh: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	h.idle = NewShutdownScheduler(opts.ShutdownGrace, h.release)
	h.registry = NewRegistry(h.idle)
	h.relay = newRelay(h.registry, h.cache, local, h.drop, log)
	return h
}

// Start arms the idle timer for the initially empty registry and starts the
// liveness sweeper.
func (h *Hub) Start() {
	h.idle.Arm()
	h.wg.Add(1)
	go h.sweep()
	h.log.Info("Hub started",
		zap.Duration("heartbeat_interval", h.opts.HeartbeatInterval),
		zap.Duration("shutdown_grace", h.opts.ShutdownGrace),
	)
}

// Attach registers ws and serves it until the peer goes away. It blocks for
// the lifetime of the connection.
func (h *Hub) Attach(ws wsConn, remote string) error {
	c := newConn(ws, remote, h.opts.SendBuffer, h.opts.WriteTimeout)
	if err := h.registry.Register(c); err != nil {
		_ = ws.Close()
		return err
	}
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	h.log.Info("Connection opened",
		zap.String("conn", c.ID()),
		zap.String("remote", remote),
		zap.Int("connections", h.registry.Count()),
	)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump(func(err error) {
			h.log.Debug("Write failed", zap.String("conn", c.ID()), zap.Error(err))
			h.drop(c, "write_failed")
		})
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			h.drop(c, "closed")
			return nil
		}
		c.touch()
		h.relay.Handle(c, frame)
	}
}

// Publish relays a message originating in the leader process to every connection.
func (h *Hub) Publish(msg models.Message) (int, error) {
	frame, err := msg.Encode()
	if err != nil {
		return 0, err
	}
	return h.relay.Broadcast(nil, msg, frame), nil
}

// Count returns the number of registered connections.
func (h *Hub) Count() int { return h.registry.Count() }

// Connections describes every registered connection.
func (h *Hub) Connections() []ConnInfo {
	conns := h.registry.All()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// State returns the cached state message, if any.
func (h *Hub) State() (Snapshot, bool) { return h.cache.Current() }

// ShutdownPending reports whether the idle timer is running.
func (h *Hub) ShutdownPending() bool { return h.idle.Pending() }

// Idle is closed once the hub released itself after the grace period.
func (h *Hub) Idle() <-chan struct{} { return h.idleCh }

// Close drops every connection and stops all timers. Safe to call more than once.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	for _, c := range h.registry.Clear() {
		c.close()
	}
	h.wg.Wait()
}

func (h *Hub) drop(c *Conn, reason string) {
	if h.registry.Unregister(c) {
		metrics.ConnectionsDropped.WithLabelValues(reason).Inc()
		h.log.Info("Connection closed",
			zap.String("conn", c.ID()),
			zap.String("instance", c.InstanceID()),
			zap.String("reason", reason),
			zap.Int("connections", h.registry.Count()),
		)
	}
	c.close()
}

func (h *Hub) sweep() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			for _, c := range h.registry.All() {
				if now.Sub(c.LastSeen()) > h.opts.HeartbeatTimeout {
					h.log.Warn("Evicting silent connection",
						zap.String("conn", c.ID()),
						zap.Time("last_seen", c.LastSeen()),
					)
					h.drop(c, "heartbeat_timeout")
					continue
				}
				if err := c.Ping(); err != nil {
					h.drop(c, "send_failed")
				}
			}
		}
	}
}

// release runs on idle timer expiry.
func (h *Hub) release(token uint64) {
	if !h.registry.closeIfIdle(token) {
		return
	}
	metrics.IdleReleases.Inc()
	h.cache.Reset()
	h.stopOnce.Do(func() { close(h.stop) })
	h.log.Info("No connections left, releasing endpoint", zap.Duration("grace", h.opts.ShutdownGrace))
	h.idleOnce.Do(func() { close(h.idleCh) })
}
