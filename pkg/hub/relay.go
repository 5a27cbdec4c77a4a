package hub

import (
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"aibridge/pkg/metrics"
	"aibridge/pkg/models"
)

// Relay routes frames received by the leader.
type Relay struct {
	registry *Registry
	cache    *StateCache
	local    func(models.Message)
	drop     func(c *Conn, reason string)
	pid      int
	log      *zap.Logger
}

func newRelay(registry *Registry, cache *StateCache, local func(models.Message), drop func(*Conn, string), log *zap.Logger) *Relay {
	return &Relay{
		registry: registry,
		cache:    cache,
		local:    local,
		drop:     drop,
		pid:      os.Getpid(),
		log:      log,
	}
}

// Handle processes one frame from connection from.
func (r *Relay) Handle(from *Conn, frame []byte) {
	msg, err := models.Decode(frame)
	if err != nil {
		metrics.MalformedFrames.Inc()
		r.log.Debug("Rejected malformed frame", zap.String("conn", from.ID()), zap.Error(err))
		r.reply(from, models.InvalidFrame())
		return
	}

	switch msg.Type {
	case models.TypeHeartbeat:
		pong, err := models.NewMessage(models.TypePong, models.PongPayload{
			Timestamp: time.Now().UTC(),
			ServerPID: r.pid,
		})
		if err == nil {
			r.reply(from, pong)
		}

	case models.TypePong:
		// liveness only; already recorded by the read loop

	case models.TypeJoin:
		var join models.JoinPayload
		if err := msg.DecodeData(&join); err != nil {
			r.log.Debug("Join without identity", zap.String("conn", from.ID()), zap.Error(err))
			return
		}
		from.setInstanceID(join.InstanceID)
		r.log.Info("Instance joined",
			zap.String("conn", from.ID()),
			zap.String("instance", join.InstanceID),
			zap.Int("pid", join.PID),
			zap.String("process", join.Process),
		)

	case models.TypeStateRequest:
		snap, ok := r.cache.Current()
		if !ok {
			return
		}
		r.reply(from, models.Message{Type: models.TypeCurrentState, Data: snap.Data})

	default:
		r.Broadcast(from, msg, frame)
	}
}

// Broadcast delivers frame to every open connection except from, updates the
// state cache, and hands payloads that came from a connection to the local
// sink. from is nil for messages published by the leader itself. It returns
// how many connections the frame was queued on.
func (r *Relay) Broadcast(from *Conn, msg models.Message, frame []byte) int {
	delivered := 0
	for _, c := range r.registry.All() {
		if c == from || c.State() != StateOpen {
			continue
		}
		if err := c.Send(frame); err != nil {
			reason := "send_failed"
			if errors.Is(err, ErrSendBufferFull) {
				reason = "slow_consumer"
			}
			r.log.Warn("Dropping connection on failed send", zap.String("conn", c.ID()), zap.Error(err))
			r.drop(c, reason)
			continue
		}
		delivered++
	}

	if r.cache.Offer(msg) {
		metrics.StateUpdates.WithLabelValues(msg.Type).Inc()
	}
	if from != nil && r.local != nil {
		r.local(msg)
	}

	metrics.RecordRelay(msg.Type, delivered)
	r.log.Debug("Relayed message", zap.String("type", msg.Type), zap.Int("delivered", delivered))
	return delivered
}

func (r *Relay) reply(to *Conn, msg models.Message) {
	frame, err := msg.Encode()
	if err != nil {
		r.log.Error("Failed to encode reply", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if err := to.Send(frame); err != nil {
		r.drop(to, "send_failed")
	}
}
