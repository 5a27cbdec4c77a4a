package bridge

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"aibridge/pkg/api"
	"aibridge/pkg/hub"
	"aibridge/pkg/models"
)

// leader is the running leader role: the hub plus the HTTP server on the
// bound listener.
type leader struct {
	hub    *hub.Hub
	server *api.Server
	log    *zap.Logger

	released  chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// host starts a leader on ln.
func (s *Service) host(_ context.Context, ln net.Listener) (*leader, error) {
	h := hub.New(hub.Options{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout(),
		ShutdownGrace:     s.cfg.ShutdownGrace,
		WriteTimeout:      s.cfg.WriteTimeout,
		SendBuffer:        s.cfg.SendBuffer,
		StateTypes:        s.cfg.StateMessageTypes,
	}, s.broker.publish, s.log.Named("hub"))

	l := &leader{
		hub: h,
		server: api.NewServer(api.Config{
			Hub:         h,
			Leader:      s.identity,
			ServiceName: serviceName,
			Logger:      s.log.Named("api"),
		}),
		log:      s.log.Named("leader"),
		released: make(chan struct{}),
		stop:     make(chan struct{}),
	}

	h.Start()
	go func() {
		if err := l.server.Serve(ln); err != nil {
			l.log.Error("Endpoint stopped serving", zap.Error(err))
		}
	}()
	go l.watchIdle()
	return l, nil
}

// watchIdle gives up the endpoint once the hub released itself.
func (l *leader) watchIdle() {
	select {
	case <-l.stop:
	case <-l.hub.Idle():
		if err := l.server.Close(); err != nil {
			l.log.Warn("Failed to close endpoint", zap.Error(err))
		}
		close(l.released)
	}
}

func (l *leader) publish(msg models.Message) error {
	_, err := l.hub.Publish(msg)
	return err
}

// Released is closed after an idle release.
func (l *leader) Released() <-chan struct{} { return l.released }

// Close drops every connection, then stops the HTTP server and its listener.
func (l *leader) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		l.hub.Close()
		if shutdownErr := l.server.Shutdown(ctx); shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
			err = shutdownErr
		}
	})
	return err
}
