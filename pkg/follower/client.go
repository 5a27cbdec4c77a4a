// Package follower is the non-leader side of the bridge: a websocket client
// that announces itself to the leader, keeps the link alive with heartbeats,
// and reports when the link is gone so a new election can start.
package follower

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aibridge/pkg/metrics"
	"aibridge/pkg/models"
)

var (
	// ErrUnreachable is returned when the leader cannot be dialed.
	ErrUnreachable = errors.New("leader unreachable")
	// ErrClosed is returned when using a link that was closed.
	ErrClosed = errors.New("follower link closed")
)

// Options configures a follower link.
type Options struct {
	URL               string
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	Identity          models.Identity
}

// Client is one follower link. It is single use: once Lost is closed, dial a new one.
type Client struct {
	opts Options
	log  *zap.Logger
	ws   *websocket.Conn
	sink func(models.Message)
	hb   *Heartbeat

	writeMu sync.Mutex
	closed  bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lost     chan struct{}
	failOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// Dial connects to the leader, sends the join announcement and a state
// request, and starts heartbeating. sink receives every message the leader
// relays or replies with; it must not block for long.
func Dial(ctx context.Context, opts Options, sink func(models.Message), log *zap.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	dctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	ws, resp, err := dialer.DialContext(dctx, opts.URL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		log:    log,
		ws:     ws,
		sink:   sink,
		cancel: hbCancel,
		lost:   make(chan struct{}),
	}
	c.hb = NewHeartbeat(opts.HeartbeatInterval, opts.HeartbeatMisses, c.beat)

	if err := c.announce(); err != nil {
		hbCancel()
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c.wg.Add(2)
	go c.readLoop()
	go func() {
		defer c.wg.Done()
		if err := c.hb.Run(hbCtx); err != nil {
			c.fail(err)
		}
	}()

	log.Info("Joined leader", zap.String("url", opts.URL), zap.String("instance", opts.Identity.InstanceID))
	return c, nil
}

// Send writes msg to the leader. A failed write tears the link down.
func (c *Client) Send(msg models.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err = c.ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()

	if err != nil {
		c.fail(err)
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Lost is closed when the link is gone for any reason.
func (c *Client) Lost() <-chan struct{} { return c.lost }

// Err is why the link was lost, nil while it is up.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close says goodbye to the leader and tears the link down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	if !c.closed {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
	}
	c.writeMu.Unlock()

	c.fail(ErrClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) announce() error {
	now := time.Now()
	join, err := models.NewMessage(models.TypeJoin, c.opts.Identity.Join(now))
	if err != nil {
		return err
	}
	if err := c.Send(join); err != nil {
		return err
	}

	req, err := models.NewMessage(models.TypeStateRequest, models.StateRequestPayload{
		InstanceID: c.opts.Identity.InstanceID,
		Timestamp:  now.UTC(),
	})
	if err != nil {
		return err
	}
	return c.Send(req)
}

func (c *Client) beat() error {
	msg, err := models.NewMessage(models.TypeHeartbeat, models.HeartbeatPayload{
		Timestamp: time.Now().UTC(),
		ClientPID: c.opts.Identity.PID,
	})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		msg, err := models.Decode(frame)
		if err != nil {
			c.log.Debug("Ignoring malformed frame from leader", zap.Error(err))
			continue
		}

		switch msg.Type {
		case models.TypePong:
			c.hb.Observe()
			metrics.PongsReceived.Inc()
		case models.TypeError:
			c.log.Warn("Leader rejected a frame", zap.ByteString("data", msg.Data))
		default:
			if c.sink != nil {
				c.sink(msg)
			}
		}
	}
}

// fail stops the heartbeat before closing the socket, then closes Lost.
func (c *Client) fail(cause error) {
	c.failOnce.Do(func() {
		c.cancel()

		c.writeMu.Lock()
		c.closed = true
		_ = c.ws.Close()
		c.writeMu.Unlock()

		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		if errors.Is(cause, ErrClosed) {
			c.log.Info("Left leader")
		} else {
			c.log.Warn("Lost leader", zap.Error(cause))
		}
		close(c.lost)
	})
}
