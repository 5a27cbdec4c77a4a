package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed is returned when sending to a connection that is not open.
	ErrConnClosed = errors.New("connection is not open")
	// ErrSendBufferFull is returned when a connection cannot keep up with the relay.
	ErrSendBufferFull = errors.New("connection send buffer full")
)

// State is the lifecycle of a leader-side connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// wsConn is the part of *websocket.Conn the hub uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type outbound struct {
	kind int
	data []byte
}

// ConnInfo describes a connection for diagnostics.
type ConnInfo struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instanceId,omitempty"`
	Remote      string    `json:"remote"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Conn is one websocket peer of the leader. Writes go through a bounded queue
// drained by a single pump goroutine, so Send never blocks.
type Conn struct {
	id          string
	remote      string
	ws          wsConn
	connectedAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64

	mu         sync.Mutex
	instanceID string

	send         chan outbound
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newConn(ws wsConn, remote string, buffer int, writeTimeout time.Duration) *Conn {
	now := time.Now()
	c := &Conn{
		id:           uuid.NewString(),
		remote:       remote,
		ws:           ws,
		connectedAt:  now,
		send:         make(chan outbound, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// ID is the leader-assigned connection id.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// InstanceID is the identity declared by extension_join, empty until then.
func (c *Conn) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

func (c *Conn) setInstanceID(id string) {
	c.mu.Lock()
	c.instanceID = id
	c.mu.Unlock()
}

// LastSeen is the last time any frame or pong arrived from the peer.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Info snapshots the connection for diagnostics.
func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		ID:          c.id,
		InstanceID:  c.InstanceID(),
		Remote:      c.remote,
		State:       c.State().String(),
		ConnectedAt: c.connectedAt,
		LastSeen:    c.LastSeen(),
	}
}

// Send queues a text frame.
func (c *Conn) Send(frame []byte) error {
	return c.enqueue(outbound{kind: websocket.TextMessage, data: frame})
}

// Ping queues a websocket ping; the peer's pong refreshes LastSeen.
func (c *Conn) Ping() error {
	return c.enqueue(outbound{kind: websocket.PingMessage})
}

func (c *Conn) enqueue(msg outbound) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// writePump is the only writer of the socket. onFail runs once if a write fails.
func (c *Conn) writePump(onFail func(error)) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(msg.kind, msg.data); err != nil {
				onFail(err)
				return
			}
		}
	}
}

// close stops the pump and the socket. Safe to call more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		_ = c.ws.Close()
		c.setState(StateClosed)
	})
}
