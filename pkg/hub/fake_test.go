package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"aibridge/pkg/models"
)

var errFakeClosed = errors.New("fake socket closed")

// fakeWS stands in for *websocket.Conn.
type fakeWS struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	out         [][]byte
	pings       int
	pong        func(string) error
	answerPings bool
	failWrites  bool
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.in:
		return websocket.TextMessage, frame, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeWS) WriteMessage(kind int, data []byte) error {
	f.mu.Lock()
	if f.failWrites {
		f.mu.Unlock()
		return errFakeClosed
	}
	if kind == websocket.PingMessage {
		f.pings++
		pong, answer := f.pong, f.answerPings
		f.mu.Unlock()
		if answer && pong != nil {
			return pong("")
		}
		return nil
	}
	f.out = append(f.out, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeWS) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// receive simulates the peer sending a frame.
func (f *fakeWS) receive(frame string) { f.in <- []byte(frame) }

func (f *fakeWS) sent() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, 0, len(f.out))
	for _, frame := range f.out {
		msg, err := models.Decode(frame)
		if err == nil {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeWS) rawSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.out...)
}

func (f *fakeWS) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func testOptions() Options {
	return Options{
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  3 * time.Hour,
		ShutdownGrace:     time.Hour,
		WriteTimeout:      time.Second,
		SendBuffer:        16,
		StateTypes:        models.DefaultStateTypes,
	}
}

type localSink struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (s *localSink) deliver(msg models.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *localSink) received() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.msgs...)
}

func startHub(t *testing.T, opts Options) (*Hub, *localSink) {
	t.Helper()
	sink := &localSink{}
	h := New(opts, sink.deliver, zaptest.NewLogger(t))
	h.Start()
	t.Cleanup(h.Close)
	return h, sink
}

// attach connects a fake peer and waits until it is registered.
func attach(t *testing.T, h *Hub) *fakeWS {
	t.Helper()
	ws := newFakeWS()
	before := h.Count()
	go func() { _ = h.Attach(ws, "127.0.0.1:0") }()
	require.Eventually(t, func() bool { return h.Count() > before }, time.Second, time.Millisecond)
	return ws
}

func mustFrame(t *testing.T, msgType string, data any) string {
	t.Helper()
	msg, err := models.NewMessage(msgType, data)
	require.NoError(t, err)
	frame, err := json.Marshal(msg)
	require.NoError(t, err)
	return string(frame)
}
