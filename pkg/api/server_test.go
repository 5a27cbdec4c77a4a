package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"aibridge/pkg/hub"
	"aibridge/pkg/models"
)

func newTestServer(t *testing.T, grace time.Duration) (*Server, *hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(hub.Options{
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  3 * time.Hour,
		ShutdownGrace:     grace,
		WriteTimeout:      time.Second,
		SendBuffer:        16,
		StateTypes:        models.DefaultStateTypes,
	}, nil, zaptest.NewLogger(t))
	h.Start()

	s := NewServer(Config{
		Hub:         h,
		Leader:      models.Identity{InstanceID: "leader-1", PID: 99, StartedAt: time.Now()},
		ServiceName: "aibridge-test",
		Logger:      zaptest.NewLogger(t),
	})
	gin.SetMode(gin.TestMode)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		h.Close()
		ts.Close()
	})
	return s, h, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) models.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := models.Decode(frame)
	require.NoError(t, err)
	return msg
}

func TestServer_RelayOverWebsocket(t *testing.T) {
	_, h, ts := newTestServer(t, time.Hour)
	a, b := dial(t, ts), dial(t, ts)
	require.Eventually(t, func() bool { return h.Count() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"fileSaved","data":{"path":"main.go"}}`)))

	msg := readMessage(t, b)
	assert.Equal(t, "fileSaved", msg.Type)
	assert.JSONEq(t, `{"path":"main.go"}`, string(msg.Data))
}

func TestServer_HeartbeatPong(t *testing.T) {
	_, _, ts := newTestServer(t, time.Hour)
	ws := dial(t, ts)

	hb, err := models.NewMessage(models.TypeHeartbeat, models.HeartbeatPayload{Timestamp: time.Now(), ClientPID: 1})
	require.NoError(t, err)
	frame, err := hb.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	assert.Equal(t, models.TypePong, readMessage(t, ws).Type)
}

func TestServer_PlainGETOnRootNeedsUpgrade(t *testing.T) {
	_, _, ts := newTestServer(t, time.Hour)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestServer_Diagnostics(t *testing.T) {
	s, h, ts := newTestServer(t, time.Hour)
	ws := dial(t, ts)
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, time.Millisecond)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	join, err := models.NewMessage(models.TypeJoin, models.JoinPayload{InstanceID: "window-7", PID: 7})
	require.NoError(t, err)
	frame, _ := join.Encode()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	msg, err := models.NewMessage("selectionChanged", map[string]int{"line": 3})
	require.NoError(t, err)
	_, err = h.Publish(msg)
	require.NoError(t, err)
	readMessage(t, ws)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var snap hub.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "selectionChanged", snap.Type)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "leader", health["role"])
	assert.Equal(t, float64(1), health["connections"])
	assert.Equal(t, true, health["statePopulated"])

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil))
		var body struct {
			Connections []hub.ConnInfo `json:"connections"`
			Count       int            `json:"count"`
		}
		if json.Unmarshal(w.Body.Bytes(), &body) != nil || body.Count != 1 {
			return false
		}
		return body.Connections[0].InstanceID == "window-7" && body.Connections[0].State == "open"
	}, time.Second, 5*time.Millisecond)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/leader", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var leader struct {
		Leader models.Identity `json:"leader"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &leader))
	assert.Equal(t, "leader-1", leader.Leader.InstanceID)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, time.Hour)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aibridge_")
}

func TestServer_ServeAndClose(t *testing.T) {
	s, _, _ := newTestServer(t, time.Hour)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}

	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err, "listener is released")
}
