package bridge

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	config "aibridge/configs"
	"aibridge/pkg/coordination"
	"aibridge/pkg/coordination/port"
	"aibridge/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Port, _ = strconv.Atoi(p)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ShutdownGrace = 5 * time.Second
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.MaxElectionAttempts = 10
	cfg.DialTimeout = 500 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

func startService(t *testing.T, cfg *config.Config, name string) *Service {
	t.Helper()
	s := newService(t, cfg, name)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	return s
}

func newService(t *testing.T, cfg *config.Config, name string) *Service {
	t.Helper()
	s, err := New(cfg,
		WithLogger(zaptest.NewLogger(t).Named(name)),
		WithIdentity(models.Identity{InstanceID: name, PID: 1, StartedAt: time.Now()}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func mustMessage(t *testing.T, msgType string, data any) models.Message {
	t.Helper()
	msg, err := models.NewMessage(msgType, data)
	require.NoError(t, err)
	return msg
}

func expectMessage(t *testing.T, sub *Subscription, msgType string) models.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-sub.C:
			require.True(t, ok, "subscription closed")
			if msg.Type == msgType {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message", msgType)
			return models.Message{}
		}
	}
}

func expectNothing(t *testing.T, sub *Subscription, msgType string) {
	t.Helper()
	timeout := time.After(150 * time.Millisecond)
	for {
		select {
		case msg := <-sub.C:
			require.NotEqual(t, msgType, msg.Type)
		case <-timeout:
			return
		}
	}
}

func waitRole(t *testing.T, s *Service, role coordination.Role) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Role() == role }, 5*time.Second, 5*time.Millisecond)
}

func dialExternal(t *testing.T, cfg *config.Config) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(cfg.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestService_FirstInstanceLeads(t *testing.T) {
	cfg := testConfig(t)
	s := startService(t, cfg, "a")

	assert.Equal(t, coordination.RoleLeader, s.Role())
	st := s.Status()
	assert.Equal(t, "leader", st.Role)
	assert.Equal(t, cfg.Address(), st.Address)
	assert.Equal(t, 0, st.Connections)

	stop(t, s)
	ln, err := port.NewProbe().TryAcquire(context.Background(), cfg.Address())
	require.NoError(t, err, "stop releases the endpoint")
	ln.Close()
}

func TestService_StartTwice(t *testing.T) {
	s := startService(t, testConfig(t), "a")
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestService_PublishRejectsControlMessages(t *testing.T) {
	s := startService(t, testConfig(t), "a")
	err := s.Publish(mustMessage(t, models.TypeHeartbeat, nil))
	assert.ErrorIs(t, err, ErrControlMessage)
}

func TestService_ThreeInstances(t *testing.T) {
	cfg := testConfig(t)
	a := startService(t, cfg, "a")
	b := startService(t, cfg, "b")
	c := startService(t, cfg, "c")
	require.Equal(t, coordination.RoleLeader, a.Role())
	require.Equal(t, coordination.RoleFollower, b.Role())
	require.Equal(t, coordination.RoleFollower, c.Role())

	ui := dialExternal(t, cfg)

	// Followers and the external client are all connections of the leader.
	require.Eventually(t, func() bool { return a.Status().Connections == 3 }, 2*time.Second, 5*time.Millisecond)

	subA, subB, subC := a.Subscribe(16), b.Subscribe(16), c.Subscribe(16)

	require.NoError(t, b.Publish(mustMessage(t, "selectionChanged", map[string]int{"line": 12})))

	expectMessage(t, subA, "selectionChanged")
	expectMessage(t, subC, "selectionChanged")
	require.NoError(t, ui.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := ui.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"selectionChanged"`)
	expectNothing(t, subB, "selectionChanged")

	require.NoError(t, a.Publish(mustMessage(t, "fileSaved", map[string]string{"path": "main.go"})))
	expectMessage(t, subB, "fileSaved")
	expectMessage(t, subC, "fileSaved")
	expectNothing(t, subA, "fileSaved")
}

func TestService_LateJoinerGetsCurrentState(t *testing.T) {
	cfg := testConfig(t)
	a := startService(t, cfg, "a")
	require.NoError(t, a.Publish(mustMessage(t, "cursorPositionChanged", map[string]int{"line": 3})))
	require.NoError(t, a.Publish(mustMessage(t, "chatMessage", map[string]string{"text": "not state"})))

	b := newService(t, cfg, "b")
	sub := b.Subscribe(16)
	require.NoError(t, b.Start(context.Background()))

	msg := expectMessage(t, sub, models.TypeCurrentState)
	assert.JSONEq(t, `{"line":3}`, string(msg.Data))
}

func TestService_Failover(t *testing.T) {
	cfg := testConfig(t)
	a := startService(t, cfg, "a")
	b := startService(t, cfg, "b")
	c := startService(t, cfg, "c")
	require.Equal(t, coordination.RoleLeader, a.Role())

	stop(t, a)

	require.Eventually(t, func() bool {
		roles := map[coordination.Role]int{}
		roles[b.Role()]++
		roles[c.Role()]++
		return roles[coordination.RoleLeader] == 1 && roles[coordination.RoleFollower] == 1
	}, 5*time.Second, 10*time.Millisecond)

	newLeader, survivor := b, c
	if c.Role() == coordination.RoleLeader {
		newLeader, survivor = c, b
	}
	require.Eventually(t, func() bool { return newLeader.Status().Connections == 1 }, 5*time.Second, 10*time.Millisecond)

	sub := newLeader.Subscribe(4)
	require.NoError(t, survivor.Publish(mustMessage(t, "fileOpened", map[string]string{"path": "x.go"})))
	expectMessage(t, sub, "fileOpened")
}

func TestService_ConcurrentStartsElectOneLeader(t *testing.T) {
	cfg := testConfig(t)
	const n = 6

	services := make([]*Service, n)
	for i := range services {
		services[i] = newService(t, cfg, "svc-"+strconv.Itoa(i))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, s := range services {
		wg.Add(1)
		go func(i int, s *Service) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs[i] = s.Start(ctx)
		}(i, s)
	}
	wg.Wait()

	leaders := 0
	for i, s := range services {
		require.NoError(t, errs[i])
		if s.Role() == coordination.RoleLeader {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestService_IdleReleaseAndRejoinOnPublish(t *testing.T) {
	cfg := testConfig(t)
	cfg.ShutdownGrace = 100 * time.Millisecond
	a := startService(t, cfg, "a")

	waitRole(t, a, coordination.RoleUnelected)
	ln, err := port.NewProbe().TryAcquire(context.Background(), cfg.Address())
	require.NoError(t, err, "idle leader gave up the endpoint")
	ln.Close()

	err = a.Publish(mustMessage(t, "fileSaved", nil))
	assert.ErrorIs(t, err, ErrNotConnected)
	waitRole(t, a, coordination.RoleLeader)
}

func TestService_ElectionFailsWhenEndpointIsNotABridge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxElectionAttempts = 2

	// Something else holds the port and speaks no websocket.
	squatter, err := net.Listen("tcp", cfg.Address())
	require.NoError(t, err)
	defer squatter.Close()
	go func() {
		for {
			conn, err := squatter.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	s := newService(t, cfg, "a")
	err = s.Start(context.Background())
	assert.ErrorIs(t, err, coordination.ErrElectionFailed)
	assert.Equal(t, coordination.RoleUnelected, s.Role())

	select {
	case reported := <-s.Errors():
		assert.ErrorIs(t, reported, coordination.ErrElectionFailed)
	default:
		t.Fatal("failure not reported on Errors")
	}
	assert.ErrorIs(t, s.Publish(mustMessage(t, "fileSaved", nil)), ErrNotConnected)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HeartbeatMisses = 1
	_, err := New(cfg)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "heartbeat_misses"))
}
