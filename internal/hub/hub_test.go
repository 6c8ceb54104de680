package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"workerhub/internal/protocol"
)

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport records frames written by the hub
type fakeTransport struct {
	mu          sync.Mutex
	addr        string
	frames      chan []byte
	closed      bool
	closeCode   int
	closeReason string
	failSends   bool
	pings       int
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{addr: addr, frames: make(chan []byte, 128)}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failSends {
		return errFakeClosed
	}
	f.frames <- data
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errFakeClosed
	}
	f.pings++
	return nil
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		f.closeReason = reason
	}
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.addr }

func (f *fakeTransport) setFailSends(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSends = fail
}

func (f *fakeTransport) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// next returns the next frame as a generic map
func (f *fakeTransport) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case data := <-f.frames:
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

// nextOfType skips frames until one of type typ arrives
func (f *fakeTransport) nextOfType(t *testing.T, typ protocol.MessageType) map[string]interface{} {
	t.Helper()
	for {
		frame := f.next(t)
		if frame["type"] == string(typ) {
			return frame
		}
	}
}

func (f *fakeTransport) assertNoFrame(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func testConfig() *Config {
	config := NewDefaultConfig()
	config.Auth.Timeout = "200ms"
	config.Liveness.PingInterval = "1h"
	config.Liveness.PongWait = "2h"
	config.Calls.DefaultTimeout = "2s"
	return config
}

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	return newTestHubWithConfig(t, testConfig(), opts...)
}

func newTestHubWithConfig(t *testing.T, config *Config, opts ...Option) *Hub {
	t.Helper()
	require.NoError(t, config.Validate())
	h := NewHub(config, opts...)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

func sendFrame(t *testing.T, h *Hub, c *WorkerConn, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	h.HandleMessage(c, data)
}

func workerToken(t *testing.T, h *Hub, workerID string) string {
	t.Helper()
	token, err := h.JWT().GenerateToken(workerID, RoleWorker, time.Hour)
	require.NoError(t, err)
	return token
}

// connectWorker authenticates workerID and reports caps and load
func connectWorker(t *testing.T, h *Hub, workerID string, caps *protocol.Capabilities, load float64) (*WorkerConn, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport(workerID + ":1234")
	c := h.Connect(transport)

	sendFrame(t, h, c, map[string]interface{}{"type": "auth", "token": workerToken(t, h, workerID)})
	ack := transport.nextOfType(t, protocol.TypeAuthOK)
	require.Equal(t, workerID, ack["workerId"])

	sendFrame(t, h, c, protocol.Heartbeat{Type: protocol.TypeHeartbeat, Load: load, Capabilities: caps})
	return c, transport
}

func TestAuthenticationHandshake(t *testing.T) {
	h := newTestHub(t)

	t.Run("valid token registers the worker", func(t *testing.T) {
		c, transport := connectWorker(t, h, "w-auth", &protocol.Capabilities{OS: "linux"}, 0)

		assert.Equal(t, StateAuthenticated, c.State())
		assert.Equal(t, "w-auth", c.WorkerID())
		assert.Same(t, c, h.Registry().Get("w-auth"))

		closed, _ := transport.closedWith()
		assert.False(t, closed)
	})

	t.Run("invalid token is rejected with 4002", func(t *testing.T) {
		transport := newFakeTransport("bad:1")
		c := h.Connect(transport)

		sendFrame(t, h, c, map[string]interface{}{"type": "auth", "token": "not-a-jwt"})

		frame := transport.nextOfType(t, protocol.TypeAuthError)
		assert.NotEmpty(t, frame["error"])
		closed, code := transport.closedWith()
		assert.True(t, closed)
		assert.Equal(t, protocol.CloseAuthFailed, code)
		assert.Equal(t, 0, h.Registry().PendingCount())
	})

	t.Run("token signed with another secret is rejected", func(t *testing.T) {
		other := NewJWTService("a-completely-different-secret-of-sufficient-length", "workerhub")
		token, err := other.GenerateToken("w-forged", RoleWorker, time.Hour)
		require.NoError(t, err)

		transport := newFakeTransport("forged:1")
		c := h.Connect(transport)
		sendFrame(t, h, c, map[string]interface{}{"type": "auth", "token": token})

		transport.nextOfType(t, protocol.TypeAuthError)
		assert.Nil(t, h.Registry().Get("w-forged"))
	})

	t.Run("messages before auth are refused", func(t *testing.T) {
		transport := newFakeTransport("early:1")
		c := h.Connect(transport)

		sendFrame(t, h, c, protocol.Heartbeat{Type: protocol.TypeHeartbeat, Load: 1})

		frame := transport.nextOfType(t, protocol.TypeError)
		assert.Equal(t, "not_authenticated", frame["error"])
		assert.Equal(t, StateConnecting, c.State())
		h.Disconnect(c)
	})

	t.Run("second auth on the same connection is an error", func(t *testing.T) {
		c, transport := connectWorker(t, h, "w-twice", nil, 0)

		sendFrame(t, h, c, map[string]interface{}{"type": "auth", "token": workerToken(t, h, "w-twice")})

		frame := transport.nextOfType(t, protocol.TypeError)
		assert.Equal(t, "already_authenticated", frame["error"])
		assert.Equal(t, StateAuthenticated, c.State())
	})
}

func TestAuthTimeout(t *testing.T) {
	h := newTestHub(t)

	transport := newFakeTransport("slow:1")
	c := h.Connect(transport)
	require.Equal(t, 1, h.Registry().PendingCount())

	assert.Eventually(t, func() bool {
		closed, code := transport.closedWith()
		return closed && code == protocol.CloseAuthTimeout
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, h.Registry().PendingCount())
	assert.Equal(t, 0, h.WorkerCount())
}

func TestAuthenticatedConnectionOutlivesAuthTimeout(t *testing.T) {
	h := newTestHub(t)

	_, transport := connectWorker(t, h, "w-stays", nil, 0)
	time.Sleep(400 * time.Millisecond)

	closed, _ := transport.closedWith()
	assert.False(t, closed)
	assert.Equal(t, 1, h.WorkerCount())
}

func TestReconnectSupersedesPreviousConnection(t *testing.T) {
	h := newTestHub(t)

	first, firstTransport := connectWorker(t, h, "w-re", nil, 0)
	second, _ := connectWorker(t, h, "w-re", nil, 0)

	closed, code := firstTransport.closedWith()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseSuperseded, code)
	assert.Equal(t, StateDisconnected, first.State())

	assert.Same(t, second, h.Registry().Get("w-re"))
	assert.Equal(t, 1, h.WorkerCount())

	// The old transport reporting its close must not evict the new one
	h.Disconnect(first)
	assert.Same(t, second, h.Registry().Get("w-re"))
}

func TestDisconnectRemovesWorker(t *testing.T) {
	h := newTestHub(t)

	c, _ := connectWorker(t, h, "w-gone", nil, 0)
	require.Equal(t, 1, h.WorkerCount())

	h.Disconnect(c)
	h.Disconnect(c)

	assert.Equal(t, 0, h.WorkerCount())
	_, err := h.Worker("w-gone")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestDisconnectWorker(t *testing.T) {
	h := newTestHub(t)

	_, transport := connectWorker(t, h, "w-kick", nil, 0)

	require.NoError(t, h.DisconnectWorker("w-kick"))
	closed, code := transport.closedWith()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseDisconnected, code)

	assert.ErrorIs(t, h.DisconnectWorker("w-kick"), ErrWorkerNotFound)
}

func TestHeartbeatUpdatesMetadata(t *testing.T) {
	h := newTestHub(t)

	c, _ := connectWorker(t, h, "w-hb", &protocol.Capabilities{OS: "linux", Tags: []string{"gpu"}}, 0.5)

	info, err := h.Worker("w-hb")
	require.NoError(t, err)
	assert.Equal(t, 0.5, info.Load)
	require.NotNil(t, info.Capabilities)
	assert.Equal(t, "linux", info.Capabilities.OS)
	assert.NotNil(t, info.LastHeartbeat)

	// A heartbeat without capabilities keeps the previous ones
	sendFrame(t, h, c, protocol.Heartbeat{Type: protocol.TypeHeartbeat, Load: 2, ActiveTasks: 3})

	info, err = h.Worker("w-hb")
	require.NoError(t, err)
	assert.Equal(t, 2.0, info.Load)
	assert.Equal(t, 3, info.ActiveTasks)
	require.NotNil(t, info.Capabilities)
	assert.Equal(t, []string{"gpu"}, info.Capabilities.Tags)
}

func TestMalformedAndUnknownFramesAreDropped(t *testing.T) {
	h := newTestHub(t)

	c, transport := connectWorker(t, h, "w-noise", nil, 0)

	h.HandleMessage(c, []byte("{not json"))
	h.HandleMessage(c, []byte(`{"type":"something:new","x":1}`))

	transport.assertNoFrame(t)
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestWorkersListedInRegistrationOrder(t *testing.T) {
	h := newTestHub(t)

	connectWorker(t, h, "w-a", nil, 0)
	connectWorker(t, h, "w-b", nil, 0)
	connectWorker(t, h, "w-c", nil, 0)

	var ids []string
	for _, info := range h.Workers() {
		ids = append(ids, info.WorkerID)
	}
	assert.Equal(t, []string{"w-a", "w-b", "w-c"}, ids)
	assert.Equal(t, 3, h.WorkerCount())
}

func TestBroadcast(t *testing.T) {
	h := newTestHub(t)

	_, first := connectWorker(t, h, "w-1", nil, 0)
	_, second := connectWorker(t, h, "w-2", nil, 0)
	_, broken := connectWorker(t, h, "w-3", nil, 0)
	broken.setFailSends(true)

	sent := h.BroadcastConfig(json.RawMessage(`{"model":"fast"}`))
	assert.Equal(t, 2, sent)

	for _, transport := range []*fakeTransport{first, second} {
		frame := transport.nextOfType(t, protocol.TypeConfigUpdate)
		assert.Equal(t, map[string]interface{}{"model": "fast"}, frame["config"])
	}

	sent = h.BroadcastUpdate("1.4.0", "https://example.com/worker-1.4.0")
	assert.Equal(t, 2, sent)
	frame := first.nextOfType(t, protocol.TypeUpdateAvailable)
	assert.Equal(t, "1.4.0", frame["version"])
}

func TestStopClosesConnections(t *testing.T) {
	config := testConfig()
	require.NoError(t, config.Validate())
	h := NewHub(config)
	require.NoError(t, h.Start())

	_, transport := connectWorker(t, h, "w-stop", nil, 0)
	h.Stop()

	closed, _ := transport.closedWith()
	assert.True(t, closed)
	assert.Equal(t, 0, h.WorkerCount())
}

func TestKeepAlivePings(t *testing.T) {
	config := testConfig()
	config.Liveness.PingInterval = "20ms"
	config.Liveness.PongWait = "1s"
	h := newTestHubWithConfig(t, config)

	c, transport := connectWorker(t, h, "w-ping", nil, 0)
	assert.Eventually(t, func() bool { return transport.pingCount() >= 2 }, time.Second, 10*time.Millisecond)

	h.Disconnect(c)
	stopped := transport.pingCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, transport.pingCount())
}

func TestAuthAckPrecedesPlacement(t *testing.T) {
	st := newMemoryStore()
	st.config = json.RawMessage(`{"model":"fast"}`)
	st.configDelay = 300 * time.Millisecond
	h := newTestHub(t, WithStore(st))

	transport := newFakeTransport("w-slow-ack:1")
	c := h.Connect(transport)
	token := workerToken(t, h, "w-slow-ack")

	authDone := make(chan struct{})
	go func() {
		defer close(authDone)
		h.HandleMessage(c, []byte(`{"type":"auth","token":"`+token+`"}`))
	}()

	// The snapshot is still loading, so the worker is not placeable yet
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.WorkerCount())
	assert.False(t, h.DispatchTask(context.Background(), TaskSpec{TaskID: "task-early"}).Dispatched)

	require.Eventually(t, func() bool {
		return h.DispatchTask(context.Background(), TaskSpec{TaskID: "task-after-ack"}).Dispatched
	}, 2*time.Second, 10*time.Millisecond)
	<-authDone

	first := transport.next(t)
	assert.Equal(t, string(protocol.TypeAuthOK), first["type"])
	assert.Equal(t, map[string]interface{}{"model": "fast"}, first["config"])
	assert.Equal(t, "task-after-ack", transport.nextOfType(t, protocol.TypeTaskAssign)["taskId"])

	// The slow lookup outlasted the auth window without closing the connection
	closed, _ := transport.closedWith()
	assert.False(t, closed)
}

func TestBroadcastConfigReachesLaterWorkers(t *testing.T) {
	st := newMemoryStore()
	h := newTestHub(t, WithStore(st))
	connectWorker(t, h, "w-early", nil, 0)

	config := json.RawMessage(`{"maxTokens":8000}`)
	assert.Equal(t, 1, h.BroadcastConfig(config))
	require.Eventually(t, func() bool { return string(st.sharedConfig()) == string(config) }, time.Second, 10*time.Millisecond)

	transport := newFakeTransport("w-late:1")
	c := h.Connect(transport)
	sendFrame(t, h, c, map[string]interface{}{"type": "auth", "token": workerToken(t, h, "w-late")})

	ack := transport.nextOfType(t, protocol.TypeAuthOK)
	assert.Equal(t, map[string]interface{}{"maxTokens": 8000.0}, ack["config"])
}
