package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"workerhub/internal/protocol"
	"workerhub/internal/store"
)

func startServer(t *testing.T, h *Hub, config *Config) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewAPIServer(h, config).Router())
	t.Cleanup(server.Close)
	return server
}

func dialWorker(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebSocketHandshake(t *testing.T) {
	config := testConfig()
	h := newTestHubWithConfig(t, config)
	server := startServer(t, h, config)

	ws := dialWorker(t, server)
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "auth", "token": workerToken(t, h, "ws-worker")}))

	ack := readFrame(t, ws)
	assert.Equal(t, string(protocol.TypeAuthOK), ack["type"])
	assert.Equal(t, "ws-worker", ack["workerId"])

	require.Eventually(t, func() bool { return h.WorkerCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteJSON(protocol.Heartbeat{
		Type:         protocol.TypeHeartbeat,
		Load:         0.25,
		Capabilities: &protocol.Capabilities{OS: "linux"},
	}))
	require.Eventually(t, func() bool {
		info, err := h.Worker("ws-worker")
		return err == nil && info.Load == 0.25
	}, time.Second, 10*time.Millisecond)

	// Closing the socket removes the worker
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()
	assert.Eventually(t, func() bool { return h.WorkerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketAuthFailureCloseCode(t *testing.T) {
	config := testConfig()
	h := newTestHubWithConfig(t, config)
	server := startServer(t, h, config)

	ws := dialWorker(t, server)
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "auth", "token": "garbage"}))

	frame := readFrame(t, ws)
	assert.Equal(t, string(protocol.TypeAuthError), frame["type"])

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseAuthFailed, closeErr.Code)
}

func TestWebSocketAuthTimeoutCloseCode(t *testing.T) {
	config := testConfig()
	h := newTestHubWithConfig(t, config)
	server := startServer(t, h, config)

	ws := dialWorker(t, server)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseAuthTimeout, closeErr.Code)
}

func TestAPIWorkers(t *testing.T) {
	config := testConfig()
	h := newTestHubWithConfig(t, config)
	server := startServer(t, h, config)

	connectWorker(t, h, "api-worker", &protocol.Capabilities{OS: "linux"}, 0.5)

	resp, err := http.Get(server.URL + "/api/v1/workers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Workers []WorkerInfo `json:"workers"`
		Count   int          `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "api-worker", body.Workers[0].WorkerID)

	resp, err = http.Get(server.URL + "/api/v1/workers/nobody")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/workers/api-worker", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, h.WorkerCount())
}

func TestAPIRequiresOperatorToken(t *testing.T) {
	config := testConfig()
	config.Server.APIAuth = true
	h := newTestHubWithConfig(t, config)
	server := startServer(t, h, config)

	resp, err := http.Get(server.URL + "/api/v1/workers/count")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := h.JWT().GenerateToken("ops", RoleOperator, time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/workers/count", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays public
	resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIDispatchTaskWithoutWorkers(t *testing.T) {
	config := testConfig()
	h := newTestHubWithConfig(t, config)
	server := startServer(t, h, config)

	resp, err := http.Post(server.URL+"/api/v1/tasks", "application/json", strings.NewReader(`{"taskId":"t-1","agentId":"a"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var result DispatchResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.Dispatched)
	assert.Contains(t, result.Error, "No workers are connected")
}

func TestAPITaskHistory(t *testing.T) {
	db, err := store.NewDatabase(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	config := testConfig()
	h := newTestHubWithConfig(t, config, WithStore(db))
	server := startServer(t, h, config)

	c, _ := connectWorker(t, h, "w-history", nil, 0)
	require.True(t, h.DispatchTask(context.Background(), TaskSpec{TaskID: "task-h"}).Dispatched)
	sendFrame(t, h, c, protocol.TaskReport{Type: protocol.TypeTaskComplete, TaskID: "task-h", Output: json.RawMessage(`"ok"`), TokensUsed: 7})

	var history TaskHistory
	require.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + "/api/v1/tasks/task-h")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
			return false
		}
		return history.Status == TaskStatusCompleted && len(history.Executions) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "w-history", history.Executions[0].WorkerID)
	assert.Equal(t, 7, history.Executions[0].TokensUsed)

	resp, err := http.Get(server.URL + "/api/v1/tasks/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/v1/workers/w-history/record")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var record store.Worker
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	assert.Equal(t, "online", record.Status)
}

func TestAPITaskHistoryWithoutStore(t *testing.T) {
	config := testConfig()
	h := newTestHubWithConfig(t, config)
	server := startServer(t, h, config)

	resp, err := http.Get(server.URL + "/api/v1/tasks/task-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
