package hub

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"workerhub/internal/metrics"
	"workerhub/internal/protocol"
)

// runAsync starts fn and returns a channel with its result
func runAsync(fn func() CallResult) <-chan CallResult {
	done := make(chan CallResult, 1)
	go func() { done <- fn() }()
	return done
}

func awaitResult(t *testing.T, done <-chan CallResult) CallResult {
	t.Helper()
	select {
	case result := <-done:
		return result
	case <-time.After(3 * time.Second):
		t.Fatal("call did not return")
		return CallResult{}
	}
}

func TestExecuteToolRoundTrip(t *testing.T) {
	h := newTestHub(t)
	c, transport := connectWorker(t, h, "w-tools", nil, 0)

	done := runAsync(func() CallResult {
		return h.ExecuteTool(context.Background(), ToolCall{Name: "shell", Input: json.RawMessage(`{"cmd":"ls"}`)})
	})

	frame := transport.nextOfType(t, protocol.TypeToolExecute)
	assert.Equal(t, "shell", frame["toolName"])
	assert.Equal(t, map[string]interface{}{"cmd": "ls"}, frame["input"])
	callID, _ := frame["callId"].(string)
	require.NotEmpty(t, callID)
	assert.Equal(t, 1, h.PendingCalls())

	sendFrame(t, h, c, protocol.ToolResult{Type: protocol.TypeToolResult, CallID: callID, Success: true, Output: "a.txt"})

	result := awaitResult(t, done)
	assert.True(t, result.Success)
	assert.Equal(t, "a.txt", result.Output)
	assert.Equal(t, 0, h.PendingCalls())
}

func TestExecuteToolTimeoutAndLateReply(t *testing.T) {
	h := newTestHub(t)
	c, transport := connectWorker(t, h, "w-slow", nil, 0)

	before := testutil.ToFloat64(metrics.LateResults.WithLabelValues(string(CallKindTool)))

	result := h.ExecuteTool(context.Background(), ToolCall{Name: "screenshot", Timeout: 100 * time.Millisecond})
	assert.False(t, result.Success)
	assert.Equal(t, "screenshot timed out after 0.1s on worker w-slow", result.Output)
	assert.Equal(t, 0, h.PendingCalls())

	frame := transport.nextOfType(t, protocol.TypeToolExecute)
	callID := frame["callId"].(string)

	// The reply arriving after the timeout is discarded
	sendFrame(t, h, c, protocol.ToolResult{Type: protocol.TypeToolResult, CallID: callID, Success: true, Output: "late"})

	after := testutil.ToFloat64(metrics.LateResults.WithLabelValues(string(CallKindTool)))
	assert.Equal(t, before+1, after)
}

func TestExecuteToolNoEligibleWorker(t *testing.T) {
	h := newTestHub(t)

	t.Run("no workers at all", func(t *testing.T) {
		result := h.ExecuteTool(context.Background(), ToolCall{Name: "screenshot"})
		assert.False(t, result.Success)
		assert.Contains(t, result.Output, "No workers are connected")
	})

	t.Run("no worker matches", func(t *testing.T) {
		_, transport := connectWorker(t, h, "w-linux", &protocol.Capabilities{OS: "linux"}, 0)

		result := h.ExecuteTool(context.Background(), ToolCall{
			Name:         "screenshot",
			Requirements: &Requirements{OS: "darwin"},
		})
		assert.False(t, result.Success)
		assert.Contains(t, result.Output, "os=darwin")
		transport.assertNoFrame(t)
	})
}

func TestResultFromAnotherWorkerIsIgnored(t *testing.T) {
	h := newTestHub(t)
	target, transport := connectWorker(t, h, "w-target", nil, 0)
	other, _ := connectWorker(t, h, "w-other", nil, 5)

	done := runAsync(func() CallResult {
		return h.ExecuteTool(context.Background(), ToolCall{Name: "read_file", Timeout: time.Second})
	})

	frame := transport.nextOfType(t, protocol.TypeToolExecute)
	callID := frame["callId"].(string)

	sendFrame(t, h, other, protocol.ToolResult{Type: protocol.TypeToolResult, CallID: callID, Success: true, Output: "spoofed"})
	sendFrame(t, h, target, protocol.ToolResult{Type: protocol.TypeToolResult, CallID: callID, Success: true, Output: "real"})

	result := awaitResult(t, done)
	assert.True(t, result.Success)
	assert.Equal(t, "real", result.Output)
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	h := newTestHub(t)
	c, transport := connectWorker(t, h, "w-drop", nil, 0)

	done := runAsync(func() CallResult {
		return h.ExecuteTool(context.Background(), ToolCall{Name: "long_job", Timeout: 10 * time.Second})
	})
	transport.nextOfType(t, protocol.TypeToolExecute)

	start := time.Now()
	h.Disconnect(c)

	result := awaitResult(t, done)
	assert.False(t, result.Success)
	assert.Equal(t, "worker w-drop disconnected before long_job completed", result.Output)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, h.PendingCalls())
}

func TestPendingCallsTimeOutWhenDisconnectDoesNotFail(t *testing.T) {
	config := testConfig()
	config.Calls.FailOnDisconnect = false
	h := newTestHubWithConfig(t, config)
	c, transport := connectWorker(t, h, "w-quiet", nil, 0)

	done := runAsync(func() CallResult {
		return h.ExecuteTool(context.Background(), ToolCall{Name: "probe", Timeout: 150 * time.Millisecond})
	})
	transport.nextOfType(t, protocol.TypeToolExecute)
	h.Disconnect(c)

	result := awaitResult(t, done)
	assert.False(t, result.Success)
	assert.True(t, strings.HasPrefix(result.Output, "probe timed out after 0.15s"))
}

func TestCallCancelledByContext(t *testing.T) {
	h := newTestHub(t)
	_, transport := connectWorker(t, h, "w-ctx", nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(func() CallResult {
		return h.ExecuteTool(ctx, ToolCall{Name: "sleep", Timeout: 10 * time.Second})
	})
	transport.nextOfType(t, protocol.TypeToolExecute)
	cancel()

	result := awaitResult(t, done)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "cancelled")
	assert.Equal(t, 0, h.PendingCalls())
}

func TestSendFailureIsAResult(t *testing.T) {
	h := newTestHub(t)
	_, transport := connectWorker(t, h, "w-broken", nil, 0)
	transport.setFailSends(true)

	result := h.ExecuteTool(context.Background(), ToolCall{Name: "shell"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "could not be sent to worker w-broken")
	assert.Equal(t, 0, h.PendingCalls())
}

func TestBrowserSessionAffinity(t *testing.T) {
	h := newTestHub(t)
	browser := &protocol.Capabilities{Browser: true}
	first, firstTransport := connectWorker(t, h, "w-browser-1", browser, 0)
	_, secondTransport := connectWorker(t, h, "w-browser-2", browser, 0)

	call := func(transport *fakeTransport, c *WorkerConn) CallResult {
		done := runAsync(func() CallResult {
			return h.ExecuteTool(context.Background(), ToolCall{
				Name:             "browser_click",
				Requirements:     &Requirements{Browser: true},
				BrowserSessionID: "sess-1",
			})
		})
		frame := transport.nextOfType(t, protocol.TypeToolExecute)
		assert.Equal(t, "sess-1", frame["browserSessionId"])
		sendFrame(t, h, c, protocol.ToolResult{Type: protocol.TypeToolResult, CallID: frame["callId"].(string), Success: true})
		return awaitResult(t, done)
	}

	assert.True(t, call(firstTransport, first).Success)
	workerID, ok := h.BrowserSessionWorker("sess-1")
	require.True(t, ok)
	assert.Equal(t, "w-browser-1", workerID)

	// Load on the bound worker does not move the session
	sendFrame(t, h, first, protocol.Heartbeat{Type: protocol.TypeHeartbeat, Load: 50, Capabilities: browser})
	assert.True(t, call(firstTransport, first).Success)

	// Once the bound worker is gone the session is placed again
	h.Disconnect(first)
	second := h.Registry().Get("w-browser-2")
	assert.True(t, call(secondTransport, second).Success)
	workerID, _ = h.BrowserSessionWorker("sess-1")
	assert.Equal(t, "w-browser-2", workerID)

	h.ReleaseBrowserSession("sess-1")
	_, ok = h.BrowserSessionWorker("sess-1")
	assert.False(t, ok)
}

func TestCallAgent(t *testing.T) {
	h := newTestHub(t)
	c, transport := connectWorker(t, h, "w-agents", nil, 0)

	t.Run("response is returned", func(t *testing.T) {
		done := runAsync(func() CallResult {
			return h.CallAgent(context.Background(), AgentRequest{
				FromAgentID:   "planner",
				TargetAgentID: "researcher",
				Input:         json.RawMessage(`"find it"`),
			})
		})

		frame := transport.nextOfType(t, protocol.TypeAgentCall)
		assert.Equal(t, "researcher", frame["targetAgentId"])
		assert.Equal(t, "planner", frame["fromAgentId"])
		sendFrame(t, h, c, protocol.AgentResponse{Type: protocol.TypeAgentResponse, CallID: frame["callId"].(string), Output: "found"})

		result := awaitResult(t, done)
		assert.True(t, result.Success)
		assert.Equal(t, "found", result.Output)
	})

	t.Run("agent error is a failed result", func(t *testing.T) {
		done := runAsync(func() CallResult {
			return h.CallAgent(context.Background(), AgentRequest{TargetAgentID: "researcher"})
		})

		frame := transport.nextOfType(t, protocol.TypeAgentCall)
		sendFrame(t, h, c, protocol.AgentResponse{Type: protocol.TypeAgentResponse, CallID: frame["callId"].(string), Error: "agent crashed"})

		result := awaitResult(t, done)
		assert.False(t, result.Success)
		assert.Equal(t, "agent crashed", result.Error)
	})

	t.Run("timeout fills error", func(t *testing.T) {
		result := h.CallAgent(context.Background(), AgentRequest{TargetAgentID: "sleepy", Timeout: 50 * time.Millisecond})
		assert.False(t, result.Success)
		assert.Equal(t, "agent sleepy timed out after 0.05s on worker w-agents", result.Error)
		transport.nextOfType(t, protocol.TypeAgentCall)
	})
}

func TestAgentCallFromWorkerIsRouted(t *testing.T) {
	h := newTestHub(t)
	source, sourceTransport := connectWorker(t, h, "w-source", nil, 5)
	target, targetTransport := connectWorker(t, h, "w-target", nil, 0)

	sendFrame(t, h, source, protocol.AgentCall{
		Type:          protocol.TypeAgentCall,
		CallID:        "source-call-1",
		FromAgentID:   "a",
		TargetAgentID: "b",
	})

	frame := targetTransport.nextOfType(t, protocol.TypeAgentCall)
	hubCallID := frame["callId"].(string)
	assert.NotEqual(t, "source-call-1", hubCallID)

	calls := h.PendingCallList()
	require.Len(t, calls, 1)
	assert.Equal(t, hubCallID, calls[0].CallID)
	assert.Equal(t, CallKindAgent, calls[0].Kind)
	assert.Equal(t, "w-target", calls[0].WorkerID)
	assert.Equal(t, "w-source", calls[0].SourceWorkerID)

	sendFrame(t, h, target, protocol.AgentResponse{Type: protocol.TypeAgentResponse, CallID: hubCallID, Output: "done"})

	response := sourceTransport.nextOfType(t, protocol.TypeAgentResponse)
	assert.Equal(t, "source-call-1", response["callId"])
	assert.Equal(t, "done", response["output"])
}

func TestPendingCallListFromAPIHasNoSource(t *testing.T) {
	h := newTestHub(t)
	_, transport := connectWorker(t, h, "w-agents", nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(func() CallResult {
		return h.CallAgent(ctx, AgentRequest{TargetAgentID: "researcher"})
	})
	transport.nextOfType(t, protocol.TypeAgentCall)

	calls := h.PendingCallList()
	require.Len(t, calls, 1)
	assert.Equal(t, "w-agents", calls[0].WorkerID)
	assert.Empty(t, calls[0].SourceWorkerID)

	cancel()
	awaitResult(t, done)
	assert.Empty(t, h.PendingCallList())
}

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		in       time.Duration
		expected string
	}{
		{100 * time.Millisecond, "0.1"},
		{30 * time.Second, "30"},
		{1500 * time.Millisecond, "1.5"},
		{2 * time.Minute, "120"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatSeconds(tt.in))
	}
}
