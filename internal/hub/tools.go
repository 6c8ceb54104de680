package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"workerhub/internal/metrics"
	"workerhub/internal/protocol"
)

// ToolCall is one stateless tool execution request
type ToolCall struct {
	Name  string
	Input json.RawMessage
	// Requirements restricts which workers may run the tool
	Requirements *Requirements
	// BrowserSessionID pins every call of a browser session to one worker
	BrowserSessionID string
	// Timeout defaults to calls.default_timeout
	Timeout time.Duration
}

// sessionTable maps browser session IDs to the worker holding the tab
type sessionTable struct {
	mutex    sync.Mutex
	sessions map[string]string
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]string)}
}

// ExecuteTool runs a tool on the best eligible worker and waits for its
// result. Missing capacity and timeouts come back as unsuccessful results.
func (h *Hub) ExecuteTool(ctx context.Context, call ToolCall) CallResult {
	conn := h.placeTool(call)
	if conn == nil {
		metrics.CallsTotal.WithLabelValues(string(CallKindTool), "no_worker").Inc()
		return CallResult{Success: false, Output: h.registry.noWorkerReason(call.Name, call.Requirements)}
	}

	return h.call(ctx, conn, nil, CallKindTool, call.Name, func(callID string) protocol.Outbound {
		return &protocol.ToolExecute{
			CallID:           callID,
			ToolName:         call.Name,
			Input:            call.Input,
			BrowserSessionID: call.BrowserSessionID,
		}
	}, call.Timeout)
}

// placeTool picks the worker for call, honouring browser session affinity.
// A binding to a worker that is gone is dropped and placement runs again.
func (h *Hub) placeTool(call ToolCall) *WorkerConn {
	if call.BrowserSessionID == "" {
		return h.registry.PickWorker(call.Requirements)
	}

	h.sessions.mutex.Lock()
	defer h.sessions.mutex.Unlock()

	if workerID, ok := h.sessions.sessions[call.BrowserSessionID]; ok {
		if conn := h.registry.Get(workerID); conn != nil {
			return conn
		}
		h.logger.Info().
			Str("session_id", call.BrowserSessionID).
			Str("worker_id", workerID).
			Msg("Browser session worker is gone, placing session again")
		delete(h.sessions.sessions, call.BrowserSessionID)
	}

	conn := h.registry.PickWorker(call.Requirements)
	if conn != nil {
		h.sessions.sessions[call.BrowserSessionID] = conn.WorkerID()
	}
	return conn
}

// BrowserSessionWorker returns the worker bound to sessionID, if any
func (h *Hub) BrowserSessionWorker(sessionID string) (string, bool) {
	h.sessions.mutex.Lock()
	defer h.sessions.mutex.Unlock()
	workerID, ok := h.sessions.sessions[sessionID]
	return workerID, ok
}

// ReleaseBrowserSession forgets the worker binding of sessionID
func (h *Hub) ReleaseBrowserSession(sessionID string) {
	h.sessions.mutex.Lock()
	defer h.sessions.mutex.Unlock()
	delete(h.sessions.sessions, sessionID)
}
