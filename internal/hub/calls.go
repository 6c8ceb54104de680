package hub

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"workerhub/internal/metrics"
	"workerhub/internal/protocol"
)

// CallKind classifies correlated calls for logs and metrics
type CallKind string

const (
	CallKindTool       CallKind = "tool"
	CallKindAgent      CallKind = "agent"
	CallKindDockerTool CallKind = "docker_tool"
)

// CallResult is the outcome of a correlated call. Timeouts and missing
// workers are reported here rather than as errors.
type CallResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	// Error carries the agent-reported error of an agent call
	Error string `json:"error,omitempty"`
}

// pendingCall represents a call waiting for its result
type pendingCall struct {
	ID     string
	Kind   CallKind
	Label  string
	Target *WorkerConn
	// Source is the worker that originated an agent call, nil for calls
	// placed through the API
	Source *WorkerConn
	Start  time.Time
	// Result is buffered so resolution never blocks
	Result chan CallResult
}

// callTable is the set of in-flight correlated calls keyed by call ID.
// Every entry is removed exactly once.
type callTable struct {
	mutex sync.Mutex
	calls map[string]*pendingCall
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[string]*pendingCall)}
}

func (t *callTable) add(call *pendingCall) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.calls[call.ID] = call
}

// take removes the entry for id, reporting whether it was still pending
func (t *callTable) take(id string) (*pendingCall, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return call, ok
}

// takeFrom removes the entry for id only if it targets conn
func (t *callTable) takeFrom(id string, conn *WorkerConn) (call *pendingCall, found bool, ok bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	call, found = t.calls[id]
	if !found || call.Target != conn {
		return call, found, false
	}
	delete(t.calls, id)
	return call, true, true
}

// takeAllFor removes every entry targeting conn
func (t *callTable) takeAllFor(conn *WorkerConn) []*pendingCall {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var calls []*pendingCall
	for id, call := range t.calls {
		if call.Target == conn {
			calls = append(calls, call)
			delete(t.calls, id)
		}
	}
	return calls
}

func (t *callTable) len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.calls)
}

// PendingCallInfo describes an in-flight call for the status report
type PendingCallInfo struct {
	CallID         string    `json:"call_id"`
	Kind           CallKind  `json:"kind"`
	Label          string    `json:"label"`
	WorkerID       string    `json:"worker_id"`
	SourceWorkerID string    `json:"source_worker_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

func (t *callTable) snapshot() []PendingCallInfo {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	infos := make([]PendingCallInfo, 0, len(t.calls))
	for _, call := range t.calls {
		info := PendingCallInfo{
			CallID:    call.ID,
			Kind:      call.Kind,
			Label:     call.Label,
			WorkerID:  call.Target.WorkerID(),
			StartedAt: call.Start,
		}
		if call.Source != nil {
			info.SourceWorkerID = call.Source.WorkerID()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// PendingCalls returns the number of in-flight correlated calls
func (h *Hub) PendingCalls() int {
	return h.calls.len()
}

// PendingCallList returns the in-flight calls, oldest first
func (h *Hub) PendingCallList() []PendingCallInfo {
	return h.calls.snapshot()
}

// call sends the message built for a fresh call ID to conn and waits for the
// matching result, the timeout or ctx, whichever comes first. source is the
// originating worker of a routed agent call and nil otherwise.
func (h *Hub) call(ctx context.Context, conn, source *WorkerConn, kind CallKind, label string, build func(callID string) protocol.Outbound, timeout time.Duration) CallResult {
	if timeout <= 0 {
		timeout = h.config.GetDefaultCallTimeout()
	}
	workerID := conn.WorkerID()

	call := &pendingCall{
		ID:     uuid.NewString(),
		Kind:   kind,
		Label:  label,
		Target: conn,
		Source: source,
		Start:  time.Now(),
		Result: make(chan CallResult, 1),
	}
	h.calls.add(call)

	logCtx := h.logger.With().
		Str("call_id", call.ID).
		Str("kind", string(kind)).
		Str("label", label).
		Str("worker_id", workerID)
	if source != nil {
		logCtx = logCtx.Str("source_worker_id", source.WorkerID())
	}
	log := logCtx.Logger()

	if err := conn.Send(build(call.ID)); err != nil {
		h.calls.take(call.ID)
		log.Warn().Err(err).Msg("Failed to send call to worker")
		metrics.CallsTotal.WithLabelValues(string(kind), "send_failed").Inc()
		return CallResult{
			Success: false,
			Output:  fmt.Sprintf("%s could not be sent to worker %s: %v", label, workerID, err),
		}
	}

	log.Debug().Dur("timeout", timeout).Msg("Call sent to worker")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-call.Result:
		h.observeCall(call, result)
		return result

	case <-timer.C:
		if _, ok := h.calls.take(call.ID); !ok {
			// Resolved concurrently with the timer
			result := <-call.Result
			h.observeCall(call, result)
			return result
		}
		log.Warn().Msg("Call timed out")
		metrics.CallsTotal.WithLabelValues(string(kind), "timeout").Inc()
		return CallResult{
			Success: false,
			Output:  fmt.Sprintf("%s timed out after %ss on worker %s", label, formatSeconds(timeout), workerID),
		}

	case <-ctx.Done():
		if _, ok := h.calls.take(call.ID); !ok {
			result := <-call.Result
			h.observeCall(call, result)
			return result
		}
		log.Debug().Err(ctx.Err()).Msg("Call abandoned by caller")
		metrics.CallsTotal.WithLabelValues(string(kind), "cancelled").Inc()
		return CallResult{
			Success: false,
			Output:  fmt.Sprintf("%s on worker %s was cancelled: %v", label, workerID, ctx.Err()),
		}
	}
}

func (h *Hub) observeCall(call *pendingCall, result CallResult) {
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.CallsTotal.WithLabelValues(string(call.Kind), outcome).Inc()
	metrics.CallDuration.WithLabelValues(string(call.Kind)).Observe(time.Since(call.Start).Seconds())
}

// resolveCall hands a worker-reported result to the waiting caller. Results
// for unknown, already resolved or foreign calls are logged and dropped.
func (h *Hub) resolveCall(conn *WorkerConn, kind CallKind, callID string, result CallResult) bool {
	call, found, ok := h.calls.takeFrom(callID, conn)
	if !ok {
		event := h.logger.Warn().
			Str("call_id", callID).
			Str("kind", string(kind)).
			Str("worker_id", conn.WorkerID())
		if found {
			if call.Source != nil {
				event.Str("source_worker_id", call.Source.WorkerID())
			}
			event.Str("target_worker_id", call.Target.WorkerID()).Msg("Discarding result from a worker the call was not sent to")
		} else {
			event.Msg("Discarding result for unknown or already resolved call")
		}
		metrics.LateResults.WithLabelValues(string(kind)).Inc()
		return false
	}

	call.Result <- result
	return true
}

// failCallsFor resolves every call waiting on conn as failed
func (h *Hub) failCallsFor(conn *WorkerConn) int {
	calls := h.calls.takeAllFor(conn)
	workerID := conn.WorkerID()
	for _, call := range calls {
		if call.Source != nil {
			h.logger.Debug().
				Str("call_id", call.ID).
				Str("worker_id", workerID).
				Str("source_worker_id", call.Source.WorkerID()).
				Msg("Failing routed agent call of disconnected worker")
		}
		call.Result <- CallResult{
			Success: false,
			Output:  fmt.Sprintf("worker %s disconnected before %s completed", workerID, call.Label),
		}
	}
	if len(calls) > 0 {
		h.logger.Info().
			Str("worker_id", workerID).
			Int("calls", len(calls)).
			Msg("Failed pending calls of disconnected worker")
	}
	return len(calls)
}

// formatSeconds renders d in seconds without trailing zeros, e.g. 0.1 or 30
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
