package hub

import (
	"context"
	"encoding/json"
	"time"

	"workerhub/internal/protocol"
)

// AgentRequest asks an agent hosted on some worker to handle input
type AgentRequest struct {
	FromAgentID   string
	TargetAgentID string
	Input         json.RawMessage
	Requirements  *Requirements
	Timeout       time.Duration
}

// CallAgent places an agent call on a worker and waits for its response
func (h *Hub) CallAgent(ctx context.Context, req AgentRequest) CallResult {
	return h.callAgent(ctx, nil, req)
}

func (h *Hub) callAgent(ctx context.Context, source *WorkerConn, req AgentRequest) CallResult {
	label := "agent " + req.TargetAgentID

	target := h.registry.PickWorker(req.Requirements)
	if target == nil {
		reason := h.registry.noWorkerReason(label, req.Requirements)
		return CallResult{Success: false, Output: reason, Error: reason}
	}

	result := h.call(ctx, target, source, CallKindAgent, label, func(callID string) protocol.Outbound {
		return &protocol.AgentCall{
			CallID:        callID,
			FromAgentID:   req.FromAgentID,
			TargetAgentID: req.TargetAgentID,
			Input:         req.Input,
		}
	}, req.Timeout)

	if !result.Success && result.Error == "" {
		result.Error = result.Output
	}
	return result
}

// routeAgentCall serves an agent:call from source and forwards the outcome
// back to it under the caller's own call ID
func (h *Hub) routeAgentCall(source *WorkerConn, m *protocol.AgentCall) {
	sourceID := source.WorkerID()

	h.logger.Debug().
		Str("call_id", m.CallID).
		Str("source_worker_id", sourceID).
		Str("target_agent_id", m.TargetAgentID).
		Msg("Routing agent call")

	result := h.callAgent(h.ctx, source, AgentRequest{
		FromAgentID:   m.FromAgentID,
		TargetAgentID: m.TargetAgentID,
		Input:         m.Input,
	})

	response := &protocol.AgentResponse{CallID: m.CallID}
	if result.Success {
		response.Output = result.Output
	} else {
		response.Error = result.Error
	}

	if err := source.Send(response); err != nil {
		h.logger.Info().
			Err(err).
			Str("call_id", m.CallID).
			Str("source_worker_id", sourceID).
			Msg("Agent call source went away before the response")
	}
}
