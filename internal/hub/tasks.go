package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"workerhub/internal/metrics"
	"workerhub/internal/protocol"
	"workerhub/internal/store"
)

// Task statuses written to the store
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// TaskSpec describes a long-running agent task
type TaskSpec struct {
	TaskID       string
	AgentID      string
	Input        json.RawMessage
	AgentConfig  json.RawMessage
	UserID       string
	TeamID       string
	Requirements *Requirements
}

// DispatchResult reports where a task went. A task that found no capacity is
// an ordinary result with Dispatched false.
type DispatchResult struct {
	Dispatched bool   `json:"dispatched"`
	WorkerID   string `json:"workerId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TaskOutcome is the final report of an agent task
type TaskOutcome struct {
	TaskID     string
	WorkerID   string
	Success    bool
	Output     json.RawMessage
	Error      string
	TokensUsed int
	DurationMs int64
}

// TaskResultHandler receives agent task outcomes, e.g. to resume a scheduler
type TaskResultHandler func(outcome TaskOutcome)

// taskTable binds dispatched agent tasks to their worker so each one
// releases its slot exactly once
type taskTable struct {
	mutex sync.Mutex
	tasks map[string]string
}

func newTaskTable() *taskTable {
	return &taskTable{tasks: make(map[string]string)}
}

// reserve claims taskID before placement. An existing entry is returned with
// false; its worker ID is empty while that dispatch is still placing.
func (t *taskTable) reserve(taskID string) (string, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if workerID, exists := t.tasks[taskID]; exists {
		return workerID, false
	}
	t.tasks[taskID] = ""
	return "", true
}

func (t *taskTable) bind(taskID, workerID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.tasks[taskID] = workerID
}

func (t *taskTable) release(taskID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.tasks, taskID)
}

// releaseFor removes the binding of taskID only if workerID owns it. It
// returns the owner and whether the binding was released.
func (t *taskTable) releaseFor(taskID, workerID string) (owner string, released bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	owner, exists := t.tasks[taskID]
	if !exists || owner != workerID {
		return owner, false
	}
	delete(t.tasks, taskID)
	return owner, true
}

// RunningTasks returns the number of agent tasks awaiting a report
func (h *Hub) RunningTasks() int {
	h.tasks.mutex.Lock()
	defer h.tasks.mutex.Unlock()
	return len(h.tasks.tasks)
}

// DispatchTask hands spec to the best eligible worker without waiting for it
// to finish. Completion arrives later as task:complete or task:failed.
func (h *Hub) DispatchTask(ctx context.Context, spec TaskSpec) DispatchResult {
	if spec.TaskID == "" {
		return DispatchResult{Dispatched: false, Error: "task ID is required"}
	}
	if owner, ok := h.tasks.reserve(spec.TaskID); !ok {
		metrics.TasksDispatched.WithLabelValues("agent", "duplicate").Inc()
		h.logger.Warn().Str("task_id", spec.TaskID).Str("worker_id", owner).Msg("Task is already dispatched")
		return DispatchResult{Dispatched: false, WorkerID: owner, Error: fmt.Sprintf("task %s is already dispatched", spec.TaskID)}
	}

	conn := h.registry.pick(pickOptions{
		eligible: func(c *WorkerConn) bool { return c.matches(spec.Requirements) },
		reserve:  true,
	})
	if conn == nil {
		h.tasks.release(spec.TaskID)
		metrics.TasksDispatched.WithLabelValues("agent", "no_worker").Inc()
		reason := h.registry.noWorkerReason("task "+spec.TaskID, spec.Requirements)
		h.logger.Warn().Str("task_id", spec.TaskID).Msg("No worker available for task")
		return DispatchResult{Dispatched: false, Error: reason}
	}
	workerID := conn.WorkerID()

	if err := ctx.Err(); err != nil {
		h.tasks.release(spec.TaskID)
		conn.addActiveTasks(-1)
		return DispatchResult{Dispatched: false, Error: err.Error()}
	}

	h.tasks.bind(spec.TaskID, workerID)
	err := conn.Send(&protocol.TaskAssign{
		TaskID:      spec.TaskID,
		AgentID:     spec.AgentID,
		Input:       spec.Input,
		AgentConfig: spec.AgentConfig,
		UserID:      spec.UserID,
		TeamID:      spec.TeamID,
	})
	if err != nil {
		h.tasks.release(spec.TaskID)
		conn.addActiveTasks(-1)
		metrics.TasksDispatched.WithLabelValues("agent", "send_failed").Inc()
		h.logger.Warn().Err(err).Str("task_id", spec.TaskID).Str("worker_id", workerID).Msg("Failed to assign task")
		return DispatchResult{Dispatched: false, WorkerID: workerID, Error: fmt.Sprintf("failed to send task to worker %s: %v", workerID, err)}
	}

	metrics.TasksDispatched.WithLabelValues("agent", "dispatched").Inc()
	h.logger.Info().
		Str("task_id", spec.TaskID).
		Str("agent_id", spec.AgentID).
		Str("worker_id", workerID).
		Msg("Task dispatched")

	taskID := spec.TaskID
	h.bestEffort("update task status", func(ctx context.Context, s store.Store) error {
		return s.UpdateTaskStatus(ctx, taskID, workerID, TaskStatusRunning)
	})

	return DispatchResult{Dispatched: true, WorkerID: workerID}
}

// handleTaskReport processes task:complete and task:failed
func (h *Hub) handleTaskReport(c *WorkerConn, m *protocol.TaskReport) {
	workerID := c.WorkerID()
	success := m.MessageType() == protocol.TypeTaskComplete

	owner, released := h.tasks.releaseFor(m.TaskID, workerID)
	switch {
	case released:
		c.addActiveTasks(-1)
	case owner != "":
		h.logger.Warn().
			Str("task_id", m.TaskID).
			Str("worker_id", workerID).
			Str("owner", owner).
			Msg("Ignoring report for a task bound to another worker")
		return
	default:
		h.logger.Debug().
			Str("task_id", m.TaskID).
			Str("worker_id", workerID).
			Msg("Report for a task this hub did not dispatch")
	}

	status := TaskStatusCompleted
	event := h.logger.Info()
	if !success {
		status = TaskStatusFailed
		event = h.logger.Warn().Str("error", m.Error)
	}
	event.
		Str("task_id", m.TaskID).
		Str("worker_id", workerID).
		Int64("duration_ms", m.DurationMs).
		Int("tokens_used", m.TokensUsed).
		Msgf("Task %s", status)

	execution := store.Execution{
		TaskID:     m.TaskID,
		WorkerID:   workerID,
		Status:     status,
		Output:     m.Output,
		Error:      m.Error,
		TokensUsed: m.TokensUsed,
		DurationMs: m.DurationMs,
	}
	h.bestEffort("record execution", func(ctx context.Context, s store.Store) error {
		if err := s.RecordExecution(ctx, execution); err != nil {
			return err
		}
		return s.UpdateTaskStatus(ctx, execution.TaskID, execution.WorkerID, execution.Status)
	})

	if h.resultHandler != nil {
		h.resultHandler(TaskOutcome{
			TaskID:     m.TaskID,
			WorkerID:   workerID,
			Success:    success,
			Output:     m.Output,
			Error:      m.Error,
			TokensUsed: m.TokensUsed,
			DurationMs: m.DurationMs,
		})
	}
}
