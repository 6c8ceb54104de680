package hub

import (
	"context"
	"errors"
	"fmt"

	"workerhub/internal/store"
)

// ErrStoreUnavailable is returned by history lookups on a hub without a store
var ErrStoreUnavailable = errors.New("no store configured")

// TaskHistory is the persisted record of one agent task
type TaskHistory struct {
	TaskID     string             `json:"taskId"`
	Status     string             `json:"status"`
	Executions []*store.Execution `json:"executions"`
}

// TaskHistory returns the last recorded status and the execution log of
// taskID. Unknown tasks wrap store.ErrNotFound.
func (h *Hub) TaskHistory(ctx context.Context, taskID string) (TaskHistory, error) {
	if h.store == nil {
		return TaskHistory{}, ErrStoreUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.GetDatabaseTimeout())
	defer cancel()

	status, err := h.store.GetTaskStatus(ctx, taskID)
	if err != nil {
		return TaskHistory{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	executions, err := h.store.GetExecutions(ctx, taskID)
	if err != nil {
		return TaskHistory{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	if executions == nil {
		executions = []*store.Execution{}
	}

	return TaskHistory{TaskID: taskID, Status: status, Executions: executions}, nil
}

// WorkerRecord returns what the store last recorded for workerID, including
// workers that are no longer connected
func (h *Hub) WorkerRecord(ctx context.Context, workerID string) (*store.Worker, error) {
	if h.store == nil {
		return nil, ErrStoreUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.GetDatabaseTimeout())
	defer cancel()

	worker, err := h.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", workerID, err)
	}
	return worker, nil
}
