package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"workerhub/internal/metrics"
	"workerhub/internal/protocol"
	"workerhub/internal/store"
)

// DockerTaskState is the lifecycle state of a container run
type DockerTaskState string

const (
	DockerStateAssigned   DockerTaskState = "assigned"
	DockerStateRunning    DockerTaskState = "running"
	DockerStateFinalizing DockerTaskState = "finalizing"
	DockerStateCancelling DockerTaskState = "cancelling"
	DockerStateCompleted  DockerTaskState = "completed"
	DockerStateFailed     DockerTaskState = "failed"
	DockerStateCancelled  DockerTaskState = "cancelled"
)

// ErrNoDockerWorkers is the error reported when no worker can run containers
const ErrNoDockerWorkers = "no_docker_workers"

// ErrDockerTaskNotFound is returned for tasks with no live binding
var ErrDockerTaskNotFound = errors.New("docker task not found")

// DockerTaskSpec describes a container run
type DockerTaskSpec struct {
	TaskID    string            `json:"taskId"`
	ProjectID string            `json:"projectId,omitempty"`
	Image     string            `json:"image,omitempty"`
	RepoURL   string            `json:"repoUrl,omitempty"`
	Branch    string            `json:"branch,omitempty"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	UserID    string            `json:"userId,omitempty"`
}

// DockerTask is a container run bound to a worker
type DockerTask struct {
	TaskID      string          `json:"taskId"`
	ProjectID   string          `json:"projectId,omitempty"`
	WorkerID    string          `json:"workerId"`
	State       DockerTaskState `json:"state"`
	ContainerID string          `json:"containerId,omitempty"`
	Message     string          `json:"message,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// DockerDispatchResult reports the placement of a container run
type DockerDispatchResult struct {
	Dispatched bool   `json:"dispatched"`
	WorkerID   string `json:"workerId,omitempty"`
	// Fallback is set when the project's affine worker was passed over
	Fallback bool `json:"fallback,omitempty"`
	// Duplicate is set when the task was already bound
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DockerTaskResult is published on the task's result channel
type DockerTaskResult struct {
	TaskID   string          `json:"taskId"`
	WorkerID string          `json:"workerId,omitempty"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// DockerResultChannel is the bus channel a task's result is published on
func DockerResultChannel(taskID string) string {
	return ChannelDockerResultPrefix + taskID
}

// dockerTable holds task bindings and project affinity
type dockerTable struct {
	mutex    sync.Mutex
	tasks    map[string]*DockerTask
	affinity map[string]string
}

func newDockerTable() *dockerTable {
	return &dockerTable{
		tasks:    make(map[string]*DockerTask),
		affinity: make(map[string]string),
	}
}

// DispatchDocker places a container run, preferring the worker that already
// hosts the project. When no worker qualifies a failure result is published
// at once since no worker will ever report one.
func (h *Hub) DispatchDocker(ctx context.Context, spec DockerTaskSpec) DockerDispatchResult {
	if spec.TaskID == "" {
		return DockerDispatchResult{Dispatched: false, Error: "task ID is required"}
	}
	log := h.logger.With().Str("task_id", spec.TaskID).Str("project_id", spec.ProjectID).Logger()

	h.docker.mutex.Lock()
	if existing, ok := h.docker.tasks[spec.TaskID]; ok {
		h.docker.mutex.Unlock()
		log.Info().Str("worker_id", existing.WorkerID).Msg("Docker task already dispatched, ignoring duplicate")
		metrics.TasksDispatched.WithLabelValues("docker", "duplicate").Inc()
		return DockerDispatchResult{Dispatched: true, WorkerID: existing.WorkerID, Duplicate: true}
	}

	affine := ""
	if spec.ProjectID != "" {
		affine = h.docker.affinity[spec.ProjectID]
	}
	conn := h.registry.pickDocker(affine, h.config.Docker.AffinityBonus, true)
	if conn == nil {
		h.docker.mutex.Unlock()
		log.Warn().Msg("No Docker-capable worker available")
		metrics.TasksDispatched.WithLabelValues("docker", "no_worker").Inc()
		h.publishDockerResult(DockerTaskResult{TaskID: spec.TaskID, Success: false, Error: ErrNoDockerWorkers})
		return DockerDispatchResult{Dispatched: false, Error: ErrNoDockerWorkers}
	}

	workerID := conn.WorkerID()
	now := time.Now()
	h.docker.tasks[spec.TaskID] = &DockerTask{
		TaskID:    spec.TaskID,
		ProjectID: spec.ProjectID,
		WorkerID:  workerID,
		State:     DockerStateAssigned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec.ProjectID != "" {
		h.docker.affinity[spec.ProjectID] = workerID
	}
	h.docker.mutex.Unlock()

	// A zero bonus disables affinity, so moving a project is not a fallback
	fallback := h.config.Docker.AffinityBonus > 0 && affine != "" && affine != workerID
	if fallback {
		log.Warn().
			Str("affine_worker_id", affine).
			Str("worker_id", workerID).
			Msg("Project worker unavailable or overloaded, placing Docker task elsewhere")
		metrics.AffinityFallbacks.Inc()
	}

	err := conn.Send(&protocol.DockerTaskAssign{
		TaskID:    spec.TaskID,
		ProjectID: spec.ProjectID,
		Image:     spec.Image,
		RepoURL:   spec.RepoURL,
		Branch:    spec.Branch,
		Input:     spec.Input,
		Env:       spec.Env,
		UserID:    spec.UserID,
	})
	if err != nil {
		h.docker.mutex.Lock()
		delete(h.docker.tasks, spec.TaskID)
		if spec.ProjectID != "" {
			if affine != "" {
				h.docker.affinity[spec.ProjectID] = affine
			} else {
				delete(h.docker.affinity, spec.ProjectID)
			}
		}
		h.docker.mutex.Unlock()
		conn.addActiveTasks(-1)

		log.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to assign Docker task")
		metrics.TasksDispatched.WithLabelValues("docker", "send_failed").Inc()
		message := fmt.Sprintf("failed to send Docker task to worker %s: %v", workerID, err)
		h.publishDockerResult(DockerTaskResult{TaskID: spec.TaskID, WorkerID: workerID, Success: false, Error: message})
		return DockerDispatchResult{Dispatched: false, WorkerID: workerID, Error: message}
	}

	metrics.TasksDispatched.WithLabelValues("docker", "dispatched").Inc()
	log.Info().Str("worker_id", workerID).Bool("fallback", fallback).Msg("Docker task dispatched")

	taskID := spec.TaskID
	h.bestEffort("update docker task status", func(ctx context.Context, s store.Store) error {
		return s.UpdateTaskStatus(ctx, taskID, workerID, string(DockerStateAssigned))
	})

	return DockerDispatchResult{Dispatched: true, WorkerID: workerID, Fallback: fallback}
}

// FinalizeDocker asks the bound worker to commit and wrap up. The outcome
// arrives later as docker:task:complete.
func (h *Hub) FinalizeDocker(taskID, commitMessage string) error {
	h.docker.mutex.Lock()
	task, ok := h.docker.tasks[taskID]
	if !ok {
		h.docker.mutex.Unlock()
		return fmt.Errorf("%s: %w", taskID, ErrDockerTaskNotFound)
	}
	task.State = DockerStateFinalizing
	task.UpdatedAt = time.Now()
	workerID := task.WorkerID
	h.docker.mutex.Unlock()

	conn := h.registry.Get(workerID)
	if conn == nil {
		return fmt.Errorf("worker %s of docker task %s: %w", workerID, taskID, ErrWorkerNotFound)
	}
	if err := conn.Send(&protocol.DockerTaskFinalize{TaskID: taskID, CommitMessage: commitMessage}); err != nil {
		return err
	}

	h.logger.Info().Str("task_id", taskID).Str("worker_id", workerID).Msg("Docker task finalize requested")
	return nil
}

// CancelDocker stops a container run and releases its binding. Without a
// binding, or when the bound worker is not connected, the cancel goes to
// every Docker-capable worker.
func (h *Hub) CancelDocker(taskID string) {
	h.docker.mutex.Lock()
	task, ok := h.docker.tasks[taskID]
	if ok {
		task.State = DockerStateCancelling
		delete(h.docker.tasks, taskID)
	}
	h.docker.mutex.Unlock()

	cancel := &protocol.DockerTaskCancel{TaskID: taskID}

	if !ok {
		sent := h.broadcastDockerCancel(cancel)
		h.logger.Info().
			Str("task_id", taskID).
			Int("workers", sent).
			Msg("Unbound Docker task cancel sent to every Docker worker")
		return
	}

	workerID := task.WorkerID
	if conn := h.registry.Get(workerID); conn != nil {
		conn.addActiveTasks(-1)
		if err := conn.Send(cancel); err != nil {
			h.logger.Warn().Err(err).Str("task_id", taskID).Str("worker_id", workerID).Msg("Failed to send Docker cancel")
		}
	} else {
		// The container may outlive its worker's socket
		sent := h.broadcastDockerCancel(cancel)
		h.logger.Warn().
			Str("task_id", taskID).
			Str("worker_id", workerID).
			Int("workers", sent).
			Msg("Bound worker not connected, Docker task cancel sent to every Docker worker")
	}

	h.logger.Info().Str("task_id", taskID).Str("worker_id", workerID).Msg("Docker task cancelled")
	h.bestEffort("update docker task status", func(ctx context.Context, s store.Store) error {
		return s.UpdateTaskStatus(ctx, taskID, workerID, string(DockerStateCancelled))
	})
}

// broadcastDockerCancel sends cancel to every Docker-capable worker and
// returns how many accepted it
func (h *Hub) broadcastDockerCancel(cancel *protocol.DockerTaskCancel) int {
	sent := 0
	for _, conn := range h.registry.Connections() {
		if !conn.Info().DockerAvailable {
			continue
		}
		if err := conn.Send(cancel); err == nil {
			sent++
		}
	}
	return sent
}

// CleanupProject cancels every container run of a project and clears its
// affinity. It returns the number of runs cancelled.
func (h *Hub) CleanupProject(projectID string) int {
	h.docker.mutex.Lock()
	var taskIDs []string
	for id, task := range h.docker.tasks {
		if task.ProjectID == projectID {
			taskIDs = append(taskIDs, id)
		}
	}
	delete(h.docker.affinity, projectID)
	h.docker.mutex.Unlock()

	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		h.CancelDocker(id)
	}

	h.logger.Info().Str("project_id", projectID).Int("tasks", len(taskIDs)).Msg("Project containers cleaned up")
	return len(taskIDs)
}

// ExecuteDockerTool runs a tool inside the container of a bound task
func (h *Hub) ExecuteDockerTool(ctx context.Context, taskID, toolName string, input json.RawMessage, timeout time.Duration) CallResult {
	task, ok := h.DockerTask(taskID)
	if !ok {
		return CallResult{Success: false, Output: fmt.Sprintf("Docker task %s is not running on any worker.", taskID)}
	}
	conn := h.registry.Get(task.WorkerID)
	if conn == nil {
		return CallResult{Success: false, Output: fmt.Sprintf("Worker %s running Docker task %s is not connected.", task.WorkerID, taskID)}
	}

	return h.call(ctx, conn, nil, CallKindDockerTool, toolName, func(callID string) protocol.Outbound {
		return &protocol.DockerToolExecute{
			CallID:   callID,
			TaskID:   taskID,
			ToolName: toolName,
			Input:    input,
		}
	}, timeout)
}

// handleDockerStatus records a lifecycle transition reported by a worker
func (h *Hub) handleDockerStatus(c *WorkerConn, m *protocol.DockerStatus) {
	workerID := c.WorkerID()

	h.docker.mutex.Lock()
	task, ok := h.docker.tasks[m.TaskID]
	if ok {
		switch state := DockerTaskState(m.Status); state {
		case DockerStateAssigned, DockerStateRunning, DockerStateFinalizing, DockerStateCancelling:
			task.State = state
		}
		if m.ContainerID != "" {
			task.ContainerID = m.ContainerID
		}
		task.Message = m.Message
		task.UpdatedAt = time.Now()
	}
	h.docker.mutex.Unlock()

	h.logger.Debug().
		Str("task_id", m.TaskID).
		Str("worker_id", workerID).
		Str("status", m.Status).
		Str("container_id", m.ContainerID).
		Bool("bound", ok).
		Msg("Docker status")

	taskID, status := m.TaskID, m.Status
	h.bestEffort("update docker task status", func(ctx context.Context, s store.Store) error {
		return s.UpdateTaskStatus(ctx, taskID, workerID, status)
	})
}

// handleDockerComplete releases the binding of a finished container run and
// republishes its result for whichever process is waiting on it
func (h *Hub) handleDockerComplete(c *WorkerConn, m *protocol.DockerTaskComplete) {
	workerID := c.WorkerID()

	h.docker.mutex.Lock()
	task, ok := h.docker.tasks[m.TaskID]
	delete(h.docker.tasks, m.TaskID)
	h.docker.mutex.Unlock()

	if ok {
		if bound := h.registry.Get(task.WorkerID); bound != nil {
			bound.addActiveTasks(-1)
		}
	}

	result := DockerTaskResult{TaskID: m.TaskID, WorkerID: workerID, Success: true, Result: m.Result}
	var reported struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if len(m.Result) > 0 && json.Unmarshal(m.Result, &reported) == nil {
		if reported.Success != nil {
			result.Success = *reported.Success
		}
		if reported.Error != "" {
			result.Success = false
			result.Error = reported.Error
		}
	}

	state := DockerStateCompleted
	if !result.Success {
		state = DockerStateFailed
	}
	h.logger.Info().
		Str("task_id", m.TaskID).
		Str("worker_id", workerID).
		Str("state", string(state)).
		Bool("bound", ok).
		Msg("Docker task finished")

	h.publishDockerResult(result)

	taskID := m.TaskID
	h.bestEffort("update docker task status", func(ctx context.Context, s store.Store) error {
		return s.UpdateTaskStatus(ctx, taskID, workerID, string(state))
	})
}

func (h *Hub) publishDockerResult(result DockerTaskResult) {
	if h.bus == nil {
		h.logger.Warn().Str("task_id", result.TaskID).Msg("Bus unavailable, Docker task result not published")
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", result.TaskID).Msg("Failed to encode Docker task result")
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.config.GetServerTimeout())
	defer cancel()
	if err := h.bus.Publish(ctx, DockerResultChannel(result.TaskID), payload); err != nil {
		h.logger.Error().Err(err).Str("task_id", result.TaskID).Msg("Failed to publish Docker task result")
	}
}

// DockerTask returns the live binding of taskID
func (h *Hub) DockerTask(taskID string) (DockerTask, bool) {
	h.docker.mutex.Lock()
	defer h.docker.mutex.Unlock()
	task, ok := h.docker.tasks[taskID]
	if !ok {
		return DockerTask{}, false
	}
	return *task, true
}

// ListProjectContainers returns the live container runs of a project,
// oldest first
func (h *Hub) ListProjectContainers(projectID string) []DockerTask {
	h.docker.mutex.Lock()
	tasks := make([]DockerTask, 0)
	for _, task := range h.docker.tasks {
		if task.ProjectID == projectID {
			tasks = append(tasks, *task)
		}
	}
	h.docker.mutex.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// ProjectAffinity returns the worker currently preferred for a project
func (h *Hub) ProjectAffinity(projectID string) (string, bool) {
	h.docker.mutex.Lock()
	defer h.docker.mutex.Unlock()
	workerID, ok := h.docker.affinity[projectID]
	return workerID, ok
}

// ClearProjectAffinity forgets the preferred worker of a project
func (h *Hub) ClearProjectAffinity(projectID string) {
	h.docker.mutex.Lock()
	defer h.docker.mutex.Unlock()
	delete(h.docker.affinity, projectID)
}

// PickDockerWorker returns the worker a Docker task of projectID would go
// to without reserving it
func (h *Hub) PickDockerWorker(projectID string) (*WorkerConn, bool) {
	affine, _ := h.ProjectAffinity(projectID)
	return h.registry.PickDockerWorker(affine, h.config.Docker.AffinityBonus)
}
