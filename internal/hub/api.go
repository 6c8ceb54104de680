// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"workerhub/internal/logger"
	"workerhub/internal/metrics"
	"workerhub/internal/store"
)

// APIServer serves the worker WebSocket endpoint and the operator API
type APIServer struct {
	hub    *Hub
	config *Config
	logger zerolog.Logger
	server *http.Server
}

// NewAPIServer creates the HTTP surface of h
func NewAPIServer(h *Hub, config *Config) *APIServer {
	return &APIServer{
		hub:    h,
		config: config,
		logger: logger.GetLogger("api"),
	}
}

// Router builds the route table
func (api *APIServer) Router() *mux.Router {
	router := mux.NewRouter()

	router.Handle(api.config.Server.WSPath, api.hub.ServeWS())
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/health", api.handleHealth).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(api.loggingMiddleware)
	if api.config.Server.APIAuth {
		apiRouter.Use(api.hub.JWT().RequireOperator)
	}

	// Workers
	apiRouter.HandleFunc("/workers", api.handleListWorkers).Methods("GET")
	apiRouter.HandleFunc("/workers/count", api.handleWorkerCount).Methods("GET")
	apiRouter.HandleFunc("/workers/{worker_id}", api.handleGetWorker).Methods("GET")
	apiRouter.HandleFunc("/workers/{worker_id}", api.handleDisconnectWorker).Methods("DELETE")
	apiRouter.HandleFunc("/workers/{worker_id}/record", api.handleWorkerRecord).Methods("GET")

	// Calls and tasks
	apiRouter.HandleFunc("/tools/execute", api.handleExecuteTool).Methods("POST")
	apiRouter.HandleFunc("/agents/call", api.handleCallAgent).Methods("POST")
	apiRouter.HandleFunc("/calls", api.handleListCalls).Methods("GET")
	apiRouter.HandleFunc("/tasks", api.handleDispatchTask).Methods("POST")
	apiRouter.HandleFunc("/tasks/{task_id}", api.handleTaskHistory).Methods("GET")

	// Docker
	apiRouter.HandleFunc("/docker/tasks", api.handleDispatchDocker).Methods("POST")
	apiRouter.HandleFunc("/docker/tasks/{task_id}", api.handleGetDockerTask).Methods("GET")
	apiRouter.HandleFunc("/docker/tasks/{task_id}", api.handleCancelDocker).Methods("DELETE")
	apiRouter.HandleFunc("/docker/tasks/{task_id}/finalize", api.handleFinalizeDocker).Methods("POST")
	apiRouter.HandleFunc("/docker/tasks/{task_id}/tools", api.handleExecuteDockerTool).Methods("POST")
	apiRouter.HandleFunc("/projects/{project_id}", api.handleCleanupProject).Methods("DELETE")
	apiRouter.HandleFunc("/projects/{project_id}/containers", api.handleListContainers).Methods("GET")
	apiRouter.HandleFunc("/projects/{project_id}/affinity", api.handleGetAffinity).Methods("GET")
	apiRouter.HandleFunc("/projects/{project_id}/affinity", api.handleClearAffinity).Methods("DELETE")

	// Broadcast
	apiRouter.HandleFunc("/broadcast/config", api.handleBroadcastConfig).Methods("POST")
	apiRouter.HandleFunc("/broadcast/update", api.handleBroadcastUpdate).Methods("POST")

	return router
}

// Start serves until Stop is called
func (api *APIServer) Start() error {
	timeout := api.config.GetServerTimeout()
	api.server = &http.Server{
		Addr:        api.config.Server.Address,
		Handler:     api.Router(),
		ReadTimeout: timeout,
		IdleTimeout: 60 * time.Second,
	}

	api.logger.Info().
		Str("address", api.config.Server.Address).
		Str("ws_path", api.config.Server.WSPath).
		Bool("api_auth", api.config.Server.APIAuth).
		Msg("Starting API server")

	if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down. Hijacked WebSocket connections are closed
// by the hub.
func (api *APIServer) Stop(ctx context.Context) error {
	if api.server == nil {
		return nil
	}
	return api.server.Shutdown(ctx)
}

func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (api *APIServer) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (api *APIServer) sendError(w http.ResponseWriter, status int, message string) {
	api.sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *APIServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"workers":       api.hub.WorkerCount(),
		"pending_calls": api.hub.PendingCalls(),
		"bus":           api.hub.BusAvailable(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *APIServer) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := api.hub.Workers()
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

func (api *APIServer) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := api.hub.PendingCallList()
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"calls": calls,
		"count": len(calls),
	})
}

func (api *APIServer) handleWorkerCount(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]int{"count": api.hub.WorkerCount()})
}

func (api *APIServer) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	info, err := api.hub.Worker(mux.Vars(r)["worker_id"])
	if err != nil {
		api.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	api.sendJSON(w, http.StatusOK, info)
}

func (api *APIServer) handleDisconnectWorker(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	if err := api.hub.DisconnectWorker(workerID); err != nil {
		api.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	api.sendJSON(w, http.StatusOK, map[string]string{"disconnected": workerID})
}

type executeToolRequest struct {
	ToolName         string          `json:"toolName"`
	Input            json.RawMessage `json:"input"`
	Requirements     *Requirements   `json:"requirements,omitempty"`
	BrowserSessionID string          `json:"browserSessionId,omitempty"`
	TimeoutMs        int64           `json:"timeoutMs,omitempty"`
}

func (api *APIServer) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		api.sendError(w, http.StatusBadRequest, "toolName is required")
		return
	}

	result := api.hub.ExecuteTool(r.Context(), ToolCall{
		Name:             req.ToolName,
		Input:            req.Input,
		Requirements:     req.Requirements,
		BrowserSessionID: req.BrowserSessionID,
		Timeout:          time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	api.sendJSON(w, http.StatusOK, result)
}

type callAgentRequest struct {
	FromAgentID   string          `json:"fromAgentId"`
	TargetAgentID string          `json:"targetAgentId"`
	Input         json.RawMessage `json:"input"`
	Requirements  *Requirements   `json:"requirements,omitempty"`
	TimeoutMs     int64           `json:"timeoutMs,omitempty"`
}

func (api *APIServer) handleCallAgent(w http.ResponseWriter, r *http.Request) {
	var req callAgentRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.TargetAgentID == "" {
		api.sendError(w, http.StatusBadRequest, "targetAgentId is required")
		return
	}

	result := api.hub.CallAgent(r.Context(), AgentRequest{
		FromAgentID:   req.FromAgentID,
		TargetAgentID: req.TargetAgentID,
		Input:         req.Input,
		Requirements:  req.Requirements,
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	api.sendJSON(w, http.StatusOK, result)
}

type dispatchTaskRequest struct {
	TaskID       string          `json:"taskId"`
	AgentID      string          `json:"agentId"`
	Input        json.RawMessage `json:"input"`
	AgentConfig  json.RawMessage `json:"agentConfig,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	TeamID       string          `json:"teamId,omitempty"`
	Requirements *Requirements   `json:"requirements,omitempty"`
}

func (api *APIServer) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	var req dispatchTaskRequest
	if !api.decode(w, r, &req) {
		return
	}

	result := api.hub.DispatchTask(r.Context(), TaskSpec{
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		Input:        req.Input,
		AgentConfig:  req.AgentConfig,
		UserID:       req.UserID,
		TeamID:       req.TeamID,
		Requirements: req.Requirements,
	})
	status := http.StatusAccepted
	if !result.Dispatched {
		status = http.StatusServiceUnavailable
	}
	api.sendJSON(w, status, result)
}

func (api *APIServer) handleDispatchDocker(w http.ResponseWriter, r *http.Request) {
	var spec DockerTaskSpec
	if !api.decode(w, r, &spec) {
		return
	}

	result := api.hub.DispatchDocker(r.Context(), spec)
	status := http.StatusAccepted
	if !result.Dispatched {
		status = http.StatusServiceUnavailable
	}
	api.sendJSON(w, status, result)
}

func (api *APIServer) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := api.hub.TaskHistory(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		api.sendError(w, historyStatus(err), err.Error())
		return
	}
	api.sendJSON(w, http.StatusOK, history)
}

func (api *APIServer) handleWorkerRecord(w http.ResponseWriter, r *http.Request) {
	record, err := api.hub.WorkerRecord(r.Context(), mux.Vars(r)["worker_id"])
	if err != nil {
		api.sendError(w, historyStatus(err), err.Error())
		return
	}
	api.sendJSON(w, http.StatusOK, record)
}

func historyStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (api *APIServer) handleGetDockerTask(w http.ResponseWriter, r *http.Request) {
	task, ok := api.hub.DockerTask(mux.Vars(r)["task_id"])
	if !ok {
		api.sendError(w, http.StatusNotFound, ErrDockerTaskNotFound.Error())
		return
	}
	api.sendJSON(w, http.StatusOK, task)
}

func (api *APIServer) handleCancelDocker(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	api.hub.CancelDocker(taskID)
	api.sendJSON(w, http.StatusOK, map[string]string{"cancelled": taskID})
}

func (api *APIServer) handleFinalizeDocker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommitMessage string `json:"commitMessage"`
	}
	if !api.decode(w, r, &req) {
		return
	}

	taskID := mux.Vars(r)["task_id"]
	if err := api.hub.FinalizeDocker(taskID, req.CommitMessage); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrDockerTaskNotFound) || errors.Is(err, ErrWorkerNotFound) {
			status = http.StatusNotFound
		}
		api.sendError(w, status, err.Error())
		return
	}
	api.sendJSON(w, http.StatusAccepted, map[string]string{"finalizing": taskID})
}

func (api *APIServer) handleExecuteDockerTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		api.sendError(w, http.StatusBadRequest, "toolName is required")
		return
	}

	result := api.hub.ExecuteDockerTool(r.Context(), mux.Vars(r)["task_id"], req.ToolName, req.Input,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	api.sendJSON(w, http.StatusOK, result)
}

func (api *APIServer) handleCleanupProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	cancelled := api.hub.CleanupProject(projectID)
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"projectId": projectID,
		"cancelled": cancelled,
	})
}

func (api *APIServer) handleListContainers(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	tasks := api.hub.ListProjectContainers(projectID)
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"projectId":  projectID,
		"containers": tasks,
		"count":      len(tasks),
	})
}

func (api *APIServer) handleGetAffinity(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	workerID, ok := api.hub.ProjectAffinity(projectID)
	if !ok {
		api.sendError(w, http.StatusNotFound, "no affinity for project "+projectID)
		return
	}
	api.sendJSON(w, http.StatusOK, map[string]string{
		"projectId": projectID,
		"workerId":  workerID,
	})
}

func (api *APIServer) handleClearAffinity(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	api.hub.ClearProjectAffinity(projectID)
	api.sendJSON(w, http.StatusOK, map[string]string{"cleared": projectID})
}

func (api *APIServer) handleBroadcastConfig(w http.ResponseWriter, r *http.Request) {
	var config json.RawMessage
	if !api.decode(w, r, &config) {
		return
	}
	api.sendJSON(w, http.StatusOK, map[string]int{"sent": api.hub.BroadcastConfig(config)})
}

func (api *APIServer) handleBroadcastUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
		URL     string `json:"url"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	if req.Version == "" {
		api.sendError(w, http.StatusBadRequest, "version is required")
		return
	}
	api.sendJSON(w, http.StatusOK, map[string]int{"sent": api.hub.BroadcastUpdate(req.Version, req.URL)})
}
