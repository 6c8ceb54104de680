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

// Package protocol defines the JSON messages exchanged between the hub and
// worker nodes. Every frame is a flat JSON object tagged by its "type" field.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType tags every frame on the wire
type MessageType string

// Worker -> hub
const (
	TypeAuth               MessageType = "auth"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeTaskComplete       MessageType = "task:complete"
	TypeTaskFailed         MessageType = "task:failed"
	TypeToolResult         MessageType = "tool:result"
	TypeAgentCall          MessageType = "agent:call"
	TypeAgentResponse      MessageType = "agent:response"
	TypeDockerTaskComplete MessageType = "docker:task:complete"
	TypeDockerStatus       MessageType = "docker:status"
	TypeDockerToolResult   MessageType = "docker:tool:result"
	TypeKeysReceived       MessageType = "keys:received"
	TypeLog                MessageType = "log"
)

// Hub -> worker
const (
	TypeAuthOK             MessageType = "auth:ok"
	TypeAuthError          MessageType = "auth:error"
	TypeError              MessageType = "error"
	TypeTaskAssign         MessageType = "task:assign"
	TypeToolExecute        MessageType = "tool:execute"
	TypeDockerTaskAssign   MessageType = "docker:task:assign"
	TypeDockerTaskFinalize MessageType = "docker:task:finalize"
	TypeDockerTaskCancel   MessageType = "docker:task:cancel"
	TypeDockerToolExecute  MessageType = "docker:tool:execute"
	TypeKeysSync           MessageType = "keys:sync"
	TypeConfigUpdate       MessageType = "config:update"
	TypeUpdateAvailable    MessageType = "update:available"
)

// WebSocket close codes used by the hub
const (
	CloseAuthTimeout  = 4001
	CloseAuthFailed   = 4002
	CloseSuperseded   = 4003
	CloseDisconnected = 4004
)

// Inbound is a message sent by a worker. The set of implementations is closed;
// frames with an unrecognised type decode to *Unknown.
type Inbound interface {
	MessageType() MessageType
	inbound()
}

// Outbound is a message sent by the hub
type Outbound interface {
	MessageType() MessageType
}

// Capabilities describes what a worker can do. It is nil until the first heartbeat.
type Capabilities struct {
	OS          string   `json:"os,omitempty"`
	Display     bool     `json:"display,omitempty"`
	Browser     bool     `json:"browser,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Auth carries the bearer credential; it must be the first frame on a connection
type Auth struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

// Heartbeat is the periodic self-report of a worker
type Heartbeat struct {
	Type            MessageType   `json:"type"`
	Load            float64       `json:"load"`
	ActiveTasks     int           `json:"activeTasks"`
	Capabilities    *Capabilities `json:"capabilities,omitempty"`
	DockerAvailable bool          `json:"dockerAvailable"`
}

// TaskReport is the payload of both task:complete and task:failed
type TaskReport struct {
	Type       MessageType     `json:"type"`
	TaskID     string          `json:"taskId"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	TokensUsed int             `json:"tokensUsed,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// ToolResult answers a tool:execute
type ToolResult struct {
	Type    MessageType `json:"type"`
	CallID  string      `json:"callId"`
	Success bool        `json:"success"`
	Output  string      `json:"output"`
}

// AgentCall asks another agent to do something on behalf of a worker
type AgentCall struct {
	Type          MessageType     `json:"type"`
	CallID        string          `json:"callId"`
	FromAgentID   string          `json:"fromAgentId,omitempty"`
	TargetAgentID string          `json:"targetAgentId"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// AgentResponse answers an agent:call
type AgentResponse struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"callId"`
	Output string      `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// DockerTaskComplete reports the end of a container run
type DockerTaskComplete struct {
	Type   MessageType     `json:"type"`
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
}

// DockerStatus reports a container lifecycle transition
type DockerStatus struct {
	Type        MessageType `json:"type"`
	TaskID      string      `json:"taskId"`
	Status      string      `json:"status"`
	ContainerID string      `json:"containerId,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// DockerToolResult answers a docker:tool:execute
type DockerToolResult struct {
	Type    MessageType `json:"type"`
	CallID  string      `json:"callId"`
	TaskID  string      `json:"taskId,omitempty"`
	Success bool        `json:"success"`
	Output  string      `json:"output"`
}

// KeysReceived acknowledges a keys:sync
type KeysReceived struct {
	Type        MessageType `json:"type"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

// Log is a worker-side log line forwarded into the hub's logs
type Log struct {
	Type    MessageType `json:"type"`
	Level   string      `json:"level"`
	Message string      `json:"message"`
}

// Unknown is a well-formed frame whose type the hub does not handle
type Unknown struct {
	Type MessageType `json:"type"`
	Raw  []byte      `json:"-"`
}

// AuthOK acknowledges a successful handshake
type AuthOK struct {
	Type     MessageType     `json:"type"`
	WorkerID string          `json:"workerId"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// AuthError rejects a handshake
type AuthError struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// Error is sent for messages the hub refuses to process
type Error struct {
	Type      MessageType `json:"type"`
	Error     string      `json:"error"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskAssign hands an agent task to a worker
type TaskAssign struct {
	Type        MessageType     `json:"type"`
	TaskID      string          `json:"taskId"`
	AgentID     string          `json:"agentId"`
	Input       json.RawMessage `json:"input,omitempty"`
	AgentConfig json.RawMessage `json:"agentConfig,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	TeamID      string          `json:"teamId,omitempty"`
}

// ToolExecute asks a worker to run one tool call
type ToolExecute struct {
	Type             MessageType     `json:"type"`
	CallID           string          `json:"callId"`
	ToolName         string          `json:"toolName"`
	Input            json.RawMessage `json:"input,omitempty"`
	BrowserSessionID string          `json:"browserSessionId,omitempty"`
}

// DockerTaskAssign starts a container run on a worker
type DockerTaskAssign struct {
	Type      MessageType       `json:"type"`
	TaskID    string            `json:"taskId"`
	ProjectID string            `json:"projectId,omitempty"`
	Image     string            `json:"image,omitempty"`
	RepoURL   string            `json:"repoUrl,omitempty"`
	Branch    string            `json:"branch,omitempty"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	UserID    string            `json:"userId,omitempty"`
}

// DockerTaskFinalize asks the worker to commit and wrap up a container run
type DockerTaskFinalize struct {
	Type          MessageType `json:"type"`
	TaskID        string      `json:"taskId"`
	CommitMessage string      `json:"commitMessage,omitempty"`
}

// DockerTaskCancel asks the worker to stop and remove a container run
type DockerTaskCancel struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"taskId"`
}

// DockerToolExecute runs a tool inside the container of a Docker task
type DockerToolExecute struct {
	Type     MessageType     `json:"type"`
	CallID   string          `json:"callId"`
	TaskID   string          `json:"taskId"`
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// KeysSync pushes the git credentials Docker workers clone and push with
type KeysSync struct {
	Type        MessageType `json:"type"`
	PublicKey   string      `json:"publicKey"`
	PrivateKey  string      `json:"privateKey"`
	Fingerprint string      `json:"fingerprint"`
}

// ConfigUpdate broadcasts a new shared configuration snapshot
type ConfigUpdate struct {
	Type   MessageType     `json:"type"`
	Config json.RawMessage `json:"config"`
}

// UpdateAvailable tells workers a new worker build can be downloaded
type UpdateAvailable struct {
	Type    MessageType `json:"type"`
	Version string      `json:"version"`
	URL     string      `json:"url"`
}

func (m *Auth) MessageType() MessageType               { return TypeAuth }
func (m *Heartbeat) MessageType() MessageType          { return TypeHeartbeat }
func (m *TaskReport) MessageType() MessageType         { return m.Type }
func (m *ToolResult) MessageType() MessageType         { return TypeToolResult }
func (m *AgentCall) MessageType() MessageType          { return TypeAgentCall }
func (m *AgentResponse) MessageType() MessageType      { return TypeAgentResponse }
func (m *DockerTaskComplete) MessageType() MessageType { return TypeDockerTaskComplete }
func (m *DockerStatus) MessageType() MessageType       { return TypeDockerStatus }
func (m *DockerToolResult) MessageType() MessageType   { return TypeDockerToolResult }
func (m *KeysReceived) MessageType() MessageType       { return TypeKeysReceived }
func (m *Log) MessageType() MessageType                { return TypeLog }
func (m *Unknown) MessageType() MessageType            { return m.Type }

func (*Auth) inbound()               {}
func (*Heartbeat) inbound()          {}
func (*TaskReport) inbound()         {}
func (*ToolResult) inbound()         {}
func (*AgentCall) inbound()          {}
func (*AgentResponse) inbound()      {}
func (*DockerTaskComplete) inbound() {}
func (*DockerStatus) inbound()       {}
func (*DockerToolResult) inbound()   {}
func (*KeysReceived) inbound()       {}
func (*Log) inbound()                {}
func (*Unknown) inbound()            {}

func (m *AuthOK) MessageType() MessageType             { return TypeAuthOK }
func (m *AuthError) MessageType() MessageType          { return TypeAuthError }
func (m *Error) MessageType() MessageType              { return TypeError }
func (m *TaskAssign) MessageType() MessageType         { return TypeTaskAssign }
func (m *ToolExecute) MessageType() MessageType        { return TypeToolExecute }
func (m *DockerTaskAssign) MessageType() MessageType   { return TypeDockerTaskAssign }
func (m *DockerTaskFinalize) MessageType() MessageType { return TypeDockerTaskFinalize }
func (m *DockerTaskCancel) MessageType() MessageType   { return TypeDockerTaskCancel }
func (m *DockerToolExecute) MessageType() MessageType  { return TypeDockerToolExecute }
func (m *KeysSync) MessageType() MessageType           { return TypeKeysSync }
func (m *ConfigUpdate) MessageType() MessageType       { return TypeConfigUpdate }
func (m *UpdateAvailable) MessageType() MessageType    { return TypeUpdateAvailable }
