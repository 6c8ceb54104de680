package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned for frames that are not valid protocol messages
var ErrMalformed = errors.New("malformed message")

// Parse decodes a worker frame into its typed message. Unrecognised but
// well-formed frames decode to *Unknown so callers can log them distinctly.
func Parse(data []byte) (Inbound, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	}

	var msg Inbound
	switch head.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeTaskComplete, TypeTaskFailed:
		msg = &TaskReport{}
	case TypeToolResult:
		msg = &ToolResult{}
	case TypeAgentCall:
		msg = &AgentCall{}
	case TypeAgentResponse:
		msg = &AgentResponse{}
	case TypeDockerTaskComplete:
		msg = &DockerTaskComplete{}
	case TypeDockerStatus:
		msg = &DockerStatus{}
	case TypeDockerToolResult:
		msg = &DockerToolResult{}
	case TypeKeysReceived:
		msg = &KeysReceived{}
	case TypeLog:
		msg = &Log{}
	default:
		return &Unknown{Type: head.Type, Raw: data}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks the fields each inbound message cannot do without
func Validate(msg Inbound) error {
	var missing string
	switch m := msg.(type) {
	case *Auth:
		if m.Token == "" {
			missing = "token"
		}
	case *TaskReport:
		if m.TaskID == "" {
			missing = "taskId"
		}
	case *ToolResult:
		if m.CallID == "" {
			missing = "callId"
		}
	case *AgentCall:
		if m.CallID == "" {
			missing = "callId"
		} else if m.TargetAgentID == "" {
			missing = "targetAgentId"
		}
	case *AgentResponse:
		if m.CallID == "" {
			missing = "callId"
		}
	case *DockerTaskComplete:
		if m.TaskID == "" {
			missing = "taskId"
		}
	case *DockerStatus:
		if m.TaskID == "" {
			missing = "taskId"
		}
	case *DockerToolResult:
		if m.CallID == "" {
			missing = "callId"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s requires %s", ErrMalformed, msg.MessageType(), missing)
	}
	return nil
}

// Encode serializes an outbound message, stamping its type tag
func Encode(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case *AuthOK:
		m.Type = TypeAuthOK
	case *AuthError:
		m.Type = TypeAuthError
	case *Error:
		m.Type = TypeError
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
	case *TaskAssign:
		m.Type = TypeTaskAssign
	case *ToolExecute:
		m.Type = TypeToolExecute
	case *AgentCall:
		m.Type = TypeAgentCall
	case *AgentResponse:
		m.Type = TypeAgentResponse
	case *DockerTaskAssign:
		m.Type = TypeDockerTaskAssign
	case *DockerTaskFinalize:
		m.Type = TypeDockerTaskFinalize
	case *DockerTaskCancel:
		m.Type = TypeDockerTaskCancel
	case *DockerToolExecute:
		m.Type = TypeDockerToolExecute
	case *KeysSync:
		m.Type = TypeKeysSync
	case *ConfigUpdate:
		m.Type = TypeConfigUpdate
	case *UpdateAvailable:
		m.Type = TypeUpdateAvailable
	default:
		return nil, fmt.Errorf("cannot encode %T as an outbound message", msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.MessageType(), err)
	}
	return data, nil
}

// NewError builds an error frame
func NewError(code, message string) *Error {
	return &Error{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
