package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType MessageType
		check    func(t *testing.T, msg Inbound)
	}{
		{
			name:     "auth",
			frame:    `{"type":"auth","token":"abc"}`,
			wantType: TypeAuth,
			check: func(t *testing.T, msg Inbound) {
				assert.Equal(t, "abc", msg.(*Auth).Token)
			},
		},
		{
			name:     "heartbeat with capabilities",
			frame:    `{"type":"heartbeat","load":42.5,"activeTasks":2,"dockerAvailable":true,"capabilities":{"os":"linux","browser":true,"tags":["gpu"]}}`,
			wantType: TypeHeartbeat,
			check: func(t *testing.T, msg Inbound) {
				hb := msg.(*Heartbeat)
				assert.Equal(t, 42.5, hb.Load)
				assert.Equal(t, 2, hb.ActiveTasks)
				assert.True(t, hb.DockerAvailable)
				require.NotNil(t, hb.Capabilities)
				assert.Equal(t, "linux", hb.Capabilities.OS)
				assert.True(t, hb.Capabilities.Browser)
				assert.Equal(t, []string{"gpu"}, hb.Capabilities.Tags)
			},
		},
		{
			name:     "heartbeat without capabilities",
			frame:    `{"type":"heartbeat","load":1}`,
			wantType: TypeHeartbeat,
			check: func(t *testing.T, msg Inbound) {
				assert.Nil(t, msg.(*Heartbeat).Capabilities)
			},
		},
		{
			name:     "task failed keeps its own tag",
			frame:    `{"type":"task:failed","taskId":"t1","error":"boom","durationMs":12}`,
			wantType: TypeTaskFailed,
			check: func(t *testing.T, msg Inbound) {
				report := msg.(*TaskReport)
				assert.Equal(t, "t1", report.TaskID)
				assert.Equal(t, "boom", report.Error)
				assert.EqualValues(t, 12, report.DurationMs)
			},
		},
		{
			name:     "tool result",
			frame:    `{"type":"tool:result","callId":"c1","success":true,"output":"ok"}`,
			wantType: TypeToolResult,
			check: func(t *testing.T, msg Inbound) {
				res := msg.(*ToolResult)
				assert.Equal(t, "c1", res.CallID)
				assert.True(t, res.Success)
				assert.Equal(t, "ok", res.Output)
			},
		},
		{
			name:     "unknown type",
			frame:    `{"type":"telemetry","cpu":3}`,
			wantType: "telemetry",
			check: func(t *testing.T, msg Inbound) {
				unknown, ok := msg.(*Unknown)
				require.True(t, ok)
				assert.Contains(t, string(unknown.Raw), "cpu")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msg.MessageType())
			tt.check(t, msg)
		})
	}
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	frames := map[string]string{
		"not json":               `hello`,
		"missing type":           `{"token":"abc"}`,
		"auth without token":     `{"type":"auth"}`,
		"result without call id": `{"type":"tool:result","success":true}`,
		"agent call no target":   `{"type":"agent:call","callId":"c1"}`,
		"status without task":    `{"type":"docker:status","status":"running"}`,
		"wrong field type":       `{"type":"heartbeat","load":"high"}`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(frame))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestEncodeStampsType(t *testing.T) {
	data, err := Encode(&ToolExecute{CallID: "c1", ToolName: "readFile", Input: json.RawMessage(`{"path":"/tmp"}`)})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "tool:execute", decoded["type"])
	assert.Equal(t, "c1", decoded["callId"])
	assert.Equal(t, "readFile", decoded["toolName"])
	assert.NotContains(t, decoded, "browserSessionId")
}

func TestEncodeErrorFrame(t *testing.T) {
	data, err := Encode(NewError("not_authenticated", "authenticate first"))
	require.NoError(t, err)

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeError, decoded.Type)
	assert.Equal(t, "not_authenticated", decoded.Error)
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestEncodeRejectsInboundOnlyMessages(t *testing.T) {
	_, err := Encode(&Heartbeat{})
	assert.Error(t, err)
}
