package workerpool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Message
		wantErr bool
	}{
		{name: "ready", line: `{"type":"ready"}`, want: Message{Type: MsgReady}},
		{
			name: "task result",
			line: `{"type":"task_result","task_id":"t1","status":"success","result":{"text":"hi"}}`,
			want: Message{Type: MsgTaskResult, TaskID: "t1", Status: StatusSuccess, Result: json.RawMessage(`{"text":"hi"}`)},
		},
		{
			name: "task error",
			line: `{"type":"task_result","task_id":"t2","status":"error","error":"oom"}`,
			want: Message{Type: MsgTaskResult, TaskID: "t2", Status: "error", Error: "oom"},
		},
		{
			name: "submitted",
			line: `{"type":"task_submitted","task_id":"t3","submission_latency":0.5}`,
			want: Message{Type: MsgTaskSubmitted, TaskID: "t3", SubmissionLatency: 0.5},
		},
		{name: "not json", line: `loading...`, wantErr: true},
		{name: "missing type", line: `{"task_id":"x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Type, got.Type)
			assert.Equal(t, tt.want.TaskID, got.TaskID)
			assert.Equal(t, tt.want.Status, got.Status)
			assert.Equal(t, tt.want.Error, got.Error)
			assert.InDelta(t, tt.want.SubmissionLatency, got.SubmissionLatency, 1e-9)
			if tt.want.Result != nil {
				assert.JSONEq(t, string(tt.want.Result), string(got.Result))
			}
		})
	}
}

func TestDecodeMessage_MetricsKeepsFields(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"metrics","utilization":0.5,"gpu":"a100"}`))
	require.NoError(t, err)
	assert.Equal(t, MsgMetrics, msg.Type)
	assert.Equal(t, 0.5, msg.Fields["utilization"])
	assert.Equal(t, "a100", msg.Fields["gpu"])
	assert.NotContains(t, msg.Fields, "type")
}

func TestEncodeCommand(t *testing.T) {
	data, err := encodeCommand(submitTaskCommand{
		Type:   CmdSubmitTask,
		TaskID: "abc",
		Data:   json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
	assert.JSONEq(t, `{"type":"submit_task","task_id":"abc","data":{"text":"hi"},"priority":0}`, string(data[:len(data)-1]))

	data, err = encodeCommand(getResultCommand{Type: CmdGetResult, Timeout: 0.1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_result","timeout":0.1}`, string(data[:len(data)-1]))

	data, err = encodeCommand(controlCommand{Type: CmdHealthCheck})
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"health_check\"}\n", string(data))
}
