package workerpool

import (
	"encoding/json"
	"fmt"
)

// 命令类型
const (
	CmdSubmitTask  = "submit_task"
	CmdGetResult   = "get_result"
	CmdHealthCheck = "health_check"
	CmdGetMetrics  = "get_metrics"
	CmdShutdown    = "shutdown"
)

// 消息类型
const (
	MsgReady         = "ready"
	MsgTaskSubmitted = "task_submitted"
	MsgTaskResult    = "task_result"
	MsgNoResult      = "no_result"
	MsgMetrics       = "metrics"
	MsgError         = "error"
)

// StatusSuccess task_result 成功状态
const StatusSuccess = "success"

type submitTaskCommand struct {
	Type     string          `json:"type"`
	TaskID   string          `json:"task_id"`
	Data     json.RawMessage `json:"data"`
	Priority int             `json:"priority"`
}

type getResultCommand struct {
	Type    string  `json:"type"`
	Timeout float64 `json:"timeout"`
}

type controlCommand struct {
	Type string `json:"type"`
}

// Message 子进程输出的一行消息
type Message struct {
	Type              string          `json:"type"`
	TaskID            string          `json:"task_id,omitempty"`
	Status            string          `json:"status,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	SubmissionLatency float64         `json:"submission_latency,omitempty"`

	// Fields 保留 metrics 等消息中的全部字段
	Fields map[string]any `json:"-"`
}

// DecodeMessage 解析一行输出
func DecodeMessage(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("decode worker message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode worker message: missing type")
	}
	if msg.Type == MsgMetrics {
		fields := make(map[string]any)
		if err := json.Unmarshal(line, &fields); err == nil {
			delete(fields, "type")
			msg.Fields = fields
		}
	}
	return msg, nil
}

// encodeCommand 序列化命令并追加换行
func encodeCommand(cmd any) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode worker command: %w", err)
	}
	return append(data, '\n'), nil
}
