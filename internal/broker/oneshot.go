package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/BaSui01/voxflow/internal/workerpool"
)

// OneShotBackend 每个任务启动一次子进程：负载 JSON 写入 stdin，
// 从 stdout 读取最后一行 JSON 作为结果
type OneShotBackend struct {
	command string
	args    []string
	env     []string
	timeout time.Duration
}

// NewOneShotBackend 创建一次性子进程后端
func NewOneShotBackend(command string, args, env []string, timeout time.Duration) *OneShotBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OneShotBackend{command: command, args: args, env: env, timeout: timeout}
}

func (b *OneShotBackend) Name() string { return "oneshot" }

// Execute 运行子进程并解析结果
func (b *OneShotBackend) Execute(ctx context.Context, kind Kind, payload any) (json.RawMessage, error) {
	input, err := json.Marshal(map[string]any{"type": string(kind), "data": payload})
	if err != nil {
		return nil, fmt.Errorf("encode oneshot payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	args := append(append([]string{}, b.args...), "--task", string(kind))
	cmd := exec.CommandContext(ctx, b.command, args...)
	cmd.Env = append(os.Environ(), b.env...)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: oneshot %s exited with %d: %s",
				ErrBackendUnavailable, kind, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: oneshot %s: %v", ErrBackendUnavailable, kind, err)
	}

	return parseOneShotOutput(stdout.Bytes())
}

// parseOneShotOutput 取最后一个 JSON 行；兼容 task_result 包装与裸结果两种形式
func parseOneShotOutput(out []byte) (json.RawMessage, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		msg, err := workerpool.DecodeMessage(line)
		if err != nil || msg.Type != workerpool.MsgTaskResult {
			return json.RawMessage(line), nil
		}
		if msg.Status != workerpool.StatusSuccess {
			return nil, &workerpool.TaskError{TaskID: msg.TaskID, Status: msg.Status, Message: msg.Error}
		}
		return msg.Result, nil
	}
	return nil, fmt.Errorf("%w: oneshot produced no JSON output", ErrInvalidResult)
}
