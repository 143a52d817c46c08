package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/voxflow/internal/tlsutil"
)

// RemoteBackend 通过 HTTP 调用远程推理服务
type RemoteBackend struct {
	url        string
	client     *http.Client
	chunkBytes int
}

// NewRemoteBackend 创建远程后端；chunkBytes 决定流式读取时每片的大小
func NewRemoteBackend(url string, timeout time.Duration, chunkBytes int) *RemoteBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	return &RemoteBackend{
		url:        url,
		client:     tlsutil.BackendClient(timeout),
		chunkBytes: chunkBytes,
	}
}

func (b *RemoteBackend) Name() string { return "remote" }

func (b *RemoteBackend) do(ctx context.Context, kind Kind, payload any, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode remote payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Task-Kind", string(kind))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: remote %s request: %v", ErrBackendUnavailable, kind, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: remote %s status=%d body=%s",
				ErrBackendUnavailable, kind, resp.StatusCode, strings.TrimSpace(string(errBody)))
		}
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}
	return resp, nil
}

// Execute POST JSON 并返回 JSON 响应体
func (b *RemoteBackend) Execute(ctx context.Context, kind Kind, payload any) (json.RawMessage, error) {
	resp, err := b.do(ctx, kind, payload, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read remote response: %v", ErrBackendUnavailable, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: remote %s returned non-JSON body", ErrInvalidResult, kind)
	}
	return json.RawMessage(data), nil
}

// Stream 请求音频流；服务端返回二进制音频时按 chunkBytes 逐片读取，
// 返回 JSON 时退化为整段结果后切片
func (b *RemoteBackend) Stream(ctx context.Context, kind Kind, payload any, emit func([]byte) error) error {
	resp, err := b.do(ctx, kind, payload, "application/octet-stream, application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read remote response: %v", ErrBackendUnavailable, err)
		}
		var res TTSResult
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		for _, part := range splitResult(res, b.chunkBytes) {
			if err := emit(part); err != nil {
				return err
			}
		}
		return nil
	}

	buf := make([]byte, b.chunkBytes)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			part := make([]byte, n)
			copy(part, buf[:n])
			if emitErr := emit(part); emitErr != nil {
				return emitErr
			}
		}
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return fmt.Errorf("%w: read remote stream: %v", ErrBackendUnavailable, err)
		}
	}
}
