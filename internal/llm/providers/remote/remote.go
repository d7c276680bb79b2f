// internal/llm/providers/remote/remote.go
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// Backend 通过推理网关访问远程模型。解码和推理走 websocket 帧流，
// 其他操作走普通 HTTP。
type Backend struct {
	baseURL string
	modelID string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

// Option 后端选项
type Option func(*Backend)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New 创建远程后端
func New(cfg llm.RemoteDriver, opts ...Option) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.NewValidationError("remote driver needs a base url", nil)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperrors.NewValidationError("invalid remote base url", err)
	}
	b := &Backend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		modelID: cfg.ModelID,
		client:  &http.Client{Timeout: 30 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("remote")
	return b, nil
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CreateSessionRequest 创建会话请求体
type CreateSessionRequest struct {
	ModelID string `json:"modelId,omitempty"`
}

// SessionInfo 会话信息
type SessionInfo struct {
	SessionID string `json:"sessionId"`
}

func (b *Backend) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return apperrors.NonRetryable(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.NewCanceledError("request canceled", ctx.Err())
		}
		return apperrors.NewTransientError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.NewTransientError("decode gateway response", err)
	}

	if resp.StatusCode >= 300 {
		message := resp.Status
		if envelope.Error != nil {
			message = envelope.Error.Message
		}
		return statusError(resp.StatusCode, message)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return apperrors.NonRetryable(fmt.Errorf("decode response data: %w", err))
		}
	}
	return nil
}

func statusError(status int, message string) error {
	switch {
	case status == http.StatusNotFound:
		return apperrors.NonRetryable(apperrors.NewNotFoundError(message, llm.ErrSessionNotFound))
	case status == http.StatusConflict, status == http.StatusTooManyRequests, status >= 500:
		return apperrors.NewTransientError(fmt.Sprintf("gateway returned %d: %s", status, message), nil)
	default:
		return apperrors.NonRetryable(apperrors.NewValidationError(fmt.Sprintf("gateway returned %d: %s", status, message), nil))
	}
}

// CreateSession implements llm.Backend.
func (b *Backend) CreateSession(ctx context.Context) (string, error) {
	var info SessionInfo
	if err := b.do(ctx, http.MethodPost, "/v1/sessions", CreateSessionRequest{ModelID: b.modelID}, &info); err != nil {
		return "", err
	}
	b.logger.Debug("session created", zap.String("session_id", info.SessionID))
	return info.SessionID, nil
}

// HasSession implements llm.Backend.
func (b *Backend) HasSession(ctx context.Context, id string) (bool, error) {
	err := b.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, nil)
	if apperrors.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Decode implements llm.Backend.
func (b *Backend) Decode(ctx context.Context, id, prompt string, onProgress func(float64)) error {
	_, err := b.stream(ctx, id, "decode", llm.DecodeRequest{Prompt: prompt}, func(f llm.Frame) {
		if f.DecodeProgress != nil && onProgress != nil {
			onProgress(*f.DecodeProgress)
		}
	})
	return err
}

// Infer implements llm.Backend. Cancelling ctx closes the stream only; the
// caller is responsible for sending Abort.
func (b *Backend) Infer(ctx context.Context, id string, req llm.InferRequest, onToken func(string)) (llm.InferResult, error) {
	var result llm.InferResult
	epilogue, err := b.stream(ctx, id, "infer", req, func(f llm.Frame) {
		if f.TokenText != nil {
			result.Text += *f.TokenText
			if onToken != nil {
				onToken(*f.TokenText)
			}
		}
	})
	if err != nil {
		return result, err
	}
	result.Usage = epilogue.Usage
	return result, nil
}

// Commit implements llm.Backend.
func (b *Backend) Commit(ctx context.Context, id string) error {
	return b.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/commit", nil, nil)
}

// Abort implements llm.Backend.
func (b *Backend) Abort(ctx context.Context, id string) error {
	return b.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/abort", nil, nil)
}

// DestroySession implements llm.Backend.
func (b *Backend) DestroySession(ctx context.Context, id string) error {
	err := b.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil)
	if apperrors.IsNotFoundError(err) {
		return nil
	}
	return err
}

// Close implements llm.Backend.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) wsURL(id, op string) (string, error) {
	u, err := url.Parse(b.baseURL + "/v1/sessions/" + url.PathEscape(id) + "/" + op)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// stream sends one request message and reads frames until the terminal one.
func (b *Backend) stream(ctx context.Context, id, op string, request interface{}, onFrame func(llm.Frame)) (llm.Epilogue, error) {
	target, err := b.wsURL(id, op)
	if err != nil {
		return llm.Epilogue{}, apperrors.NonRetryable(err)
	}

	conn, resp, err := b.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return llm.Epilogue{}, statusError(resp.StatusCode, resp.Status)
		}
		if ctx.Err() != nil {
			return llm.Epilogue{}, apperrors.NewCanceledError("dial canceled", ctx.Err())
		}
		return llm.Epilogue{}, apperrors.NewTransientError("dial "+op+" stream", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(request); err != nil {
		return llm.Epilogue{}, apperrors.NewTransientError("send "+op+" request", err)
	}

	for {
		var frame llm.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return llm.Epilogue{}, apperrors.NewCanceledError(op+" canceled", ctx.Err())
			}
			return llm.Epilogue{}, apperrors.NewTransientError(op+" stream broken", err)
		}
		if frame.Error != nil {
			return llm.Epilogue{}, frameError(frame.Error)
		}
		if frame.Epilogue != nil {
			return *frame.Epilogue, nil
		}
		onFrame(frame)
	}
}

func frameError(fe *llm.FrameError) error {
	switch {
	case fe.Code == apperrors.CodeFor(apperrors.ErrorTypeNotFound):
		return apperrors.NonRetryable(apperrors.NewNotFoundError(fe.Message, fe))
	case fe.Code == apperrors.CodeFor(apperrors.ErrorTypeCanceled):
		return apperrors.NewCanceledError(fe.Message, fe)
	case fe.Retryable:
		return apperrors.NewTransientError(fe.Message, fe)
	default:
		return apperrors.NonRetryable(apperrors.NewAppError(apperrors.ErrorTypeError, fe.Message, fe))
	}
}
