// internal/llm/providers/local/local.go
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// Backend 基于进程内运行时的后端。生成通过 context 就地中断。
type Backend struct {
	runtime llm.Runtime
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	ctx    llm.RuntimeContext
	cancel context.CancelFunc
}

// New 按配置打开注册的运行时
func New(cfg llm.LocalDriver, logger *zap.Logger) (*Backend, error) {
	rt, err := llm.OpenRuntime(cfg)
	if err != nil {
		return nil, apperrors.NonRetryable(fmt.Errorf("open runtime: %w", err))
	}
	return NewWithRuntime(rt, logger), nil
}

// NewWithRuntime 使用已有运行时创建后端
func NewWithRuntime(rt llm.Runtime, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Backend{
		runtime:  rt,
		logger:   logger.Named("local"),
		sessions: make(map[string]*session),
	}
}

func (b *Backend) get(id string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, apperrors.NonRetryable(apperrors.NewNotFoundError("session "+id, llm.ErrSessionNotFound))
	}
	return s, nil
}

// CreateSession implements llm.Backend.
func (b *Backend) CreateSession(ctx context.Context) (string, error) {
	rc, err := b.runtime.NewContext(ctx)
	if err != nil {
		return "", fmt.Errorf("new runtime context: %w", err)
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.sessions[id] = &session{ctx: rc}
	b.mu.Unlock()
	b.logger.Debug("session created", zap.String("session_id", id))
	return id, nil
}

// HasSession implements llm.Backend.
func (b *Backend) HasSession(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[id]
	return ok, nil
}

// Decode implements llm.Backend.
func (b *Backend) Decode(ctx context.Context, id, prompt string, onProgress func(float64)) error {
	s, err := b.get(id)
	if err != nil {
		return err
	}
	return s.ctx.Decode(ctx, prompt, onProgress)
}

// Infer implements llm.Backend. Abort cancels the in-flight call.
func (b *Backend) Infer(ctx context.Context, id string, req llm.InferRequest, onToken func(string)) (llm.InferResult, error) {
	s, err := b.get(id)
	if err != nil {
		return llm.InferResult{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	s.cancel = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		s.cancel = nil
		b.mu.Unlock()
	}()

	var result llm.InferResult
	usage, err := s.ctx.Generate(ctx, req, func(token string) {
		result.Text += token
		if onToken != nil {
			onToken(token)
		}
	})
	if err != nil {
		return result, err
	}
	result.Usage = usage
	return result, nil
}

// Commit implements llm.Backend.
func (b *Backend) Commit(ctx context.Context, id string) error {
	s, err := b.get(id)
	if err != nil {
		return err
	}
	return s.ctx.Commit()
}

// Abort implements llm.Backend.
func (b *Backend) Abort(ctx context.Context, id string) error {
	s, err := b.get(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	cancel := s.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// DestroySession implements llm.Backend.
func (b *Backend) DestroySession(ctx context.Context, id string) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	var cancel context.CancelFunc
	if ok {
		cancel = s.cancel
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	b.logger.Debug("session destroyed", zap.String("session_id", id))
	return s.ctx.Close()
}

// Close implements llm.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*session)
	b.mu.Unlock()
	for _, s := range sessions {
		_ = s.ctx.Close()
	}
	return b.runtime.Close()
}
