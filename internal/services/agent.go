// internal/services/agent.go
package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/inference"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// SessionRefStore 保存每个模拟、每个角色最近使用的推理会话
type SessionRefStore interface {
	GetSessionRef(ctx context.Context, simulationID string, agent models.AgentRole) (*models.SessionRef, error)
	UpsertSessionRef(ctx context.Context, ref models.SessionRef) error
}

// AgentOptions 推理角色的驱动和采样设置
type AgentOptions struct {
	Driver    llm.DriverConfig
	MaxTokens int
	Sampling  llm.SamplingOptions
	// Retry 后端瞬时错误的重试
	Retry inference.RetryConfig
	// SemanticAttempts 输出无法解析或不合法时的重试次数
	SemanticAttempts int
}

func (o AgentOptions) withDefaults() AgentOptions {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 256
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = inference.DefaultRetryConfig()
	}
	if o.SemanticAttempts <= 0 {
		o.SemanticAttempts = 3
	}
	return o
}

// agent 写手和导演共用的会话管理：查找或创建会话、必要时重新解码、
// 推理、提交并记录缓存内容的哈希。
type agent struct {
	role    models.AgentRole
	manager *inference.Manager
	refs    SessionRefStore
	opts    AgentOptions
	logger  *zap.Logger
}

func newAgent(role models.AgentRole, manager *inference.Manager, refs SessionRefStore, opts AgentOptions, logger *zap.Logger) agent {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return agent{
		role:    role,
		manager: manager,
		refs:    refs,
		opts:    opts.withDefaults(),
		logger:  logger.Named(string(role)),
	}
}

// turn 一次推理调用期间持有的会话及其引用
type turn struct {
	session *inference.Session
	ref     models.SessionRef
	dynamic string
}

// prepare 让会话缓存恰好包含 static+dynamic
func (a *agent) prepare(ctx context.Context, simulationID, static, dynamic string) (*turn, error) {
	if a.opts.Driver == nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("%s driver is not configured", a.role), nil)
	}
	stored, err := a.refs.GetSessionRef(ctx, simulationID, a.role)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = &models.SessionRef{SimulationID: simulationID, Agent: a.role}
	}

	session, ref, needDecode, err := a.manager.FindOrCreate(ctx, a.opts.Driver, stored, static, dynamic)
	if err != nil {
		return nil, fmt.Errorf("%s session: %w", a.role, err)
	}
	if needDecode {
		_, err := inference.Retry(ctx, a.opts.Retry, a.logger, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, session.Decode(ctx, static+dynamic, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("%s decode: %w", a.role, err)
		}
	}
	// 缓存现在与 static+dynamic 一致，即使之后的推理失败也如此
	if err := a.refs.UpsertSessionRef(ctx, ref); err != nil {
		return nil, err
	}
	return &turn{session: session, ref: ref, dynamic: dynamic}, nil
}

func (a *agent) request(prompt, grammarText string, maxTokens int) llm.InferRequest {
	if maxTokens <= 0 {
		maxTokens = a.opts.MaxTokens
	}
	return llm.InferRequest{
		Prompt:    &prompt,
		MaxTokens: maxTokens,
		Options:   a.opts.Sampling,
		Grammar:   grammarText,
	}
}

func (a *agent) infer(ctx context.Context, t *turn, req llm.InferRequest, onToken func(string)) (llm.InferResult, error) {
	return inference.Retry(ctx, a.opts.Retry, a.logger, func(ctx context.Context) (llm.InferResult, error) {
		return t.session.Infer(ctx, req, onToken)
	})
}

// commit 把本次输出固定进缓存，并记录新的动态提示词哈希
func (a *agent) commit(ctx context.Context, t *turn, prompt, output string) error {
	if err := t.session.Commit(ctx); err != nil {
		return fmt.Errorf("%s commit: %w", a.role, err)
	}
	t.ref.DynamicPromptHash = utils.PromptDigest(t.dynamic, prompt, output)
	return a.refs.UpsertSessionRef(ctx, t.ref)
}
