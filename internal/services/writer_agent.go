// internal/services/writer_agent.go
package services

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/grammar"
	"github.com/Corphon/SceneWeaver/internal/inference"
	"github.com/Corphon/SceneWeaver/internal/models"
)

// WriterInput 写手一次推理的输入
type WriterInput struct {
	SimulationID string
	Scenario     *models.Scenario
	// Summary 当前检查点的滚动摘要
	Summary *string
	// History 当前检查点以来的步骤，从旧到新
	History []Step
	State   models.StateSnapshot
	// Speaker 非空时强制由该角色（或旁白）说下一句
	Speaker *string
	// OnToken 接收流式输出
	OnToken func(string)
}

// WriterOutput 解析后的写手输出，旁白的 CharacterID 为 nil
type WriterOutput struct {
	CharacterID *string
	Text        string
}

// SummaryInput 整合时的摘要请求
type SummaryInput struct {
	SimulationID string
	Scenario     *models.Scenario
	Summary      *string
	History      []Step
	// Budget 摘要的最大 token 数
	Budget int
}

// Writer 生成叙事文本
type Writer interface {
	Infer(ctx context.Context, in WriterInput) (WriterOutput, error)
	Summarize(ctx context.Context, in SummaryInput) (string, error)
}

// WriterAgent 基于推理会话的写手
type WriterAgent struct {
	agent
}

// NewWriterAgent 创建写手
func NewWriterAgent(manager *inference.Manager, refs SessionRefStore, opts AgentOptions, logger *zap.Logger) *WriterAgent {
	return &WriterAgent{agent: newAgent(models.AgentWriter, manager, refs, opts, logger)}
}

// speakers 语法允许的说话人：强制的那一个，或在场角色加旁白
func speakers(state models.StateSnapshot, forced *string) grammar.WriterSpeakers {
	if forced != nil {
		if *forced == models.NarratorID {
			return grammar.WriterSpeakers{Narrator: true}
		}
		return grammar.WriterSpeakers{CharacterIDs: []string{*forced}}
	}
	return grammar.WriterSpeakers{CharacterIDs: state.CharacterIDs(), Narrator: true}
}

// Infer 生成下一句。输出不合法时在语义层重试，缓存中未提交的输出会被回滚。
func (w *WriterAgent) Infer(ctx context.Context, in WriterInput) (WriterOutput, error) {
	allowed := speakers(in.State, in.Speaker)
	grammarText, err := grammar.BuildWriterGrammar(allowed)
	if err != nil {
		return WriterOutput{}, apperrors.NewContractError(err.Error())
	}

	static := writerStaticPrompt(in.Scenario)
	dynamic := writerDynamicPrompt(in.Summary, in.History)
	t, err := w.prepare(ctx, in.SimulationID, static, dynamic)
	if err != nil {
		return WriterOutput{}, err
	}

	const prompt = "\n"
	var lastErr error
	for attempt := 1; attempt <= w.opts.SemanticAttempts; attempt++ {
		result, err := w.infer(ctx, t, w.request(prompt, grammarText, 0), in.OnToken)
		if err != nil {
			return WriterOutput{}, fmt.Errorf("writer infer: %w", err)
		}

		out, err := parseWriterOutput(result.Text, allowed)
		if err != nil {
			lastErr = err
			w.logger.Warn("writer output rejected",
				zap.String("simulation_id", in.SimulationID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		if err := w.commit(ctx, t, prompt, result.Text); err != nil {
			return WriterOutput{}, err
		}
		return out, nil
	}
	return WriterOutput{}, apperrors.NewSemanticError(
		fmt.Sprintf("writer produced no valid line in %d attempts", w.opts.SemanticAttempts), lastErr)
}

func parseWriterOutput(text string, allowed grammar.WriterSpeakers) (WriterOutput, error) {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	speaker, utterance, err := grammar.ParseWriterLine(line)
	if err != nil {
		return WriterOutput{}, err
	}
	if speaker == nil {
		if !allowed.Narrator {
			return WriterOutput{}, apperrors.NewSemanticError("narration is not allowed here", nil)
		}
	} else if !slices.Contains(allowed.CharacterIDs, *speaker) {
		return WriterOutput{}, apperrors.NewSemanticError(fmt.Sprintf("unknown speaker %q", *speaker), nil)
	}
	return WriterOutput{CharacterID: speaker, Text: utterance}, nil
}

// Summarize 把摘要和最近的故事行压缩成新的摘要。
// 输出不提交，写手缓存仍停留在故事行之后。
func (w *WriterAgent) Summarize(ctx context.Context, in SummaryInput) (string, error) {
	budget := in.Budget
	if budget <= 0 {
		budget = w.opts.MaxTokens
	}
	static := writerStaticPrompt(in.Scenario)
	dynamic := writerDynamicPrompt(in.Summary, in.History)
	t, err := w.prepare(ctx, in.SimulationID, static, dynamic)
	if err != nil {
		return "", err
	}

	result, err := w.infer(ctx, t, w.request(summaryPrompt(budget), "", budget), nil)
	if err != nil {
		return "", fmt.Errorf("writer summarize: %w", err)
	}
	summary := strings.TrimSpace(result.Text)
	if summary == "" {
		return "", apperrors.NewSemanticError("writer produced an empty summary", nil)
	}
	return summary, nil
}
