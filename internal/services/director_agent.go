// internal/services/director_agent.go
package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/grammar"
	"github.com/Corphon/SceneWeaver/internal/inference"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/stage"
)

// DirectorInput 导演一次推理的输入
type DirectorInput struct {
	SimulationID string
	Scenario     *models.Scenario
	// Checkpoint 当前检查点的舞台
	Checkpoint models.StateSnapshot
	// History 当前检查点以来的步骤，从旧到新
	History []Step
	// Line 需要配上命令的新写手文本
	Line models.WriterUpdate
	// State 执行新命令前的舞台
	State models.StateSnapshot
	// Enabled 允许登场的角色，nil 表示全部
	Enabled []string
}

// Director 为写手文本生成舞台命令
type Director interface {
	Infer(ctx context.Context, in DirectorInput) (models.Commands, error)
}

// DirectorAgent 基于推理会话的导演
type DirectorAgent struct {
	agent
}

// NewDirectorAgent 创建导演
func NewDirectorAgent(manager *inference.Manager, refs SessionRefStore, opts AgentOptions, logger *zap.Logger) *DirectorAgent {
	return &DirectorAgent{agent: newAgent(models.AgentDirector, manager, refs, opts, logger)}
}

// Infer 生成命令。每次尝试前都按当前舞台重新生成语法；
// 输出无法解析或无法应用时重试，次数用尽后返回语义错误。
func (d *DirectorAgent) Infer(ctx context.Context, in DirectorInput) (models.Commands, error) {
	static := directorStaticPrompt(in.Scenario)
	dynamic := directorDynamicPrompt(in.Checkpoint, in.History)
	t, err := d.prepare(ctx, in.SimulationID, static, dynamic)
	if err != nil {
		return nil, err
	}

	prompt := directorPrompt(in.Line)
	var lastErr error
	for attempt := 1; attempt <= d.opts.SemanticAttempts; attempt++ {
		grammarText := grammar.BuildDirectorGrammar(in.Scenario, in.State, in.Enabled)
		result, err := d.infer(ctx, t, d.request(prompt, grammarText, 0), nil)
		if err != nil {
			return nil, fmt.Errorf("director infer: %w", err)
		}

		cmds, err := validateDirectorOutput(in.Scenario, in.State, result.Text)
		if err != nil {
			lastErr = err
			d.logger.Warn("director output rejected",
				zap.String("simulation_id", in.SimulationID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		if err := d.commit(ctx, t, prompt, result.Text); err != nil {
			return nil, err
		}
		return cmds, nil
	}
	return nil, apperrors.NewSemanticError(
		fmt.Sprintf("director produced no valid commands in %d attempts", d.opts.SemanticAttempts), lastErr)
}

// validateDirectorOutput 解析输出并在舞台副本上试运行
func validateDirectorOutput(s *models.Scenario, state models.StateSnapshot, text string) (models.Commands, error) {
	cmds, err := grammar.ParseDirectorBlock(text)
	if err != nil {
		return nil, err
	}
	if err := stage.CheckScenario(s, cmds); err != nil {
		return nil, apperrors.NewSemanticError("director referenced unknown ids", err)
	}
	// 逐条试运行：主角一旦在场就不能被移除或被清场带走
	live := state.Clone()
	for _, cmd := range cmds {
		onStage := live.HasCharacter(s.MainCharacterID)
		if err := stage.Apply(&live, models.Commands{cmd}); err != nil {
			return nil, apperrors.NewSemanticError("director commands do not apply", err)
		}
		if onStage && !live.HasCharacter(s.MainCharacterID) {
			return nil, apperrors.NewSemanticError(
				fmt.Sprintf("director removed the main character with %s", grammar.RenderCommand(cmd)), nil)
		}
	}
	return cmds, nil
}
