// internal/models/command.go
package models

import (
	"encoding/json"
	"fmt"
)

// CommandName 命令在存储和导演输出中的名字
type CommandName string

const (
	CommandSetScene        CommandName = "setScene"
	CommandAddCharacter    CommandName = "addCharacter"
	CommandSetOutfit       CommandName = "setOutfit"
	CommandSetExpression   CommandName = "setExpression"
	CommandRemoveCharacter CommandName = "removeCharacter"
)

// Command 状态转换词汇表。封闭集合，只有本包内的类型实现。
// 命令一旦创建不可修改，按顺序附加在叙事节点上。
type Command interface {
	Name() CommandName
	isCommand()
}

// SetScene 切换场景。ClearStage 为真时同时清空舞台上的所有角色。
type SetScene struct {
	SceneID    string `json:"sceneId"`
	ClearStage bool   `json:"clearStage,omitempty"`
}

// AddCharacter 让角色以指定服装和表情登场
type AddCharacter struct {
	CharacterID  string `json:"characterId"`
	OutfitID     string `json:"outfitId"`
	ExpressionID string `json:"expressionId"`
}

// SetOutfit 更换在场角色的服装
type SetOutfit struct {
	CharacterID string `json:"characterId"`
	OutfitID    string `json:"outfitId"`
}

// SetExpression 更换在场角色的表情
type SetExpression struct {
	CharacterID  string `json:"characterId"`
	ExpressionID string `json:"expressionId"`
}

// RemoveCharacter 让在场角色退场
type RemoveCharacter struct {
	CharacterID string `json:"characterId"`
}

func (SetScene) Name() CommandName        { return CommandSetScene }
func (AddCharacter) Name() CommandName    { return CommandAddCharacter }
func (SetOutfit) Name() CommandName       { return CommandSetOutfit }
func (SetExpression) Name() CommandName   { return CommandSetExpression }
func (RemoveCharacter) Name() CommandName { return CommandRemoveCharacter }

func (SetScene) isCommand()        {}
func (AddCharacter) isCommand()    {}
func (SetOutfit) isCommand()       {}
func (SetExpression) isCommand()   {}
func (RemoveCharacter) isCommand() {}

// Commands 有序命令序列，JSON 形式为 [{"name":..., "args":{...}}]
type Commands []Command

type commandEnvelope struct {
	Name CommandName     `json:"name"`
	Args json.RawMessage `json:"args"`
}

// MarshalJSON implements json.Marshaler.
func (c Commands) MarshalJSON() ([]byte, error) {
	envelopes := make([]commandEnvelope, 0, len(c))
	for _, cmd := range c {
		args, err := json.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", cmd.Name(), err)
		}
		envelopes = append(envelopes, commandEnvelope{Name: cmd.Name(), Args: args})
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Commands) UnmarshalJSON(data []byte) error {
	var envelopes []commandEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	out := make(Commands, 0, len(envelopes))
	for i, env := range envelopes {
		cmd, err := decodeCommand(env)
		if err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		out = append(out, cmd)
	}
	*c = out
	return nil
}

func decodeCommand(env commandEnvelope) (Command, error) {
	switch env.Name {
	case CommandSetScene:
		var cmd SetScene
		if err := json.Unmarshal(env.Args, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandAddCharacter:
		var cmd AddCharacter
		if err := json.Unmarshal(env.Args, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandSetOutfit:
		var cmd SetOutfit
		if err := json.Unmarshal(env.Args, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandSetExpression:
		var cmd SetExpression
		if err := json.Unmarshal(env.Args, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandRemoveCharacter:
		var cmd RemoveCharacter
		if err := json.Unmarshal(env.Args, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command %q", env.Name)
	}
}
