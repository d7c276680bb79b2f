// internal/models/story.go
package models

import (
	"time"
)

// Preference 玩家对某次更新的评价：nil 未评价，true 喜欢，false 不喜欢
type Preference *bool

// Like / Dislike 便捷构造
func Like() Preference    { v := true; return &v }
func Dislike() Preference { v := false; return &v }

// NarratorID 旁白在写手输出中使用的保留ID，存储时 CharacterID 为空
const NarratorID = "narrator"

// Simulation 一次模拟的头指针。移动 CurrentUpdateID 定义了"玩家当前所在位置"。
type Simulation struct {
	ID               string    `json:"id"`
	ScenarioID       string    `json:"scenarioId"`
	CurrentUpdateID  *string   `json:"currentUpdateId,omitempty"`
	StarterEpisodeID *string   `json:"starterEpisodeId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// WriterUpdate 写手生成的一条叙事文本。通过 ParentUpdateID 组成树，
// 兄弟节点即同一位置的不同变体；NextUpdateID 缓存当前"正典"子节点。
type WriterUpdate struct {
	ID                 string     `json:"id"`
	SimulationID       string     `json:"simulationId"`
	ParentUpdateID     *string    `json:"parentUpdateId,omitempty"`
	NextUpdateID       *string    `json:"nextUpdateId,omitempty"`
	CheckpointID       string     `json:"checkpointId"`
	CharacterID        *string    `json:"characterId,omitempty"`
	SimulationDayClock int        `json:"simulationDayClock"`
	Text               string     `json:"text"`
	CreatedByPlayer    bool       `json:"createdByPlayer"`
	EpisodeID          *string    `json:"episodeId,omitempty"`
	EpisodeChunkIndex  *int       `json:"episodeChunkIndex,omitempty"`
	DidConsolidate     bool       `json:"didConsolidate"`
	Preference         Preference `json:"preference,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Speaker 写手文本使用的说话人ID，旁白返回 NarratorID
func (w *WriterUpdate) Speaker() string {
	if w.CharacterID == nil {
		return NarratorID
	}
	return *w.CharacterID
}

// DirectorUpdate 导演为某条写手更新给出的命令序列
type DirectorUpdate struct {
	ID             string     `json:"id"`
	WriterUpdateID string     `json:"writerUpdateId"`
	Code           Commands   `json:"code"`
	Preference     Preference `json:"preference,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Checkpoint 完整状态快照加上滚动摘要，锚定在某条写手更新上（根检查点为空）
type Checkpoint struct {
	ID             string        `json:"id"`
	SimulationID   string        `json:"simulationId"`
	WriterUpdateID *string       `json:"writerUpdateId,omitempty"`
	Summary        *string       `json:"summary,omitempty"`
	State          StateSnapshot `json:"state"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// IsRoot 是否为模拟开始时的根检查点
func (c Checkpoint) IsRoot() bool {
	return c.WriterUpdateID == nil
}

// AgentRole 推理角色
type AgentRole string

const (
	AgentWriter   AgentRole = "writer"
	AgentDirector AgentRole = "director"
)

// SessionRef 持久化的推理会话引用，用于跨步骤复用后端缓存
type SessionRef struct {
	SimulationID      string    `json:"simulationId"`
	Agent             AgentRole `json:"agent"`
	Driver            []byte    `json:"driver"`
	SessionID         string    `json:"sessionId"`
	StaticPromptHash  string    `json:"staticPromptHash"`
	DynamicPromptHash string    `json:"dynamicPromptHash"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
