// internal/models/state.go
package models

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// CharacterState 舞台上一个角色的当前外观
type CharacterState struct {
	ID           string `json:"id" yaml:"id"`
	OutfitID     string `json:"outfitId" yaml:"outfitId"`
	ExpressionID string `json:"expressionId" yaml:"expressionId"`
}

// EpisodeState 正在播放的剧本片段进度
type EpisodeState struct {
	ID             string `json:"id"`
	NextChunkIndex int    `json:"nextChunkIndex"`
	TotalChunks    int    `json:"totalChunks"`
}

// Done 片段是否已全部播放
func (e *EpisodeState) Done() bool {
	return e == nil || e.NextChunkIndex >= e.TotalChunks
}

// StateSnapshot 模拟的舞台状态：当前场景、在场角色以及进行中的片段。
// 由检查点构造，通过应用命令原地修改，在整合时序列化回检查点。
type StateSnapshot struct {
	SceneID        string           `json:"sceneId,omitempty"`
	Characters     []CharacterState `json:"characters"`
	CurrentEpisode *EpisodeState    `json:"currentEpisode,omitempty"`
}

// Clone 返回深拷贝
func (s StateSnapshot) Clone() StateSnapshot {
	out := StateSnapshot{SceneID: s.SceneID}
	if len(s.Characters) > 0 {
		out.Characters = make([]CharacterState, len(s.Characters))
		copy(out.Characters, s.Characters)
	}
	if s.CurrentEpisode != nil {
		episode := *s.CurrentEpisode
		out.CurrentEpisode = &episode
	}
	return out
}

// Character 按ID查找在场角色
func (s *StateSnapshot) Character(id string) (*CharacterState, bool) {
	for i := range s.Characters {
		if s.Characters[i].ID == id {
			return &s.Characters[i], true
		}
	}
	return nil, false
}

// HasCharacter 角色是否在场
func (s *StateSnapshot) HasCharacter(id string) bool {
	_, ok := s.Character(id)
	return ok
}

// CharacterIDs 在场角色ID，保持舞台顺序
func (s *StateSnapshot) CharacterIDs() []string {
	ids := make([]string, 0, len(s.Characters))
	for _, c := range s.Characters {
		ids = append(ids, c.ID)
	}
	return ids
}

// snapshotFields has StateSnapshot's layout without its methods, so cmp does
// not dispatch back into Equal.
type snapshotFields StateSnapshot

var snapshotOpts = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.SortSlices(func(a, b CharacterState) bool { return a.ID < b.ID }),
}

// Equal reports structural equality. Character order on stage is not significant.
func (s StateSnapshot) Equal(other StateSnapshot) bool {
	return cmp.Equal(snapshotFields(s), snapshotFields(other), snapshotOpts...)
}

// Diff 返回两个状态的可读差异，用于日志
func (s StateSnapshot) Diff(other StateSnapshot) string {
	return cmp.Diff(snapshotFields(s), snapshotFields(other), snapshotOpts...)
}
