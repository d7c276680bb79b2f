// internal/models/scene.go
package models

// Scenario 场景剧本的事实数据，已由外部清单解析和校验
type Scenario struct {
	ID               string               `json:"id" yaml:"id"`
	Name             string               `json:"name" yaml:"name"`
	Setting          string               `json:"setting" yaml:"setting"`
	MainCharacterID  string               `json:"mainCharacterId" yaml:"mainCharacterId"`
	Scenes           map[string]Scene     `json:"scenes" yaml:"scenes"`
	Characters       map[string]Character `json:"characters" yaml:"characters"`
	Episodes         map[string]Episode   `json:"episodes,omitempty" yaml:"episodes"`
	Start            StartState           `json:"start" yaml:"start"`
	StarterEpisodeID string               `json:"starterEpisodeId,omitempty" yaml:"starterEpisodeId"`
	// StartClockMinutes 模拟开始时一天中的分钟数
	StartClockMinutes int `json:"startClockMinutes,omitempty" yaml:"startClockMinutes"`
	// MinutesPerUpdate 每条更新推进的游戏内分钟数，0 表示 1
	MinutesPerUpdate int `json:"minutesPerUpdate,omitempty" yaml:"minutesPerUpdate"`
}

// Scene 表示剧本中的一个地点
type Scene struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// StartState 模拟开始时的舞台
type StartState struct {
	SceneID    string           `json:"sceneId" yaml:"sceneId"`
	Characters []CharacterState `json:"characters" yaml:"characters"`
}

// Episode 预先写好的剧情片段，逐块播放
type Episode struct {
	Name   string         `json:"name" yaml:"name"`
	Chunks []EpisodeChunk `json:"chunks" yaml:"chunks"`
}

// EpisodeChunk 片段中的一块：一条写手文本和可选的导演命令
type EpisodeChunk struct {
	CharacterID string   `json:"characterId,omitempty" yaml:"characterId"`
	Text        string   `json:"text" yaml:"text"`
	Code        Commands `json:"code,omitempty" yaml:"-"`
	// Directives 导演文本协议形式的命令，加载时解析进 Code
	Directives []string `json:"-" yaml:"code"`
}

// HasScene 场景是否存在
func (s *Scenario) HasScene(id string) bool {
	_, ok := s.Scenes[id]
	return ok
}

// ClockStep 每条更新推进的分钟数
func (s *Scenario) ClockStep() int {
	if s.MinutesPerUpdate <= 0 {
		return 1
	}
	return s.MinutesPerUpdate
}

// InitialState 根检查点的状态：起始舞台加上起始片段
func (s *Scenario) InitialState() StateSnapshot {
	state := StateSnapshot{SceneID: s.Start.SceneID}
	if len(s.Start.Characters) > 0 {
		state.Characters = append([]CharacterState(nil), s.Start.Characters...)
	}
	if s.StarterEpisodeID != "" {
		if episode, ok := s.Episodes[s.StarterEpisodeID]; ok && len(episode.Chunks) > 0 {
			state.CurrentEpisode = &EpisodeState{
				ID:          s.StarterEpisodeID,
				TotalChunks: len(episode.Chunks),
			}
		}
	}
	return state
}
