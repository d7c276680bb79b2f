// internal/storage/scenario_cache.go
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/grammar"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/stage"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// ScenarioLoader 读取 YAML 剧本文件并缓存解析结果。
// 文件修改时间或大小变化、或缓存过期时重新读取。
type ScenarioLoader struct {
	dir        string
	cache      map[string]*scenarioEntry
	mutex      sync.RWMutex
	maxSize    int           // 最大缓存条目数
	expiration time.Duration // 缓存过期时间
	logger     *zap.Logger
}

type scenarioEntry struct {
	scenario  *models.Scenario
	createdAt time.Time
	lastRead  time.Time
	modTime   time.Time
	size      int64
}

// NewScenarioLoader 创建剧本加载器，相对路径按 dir 解析
func NewScenarioLoader(dir string, maxSize int, expiration time.Duration) *ScenarioLoader {
	if maxSize <= 0 {
		maxSize = 64
	}
	if expiration <= 0 {
		expiration = 5 * time.Minute
	}
	return &ScenarioLoader{
		dir:        dir,
		cache:      make(map[string]*scenarioEntry),
		maxSize:    maxSize,
		expiration: expiration,
		logger:     utils.GetLogger().Named("scenario"),
	}
}

func (l *ScenarioLoader) resolve(name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		if filepath.Ext(path) == "" {
			path += ".yaml"
		}
		path = filepath.Join(l.dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("获取文件绝对路径失败: %w", err)
	}
	return abs, nil
}

// Load 读取剧本。name 可以是绝对路径，也可以是 dir 下的文件名（可省略 .yaml）。
// 返回的剧本由缓存共享，调用方不得修改。
func (l *ScenarioLoader) Load(name string) (*models.Scenario, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("scenario "+name+" not found", err)
		}
		return nil, fmt.Errorf("stat scenario: %w", err)
	}

	l.mutex.RLock()
	entry, exists := l.cache[path]
	l.mutex.RUnlock()

	if exists {
		modified := info.ModTime().After(entry.modTime) || info.Size() != entry.size
		expired := time.Since(entry.createdAt) > l.expiration
		if !modified && !expired {
			l.mutex.Lock()
			entry.lastRead = time.Now()
			l.mutex.Unlock()
			return entry.scenario, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	if scenario.ID == "" {
		scenario.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	now := time.Now()
	l.mutex.Lock()
	l.cache[path] = &scenarioEntry{
		scenario:  scenario,
		createdAt: now,
		lastRead:  now,
		modTime:   info.ModTime(),
		size:      info.Size(),
	}
	if len(l.cache) > l.maxSize {
		l.cleanupLRU(max(1, l.maxSize/5))
	}
	l.mutex.Unlock()

	l.logger.Debug("scenario loaded", zap.String("scenario_id", scenario.ID), zap.String("path", path))
	return scenario, nil
}

// List 列出目录中的剧本名
func (l *ScenarioLoader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("读取剧本目录失败: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate 从缓存中删除条目
func (l *ScenarioLoader) Invalidate(name string) {
	path, err := l.resolve(name)
	if err != nil {
		return
	}
	l.mutex.Lock()
	delete(l.cache, path)
	l.mutex.Unlock()
}

// 清理最少使用的条目，调用方持有写锁
func (l *ScenarioLoader) cleanupLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}
	entries := make([]keyAge, 0, len(l.cache))
	for k, v := range l.cache {
		entries = append(entries, keyAge{k, v.lastRead})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})
	for i := 0; i < min(count, len(entries)); i++ {
		delete(l.cache, entries[i].key)
	}
}

// ParseScenario 解析 YAML 剧本，把片段中的导演指令解析为命令并校验引用
func ParseScenario(data []byte) (*models.Scenario, error) {
	var scenario models.Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, apperrors.NewValidationError("解析YAML失败", err)
	}
	if len(scenario.Scenes) == 0 {
		return nil, apperrors.NewValidationError("scenario has no scenes", nil)
	}
	if scenario.Start.SceneID != "" && !scenario.HasScene(scenario.Start.SceneID) {
		return nil, apperrors.NewValidationError("unknown start scene "+scenario.Start.SceneID, nil)
	}
	if scenario.MainCharacterID != "" {
		if _, ok := scenario.Characters[scenario.MainCharacterID]; !ok {
			return nil, apperrors.NewValidationError("unknown main character "+scenario.MainCharacterID, nil)
		}
	}
	if scenario.StarterEpisodeID != "" {
		if _, ok := scenario.Episodes[scenario.StarterEpisodeID]; !ok {
			return nil, apperrors.NewValidationError("unknown starter episode "+scenario.StarterEpisodeID, nil)
		}
	}

	start := make([]models.Command, 0, len(scenario.Start.Characters))
	for _, c := range scenario.Start.Characters {
		start = append(start, models.AddCharacter{CharacterID: c.ID, OutfitID: c.OutfitID, ExpressionID: c.ExpressionID})
	}
	if err := stage.CheckScenario(&scenario, start); err != nil {
		return nil, fmt.Errorf("start stage: %w", err)
	}

	for id, episode := range scenario.Episodes {
		for i := range episode.Chunks {
			chunk := &episode.Chunks[i]
			if len(chunk.Directives) == 0 {
				continue
			}
			cmds, err := grammar.ParseCommands(strings.Join(chunk.Directives, "\n"))
			if err != nil {
				return nil, fmt.Errorf("episode %s chunk %d: %w", id, i, err)
			}
			if err := stage.CheckScenario(&scenario, cmds); err != nil {
				return nil, fmt.Errorf("episode %s chunk %d: %w", id, i, err)
			}
			chunk.Code = cmds
		}
		scenario.Episodes[id] = episode
	}
	return &scenario, nil
}
